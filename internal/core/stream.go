package core

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/verce-team/sam-service/internal/store"
)

// StreamEventType tags the events produced while a generation streams.
type StreamEventType int

const (
	// StreamChunk carries visible text.
	StreamChunk StreamEventType = iota
	// StreamLogs carries out-of-band [LOG] lines (math mode).
	StreamLogs
	// StreamComplete is the successful terminal event.
	StreamComplete
	// StreamError is the failing terminal event.
	StreamError
)

// StreamEvent is one element of a generation stream. A stream is a finite
// sequence of StreamChunk/StreamLogs events terminated by exactly one
// StreamComplete or StreamError.
type StreamEvent struct {
	Type StreamEventType

	Text string   // StreamChunk
	Logs []string // StreamLogs, and the full log set on StreamComplete

	// Terminal payload.
	FullText  string
	Citations []store.Citation
	Err       error
}

const logPrefix = "[LOG]"

// splitMathChunk routes the lines of one delivered chunk between the log
// channel and visible content. Lines whose trimmed form starts with [LOG]
// are logs; everything else is re-joined with the original newlines.
//
// The split is per delivered chunk, not per logical line: a [LOG] tag that
// the backend splits across two chunks is not detected and its fragments
// land in visible content. Known limitation, kept to match the shipped
// behavior.
func splitMathChunk(chunk string) (logs []string, content string) {
	lines := strings.Split(chunk, "\n")
	var contentLines []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), logPrefix) {
			logs = append(logs, line)
		} else {
			contentLines = append(contentLines, line)
		}
	}
	return logs, strings.Join(contentLines, "\n")
}

var codeBlockRegexp = regexp.MustCompile("(?s)```(\\w+)\n(.*?)```")

// ExtractArtifact scans accumulated assistant text for the first fenced
// code block and materializes it as an artifact. The returned visible text
// has the block stripped. ok is false when no fenced block is present, in
// which case the text is returned unchanged.
func ExtractArtifact(fullText string) (artifact store.Artifact, visible string, ok bool) {
	match := codeBlockRegexp.FindStringSubmatchIndex(fullText)
	if match == nil {
		return store.Artifact{}, fullText, false
	}

	language := fullText[match[2]:match[3]]
	code := strings.TrimSpace(fullText[match[4]:match[5]])
	n := rand.Intn(1000)

	artifact = store.Artifact{
		ID:       uuid.NewString(),
		Title:    fmt.Sprintf("Componente %d", n),
		Filepath: fmt.Sprintf("component-%d.html", n),
		Code:     code,
		Language: language,
	}
	visible = strings.TrimSpace(fullText[:match[0]] + fullText[match[1]:])
	return artifact, visible, true
}
