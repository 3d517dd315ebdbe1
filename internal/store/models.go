package store

import "time"

// Message authors. The assistant persona is "sam"; "system" messages carry
// mode-switch notices surfaced to the user.
const (
	AuthorUser   = "user"
	AuthorSam    = "sam"
	AuthorSystem = "system"
)

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Chat struct {
	ID        string    `json:"id"` // UUID
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Attachment is an inline file payload. Immutable once created.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"` // MIME type
	Data string `json:"data"` // base64 payload
}

// Artifact is a block of generated source code materialized as a standalone
// viewable unit. Pinning copies it into the pinned collection; the copy is
// owned independently of the originating message.
type Artifact struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Filepath string `json:"filepath"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Citation is the persistable reduction of the backend's grounding
// metadata: only the fields worth keeping, never the raw structure.
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

type Message struct {
	ID          string      `json:"id"` // UUID
	ChatID      string      `json:"chat_id"`
	Author      string      `json:"author"`
	Text        string      `json:"text"`
	Mode        string      `json:"mode,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	Artifacts   []Artifact  `json:"artifacts,omitempty"`
	ConsoleLogs []string    `json:"console_logs,omitempty"`
	Citations   []Citation  `json:"citations,omitempty"`
	Essay       *Essay      `json:"essay,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`

	// Transient UI hints. Cleared on completion and never persisted.
	GeneratingArtifact bool `json:"generating_artifact,omitempty"`
	IsSearching        bool `json:"is_searching,omitempty"`
}

// Settings per user. Unknown or corrupt stored values fall back to these
// defaults rather than failing the load.
type Settings struct {
	Theme        string `json:"theme"`
	Personality  string `json:"personality"`
	Profession   string `json:"profession"`
	DefaultModel string `json:"default_model"`
	QuickMode    bool   `json:"quick_mode"`
}

func DefaultSettings() Settings {
	return Settings{
		Theme:        "dark",
		Personality:  "default",
		Profession:   "",
		DefaultModel: "sm-i1",
		QuickMode:    false,
	}
}

// UsageTracker counts SM-I3 requests for one calendar day. Count never goes
// negative; a new day resets the tracker.
type UsageTracker struct {
	Date          string `json:"date"` // YYYY-MM-DD
	Count         int    `json:"count"`
	HasAttachment bool   `json:"has_attachment"`
}

type EssaySection struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Points []string `json:"points"`
}

// Essay status values, in lifecycle order.
const (
	EssayBriefing          = "briefing"
	EssayGeneratingOutline = "generating_outline"
	EssayEditingOutline    = "editing_outline"
	EssayGeneratingSection = "generating_section"
	EssayGeneratingRefs    = "generating_refs"
	EssayIdle              = "idle"
	EssayError             = "error"
)

type Essay struct {
	Topic           string            `json:"topic"`
	AcademicLevel   string            `json:"academic_level"`
	Tone            string            `json:"tone"`
	WordCountTarget int               `json:"word_count_target"`
	Outline         []EssaySection    `json:"outline"`
	Content         map[string]string `json:"content"` // section ID -> text
	References      []string          `json:"references"`
	Status          string            `json:"status"`
}
