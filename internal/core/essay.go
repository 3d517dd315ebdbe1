package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/verce-team/sam-service/internal/store"
)

// ReferencesSectionID is the synthetic trailing outline section holding the
// generated reference list.
const ReferencesSectionID = "references"

const sectionErrorText = "Error al generar el contenido."
const referencesErrorText = "Hubo un error al generar las referencias."

// ErrComposerBusy rejects overlapping generation on one composer.
var ErrComposerBusy = errors.New("a section is already being generated")

// ErrNoSuchSection rejects generation for a section not in the outline.
var ErrNoSuchSection = errors.New("section is not part of the outline")

// EssayBackend is the slice of the LLM service the composer uses.
type EssayBackend interface {
	GenerateEssayOutline(ctx context.Context, prompt, systemInstruction, modelTier string) ([]store.EssaySection, error)
	StreamEssaySection(ctx context.Context, prompt, systemInstruction, modelTier string) <-chan StreamEvent
	GenerateEssayReferences(ctx context.Context, prompt, systemInstruction, modelTier string) ([]string, error)
}

// Composer drives the essay workflow: briefing, outline, per-section
// content, references. Section regeneration fully replaces prior content.
type Composer struct {
	backend           EssayBackend
	systemInstruction string
	modelTier         string

	mu    sync.Mutex
	essay store.Essay
}

// NewComposer wraps an essay value. A fresh essay starts in briefing; one
// reopened from a saved snapshot resumes in idle.
func NewComposer(backend EssayBackend, essay store.Essay, systemInstruction, modelTier string) *Composer {
	if essay.Content == nil {
		essay.Content = map[string]string{}
	}
	switch {
	case essay.Status != "":
		// keep the reopened status
	case len(essay.Outline) > 0:
		essay.Status = store.EssayIdle
	default:
		essay.Status = store.EssayBriefing
	}
	return &Composer{backend: backend, essay: essay, systemInstruction: systemInstruction, modelTier: modelTier}
}

// Essay returns a detached copy of the current state.
func (c *Composer) Essay() store.Essay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyEssay(c.essay)
}

func copyEssay(e store.Essay) store.Essay {
	out := e
	out.Outline = append([]store.EssaySection(nil), e.Outline...)
	out.References = append([]string(nil), e.References...)
	out.Content = make(map[string]string, len(e.Content))
	for k, v := range e.Content {
		out.Content[k] = v
	}
	return out
}

// GenerateOutline asks the backend for a structured outline and appends the
// synthetic references section.
func (c *Composer) GenerateOutline(ctx context.Context) error {
	c.mu.Lock()
	if c.essay.Status == store.EssayGeneratingOutline || c.essay.Status == store.EssayGeneratingSection {
		c.mu.Unlock()
		return ErrComposerBusy
	}
	c.essay.Status = store.EssayGeneratingOutline
	prompt := fmt.Sprintf("Topic: %q, Level: %s, Tone: %s, Word Count: ~%d",
		c.essay.Topic, c.essay.AcademicLevel, c.essay.Tone, c.essay.WordCountTarget)
	c.mu.Unlock()

	sections, err := c.backend.GenerateEssayOutline(ctx, prompt, c.systemInstruction, c.modelTier)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.essay.Status = store.EssayError
		return fmt.Errorf("outline generation failed: %w", err)
	}
	for i := range sections {
		sections[i].ID = uuid.NewString()
	}
	sections = append(sections, store.EssaySection{ID: ReferencesSectionID, Title: "Referencias", Points: []string{}})
	c.essay.Outline = sections
	c.essay.Status = store.EssayEditingOutline
	return nil
}

// GenerateSection streams content into exactly one section's slot, clearing
// it first so regeneration replaces rather than appends. onChunk, when
// non-nil, observes each delivered chunk.
func (c *Composer) GenerateSection(ctx context.Context, sectionID string, onChunk func(chunk string)) error {
	c.mu.Lock()
	if c.essay.Status == store.EssayGeneratingSection {
		c.mu.Unlock()
		return ErrComposerBusy
	}
	section, ok := c.findSection(sectionID)
	if !ok || sectionID == ReferencesSectionID {
		c.mu.Unlock()
		return ErrNoSuchSection
	}
	c.essay.Status = store.EssayGeneratingSection
	c.essay.Content[sectionID] = ""
	outlineJSON, _ := json.Marshal(c.essay.Outline)
	prompt := fmt.Sprintf("Essay Topic: %q\nFull Outline: %s\n\nCurrent Section to Write: %q\nKey Points for this section: %s",
		c.essay.Topic, outlineJSON, section.Title, strings.Join(section.Points, ", "))
	c.mu.Unlock()

	var text strings.Builder
	for ev := range c.backend.StreamEssaySection(ctx, prompt, c.systemInstruction, c.modelTier) {
		switch ev.Type {
		case StreamChunk:
			text.WriteString(ev.Text)
			c.mu.Lock()
			c.essay.Content[sectionID] = text.String()
			c.mu.Unlock()
			if onChunk != nil {
				onChunk(ev.Text)
			}
		case StreamComplete:
			c.mu.Lock()
			c.essay.Content[sectionID] = ev.FullText
			c.essay.Status = store.EssayIdle
			c.mu.Unlock()
			return nil
		case StreamError:
			c.mu.Lock()
			c.essay.Content[sectionID] = sectionErrorText
			c.essay.Status = store.EssayIdle
			c.mu.Unlock()
			return fmt.Errorf("section generation failed: %w", ev.Err)
		}
	}

	// Cancelled mid-stream: keep whatever landed, release the status.
	c.mu.Lock()
	c.essay.Status = store.EssayIdle
	c.mu.Unlock()
	return ctx.Err()
}

// GenerateReferences runs a single request over the concatenated section
// content.
func (c *Composer) GenerateReferences(ctx context.Context) error {
	c.mu.Lock()
	if c.essay.Status == store.EssayGeneratingSection || c.essay.Status == store.EssayGeneratingRefs {
		c.mu.Unlock()
		return ErrComposerBusy
	}
	c.essay.Status = store.EssayGeneratingRefs
	var parts []string
	for _, section := range c.essay.Outline {
		parts = append(parts, c.essay.Content[section.ID])
	}
	prompt := "Based on the following essay, please generate a list of relevant references.\n\n---\n\n" + strings.Join(parts, "\n\n")
	c.mu.Unlock()

	refs, err := c.backend.GenerateEssayReferences(ctx, prompt, c.systemInstruction, c.modelTier)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.essay.Status = store.EssayIdle
	if err != nil {
		c.essay.References = []string{referencesErrorText}
		return fmt.Errorf("reference generation failed: %w", err)
	}
	c.essay.References = refs
	return nil
}

func (c *Composer) findSection(sectionID string) (store.EssaySection, bool) {
	for _, s := range c.essay.Outline {
		if s.ID == sectionID {
			return s, true
		}
	}
	return store.EssaySection{}, false
}

// EssayMarkdown renders an essay for export.
func EssayMarkdown(essay *store.Essay) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", essay.Topic)
	for _, section := range essay.Outline {
		if section.ID == ReferencesSectionID {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", section.Title)
		b.WriteString(essay.Content[section.ID])
		b.WriteString("\n\n")
	}
	if len(essay.References) > 0 {
		b.WriteString("## Referencias\n\n")
		for _, ref := range essay.References {
			fmt.Fprintf(&b, "* %s\n", ref)
		}
	}
	return b.String()
}

// EssayPlainText renders an essay without markup.
func EssayPlainText(essay *store.Essay) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", essay.Topic)
	for _, section := range essay.Outline {
		if section.ID == ReferencesSectionID {
			continue
		}
		fmt.Fprintf(&b, "%s\n\n", section.Title)
		b.WriteString(essay.Content[section.ID])
		b.WriteString("\n\n")
	}
	if len(essay.References) > 0 {
		b.WriteString("Referencias\n\n")
		for _, ref := range essay.References {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
	}
	return b.String()
}
