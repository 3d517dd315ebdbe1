package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verce-team/sam-service/internal/store"
)

type fakeEssayBackend struct {
	outline    []store.EssaySection
	outlineErr error

	sectionChunks []string
	sectionErr    error
	sectionPrompt string

	refs    []string
	refsErr error
}

func (f *fakeEssayBackend) GenerateEssayOutline(ctx context.Context, prompt, systemInstruction, modelTier string) ([]store.EssaySection, error) {
	return f.outline, f.outlineErr
}

func (f *fakeEssayBackend) StreamEssaySection(ctx context.Context, prompt, systemInstruction, modelTier string) <-chan StreamEvent {
	f.sectionPrompt = prompt
	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		if f.sectionErr != nil {
			events <- StreamEvent{Type: StreamError, Err: f.sectionErr}
			return
		}
		var full strings.Builder
		for _, chunk := range f.sectionChunks {
			full.WriteString(chunk)
			events <- StreamEvent{Type: StreamChunk, Text: chunk}
		}
		events <- StreamEvent{Type: StreamComplete, FullText: full.String()}
	}()
	return events
}

func (f *fakeEssayBackend) GenerateEssayReferences(ctx context.Context, prompt, systemInstruction, modelTier string) ([]string, error) {
	return f.refs, f.refsErr
}

func briefedEssay() store.Essay {
	return store.Essay{
		Topic:           "La fotosíntesis",
		AcademicLevel:   "universitario",
		Tone:            "formal",
		WordCountTarget: 1500,
	}
}

func TestComposerGenerateOutline(t *testing.T) {
	backend := &fakeEssayBackend{outline: []store.EssaySection{
		{Title: "Introducción", Points: []string{"contexto"}},
		{Title: "Desarrollo", Points: []string{"fase luminosa", "fase oscura"}},
	}}
	composer := NewComposer(backend, briefedEssay(), "instr", TierSMI3)
	assert.Equal(t, store.EssayBriefing, composer.Essay().Status)

	require.NoError(t, composer.GenerateOutline(context.Background()))

	essay := composer.Essay()
	assert.Equal(t, store.EssayEditingOutline, essay.Status)
	require.Len(t, essay.Outline, 3)
	assert.NotEmpty(t, essay.Outline[0].ID)
	assert.NotEqual(t, essay.Outline[0].ID, essay.Outline[1].ID)

	last := essay.Outline[2]
	assert.Equal(t, ReferencesSectionID, last.ID)
	assert.Equal(t, "Referencias", last.Title)
}

func TestComposerGenerateOutlineError(t *testing.T) {
	backend := &fakeEssayBackend{outlineErr: errors.New("boom")}
	composer := NewComposer(backend, briefedEssay(), "instr", TierSMI3)

	err := composer.GenerateOutline(context.Background())
	require.Error(t, err)
	assert.Equal(t, store.EssayError, composer.Essay().Status)
}

func TestComposerGenerateSection(t *testing.T) {
	backend := &fakeEssayBackend{
		outline:       []store.EssaySection{{Title: "Introducción", Points: []string{"contexto"}}},
		sectionChunks: []string{"La fotosíntesis ", "es un proceso."},
	}
	composer := NewComposer(backend, briefedEssay(), "instr", TierSMI3)
	require.NoError(t, composer.GenerateOutline(context.Background()))
	sectionID := composer.Essay().Outline[0].ID

	var streamed []string
	err := composer.GenerateSection(context.Background(), sectionID, func(chunk string) {
		streamed = append(streamed, chunk)
	})
	require.NoError(t, err)

	essay := composer.Essay()
	assert.Equal(t, store.EssayIdle, essay.Status)
	assert.Equal(t, "La fotosíntesis es un proceso.", essay.Content[sectionID])
	assert.Equal(t, []string{"La fotosíntesis ", "es un proceso."}, streamed)
	assert.Contains(t, backend.sectionPrompt, "Introducción")
	assert.Contains(t, backend.sectionPrompt, "La fotosíntesis")
}

// Regenerating a section replaces its previous content entirely.
func TestComposerGenerateSectionIsIdempotent(t *testing.T) {
	backend := &fakeEssayBackend{
		outline:       []store.EssaySection{{Title: "Introducción", Points: nil}},
		sectionChunks: []string{"Primera versión."},
	}
	composer := NewComposer(backend, briefedEssay(), "instr", TierSMI3)
	require.NoError(t, composer.GenerateOutline(context.Background()))
	sectionID := composer.Essay().Outline[0].ID

	require.NoError(t, composer.GenerateSection(context.Background(), sectionID, nil))
	backend.sectionChunks = []string{"Segunda ", "versión."}
	require.NoError(t, composer.GenerateSection(context.Background(), sectionID, nil))

	assert.Equal(t, "Segunda versión.", composer.Essay().Content[sectionID])
}

func TestComposerGenerateSectionError(t *testing.T) {
	backend := &fakeEssayBackend{
		outline:    []store.EssaySection{{Title: "Introducción"}},
		sectionErr: errors.New("stream died"),
	}
	composer := NewComposer(backend, briefedEssay(), "instr", TierSMI3)
	require.NoError(t, composer.GenerateOutline(context.Background()))
	sectionID := composer.Essay().Outline[0].ID

	err := composer.GenerateSection(context.Background(), sectionID, nil)
	require.Error(t, err)

	essay := composer.Essay()
	assert.Equal(t, store.EssayIdle, essay.Status)
	assert.Equal(t, "Error al generar el contenido.", essay.Content[sectionID])
}

func TestComposerGenerateSectionRejectsUnknownSection(t *testing.T) {
	backend := &fakeEssayBackend{outline: []store.EssaySection{{Title: "Introducción"}}}
	composer := NewComposer(backend, briefedEssay(), "instr", TierSMI3)
	require.NoError(t, composer.GenerateOutline(context.Background()))

	err := composer.GenerateSection(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNoSuchSection)

	// The references slot is generated via GenerateReferences, never as a
	// content section.
	err = composer.GenerateSection(context.Background(), ReferencesSectionID, nil)
	assert.ErrorIs(t, err, ErrNoSuchSection)
}

func TestComposerGenerateReferences(t *testing.T) {
	backend := &fakeEssayBackend{
		outline: []store.EssaySection{{Title: "Introducción"}},
		refs:    []string{"García, J. (2020). Fotosíntesis. Editorial X."},
	}
	composer := NewComposer(backend, briefedEssay(), "instr", TierSMI3)
	require.NoError(t, composer.GenerateOutline(context.Background()))

	require.NoError(t, composer.GenerateReferences(context.Background()))

	essay := composer.Essay()
	assert.Equal(t, store.EssayIdle, essay.Status)
	assert.Equal(t, backend.refs, essay.References)
}

func TestComposerGenerateReferencesFallback(t *testing.T) {
	backend := &fakeEssayBackend{
		outline: []store.EssaySection{{Title: "Introducción"}},
		refsErr: errors.New("boom"),
	}
	composer := NewComposer(backend, briefedEssay(), "instr", TierSMI3)
	require.NoError(t, composer.GenerateOutline(context.Background()))

	err := composer.GenerateReferences(context.Background())
	require.Error(t, err)

	essay := composer.Essay()
	assert.Equal(t, store.EssayIdle, essay.Status)
	assert.Equal(t, []string{"Hubo un error al generar las referencias."}, essay.References)
}

func TestEssayMarkdown(t *testing.T) {
	essay := &store.Essay{
		Topic: "La fotosíntesis",
		Outline: []store.EssaySection{
			{ID: "a", Title: "Introducción"},
			{ID: ReferencesSectionID, Title: "Referencias"},
		},
		Content:    map[string]string{"a": "Texto de la introducción."},
		References: []string{"Ref uno", "Ref dos"},
	}

	md := EssayMarkdown(essay)
	assert.Contains(t, md, "# La fotosíntesis")
	assert.Contains(t, md, "## Introducción")
	assert.Contains(t, md, "Texto de la introducción.")
	assert.Contains(t, md, "## Referencias")
	assert.Contains(t, md, "* Ref uno")
	// The synthetic references section has no content slot of its own.
	assert.Equal(t, 1, strings.Count(md, "## Referencias"))
}

func TestEssayPlainText(t *testing.T) {
	essay := &store.Essay{
		Topic:   "La fotosíntesis",
		Outline: []store.EssaySection{{ID: "a", Title: "Introducción"}},
		Content: map[string]string{"a": "Texto."},
	}

	text := EssayPlainText(essay)
	assert.NotContains(t, text, "#")
	assert.Contains(t, text, "La fotosíntesis")
	assert.Contains(t, text, "Texto.")
}
