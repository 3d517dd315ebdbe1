package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/verce-team/sam-service/internal/core"
	"github.com/verce-team/sam-service/internal/store"
)

// The essay endpoints are stateless: the client posts the full essay value
// and gets the updated one back, so a briefing survives reconnects without
// server-side session state.

func (h *APIHandler) essayComposer(userID int64, essay store.Essay) (*core.Composer, error) {
	settings, err := h.store.GetSettings(userID)
	if err != nil {
		return nil, err
	}
	tier := settings.DefaultModel
	if settings.QuickMode || tier == "" {
		tier = core.TierSMI1
	}
	instruction := core.BuildSystemInstruction(core.ModeEssay, settings)
	return core.NewComposer(h.llm, essay, instruction, tier), nil
}

type EssayOutlineRequest struct {
	Topic           string `json:"topic"`
	AcademicLevel   string `json:"academic_level"`
	Tone            string `json:"tone"`
	WordCountTarget int    `json:"word_count_target"`
}

func (h *APIHandler) EssayOutlineHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req EssayOutlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Topic == "" {
		http.Error(w, "Topic is required", http.StatusBadRequest)
		return
	}

	composer, err := h.essayComposer(userID, store.Essay{
		Topic:           req.Topic,
		AcademicLevel:   req.AcademicLevel,
		Tone:            req.Tone,
		WordCountTarget: req.WordCountTarget,
	})
	if err != nil {
		log.Printf("Error preparing essay composer for user %d: %v", userID, err)
		http.Error(w, "Failed to generate outline", http.StatusInternalServerError)
		return
	}

	if err := composer.GenerateOutline(r.Context()); err != nil {
		log.Printf("Error generating outline for user %d: %v", userID, err)
		// The essay carries its error status; return it with the failure.
		w.WriteHeader(http.StatusBadGateway)
	}
	json.NewEncoder(w).Encode(composer.Essay())
}

type EssaySectionRequest struct {
	Essay     store.Essay `json:"essay"`
	SectionID string      `json:"section_id"`
}

// EssaySectionHandler streams one section's content as SSE and finishes
// with the updated essay.
func (h *APIHandler) EssaySectionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req EssaySectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SectionID == "" {
		http.Error(w, "Section id is required", http.StatusBadRequest)
		return
	}

	composer, err := h.essayComposer(userID, req.Essay)
	if err != nil {
		log.Printf("Error preparing essay composer for user %d: %v", userID, err)
		http.Error(w, "Failed to generate section", http.StatusInternalServerError)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}

	err = composer.GenerateSection(r.Context(), req.SectionID, func(chunk string) {
		sse.send("chunk", map[string]any{"section_id": req.SectionID, "text": chunk})
	})
	if err != nil && !errors.Is(err, core.ErrNoSuchSection) {
		log.Printf("Error generating section %s for user %d: %v", req.SectionID, userID, err)
	}
	if errors.Is(err, core.ErrNoSuchSection) {
		sse.send("error", map[string]any{"text": "Unknown section"})
		return
	}
	sse.send("complete", map[string]any{"essay": composer.Essay()})
}

type EssayReferencesRequest struct {
	Essay store.Essay `json:"essay"`
}

func (h *APIHandler) EssayReferencesHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req EssayReferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	composer, err := h.essayComposer(userID, req.Essay)
	if err != nil {
		log.Printf("Error preparing essay composer for user %d: %v", userID, err)
		http.Error(w, "Failed to generate references", http.StatusInternalServerError)
		return
	}

	if err := composer.GenerateReferences(r.Context()); err != nil {
		// The essay already carries the fallback reference text.
		log.Printf("Error generating references for user %d: %v", userID, err)
	}
	json.NewEncoder(w).Encode(composer.Essay())
}

type EssaySaveRequest struct {
	ChatID string      `json:"chat_id,omitempty"`
	Essay  store.Essay `json:"essay"`
}

type EssaySaveResponse struct {
	Chat    *store.Chat    `json:"chat"`
	Message *store.Message `json:"message"`
}

func (h *APIHandler) EssaySaveHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req EssaySaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Essay.Topic == "" {
		http.Error(w, "Essay topic is required", http.StatusBadRequest)
		return
	}

	chat, message, err := h.orchestrator.SaveEssay(userID, req.ChatID, &req.Essay)
	if err != nil {
		if errors.Is(err, core.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		log.Printf("Error saving essay for user %d: %v", userID, err)
		http.Error(w, "Failed to save essay", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(EssaySaveResponse{Chat: chat, Message: message})
}

type EssayExportRequest struct {
	Essay  store.Essay `json:"essay"`
	Format string      `json:"format"` // "markdown" or "text"
}

func (h *APIHandler) EssayExportHandler(w http.ResponseWriter, r *http.Request) {
	var req EssayExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	switch req.Format {
	case "markdown", "":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(core.EssayMarkdown(&req.Essay)))
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(core.EssayPlainText(&req.Essay)))
	default:
		http.Error(w, "Unknown export format", http.StatusBadRequest)
	}
}
