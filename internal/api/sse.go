package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/verce-team/sam-service/internal/core"
	"github.com/verce-team/sam-service/internal/store"
)

// sseWriter frames server-sent events. Every write is flushed so chunks
// reach the client as they are produced.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal SSE payload for event %s: %v", event, err)
		return
	}
	if _, err := s.w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
		return
	}
	s.f.Flush()
}

type SendMessageRequest struct {
	Prompt     string            `json:"prompt"`
	Attachment *store.Attachment `json:"attachment,omitempty"`
	Mode       string            `json:"mode,omitempty"`
}

// SendMessageHandler runs one conversation turn and streams the
// orchestrator's events back as SSE. The chatID URL param is optional; when
// absent a chat is created for this send.
func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	chatID := chi.URLParam(r, "chatID")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.orchestrator.Send(r.Context(), userID, &core.SendRequest{
		ChatID:     chatID,
		Prompt:     req.Prompt,
		Attachment: req.Attachment,
		Mode:       core.Mode(req.Mode),
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrQuotaExceeded):
			sse, ok := newSSEWriter(w)
			if !ok {
				return
			}
			sse.send("limit", map[string]any{
				"limit": h.quota.DailyLimit,
			})
		case errors.Is(err, core.ErrEmptySend):
			http.Error(w, "Prompt or attachment is required", http.StatusBadRequest)
		case errors.Is(err, core.ErrBusy):
			http.Error(w, "A request is already in flight", http.StatusConflict)
		case errors.Is(err, core.ErrChatNotFound):
			http.Error(w, "Chat not found", http.StatusNotFound)
		default:
			log.Printf("Error starting send for user %d: %v", userID, err)
			http.Error(w, "Failed to send message", http.StatusInternalServerError)
		}
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}
	for ev := range events {
		switch ev.Kind {
		case core.EventChatCreated:
			sse.send("message", map[string]any{"kind": "chat_created", "chat_id": ev.ChatID})
		case core.EventUserMessage:
			sse.send("message", map[string]any{"kind": "user", "chat_id": ev.ChatID, "message": ev.Message})
		case core.EventSystemMessage:
			sse.send("system", map[string]any{"chat_id": ev.ChatID, "message": ev.Message, "mode": ev.Mode})
		case core.EventAssistantCreated:
			sse.send("message", map[string]any{"kind": "sam", "chat_id": ev.ChatID, "message": ev.Message, "mode": ev.Mode})
		case core.EventChunk:
			sse.send("chunk", map[string]any{"message_id": ev.Message.ID, "text": ev.Text})
		case core.EventLog:
			sse.send("log", map[string]any{"message_id": ev.Message.ID, "logs": ev.Logs})
		case core.EventComplete:
			payload := map[string]any{"chat_id": ev.ChatID, "text": ev.Text}
			if ev.Message != nil {
				payload["message_id"] = ev.Message.ID
			}
			if len(ev.Logs) > 0 {
				payload["logs"] = ev.Logs
			}
			sse.send("complete", payload)
		case core.EventFailed:
			payload := map[string]any{"chat_id": ev.ChatID, "text": ev.Text}
			if ev.Message != nil {
				payload["message_id"] = ev.Message.ID
			}
			sse.send("error", payload)
		}
	}
}
