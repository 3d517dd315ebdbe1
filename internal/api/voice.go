package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/verce-team/sam-service/internal/core"
	"github.com/verce-team/sam-service/internal/live"
)

// User-facing text for any voice failure. Raw errors stay in the server log.
const voiceErrorText = "Hubo un error en la sesión de voz."

var voiceUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens in the JWT middleware; the origin is not re-checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client-to-server frames.
type voiceClientFrame struct {
	Type string `json:"type"`
	// Base64 16kHz mono 16-bit PCM for "audio" frames.
	Data string `json:"data,omitempty"`
}

// Server-to-client frames.
type voiceServerFrame struct {
	Type     string `json:"type"`
	State    string `json:"state,omitempty"`
	IsUser   bool   `json:"is_user,omitempty"`
	Text     string `json:"text,omitempty"`
	UserText string `json:"user_text,omitempty"`
	SamText  string `json:"sam_text,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Data     string `json:"data,omitempty"`
	StartMS  int64  `json:"start_ms,omitempty"`
	Message  string `json:"message,omitempty"`
}

// VoiceHandler upgrades the client connection and bridges it to a live
// session: client audio frames go up, session events come back down.
// Completed turns are persisted onto a chat as a user+sam message pair.
func (h *APIHandler) VoiceHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	chatID := r.URL.Query().Get("chat_id")

	settings, err := h.store.GetSettings(userID)
	if err != nil {
		log.Printf("Error getting settings for voice session, user %d: %v", userID, err)
		http.Error(w, "Failed to start voice session", http.StatusInternalServerError)
		return
	}

	clientConn, err := voiceUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Voice upgrade failed for user %d: %v", userID, err)
		return
	}
	defer clientConn.Close()

	var writeMu sync.Mutex
	sendFrame := func(frame voiceServerFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := clientConn.WriteJSON(frame); err != nil {
			log.Printf("Failed to write voice frame for user %d: %v", userID, err)
		}
	}

	var chatMu sync.Mutex
	session, err := live.Dial(r.Context(), h.geminiAPIKey,
		core.BuildSystemInstruction(core.ModeVoice, settings),
		live.Callbacks{
			OnState: func(s live.State) {
				sendFrame(voiceServerFrame{Type: "state", State: string(s)})
			},
			OnTranscription: func(isUser bool, text string) {
				sendFrame(voiceServerFrame{Type: "transcription", IsUser: isUser, Text: text})
			},
			OnAudio: func(raw []byte, start time.Time) {
				sendFrame(voiceServerFrame{
					Type:    "audio",
					Data:    live.EncodePCM(raw),
					StartMS: start.UnixMilli(),
				})
			},
			OnTurn: func(userText, samText string) {
				chatMu.Lock()
				defer chatMu.Unlock()
				chat, err := h.orchestrator.AppendVoiceTurn(userID, chatID, userText, samText)
				if err != nil {
					log.Printf("Failed to persist voice turn for user %d: %v", userID, err)
					return
				}
				chatID = chat.ID
				sendFrame(voiceServerFrame{Type: "turn", UserText: userText, SamText: samText, ChatID: chat.ID})
			},
			OnInterrupted: func() {
				sendFrame(voiceServerFrame{Type: "interrupted"})
			},
			OnError: func(err error) {
				log.Printf("Voice session error for user %d: %v", userID, err)
				sendFrame(voiceServerFrame{Type: "error", Message: voiceErrorText})
				clientConn.Close()
			},
		})
	if err != nil {
		log.Printf("Failed to open live session for user %d: %v", userID, err)
		sendFrame(voiceServerFrame{Type: "error", Message: voiceErrorText})
		return
	}
	defer session.Close()

	for {
		var frame voiceClientFrame
		if err := clientConn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "audio":
			if err := session.SendPCM(frame.Data); err != nil {
				return
			}
		case "close":
			return
		}
	}
}
