package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/verce-team/sam-service/internal/auth"
	"github.com/verce-team/sam-service/internal/core"
	"github.com/verce-team/sam-service/internal/store"
)

type APIHandler struct {
	store        *store.SQLiteStore
	orchestrator *core.Orchestrator
	llm          *core.LLMService
	auth         *auth.Manager
	quota        core.QuotaPolicy
	geminiAPIKey string
}

func NewAPIHandler(s *store.SQLiteStore, o *core.Orchestrator, llm *core.LLMService, am *auth.Manager, quota core.QuotaPolicy, geminiAPIKey string) *APIHandler {
	return &APIHandler{store: s, orchestrator: o, llm: llm, auth: am, quota: quota, geminiAPIKey: geminiAPIKey}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == "" {
			// WebSocket clients cannot set headers; allow a query token.
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "Authorization is required", http.StatusUnauthorized)
			return
		}

		externalUserID, err := h.auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.store.GetUserByExternalID(externalUserID)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %s: %v", externalUserID, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "userID", user.ID)
		ctx = context.WithValue(ctx, "externalUserID", user.ExternalUserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Error hashing password for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.store.CreateUser(req.UserID, hashedPassword)
	if err != nil {
		log.Printf("Error creating user %s: %v", req.UserID, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.store.GetUserByExternalID(req.UserID)
	if err != nil {
		log.Printf("Error getting user %s: %v", req.UserID, err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.auth.GenerateJWT(req.UserID)
	if err != nil {
		log.Printf("Error generating JWT for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	chats, err := h.store.GetChatsByUserID(userID)
	if err != nil {
		log.Printf("Error listing chats for user %d: %v", userID, err)
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(chats)
}

type GetChatDetailsResponse struct {
	*store.Chat
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetChatDetailsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	chatID := chi.URLParam(r, "chatID")

	chat, err := h.store.GetChatByID(chatID, userID)
	if err != nil {
		log.Printf("Error getting chat %s for user %d: %v", chatID, userID, err)
		http.Error(w, "Failed to get chat details", http.StatusInternalServerError)
		return
	}
	if chat == nil {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	messages, err := h.store.GetMessagesByChatID(chatID, 200, 0)
	if err != nil {
		log.Printf("Error getting messages for chat %s: %v", chatID, err)
		http.Error(w, "Failed to get chat details", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(GetChatDetailsResponse{Chat: chat, Messages: messages})
}

type RenameChatRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) RenameChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	chatID := chi.URLParam(r, "chatID")

	var req RenameChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "Title cannot be empty", http.StatusBadRequest)
		return
	}

	if err := h.store.UpdateChatTitle(chatID, userID, req.Title); err != nil {
		log.Printf("Error renaming chat %s for user %d: %v", chatID, userID, err)
		http.Error(w, "Failed to rename chat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	chatID := chi.URLParam(r, "chatID")

	if err := h.store.DeleteChat(chatID, userID); err != nil {
		log.Printf("Error deleting chat %s for user %d: %v", chatID, userID, err)
		http.Error(w, "Failed to delete chat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ClearChatsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	if err := h.store.ClearChats(userID); err != nil {
		log.Printf("Error clearing chats for user %d: %v", userID, err)
		http.Error(w, "Failed to clear chats", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UsageResponse struct {
	store.UsageTracker
	Limit int `json:"limit"`
}

func (h *APIHandler) GetUsageHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	usage, err := h.store.GetUsage(userID, core.Today())
	if err != nil {
		log.Printf("Error getting usage for user %d: %v", userID, err)
		http.Error(w, "Failed to get usage", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(UsageResponse{
		UsageTracker: usage,
		Limit:        h.quota.Limit(usage.HasAttachment),
	})
}

func (h *APIHandler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	settings, err := h.store.GetSettings(userID)
	if err != nil {
		log.Printf("Error getting settings for user %d: %v", userID, err)
		http.Error(w, "Failed to get settings", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(settings)
}

func (h *APIHandler) PutSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var settings store.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.PutSettings(userID, settings); err != nil {
		log.Printf("Error saving settings for user %d: %v", userID, err)
		http.Error(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(settings)
}

func (h *APIHandler) ListArtifactsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	artifacts, err := h.store.ListPinnedArtifacts(userID)
	if err != nil {
		log.Printf("Error listing artifacts for user %d: %v", userID, err)
		http.Error(w, "Failed to list artifacts", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(artifacts)
}

func (h *APIHandler) PinArtifactHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var artifact store.Artifact
	if err := json.NewDecoder(r.Body).Decode(&artifact); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if artifact.ID == "" || artifact.Code == "" {
		http.Error(w, "Artifact id and code are required", http.StatusBadRequest)
		return
	}

	if err := h.store.PinArtifact(userID, artifact); err != nil {
		log.Printf("Error pinning artifact %s for user %d: %v", artifact.ID, userID, err)
		http.Error(w, "Failed to pin artifact", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(artifact)
}

func (h *APIHandler) UnpinArtifactHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	artifactID := chi.URLParam(r, "artifactID")

	if err := h.store.UnpinArtifact(userID, artifactID); err != nil {
		log.Printf("Error unpinning artifact %s for user %d: %v", artifactID, userID, err)
		http.Error(w, "Failed to unpin artifact", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
