package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Chat routes
			r.Get("/chats", apiHandler.ListChatsHandler)
			r.Delete("/chats", apiHandler.ClearChatsHandler)
			r.Get("/chats/{chatID}", apiHandler.GetChatDetailsHandler)
			r.Patch("/chats/{chatID}", apiHandler.RenameChatHandler)
			r.Delete("/chats/{chatID}", apiHandler.DeleteChatHandler)

			// Conversation turns stream back as SSE
			r.Post("/messages", apiHandler.SendMessageHandler)
			r.Post("/chats/{chatID}/messages", apiHandler.SendMessageHandler)

			// User state
			r.Get("/usage", apiHandler.GetUsageHandler)
			r.Get("/settings", apiHandler.GetSettingsHandler)
			r.Put("/settings", apiHandler.PutSettingsHandler)

			// Pinned artifacts
			r.Get("/artifacts", apiHandler.ListArtifactsHandler)
			r.Post("/artifacts", apiHandler.PinArtifactHandler)
			r.Delete("/artifacts/{artifactID}", apiHandler.UnpinArtifactHandler)

			// Essay composer
			r.Post("/essay/outline", apiHandler.EssayOutlineHandler)
			r.Post("/essay/section", apiHandler.EssaySectionHandler)
			r.Post("/essay/references", apiHandler.EssayReferencesHandler)
			r.Post("/essay/save", apiHandler.EssaySaveHandler)
			r.Post("/essay/export", apiHandler.EssayExportHandler)

			// Live voice bridge
			r.Get("/voice", apiHandler.VoiceHandler)
		})
	})

	return r
}
