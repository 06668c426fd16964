package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	chatHandler "github.com/linyuheng/chatbubble/backend/internal/handler/chat"
	prefsHandler "github.com/linyuheng/chatbubble/backend/internal/handler/prefs"
	speechHandler "github.com/linyuheng/chatbubble/backend/internal/handler/speech"
	"github.com/linyuheng/chatbubble/backend/internal/handler/stream"
	middlewarePkg "github.com/linyuheng/chatbubble/backend/internal/middleware"
	speechmodel "github.com/linyuheng/chatbubble/backend/internal/model/speech"
	chatService "github.com/linyuheng/chatbubble/backend/internal/service/chat"
	"github.com/linyuheng/chatbubble/backend/internal/storage"
)

// NewRouter wires HTTP routes to core services. tts and speechCfg are nil
// when the speech vendor is not configured; the widget then runs text-only.
func NewRouter(store *chatService.Store, ai stream.ReplyStreamer, tts stream.Synthesizer, speechCfg *speechmodel.Config, kv storage.KV) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessions := chatHandler.New(store)
	prefs := prefsHandler.New(kv)
	sender := stream.New(ai, tts, store, kv)

	r.Route("/api", func(api chi.Router) {
		sessions.RegisterRoutes(api)
		prefs.RegisterRoutes(api)

		api.Post("/chats/send", sender.HandleSend)

		if speechCfg != nil {
			mic := speechHandler.New(speechCfg)
			api.Get("/speech/ws", mic.HandleWS)
		}
	})

	return r
}
