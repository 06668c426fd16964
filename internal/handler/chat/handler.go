// Package chat exposes the session management endpoints backing the
// widget's history sidebar.
package chat

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	chatService "github.com/linyuheng/chatbubble/backend/internal/service/chat"
	"github.com/linyuheng/chatbubble/backend/pkg/utils"
)

// Handler serves the chat session CRUD routes.
type Handler struct {
	store *chatService.Store
}

// New creates a chat handler backed by the session store.
func New(store *chatService.Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the chat routes on the given router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.listChats)
	r.Post("/chats", h.createChat)
	r.Post("/chats/active", h.setActiveChat)
	r.Patch("/chats/{chatID}", h.renameChat)
	r.Delete("/chats/{chatID}", h.deleteChat)
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions":     h.store.Sessions(),
		"activeChatId": h.store.ActiveChatID(),
	})
}

func (h *Handler) createChat(w http.ResponseWriter, r *http.Request) {
	session := h.store.CreateNewChat()
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) setActiveChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID string `json:"chatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" {
		utils.RespondError(w, http.StatusBadRequest, "chatId is required")
		return
	}

	// Unknown ids are ignored so a stale sidebar click never breaks state.
	h.store.SetActiveChatID(req.ChatID)
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"activeChatId": h.store.ActiveChatID(),
	})
}

func (h *Handler) renameChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.store.RenameChat(chatID, req.Title)
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": h.store.Sessions(),
	})
}

func (h *Handler) deleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	h.store.DeleteChat(chatID)
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions":     h.store.Sessions(),
		"activeChatId": h.store.ActiveChatID(),
	})
}
