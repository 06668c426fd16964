// Package prefs persists the widget's display preferences.
package prefs

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/linyuheng/chatbubble/backend/internal/storage"
	"github.com/linyuheng/chatbubble/backend/pkg/utils"
)

const (
	themeKey = "theme"
	// TTSEnabledKey stores the voice-output preference; the send stream
	// reads it through TTSEnabled before synthesizing a reply.
	TTSEnabledKey = "tts-enabled"

	defaultTheme = "dark"
)

// TTSEnabled reads the voice-output preference. It defaults to enabled
// until the user stores one.
func TTSEnabled(ctx context.Context, kv storage.KV) bool {
	value, err := kv.Get(ctx, TTSEnabledKey)
	if err != nil {
		return true
	}
	return string(value) != "false"
}

// Handler serves the preference routes.
type Handler struct {
	kv storage.KV
}

// New creates a prefs handler backed by the key-value store.
func New(kv storage.KV) *Handler {
	return &Handler{kv: kv}
}

// RegisterRoutes mounts the preference routes on the given router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/prefs", h.getPrefs)
	r.Put("/prefs", h.putPrefs)
}

type prefsResponse struct {
	Theme      string `json:"theme"`
	TTSEnabled bool   `json:"ttsEnabled"`
}

func (h *Handler) getPrefs(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, prefsResponse{
		Theme:      h.theme(r),
		TTSEnabled: TTSEnabled(r.Context(), h.kv),
	})
}

func (h *Handler) putPrefs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Theme      *string `json:"theme,omitempty"`
		TTSEnabled *bool   `json:"ttsEnabled,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Theme != nil {
		if *req.Theme != "dark" && *req.Theme != "light" {
			utils.RespondError(w, http.StatusBadRequest, "theme must be \"dark\" or \"light\"")
			return
		}
		if err := h.kv.Put(r.Context(), themeKey, []byte(*req.Theme)); err != nil {
			log.Printf("[prefs] failed to store theme: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "failed to store preference")
			return
		}
	}

	if req.TTSEnabled != nil {
		value := strconv.FormatBool(*req.TTSEnabled)
		if err := h.kv.Put(r.Context(), TTSEnabledKey, []byte(value)); err != nil {
			log.Printf("[prefs] failed to store tts preference: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "failed to store preference")
			return
		}
	}

	utils.RespondJSON(w, http.StatusOK, prefsResponse{
		Theme:      h.theme(r),
		TTSEnabled: TTSEnabled(r.Context(), h.kv),
	})
}

func (h *Handler) theme(r *http.Request) string {
	value, err := h.kv.Get(r.Context(), themeKey)
	if err != nil {
		return defaultTheme
	}
	if s := string(value); s == "dark" || s == "light" {
		return s
	}
	return defaultTheme
}
