// Package stream serves the send endpoint: it appends the user's message,
// streams the model reply into the bot placeholder over Server-Sent Events,
// and optionally attaches a spoken rendition of the finished reply.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/linyuheng/chatbubble/backend/internal/audio"
	prefsHandler "github.com/linyuheng/chatbubble/backend/internal/handler/prefs"
	"github.com/linyuheng/chatbubble/backend/internal/model/chat"
	speechmodel "github.com/linyuheng/chatbubble/backend/internal/model/speech"
	chatService "github.com/linyuheng/chatbubble/backend/internal/service/chat"
	"github.com/linyuheng/chatbubble/backend/internal/storage"
	"github.com/linyuheng/chatbubble/backend/pkg/utils"
)

// apologyText replaces the bot placeholder when generation fails, so the
// transcript never shows an empty bubble.
const apologyText = "Sorry, I encountered an error. Please try again."

// ReplyStreamer produces streaming model replies. Image sends bypass the
// conversation template and go straight to the multimodal model.
type ReplyStreamer interface {
	StreamChatReply(ctx context.Context, userPrompt string, history []chat.Message) (*schema.StreamReader[*schema.Message], error)
	StreamImageReply(ctx context.Context, imageB64, userPrompt string) (*schema.StreamReader[*schema.Message], error)
}

// Synthesizer turns the finished reply into audio. Nil means speech is off.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*speechmodel.TTSResult, error)
}

// Handler streams AI replies into the active chat session.
type Handler struct {
	ai    ReplyStreamer
	tts   Synthesizer
	store *chatService.Store
	kv    storage.KV
}

// New creates a stream handler. tts may be nil.
func New(ai ReplyStreamer, tts Synthesizer, store *chatService.Store, kv storage.KV) *Handler {
	return &Handler{ai: ai, tts: tts, store: store, kv: kv}
}

type sendRequest struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"` // base64, no data: prefix required
}

type streamEvent struct {
	SessionID     string `json:"sessionId,omitempty"`
	UserMessageID string `json:"userMessageId,omitempty"`
	BotMessageID  string `json:"botMessageId,omitempty"`
	Content       string `json:"content,omitempty"`
	Error         string `json:"error,omitempty"`
	Audio         string `json:"audio,omitempty"` // base64 WAV
	SampleRate    int    `json:"sampleRate,omitempty"`
	Duration      int64  `json:"duration,omitempty"`
	Finished      bool   `json:"finished,omitempty"`
}

// HandleSend processes POST /api/chats/send.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.Image == "" {
		utils.RespondError(w, http.StatusBadRequest, "text or image is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The history snapshot and the user+placeholder append are one atomic
	// store operation; the model never sees the placeholder it fills.
	history, pending, err := h.store.BeginReply(req.Text, req.Image)
	if err != nil {
		if errors.Is(err, chatService.ErrReplyInFlight) {
			utils.RespondError(w, http.StatusConflict, "a reply is already streaming for this session")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer h.store.CompleteReply(pending.BotMessageID)

	utils.SetupSSEHeaders(w)

	h.send(w, flusher, "start", streamEvent{
		SessionID:     pending.SessionID,
		UserMessageID: pending.UserMessageID,
		BotMessageID:  pending.BotMessageID,
	})

	fullText, err := h.streamReply(r.Context(), w, flusher, pending, req, history)
	if err != nil {
		log.Printf("[stream] generation failed for session=%s: %v", pending.SessionID, err)
		h.store.UpdateMessage(pending.BotMessageID, apologyText)
		h.send(w, flusher, "error", streamEvent{
			SessionID:    pending.SessionID,
			BotMessageID: pending.BotMessageID,
			Content:      apologyText,
			Error:        err.Error(),
		})
		h.send(w, flusher, "end", streamEvent{SessionID: pending.SessionID, Finished: true})
		return
	}

	h.send(w, flusher, "message", streamEvent{
		SessionID:    pending.SessionID,
		BotMessageID: pending.BotMessageID,
		Content:      fullText,
	})

	h.maybeSpeak(r.Context(), w, flusher, pending, fullText)

	h.send(w, flusher, "end", streamEvent{SessionID: pending.SessionID, Finished: true})
}

func (h *Handler) streamReply(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, pending chatService.PendingReply, req sendRequest, history []chat.Message) (string, error) {
	var (
		stream *schema.StreamReader[*schema.Message]
		err    error
	)
	if req.Image != "" {
		stream, err = h.ai.StreamImageReply(ctx, req.Image, req.Text)
	} else {
		stream, err = h.ai.StreamChatReply(ctx, req.Text, history)
	}
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		full.WriteString(chunk.Content)
		h.store.UpdateMessage(pending.BotMessageID, full.String())
		h.send(w, flusher, "delta", streamEvent{
			SessionID:    pending.SessionID,
			BotMessageID: pending.BotMessageID,
			Content:      chunk.Content,
		})
	}

	return full.String(), nil
}

// maybeSpeak attaches a spoken rendition of the reply. Synthesis failures
// are logged and swallowed; the text reply already reached the client.
func (h *Handler) maybeSpeak(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, pending chatService.PendingReply, text string) {
	if h.tts == nil || strings.TrimSpace(text) == "" || !prefsHandler.TTSEnabled(ctx, h.kv) {
		return
	}

	result, err := h.tts.Synthesize(ctx, text)
	if err != nil {
		log.Printf("[stream] tts failed for session=%s: %v", pending.SessionID, err)
		return
	}

	wav, err := audio.WrapPCM(result.Audio, result.SampleRate, 1)
	if err != nil {
		log.Printf("[stream] wav wrapping failed for session=%s: %v", pending.SessionID, err)
		return
	}

	h.send(w, flusher, "audio", streamEvent{
		SessionID:    pending.SessionID,
		BotMessageID: pending.BotMessageID,
		Audio:        base64.StdEncoding.EncodeToString(wav),
		SampleRate:   result.SampleRate,
		Duration:     result.Duration,
	})
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, event string, payload streamEvent) {
	utils.SendSSEEvent(w, flusher, event, payload)
}
