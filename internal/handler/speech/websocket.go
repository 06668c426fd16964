// Package speech bridges the widget's microphone websocket to the live
// recognizer. The client drives the session with JSON control messages and
// receives tagged transcript events back.
package speech

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	speechmodel "github.com/linyuheng/chatbubble/backend/internal/model/speech"
	speechService "github.com/linyuheng/chatbubble/backend/internal/service/speech"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Recognizer is the recognition session the handler drives on behalf of one
// client connection.
type Recognizer interface {
	Start(ctx context.Context) error
	Feed(chunk []byte) error
	Stop() error
	Abort()
	Events() <-chan speechmodel.Event
}

// Handler upgrades /api/speech/ws connections and owns one recognizer per
// client connection.
type Handler struct {
	newRecognizer func() Recognizer
}

// New creates a speech websocket handler.
func New(cfg *speechmodel.Config) *Handler {
	return &Handler{
		newRecognizer: func() Recognizer {
			return speechService.NewRecognizer(cfg)
		},
	}
}

type clientMessage struct {
	Type  string `json:"type"` // "start" | "audio" | "stop"
	Audio string `json:"audio,omitempty"`
}

type serverMessage struct {
	Type       string `json:"type"` // "transcript" | "error" | "end"
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleWS serves one microphone session over a websocket.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[speech] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	recognizer := h.newRecognizer()

	// Abort must run before the pump wait: it tears down the vendor session,
	// which is what closes the events channel pumpEvents ranges over. With
	// the defers the other way round an abrupt client disconnect would leave
	// the pump blocked until the vendor times out the idle socket.
	var pumpWG sync.WaitGroup
	defer pumpWG.Wait()
	defer recognizer.Abort()

	var writeMu sync.Mutex
	write := func(msg serverMessage) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("[speech] failed to write message: %v", err)
		}
	}

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[speech] websocket read failed: %v", err)
			}
			return
		}

		switch msg.Type {
		case "start":
			if err := recognizer.Start(r.Context()); err != nil {
				write(serverMessage{Type: "error", Error: err.Error()})
				continue
			}
			events := recognizer.Events()
			pumpWG.Add(1)
			go func() {
				defer pumpWG.Done()
				pumpEvents(events, write)
			}()

		case "audio":
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				write(serverMessage{Type: "error", Error: "invalid base64 audio"})
				continue
			}
			if err := recognizer.Feed(chunk); err != nil {
				write(serverMessage{Type: "error", Error: err.Error()})
			}

		case "stop":
			if err := recognizer.Stop(); err != nil {
				write(serverMessage{Type: "error", Error: err.Error()})
			}

		default:
			write(serverMessage{Type: "error", Error: "unknown message type"})
		}
	}
}

// pumpEvents forwards recognizer events until the session channel closes.
func pumpEvents(events <-chan speechmodel.Event, write func(serverMessage)) {
	for ev := range events {
		switch ev.Kind {
		case speechmodel.EventTranscript:
			write(serverMessage{Type: "transcript", Transcript: ev.Transcript})
		case speechmodel.EventError:
			write(serverMessage{Type: "error", Error: ev.Err.Error()})
		case speechmodel.EventEnd:
			write(serverMessage{Type: "end"})
		}
	}
}
