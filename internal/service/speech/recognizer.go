package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	speechmodel "github.com/linyuheng/chatbubble/backend/internal/model/speech"
)

const asrEndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"

var (
	ErrAlreadyListening = errors.New("recognizer is already listening")
	ErrNotListening     = errors.New("recognizer is not listening")
)

// Recognizer turns a live microphone stream into transcript events. It has
// two states, idle and listening; Start opens a recognition session, Feed
// pushes raw PCM chunks, Stop flushes the stream and lets the vendor finish.
// Results arrive on the Events channel as tagged events, and every
// transcript event carries the full text recognized so far, never a delta.
type Recognizer struct {
	cfg    *speechmodel.Config
	dialer *websocket.Dialer

	mu        sync.Mutex
	listening bool
	conn      *websocket.Conn
	cancel    context.CancelFunc
	sequence  int32
	events    chan speechmodel.Event
}

// NewRecognizer creates an idle recognizer for the configured language.
func NewRecognizer(cfg *speechmodel.Config) *Recognizer {
	return &Recognizer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

type asrUtterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

type asrServerMessage struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result,omitempty"`
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user,omitempty"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

// Events returns the channel carrying recognition results for the current
// session. The channel is replaced on every Start and closed when the
// session ends, so callers must fetch it after Start returns.
func (r *Recognizer) Events() <-chan speechmodel.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// Listening reports whether a recognition session is open.
func (r *Recognizer) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

// Start opens a recognition session. Starting while already listening is an
// error, matching a microphone that cannot be opened twice.
func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listening {
		return ErrAlreadyListening
	}

	appID, token, err := resolveCredentials(r.cfg)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", "volc.bigasr.sauc.duration")
	header.Set("X-Api-Connect-Id", sessionID)

	conn, resp, err := r.dialer.DialContext(ctx, asrEndpoint, header)
	if err != nil {
		return fmt.Errorf("failed to connect to asr endpoint: %w", err)
	}
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[asr] connected with logid: %s", logid)
		}
	}

	payload, err := json.Marshal(r.buildRequest(sessionID))
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to marshal asr request: %w", err)
	}
	compressed, err := Compress(payload, CompressionGzip)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to compress asr request: %w", err)
	}
	frame := NewFullClientFrame(compressed, CompressionGzip)
	frame.Flags = FlagPositiveSeq
	frame.Sequence = 1
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send asr request: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	r.listening = true
	r.conn = conn
	r.cancel = cancel
	// The opening request occupies sequence 1, audio starts at 2.
	r.sequence = 2
	r.events = make(chan speechmodel.Event, 8)

	go r.readLoop(sessionCtx, conn, r.events)

	return nil
}

// Feed sends one raw PCM chunk (16kHz, 16-bit, mono) upstream.
func (r *Recognizer) Feed(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.listening {
		return ErrNotListening
	}
	if len(chunk) == 0 {
		return nil
	}

	compressed, err := Compress(chunk, CompressionGzip)
	if err != nil {
		return fmt.Errorf("failed to compress audio chunk: %w", err)
	}
	frame := NewAudioFrame(compressed, r.sequence, false, CompressionGzip)
	if err := r.conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		return fmt.Errorf("failed to send audio chunk: %w", err)
	}
	r.sequence++
	return nil
}

// Stop flags the end of the audio stream. The session stays open until the
// vendor returns its final result; the events channel then closes.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.listening {
		return ErrNotListening
	}

	frame := NewAudioFrame(nil, r.sequence, true, CompressionGzip)
	if err := r.conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		r.closeLocked()
		return fmt.Errorf("failed to finish audio stream: %w", err)
	}
	return nil
}

// Abort tears the session down without waiting for a final result.
func (r *Recognizer) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *Recognizer) closeLocked() {
	if !r.listening {
		return
	}
	r.listening = false
	if r.cancel != nil {
		r.cancel()
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

func (r *Recognizer) buildRequest(sessionID string) *asrRequest {
	req := &asrRequest{}
	req.User.UID = sessionID
	req.Audio.Format = "pcm"
	req.Audio.Codec = "raw"
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Audio.Language = strings.TrimSpace(r.cfg.ASRLanguage)
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

func (r *Recognizer) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- speechmodel.Event) {
	defer close(events)
	defer func() {
		r.mu.Lock()
		r.closeLocked()
		r.mu.Unlock()
	}()

	emit := func(ev speechmodel.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				emit(speechmodel.Event{Kind: speechmodel.EventError, Err: fmt.Errorf("failed to read asr response: %w", err)})
			}
			return
		}

		frame, err := DecodeFrame(bytes.NewReader(data))
		if err != nil {
			emit(speechmodel.Event{Kind: speechmodel.EventError, Err: fmt.Errorf("failed to decode asr frame: %w", err)})
			return
		}

		switch frame.Type {
		case FrameError:
			payload, derr := Decompress(frame.Payload, frame.Compression)
			if derr != nil {
				payload = frame.Payload
			}
			emit(speechmodel.Event{Kind: speechmodel.EventError, Err: fmt.Errorf("asr error %d: %s", frame.ErrorCode, string(payload))})
			return

		case FrameFullServer:
			payload, derr := Decompress(frame.Payload, frame.Compression)
			if derr != nil {
				emit(speechmodel.Event{Kind: speechmodel.EventError, Err: fmt.Errorf("failed to decompress asr payload: %w", derr)})
				return
			}

			var server asrServerMessage
			if err := json.Unmarshal(payload, &server); err != nil {
				log.Printf("[asr] failed to unmarshal response: %v", err)
				continue
			}

			if server.Code != 0 && server.Code != 20000000 {
				emit(speechmodel.Event{Kind: speechmodel.EventError, Err: fmt.Errorf("asr api error %d: %s", server.Code, server.Message)})
				return
			}

			if transcript := assembleTranscript(server.Result.Text, server.Result.Utterances); transcript != "" {
				emit(speechmodel.Event{Kind: speechmodel.EventTranscript, Transcript: transcript})
			}

			if frame.Last() || server.Sequence < 0 {
				emit(speechmodel.Event{Kind: speechmodel.EventEnd})
				return
			}

		default:
			// Audio acks and other frame types carry nothing we need.
		}
	}
}

// assembleTranscript rebuilds the full transcript from one server result.
// The vendor returns the complete recognition state each time, so the
// joined utterances replace, rather than extend, the previous transcript.
func assembleTranscript(text string, utterances []asrUtterance) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	var b strings.Builder
	for _, u := range utterances {
		if strings.TrimSpace(u.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(u.Text)
	}
	return b.String()
}
