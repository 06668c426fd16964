package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	speechmodel "github.com/linyuheng/chatbubble/backend/internal/model/speech"
)

const ttsEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// ttsSampleRate for the raw PCM the vendor streams back. The audio package
// wraps it into a WAV container before it reaches the widget.
const ttsSampleRate = 24000

// TTSClient performs one-shot speech synthesis over the vendor websocket.
type TTSClient struct {
	cfg    *speechmodel.Config
	dialer *websocket.Dialer
}

// NewTTSClient creates a synthesis client for the configured voice.
func NewTTSClient(cfg *speechmodel.Config) *TTSClient {
	return &TTSClient{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string `json:"speaker"`
		Text        string `json:"text"`
		AudioParams struct {
			Format      string  `json:"format"`
			SampleRate  int     `json:"sample_rate"`
			SpeedRatio  float32 `json:"speed_ratio,omitempty"`
			VolumeRatio float32 `json:"volume_ratio,omitempty"`
		} `json:"audio_params"`
		Language string `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

// Synthesize converts text into one raw PCM audio buffer. It fails with a
// descriptive error when the vendor returns no audio payload.
func (c *TTSClient) Synthesize(ctx context.Context, text string) (*speechmodel.TTSResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("tts text is empty")
	}

	appID, token, err := resolveCredentials(c.cfg)
	if err != nil {
		return nil, err
	}

	// Big-model voices live on the seed resource, classic ones on the
	// default service type; try both rather than hardcoding a catalogue.
	var lastErr error
	for _, resourceID := range resourceCandidates(c.cfg.TTSVoice) {
		result, attemptErr := c.synthesizeWithResource(ctx, appID, token, resourceID, text)
		if attemptErr == nil {
			return result, nil
		}
		if !isResourceMismatch(attemptErr) {
			return nil, attemptErr
		}
		log.Printf("[tts] voice %s rejected by resource %s: %v", c.cfg.TTSVoice, resourceID, attemptErr)
		lastErr = attemptErr
	}
	return nil, lastErr
}

func (c *TTSClient) synthesizeWithResource(ctx context.Context, appID, token, resourceID, text string) (*speechmodel.TTSResult, error) {
	connectID := uuid.NewString()

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, ttsEndpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tts endpoint: %w", err)
	}
	defer conn.Close()

	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[tts] connected with logid: %s", logid)
		}
	}

	payload, err := json.Marshal(c.buildRequest(text))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tts request: %w", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, NewFullClientFrame(payload, CompressionNone).Encode()); err != nil {
		return nil, fmt.Errorf("failed to send tts request: %w", err)
	}

	var (
		audio    bytes.Buffer
		reqID    string
		duration int64
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read tts response: %w", err)
		}

		frame, err := DecodeFrame(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode tts frame: %w", err)
		}

		switch frame.Type {
		case FrameError:
			payload, err := Decompress(frame.Payload, frame.Compression)
			if err != nil {
				return nil, fmt.Errorf("failed to decode tts error frame: %w", err)
			}
			return nil, fmt.Errorf("tts error %d: %s", frame.ErrorCode, string(payload))

		case FrameAudioServer:
			chunk, err := Decompress(frame.Payload, frame.Compression)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress audio chunk: %w", err)
			}
			audio.Write(chunk)

		case FrameFullServer:
			payload, err := Decompress(frame.Payload, frame.Compression)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress tts payload: %w", err)
			}

			var server ttsServerMessage
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &server); err != nil {
					log.Printf("[tts] failed to unmarshal server payload: %v", err)
				} else {
					if server.Code != 0 && server.Code != 3000 {
						return nil, fmt.Errorf("tts api error %d: %s", server.Code, server.Message)
					}
					if server.ReqID != "" {
						reqID = server.ReqID
					}
					if server.Addition.Duration != "" {
						if parsed, err := strconv.ParseInt(server.Addition.Duration, 10, 64); err == nil {
							duration = parsed
						}
					}
					if server.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(server.Data)
						if err != nil {
							return nil, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}

			finished := frame.Last() || server.Sequence < 0 ||
				(frame.Flags&FlagWithEvent != 0 && frame.Event == EventSessionFinished)
			if finished {
				if audio.Len() == 0 {
					return nil, fmt.Errorf("tts returned no audio payload")
				}
				if reqID == "" {
					reqID = connectID
				}
				return &speechmodel.TTSResult{
					Audio:      audio.Bytes(),
					Format:     "pcm",
					SampleRate: ttsSampleRate,
					Duration:   duration,
					RequestID:  reqID,
				}, nil
			}

		default:
			log.Printf("[tts] unexpected frame type: %d", frame.Type)
		}
	}
}

func (c *TTSClient) buildRequest(text string) *ttsRequest {
	req := &ttsRequest{}
	req.User.UID = uuid.NewString()
	req.ReqParams.Speaker = strings.TrimSpace(c.cfg.TTSVoice)
	req.ReqParams.Text = text
	req.ReqParams.AudioParams.Format = "pcm"
	req.ReqParams.AudioParams.SampleRate = ttsSampleRate
	if c.cfg.TTSSpeed > 0 && c.cfg.TTSSpeed != 1.0 {
		req.ReqParams.AudioParams.SpeedRatio = c.cfg.TTSSpeed
	}
	if c.cfg.TTSVolume > 0 && c.cfg.TTSVolume != 1.0 {
		req.ReqParams.AudioParams.VolumeRatio = c.cfg.TTSVolume
	}
	if lang := strings.TrimSpace(c.cfg.TTSLanguage); lang != "" {
		req.ReqParams.Language = lang
	}
	return req
}

func resourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		seedResource    = "seed-tts-2.0"
	)
	if strings.Contains(strings.ToLower(voice), "bigtts") {
		return []string{seedResource, defaultResource}
	}
	return []string{defaultResource, seedResource}
}

func isResourceMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}
