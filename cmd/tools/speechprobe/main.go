// speechprobe exercises the speech vendor integration from the command line:
// synthesize a phrase into a WAV file, or stream a PCM recording through the
// live recognizer and print the transcripts it produces.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/linyuheng/chatbubble/backend/internal/audio"
	"github.com/linyuheng/chatbubble/backend/internal/config"
	speechmodel "github.com/linyuheng/chatbubble/backend/internal/model/speech"
	"github.com/linyuheng/chatbubble/backend/internal/service/speech"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env, using system environment: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if !cfg.Speech.Enabled {
		log.Fatal("speech vendor is not configured; set SPEECH_APP_ID and SPEECH_ACCESS_TOKEN")
	}

	mode := flag.String("mode", "", "probe mode: tts or asr")
	text := flag.String("text", "Hello from the chat widget.", "text to synthesize in tts mode")
	out := flag.String("out", "speechprobe.wav", "output WAV path in tts mode")
	audioPath := flag.String("audio", "", "raw PCM file (16kHz, 16-bit, mono) to recognize in asr mode")
	timeout := flag.Duration("timeout", 45*time.Second, "request timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	speechCfg := cfg.Speech.VendorConfig()

	switch *mode {
	case "tts":
		runTTS(ctx, speechCfg, *text, *out)
	case "asr":
		runASR(ctx, speechCfg, *audioPath)
	default:
		flag.Usage()
		log.Fatal("specify -mode=tts or -mode=asr")
	}
}

func runTTS(ctx context.Context, cfg *speechmodel.Config, text, out string) {
	client := speech.NewTTSClient(cfg)

	result, err := client.Synthesize(ctx, text)
	if err != nil {
		log.Fatalf("synthesis failed: %v", err)
	}

	wav, err := audio.WrapPCM(result.Audio, result.SampleRate, 1)
	if err != nil {
		log.Fatalf("wav wrapping failed: %v", err)
	}

	if err := os.WriteFile(out, wav, 0o644); err != nil {
		log.Fatalf("failed to write %s: %v", out, err)
	}
	log.Printf("wrote %s (%d bytes, %dms, request %s)", out, len(wav), result.Duration, result.RequestID)
}

func runASR(ctx context.Context, cfg *speechmodel.Config, path string) {
	if path == "" {
		log.Fatal("-audio is required in asr mode")
	}
	pcm, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to read %s: %v", path, err)
	}

	recognizer := speech.NewRecognizer(cfg)
	if err := recognizer.Start(ctx); err != nil {
		log.Fatalf("failed to start recognizer: %v", err)
	}
	events := recognizer.Events()

	go func() {
		// 200ms of 16kHz 16-bit mono per chunk, paced like a microphone.
		const chunkSize = 6400
		for off := 0; off < len(pcm); off += chunkSize {
			end := off + chunkSize
			if end > len(pcm) {
				end = len(pcm)
			}
			if err := recognizer.Feed(pcm[off:end]); err != nil {
				log.Printf("feed failed: %v", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
		}
		if err := recognizer.Stop(); err != nil {
			log.Printf("stop failed: %v", err)
		}
	}()

	for ev := range events {
		switch ev.Kind {
		case speechmodel.EventTranscript:
			log.Printf("transcript: %s", ev.Transcript)
		case speechmodel.EventError:
			log.Fatalf("recognition failed: %v", ev.Err)
		case speechmodel.EventEnd:
			log.Println("recognition finished")
		}
	}
}
