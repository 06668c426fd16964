package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/linyuheng/chatbubble/backend/internal/config"
	"github.com/linyuheng/chatbubble/backend/internal/handler"
	"github.com/linyuheng/chatbubble/backend/internal/handler/stream"
	speechmodel "github.com/linyuheng/chatbubble/backend/internal/model/speech"
	"github.com/linyuheng/chatbubble/backend/internal/service/ai"
	"github.com/linyuheng/chatbubble/backend/internal/service/chat"
	"github.com/linyuheng/chatbubble/backend/internal/service/speech"
	"github.com/linyuheng/chatbubble/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if !cfg.AI.Enabled() {
		log.Fatal("Ark credentials are not configured; set ARK_API_KEY and ARK_MODEL")
	}

	kv, err := storage.OpenSQLiteKV(cfg.Storage.Dir)
	if err != nil {
		log.Fatalf("failed to open storage at %s: %v", cfg.Storage.Dir, err)
	}
	defer kv.Close()

	store := chat.NewStore(kv, cfg.Storage.DebounceWindow)
	store.Load(ctx)
	defer store.Close()

	aiService, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		log.Fatalf("failed to initialize AI service: %v", err)
	}
	log.Println("AI service initialized successfully")

	var (
		tts       stream.Synthesizer
		speechCfg *speechmodel.Config
	)
	if cfg.Speech.Enabled {
		speechCfg = cfg.Speech.VendorConfig()
		tts = speech.NewTTSClient(speechCfg)
		log.Println("Speech vendor configured, voice features enabled")
	} else {
		log.Println("Speech vendor credentials not configured, running text-only")
	}

	router := handler.NewRouter(store, aiService, tts, speechCfg, kv)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Chat widget backend listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
