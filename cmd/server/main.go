package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/personacall-ai/personacall/pkg/persona"
	"github.com/personacall-ai/personacall/pkg/pipeline"
	"github.com/personacall-ai/personacall/pkg/providers/llm"
	"github.com/personacall-ai/personacall/pkg/providers/stt"
	"github.com/personacall-ai/personacall/pkg/providers/tts"
	"github.com/personacall-ai/personacall/pkg/session"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	addr := flag.String("addr", envOr("PERSONACALL_ADDR", ":8080"), "listen address")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := session.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	openaiKey := os.Getenv("OPENAI_API_KEY")
	if openaiKey == "" {
		log.Fatal("Error: OPENAI_API_KEY must be set.")
	}
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")

	registry := persona.NewRegistry()
	if path := os.Getenv("PERSONACALL_PERSONAS"); path != "" {
		if err := registry.MergeFile(path); err != nil {
			log.Fatalf("Error: loading personas from %s: %v", path, err)
		}
	}

	synths := map[session.TTSProvider]pipeline.Synthesizer{
		session.ProviderOpenAI: tts.NewOpenAITTS(openaiKey, os.Getenv("OPENAI_TTS_MODEL")),
	}
	if elevenKey != "" {
		synths[session.ProviderElevenLabs] = tts.NewElevenLabs(elevenKey)
	} else {
		logger.Warn("ELEVENLABS_API_KEY not set, elevenlabs provider disabled")
	}

	svc := pipeline.NewService(
		registry,
		stt.NewWhisper(openaiKey, os.Getenv("OPENAI_STT_MODEL")),
		llm.NewOpenAI(openaiKey, os.Getenv("OPENAI_LLM_MODEL")),
		synths,
		pipeline.DefaultConfig(),
		logger,
	)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           pipeline.NewHandler(svc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("pipeline server listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
