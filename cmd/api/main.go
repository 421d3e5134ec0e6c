package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"signalhub-go/internal/config"
	"signalhub-go/internal/logger"
)

func main() {
	_ = godotenv.Load() // loads .env

	cfg, err := config.Loader{}.Load()
	log := logger.New()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log = logger.NewWithOutput(os.Stdout, cfg.LogLevel)
	log.WithFields(map[string]interface{}{
		"service":       "signalhub-go",
		"data_dir":      cfg.DataDir,
		"transcription": cfg.Transcription.Enabled,
		"mock":          cfg.Transcription.UseMock || cfg.Transcription.RemoteURL == "",
	}).Info("starting service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(ctx, cfg, log)
	if cfg.Transcription.Enabled {
		// warm the model so the first call does not pay for the load
		go func() {
			if _, err := a.engine.EnsureLoaded(ctx, cfg.Transcription.ModelLoadTimeout); err != nil {
				log.WithError(err).Warn("model warmup failed")
			}
		}()
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     a.routes(),
		ReadTimeout: 60 * time.Second,
		// no WriteTimeout: SSE streams stay open
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}()

	log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server terminated")
	}
	log.Info("server stopped")
}
