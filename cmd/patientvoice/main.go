package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/medsimlabs/patientvoice/internal/config"
	"github.com/medsimlabs/patientvoice/internal/dispatch"
	"github.com/medsimlabs/patientvoice/internal/engine"
	"github.com/medsimlabs/patientvoice/internal/events"
	"github.com/medsimlabs/patientvoice/internal/httpapi"
	"github.com/medsimlabs/patientvoice/internal/judge"
	"github.com/medsimlabs/patientvoice/internal/logging"
	"github.com/medsimlabs/patientvoice/internal/observability"
	"github.com/medsimlabs/patientvoice/internal/persona"
	"github.com/medsimlabs/patientvoice/internal/session"
	"github.com/medsimlabs/patientvoice/internal/speech"
	"github.com/medsimlabs/patientvoice/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	logging.Init(logging.Config{
		Level:         cfg.LogLevel,
		Format:        cfg.LogFormat,
		File:          cfg.LogFile,
		FileMaxSizeMB: cfg.LogFileMaxSizeMB,
		FileBackups:   cfg.LogFileBackups,
		FileMaxAgeDay: cfg.LogFileMaxAgeDays,
	})

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	transcripts, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("transcript store init failed")
	}
	defer transcripts.Close()

	var empathyJudge judge.Judge
	if cfg.AnthropicAPIKey != "" {
		empathyJudge = judge.NewHTTPJudge(judge.HTTPConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.JudgeModel,
		})
		log.Info().Str("model", cfg.JudgeModel).Msg("empathy judge enabled")
	} else {
		log.Warn().Msg("ANTHROPIC_API_KEY not set, empathy scoring disabled")
	}

	publisher := events.New(events.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		Enabled: cfg.KafkaEnabled,
	})
	defer publisher.Close()

	dispatcher := dispatch.New(transcripts, empathyJudge, publisher, metrics, log.Logger, cfg.SideEffectTimeout)

	dialer := speech.NewWSDialer(speech.WSDialerConfig{
		URL:    cfg.SpeechWSURL,
		APIKey: cfg.SpeechAPIKey,
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		log.Info().Str("session_id", s.ID).Msg("session expired after inactivity")
	})

	runner := engine.New(dialer, dispatcher, transcripts, persona.SentinelDetector{}, metrics, log.Logger, engine.Config{
		HistoryLimit:  cfg.HistoryLimit,
		AudioDebugDir: cfg.AudioDebugDir,
		DrainWait:     cfg.DrainWait,
	})

	api := httpapi.New(cfg, sessions, runner, transcripts, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 30*time.Second)

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
