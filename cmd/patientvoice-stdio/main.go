// Command patientvoice-stdio bridges one voice session over standard
// streams: JSON commands arrive one per line on stdin, events leave as
// JSON lines on stdout. The first command must be start_session; the
// process exits when the session ends or stdin closes.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/medsimlabs/patientvoice/internal/config"
	"github.com/medsimlabs/patientvoice/internal/dispatch"
	"github.com/medsimlabs/patientvoice/internal/engine"
	"github.com/medsimlabs/patientvoice/internal/events"
	"github.com/medsimlabs/patientvoice/internal/judge"
	"github.com/medsimlabs/patientvoice/internal/logging"
	"github.com/medsimlabs/patientvoice/internal/observability"
	"github.com/medsimlabs/patientvoice/internal/persona"
	"github.com/medsimlabs/patientvoice/internal/protocol"
	"github.com/medsimlabs/patientvoice/internal/session"
	"github.com/medsimlabs/patientvoice/internal/speech"
	"github.com/medsimlabs/patientvoice/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	// Events own stdout; logs go to stderr (and the file, if set).
	logCfg := logging.Config{
		Level:         cfg.LogLevel,
		Format:        cfg.LogFormat,
		File:          cfg.LogFile,
		FileMaxSizeMB: cfg.LogFileMaxSizeMB,
		FileBackups:   cfg.LogFileBackups,
		FileMaxAgeDay: cfg.LogFileMaxAgeDays,
		Writer:        os.Stderr,
	}
	logging.Init(logCfg)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

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
	runner := engine.New(dialer, dispatcher, transcripts, persona.SentinelDetector{}, metrics, log.Logger, engine.Config{
		HistoryLimit:  cfg.HistoryLimit,
		AudioDebugDir: cfg.AudioDebugDir,
		DrainWait:     cfg.DrainWait,
	})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	out := json.NewEncoder(os.Stdout)
	var outMu sync.Mutex
	emit := func(v any) {
		outMu.Lock()
		defer outMu.Unlock()
		if err := out.Encode(v); err != nil {
			log.Warn().Err(err).Msg("stdout write failed")
		}
	}

	start, ok := awaitStartSession(scanner, emit)
	if !ok {
		log.Error().Msg("no start_session command received")
		os.Exit(1)
	}

	voiceID := strings.TrimSpace(start.VoiceID)
	if voiceID == "" {
		voiceID = cfg.DefaultVoice
	}
	if voiceID == "" {
		voiceID = speech.DefaultVoice()
	}
	if !speech.IsSupportedVoice(voiceID) {
		emit(protocol.ErrorEvent{
			Type:  protocol.TypeError,
			Text:  "unsupported voice " + voiceID,
			Fatal: true,
		})
		os.Exit(1)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sess := sessions.Create(strings.TrimSpace(start.SessionID), voiceID, persona.Persona{
		Name:            strings.TrimSpace(start.PatientName),
		Age:             start.PatientAge,
		ConditionPrompt: strings.TrimSpace(start.PatientPrompt),
		Instructions:    strings.TrimSpace(start.Instructions),
	}, start.CompletionMode)

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)

	runDone := make(chan error, 1)
	go func() {
		runDone <- runner.Run(ctx, sess, inbound, outbound)
	}()

	go func() {
		defer close(inbound)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			parsed, err := protocol.ParseCommand([]byte(line))
			if err != nil {
				emit(protocol.ErrorEvent{Type: protocol.TypeError, Text: err.Error()})
				continue
			}
			select {
			case inbound <- parsed:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg := <-outbound:
			emit(msg)
			if _, ended := msg.(protocol.SessionEndedEvent); ended {
				drainOutbound(outbound, emit)
				if err := <-runDone; err != nil {
					os.Exit(1)
				}
				return
			}
		case err := <-runDone:
			drainOutbound(outbound, emit)
			if err != nil {
				os.Exit(1)
			}
			return
		case <-ctx.Done():
			<-runDone
			return
		}
	}
}

// awaitStartSession reads stdin until the first start_session command.
// Anything else arriving first is rejected with an error event.
func awaitStartSession(scanner *bufio.Scanner, emit func(any)) (protocol.StartSession, bool) {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parsed, err := protocol.ParseCommand([]byte(line))
		if err != nil {
			emit(protocol.ErrorEvent{Type: protocol.TypeError, Text: err.Error()})
			continue
		}
		if start, ok := parsed.(protocol.StartSession); ok {
			return start, true
		}
		emit(protocol.ErrorEvent{Type: protocol.TypeError, Text: "expected start_session first"})
	}
	return protocol.StartSession{}, false
}

func drainOutbound(outbound <-chan any, emit func(any)) {
	for {
		select {
		case msg := <-outbound:
			emit(msg)
		default:
			return
		}
	}
}
