// Package dispatch runs transcript persistence and empathy scoring off
// the session's hot path. Failures here are logged and counted, never
// surfaced to the conversation.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medsimlabs/patientvoice/internal/events"
	"github.com/medsimlabs/patientvoice/internal/judge"
	"github.com/medsimlabs/patientvoice/internal/observability"
	"github.com/medsimlabs/patientvoice/internal/policy"
	"github.com/medsimlabs/patientvoice/internal/store"
)

type Dispatcher struct {
	store     store.Store
	judge     judge.Judge
	publisher *events.Publisher
	metrics   *observability.Metrics
	log       zerolog.Logger
	timeout   time.Duration

	wg sync.WaitGroup
}

// New builds a dispatcher. judge and publisher may be nil when scoring
// or event fan-out is disabled.
func New(st store.Store, jd judge.Judge, pub *events.Publisher, m *observability.Metrics, log zerolog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:     st,
		judge:     jd,
		publisher: pub,
		metrics:   m,
		log:       log,
		timeout:   timeout,
	}
}

// RecordTurn persists one completed transcript turn and fans it out to
// the event stream. Returns immediately; the work runs on a background
// goroutine detached from the session's context so an abrupt disconnect
// cannot cancel persistence.
func (d *Dispatcher) RecordTurn(sessionID string, studentSent bool, text string) {
	redacted, changed := policy.RedactPII(text)
	if changed {
		d.log.Debug().Str("session_id", sessionID).Msg("redacted identifiers from transcript turn")
	}

	sentAt := time.Now().UTC()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		turn := store.TranscriptTurn{
			SessionID:   sessionID,
			StudentSent: studentSent,
			Content:     redacted,
			SentAt:      sentAt,
		}
		if err := d.store.InsertMessage(ctx, turn); err != nil {
			d.metrics.SideEffectErrors.WithLabelValues("persist").Inc()
			d.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist transcript turn")
		}

		if d.publisher != nil {
			err := d.publisher.PublishTurn(ctx, events.TurnEvent{
				SessionID:   sessionID,
				StudentSent: studentSent,
				Content:     redacted,
				SentAt:      sentAt,
			})
			if err != nil {
				d.metrics.SideEffectErrors.WithLabelValues("publish").Inc()
			}
		}
	}()
}

// ScoreTurn evaluates a student utterance against the patient context
// and attaches the result to the latest student turn. onScore is called
// with the parsed score when evaluation succeeds; it runs on the
// dispatcher's goroutine, so it must be safe to call after the session
// has moved on.
func (d *Dispatcher) ScoreTurn(sessionID, studentText, patientContext string, onScore func(*judge.Score)) {
	if d.judge == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		start := time.Now()
		score, err := d.judge.Evaluate(ctx, studentText, patientContext)
		d.metrics.ObserveJudgeLatency(time.Since(start))
		if err != nil {
			d.metrics.SideEffectErrors.WithLabelValues("judge").Inc()
			d.log.Warn().Err(err).Str("session_id", sessionID).Msg("empathy evaluation unavailable")
			return
		}

		raw, err := json.Marshal(score)
		if err != nil {
			d.metrics.SideEffectErrors.WithLabelValues("judge").Inc()
			d.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to marshal empathy score")
			return
		}
		if err := d.store.AttachScore(ctx, sessionID, raw); err != nil {
			d.metrics.SideEffectErrors.WithLabelValues("persist").Inc()
			d.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to attach empathy score")
		}

		if onScore != nil {
			onScore(score)
		}
	}()
}

// Drain blocks until all in-flight side effects finish or the timeout
// elapses. Used on session end so late writes are not abandoned.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		d.log.Warn().Dur("timeout", timeout).Msg("side-effect drain timed out")
		return false
	}
}
