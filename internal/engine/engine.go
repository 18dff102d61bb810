// Package engine drives one voice session end to end: it opens the
// duplex speech channel, seeds the patient persona, pumps model events
// back to the client, and hands completed turns to the side-effect
// dispatcher without ever blocking the audio path.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medsimlabs/patientvoice/internal/audio"
	"github.com/medsimlabs/patientvoice/internal/dispatch"
	"github.com/medsimlabs/patientvoice/internal/judge"
	"github.com/medsimlabs/patientvoice/internal/observability"
	"github.com/medsimlabs/patientvoice/internal/persona"
	"github.com/medsimlabs/patientvoice/internal/protocol"
	"github.com/medsimlabs/patientvoice/internal/session"
	"github.com/medsimlabs/patientvoice/internal/speech"
	"github.com/medsimlabs/patientvoice/internal/store"
	"github.com/medsimlabs/patientvoice/internal/wire"
)

const (
	defaultHistoryLimit = 10
	defaultDrainWait    = 3 * time.Second
	outboundSendTimeout = 2 * time.Second
)

// HistoryProvider seeds the system prompt with the transcript of a
// prior connection. store.Store satisfies it.
type HistoryProvider interface {
	History(ctx context.Context, sessionID string, limit int) ([]store.TranscriptTurn, error)
}

type Config struct {
	// HistoryLimit caps how many prior turns seed the system prompt.
	HistoryLimit int
	// AudioDebugDir, when set, collects each session's patient audio
	// into a WAV file for offline inspection.
	AudioDebugDir string
	// DrainWait bounds how long teardown waits for in-flight
	// persistence and scoring work.
	DrainWait time.Duration
}

type Engine struct {
	dialer     speech.Dialer
	dispatcher *dispatch.Dispatcher
	history    HistoryProvider
	detector   persona.Detector
	metrics    *observability.Metrics
	log        zerolog.Logger
	cfg        Config
}

func New(
	dialer speech.Dialer,
	dispatcher *dispatch.Dispatcher,
	history HistoryProvider,
	detector persona.Detector,
	metrics *observability.Metrics,
	log zerolog.Logger,
	cfg Config,
) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = defaultDrainWait
	}
	if detector == nil {
		detector = persona.SentinelDetector{}
	}
	return &Engine{
		dialer:     dialer,
		dispatcher: dispatcher,
		history:    history,
		detector:   detector,
		metrics:    metrics,
		log:        log.With().Str("component", "engine").Logger(),
		cfg:        cfg,
	}
}

// pumpResult carries a response pump's exit cause together with its
// pump generation, so a stale pump winding down after an intentional
// reconnect is not mistaken for a live failure.
type pumpResult struct {
	gen int
	err error
}

// pumpEvent tags a decoded wire event with the pump generation that
// produced it. Events buffered from a torn-down channel carry a stale
// generation and are dropped instead of leaking into the connection
// that replaced it.
type pumpEvent struct {
	gen int
	ev  wire.Event
}

// Run owns one session from channel open to close. inbound carries
// parsed protocol commands, outbound receives protocol events for the
// client. Run returns nil on orderly shutdown and the underlying error
// when the channel or codec fails.
func (e *Engine) Run(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	log := e.log.With().Str("session_id", s.ID).Logger()

	e.metrics.ActiveSessions.Inc()
	defer e.metrics.ActiveSessions.Dec()

	var (
		state   = StateIdle
		adapter *speech.Adapter
		pumpGen int

		currentRole string
		hasStage    bool
		speculative bool

		// userBuf accumulates the student's transcribed utterance
		// until its content block closes; dispatch happens once per
		// completed block.
		userBuf       string
		diagnosisDone bool

		openedAt   time.Time
		firstAudio bool

		dump = audio.NewDump(e.cfg.AudioDebugDir, s.ID, wire.OutputSampleRateHz)
	)

	wireEvents := make(chan pumpEvent, 256)
	pumpDone := make(chan pumpResult, 4)

	startPump := func(ad *speech.Adapter) {
		pumpGen++
		gen := pumpGen
		go func() {
			dec := wire.NewDecoder()
			for {
				raw, err := ad.Receive(ctx)
				if err != nil {
					if errors.Is(err, speech.ErrChannelClosed) {
						err = nil
					}
					pumpDone <- pumpResult{gen: gen, err: err}
					return
				}
				evs, err := dec.Feed(raw)
				if err != nil {
					pumpDone <- pumpResult{gen: gen, err: fmt.Errorf("codec: %w", err)}
					return
				}
				for _, ev := range evs {
					select {
					case wireEvents <- pumpEvent{gen: gen, ev: ev}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	// flushUserTurn records and scores the accumulated student
	// utterance. The buffer is cleared only here.
	flushUserTurn := func() {
		if userBuf == "" {
			return
		}
		text := userBuf
		userBuf = ""
		e.dispatcher.RecordTurn(s.ID, true, text)
		e.scoreStudentTurn(ctx, s, text, outbound)
	}

	open := func(voiceID string) (*speech.Adapter, error) {
		ch, err := e.dialer.Dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("open channel: %w", err)
		}
		ad := speech.NewAdapter(ch)

		fail := func(err error) (*speech.Adapter, error) {
			_ = ad.CloseChannel()
			return nil, err
		}

		if err := ad.SendSessionStart(ctx, wire.DefaultInferenceConfig()); err != nil {
			return fail(err)
		}
		if err := ad.SendPromptStart(ctx, uuid.NewString(), wire.DefaultVoiceConfig(voiceID)); err != nil {
			return fail(err)
		}

		history := ""
		if e.history != nil {
			turns, err := e.history.History(ctx, s.ID, e.cfg.HistoryLimit)
			if err != nil {
				log.Warn().Err(err).Msg("history unavailable, starting fresh")
			} else {
				history = store.FormatHistory(turns)
			}
		}

		if err := ad.OpenTextContent(ctx, uuid.NewString(), wire.RoleSystem); err != nil {
			return fail(err)
		}
		if err := ad.SendText(ctx, s.Persona.SystemPrompt(history, s.CompletionMode)); err != nil {
			return fail(err)
		}
		if err := ad.CloseContent(ctx); err != nil {
			return fail(err)
		}
		return ad, nil
	}

	// teardown walks the orderly close sequence. closeChannel always
	// runs, even when an earlier step fails mid-stream.
	teardown := func(ad *speech.Adapter, clean bool) {
		if ad == nil {
			return
		}
		if clean {
			if ad.AudioContentOpen() {
				if err := ad.CloseContent(ctx); err != nil {
					log.Warn().Err(err).Msg("close audio content during teardown")
				}
			}
			if err := ad.SendPromptEnd(ctx); err != nil {
				log.Warn().Err(err).Msg("promptEnd during teardown")
			} else if err := ad.SendSessionEnd(ctx); err != nil {
				log.Warn().Err(err).Msg("sessionEnd during teardown")
			}
		}
		if err := ad.CloseChannel(); err != nil {
			log.Warn().Err(err).Msg("close channel")
		}
	}

	fatal := func(err error, detail string) error {
		state = StateFailed
		e.metrics.SessionEvents.WithLabelValues("session_failed").Inc()
		log.Error().Err(err).Msg(detail)
		e.send(ctx, outbound, protocol.ErrorEvent{
			Type:  protocol.TypeError,
			Text:  detail,
			Fatal: true,
		})
		teardown(adapter, false)
		adapter = nil
		e.dispatcher.Drain(e.cfg.DrainWait)
		return err
	}

	finish := func(reason string) {
		state = StateEnding
		flushUserTurn()
		teardown(adapter, reason != "interrupted")
		adapter = nil
		if path, err := dump.Flush(); err != nil {
			log.Warn().Err(err).Msg("audio dump flush")
		} else if path != "" {
			log.Info().Str("path", path).Msg("audio dump written")
		}
		e.dispatcher.Drain(e.cfg.DrainWait)
		state = StateClosed
		e.metrics.SessionEvents.WithLabelValues("session_" + reason).Inc()
		e.send(ctx, outbound, protocol.SessionEndedEvent{
			Type:   protocol.TypeSessionEnded,
			Reason: reason,
		})
	}

	state = StateOpening
	openedAt = time.Now()
	ad, err := open(s.VoiceID)
	if err != nil {
		return fatal(err, "speech channel open failed")
	}
	adapter = ad
	startPump(adapter)
	state = StateReady
	e.metrics.SessionEvents.WithLabelValues("session_started").Inc()
	e.send(ctx, outbound, protocol.SessionReadyEvent{
		Type:      protocol.TypeSessionReady,
		SessionID: s.ID,
		VoiceID:   s.VoiceID,
	})

	for {
		select {
		case <-ctx.Done():
			finish("disconnected")
			return nil

		case res := <-pumpDone:
			if res.gen != pumpGen {
				continue
			}
			if res.err == nil {
				// Remote closed the stream underneath us.
				finish("remote_closed")
				return nil
			}
			return fatal(res.err, "speech stream failed")

		case pe := <-wireEvents:
			if pe.gen != pumpGen {
				continue
			}
			ev := pe.ev
			e.metrics.WireEvents.WithLabelValues(string(ev.Kind)).Inc()
			switch ev.Kind {
			case wire.KindContentStart:
				cs := ev.ContentStart
				if cs.Type == "TEXT" {
					flushUserTurn()
					currentRole = cs.Role
					hasStage = cs.HasStage
					speculative = cs.Speculative
				}

			case wire.KindTextOutput:
				role := ev.TextOutput.Role
				if role == "" {
					role = currentRole
				}
				switch role {
				case wire.RoleAssistant:
					// With generation stages on, the transcript
					// arrives twice; surface only the speculative
					// copy.
					if hasStage && !speculative {
						continue
					}
					e.handleAssistantText(ctx, s, ev.TextOutput.Content, &diagnosisDone, outbound)

				case wire.RoleUser:
					e.send(ctx, outbound, protocol.TextEvent{
						Type: protocol.TypeTextEvent,
						Text: ev.TextOutput.Content,
						Role: wire.RoleUser,
					})
					if userBuf != "" {
						userBuf += " "
					}
					userBuf += ev.TextOutput.Content
				}

			case wire.KindAudioOutput:
				pcm, err := base64.StdEncoding.DecodeString(ev.AudioOutput.Content)
				if err != nil {
					log.Warn().Err(err).Msg("undecodable audio payload dropped")
					continue
				}
				if !firstAudio {
					firstAudio = true
					e.metrics.ObserveFirstAudioLatency(time.Since(openedAt))
				}
				dump.Append(pcm)
				e.send(ctx, outbound, protocol.AudioEvent{
					Type: protocol.TypeAudioEvent,
					Data: ev.AudioOutput.Content,
					Size: len(pcm),
				})

			case wire.KindContentEnd:
				flushUserTurn()
			}

		case msg, ok := <-inbound:
			if !ok {
				finish("disconnected")
				return nil
			}
			switch m := msg.(type) {
			case protocol.StartAudio:
				if state != StateReady {
					log.Warn().Str("state", state.String()).Msg("start_audio dropped")
					continue
				}
				// Content ids are single use; every audio turn mints
				// a fresh one.
				if err := adapter.OpenAudioContent(ctx, uuid.NewString()); err != nil {
					if errors.Is(err, speech.ErrSequence) {
						log.Warn().Err(err).Msg("start_audio out of order, dropped")
						continue
					}
					return fatal(err, "open audio content failed")
				}
				state = StateStreamingAudio

			case protocol.Audio:
				if state != StateStreamingAudio {
					log.Warn().Str("state", state.String()).Msg("audio chunk dropped")
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(m.Data)
				if err != nil {
					log.Warn().Err(err).Msg("undecodable audio chunk dropped")
					continue
				}
				if err := adapter.SendAudioChunk(ctx, pcm); err != nil {
					if errors.Is(err, speech.ErrSequence) {
						log.Warn().Err(err).Msg("audio chunk out of order, dropped")
						continue
					}
					return fatal(err, "send audio chunk failed")
				}

			case protocol.EndAudio:
				if state != StateStreamingAudio {
					log.Warn().Str("state", state.String()).Msg("end_audio dropped")
					continue
				}
				if err := adapter.CloseContent(ctx); err != nil {
					if errors.Is(err, speech.ErrSequence) {
						log.Warn().Err(err).Msg("end_audio out of order, dropped")
						continue
					}
					return fatal(err, "close audio content failed")
				}
				state = StateReady
				flushUserTurn()

			case protocol.Text:
				if state != StateReady {
					log.Warn().Str("state", state.String()).Msg("text dropped")
					continue
				}
				if err := e.sendTextTurn(ctx, adapter, m.Data); err != nil {
					if errors.Is(err, speech.ErrSequence) {
						log.Warn().Err(err).Msg("text turn out of order, dropped")
						continue
					}
					return fatal(err, "send text turn failed")
				}
				e.send(ctx, outbound, protocol.TextEvent{
					Type: protocol.TypeTextEvent,
					Text: m.Data,
					Role: wire.RoleUser,
				})
				e.dispatcher.RecordTurn(s.ID, true, m.Data)
				e.scoreStudentTurn(ctx, s, m.Data, outbound)

			case protocol.SetVoice:
				if state != StateReady {
					log.Warn().Str("state", state.String()).Msg("set_voice dropped")
					continue
				}
				if !speech.IsSupportedVoice(m.VoiceID) {
					e.send(ctx, outbound, protocol.ErrorEvent{
						Type: protocol.TypeError,
						Text: fmt.Sprintf("unsupported voice %q", m.VoiceID),
					})
					continue
				}
				// The wire protocol has no mid-session voice change,
				// so this is a full reconnect. The client sees a
				// short gap before the next session_ready.
				flushUserTurn()
				teardown(adapter, true)
				adapter = nil
				state = StateOpening
				ad, err := open(m.VoiceID)
				if err != nil {
					return fatal(err, "voice change reconnect failed")
				}
				adapter = ad
				s.VoiceID = m.VoiceID
				startPump(adapter)
				state = StateReady
				firstAudio = false
				openedAt = time.Now()
				e.metrics.SessionEvents.WithLabelValues("voice_changed").Inc()
				e.send(ctx, outbound, protocol.SessionReadyEvent{
					Type:      protocol.TypeSessionReady,
					SessionID: s.ID,
					VoiceID:   s.VoiceID,
				})

			case protocol.Interrupt:
				if !state.active() {
					continue
				}
				s.InterruptionCount++
				e.metrics.SessionEvents.WithLabelValues("session_interrupted").Inc()
				finish("interrupted")
				return nil

			case protocol.EndSession:
				if !state.active() {
					continue
				}
				finish("ended")
				return nil

			case protocol.StartSession:
				log.Warn().Msg("start_session on live session ignored")

			default:
				log.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("unhandled command dropped")
			}
		}
	}
}

// handleAssistantText forwards one patient utterance, runs completion
// detection when enabled, and records the surfaced text.
func (e *Engine) handleAssistantText(ctx context.Context, s *session.Session, text string, diagnosisDone *bool, outbound chan<- any) {
	if s.CompletionMode && !*diagnosisDone {
		res := e.detector.Inspect(text)
		text = res.Text
		if res.Complete {
			*diagnosisDone = true
			e.metrics.SessionEvents.WithLabelValues("diagnosis_complete").Inc()
		}
		e.send(ctx, outbound, protocol.TextEvent{
			Type: protocol.TypeTextEvent,
			Text: text,
			Role: wire.RoleAssistant,
		})
		e.dispatcher.RecordTurn(s.ID, false, text)
		if res.Complete {
			e.send(ctx, outbound, protocol.DiagnosisCompleteEvent{Type: protocol.TypeDiagnosisDone})
			e.send(ctx, outbound, protocol.DiagnosisVerdictEvent{
				Type:    protocol.TypeDiagnosisVerdict,
				Verdict: true,
			})
		}
		return
	}
	e.send(ctx, outbound, protocol.TextEvent{
		Type: protocol.TypeTextEvent,
		Text: text,
		Role: wire.RoleAssistant,
	})
	e.dispatcher.RecordTurn(s.ID, false, text)
}

// sendTextTurn pushes one ad-hoc student text turn as a full content
// block. The speech model answers it like a spoken utterance.
func (e *Engine) sendTextTurn(ctx context.Context, ad *speech.Adapter, text string) error {
	if err := ad.OpenTextContent(ctx, uuid.NewString(), wire.RoleUser); err != nil {
		return err
	}
	if err := ad.SendText(ctx, text); err != nil {
		return err
	}
	return ad.CloseContent(ctx)
}

// scoreStudentTurn schedules empathy evaluation and forwards the
// structured score to the client once it lands.
func (e *Engine) scoreStudentTurn(ctx context.Context, s *session.Session, text string, outbound chan<- any) {
	e.dispatcher.ScoreTurn(s.ID, text, s.Persona.Context(), func(score *judge.Score) {
		payload, err := json.Marshal(score)
		if err != nil {
			e.log.Warn().Err(err).Msg("empathy score marshal")
			return
		}
		e.send(ctx, outbound, protocol.EmpathyDataEvent{
			Type:    protocol.TypeEmpathyData,
			Content: payload,
		})
	})
}

// send delivers a protocol event to the transport bridge with a bounded
// wait so a stalled client cannot wedge the response pump.
func (e *Engine) send(ctx context.Context, outbound chan<- any, msg any) {
	timer := time.NewTimer(outboundSendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
	case <-ctx.Done():
	case <-timer.C:
		e.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		e.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("outbound event dropped, client too slow")
	}
}
