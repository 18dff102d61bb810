// Package httpapi exposes the session REST surface and the websocket
// transport bridge that carries commands in and audio/text events out.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/medsimlabs/patientvoice/internal/config"
	"github.com/medsimlabs/patientvoice/internal/observability"
	"github.com/medsimlabs/patientvoice/internal/persona"
	"github.com/medsimlabs/patientvoice/internal/protocol"
	"github.com/medsimlabs/patientvoice/internal/session"
	"github.com/medsimlabs/patientvoice/internal/speech"
	"github.com/medsimlabs/patientvoice/internal/store"
)

// SessionRunner drives one live session over a pair of command/event
// channels. engine.Engine satisfies it.
type SessionRunner interface {
	Run(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	runner   SessionRunner
	store    store.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, runner SessionRunner, st store.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		runner:   runner,
		store:    st,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections may drive a
				// mic session unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/history", s.handleSessionHistory)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/voices", s.handleListVoices)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.VoiceID == "" {
		req.VoiceID = s.cfg.DefaultVoice
	}
	if req.VoiceID == "" {
		req.VoiceID = speech.DefaultVoice()
	}
	if !speech.IsSupportedVoice(req.VoiceID) {
		respondError(w, http.StatusBadRequest, "unsupported_voice", "voice_id "+req.VoiceID+" is not available")
		return
	}

	p := persona.Persona{
		Name:            strings.TrimSpace(req.PatientName),
		Age:             req.PatientAge,
		ConditionPrompt: strings.TrimSpace(req.PatientPrompt),
		Instructions:    strings.TrimSpace(req.Instructions),
	}
	sess := s.sessions.Create(strings.TrimSpace(req.SessionID), req.VoiceID, p, req.CompletionMode)
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		VoiceID:         sess.VoiceID,
		PatientName:     sess.Persona.Name,
		CompletionMode:  sess.CompletionMode,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended_via_api").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		limit = n
	}

	turns, err := s.store.History(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"turns":      turns,
	})
}

type voiceSummary struct {
	VoiceID string `json:"voice_id"`
	Gender  string `json:"gender"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	voices := make([]voiceSummary, 0, len(speech.FeminineVoices)+len(speech.MasculineVoices))
	for _, id := range speech.FeminineVoices {
		voices = append(voices, voiceSummary{VoiceID: id, Gender: "feminine"})
	}
	for _, id := range speech.MasculineVoices {
		voices = append(voices, voiceSummary{VoiceID: id, Gender: "masculine"})
	}

	defaultVoice := s.cfg.DefaultVoice
	if defaultVoice == "" {
		defaultVoice = speech.FeminineVoices[0]
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"default_voice_id": defaultVoice,
		"voices":           voices,
	})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session runner not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.runner.Run(ctx, sess, inbound, outbound); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("session run failed")
		}
		cancel()
	}()

	// Single writer goroutine; gorilla connections do not allow
	// concurrent writes.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := eventTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", t).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseCommand(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type: protocol.TypeError,
				Text: err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Writes stay single-threaded; drop when the
				// outbound queue is saturated.
			}
			continue
		}

		if t, ok := commandTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", t).Inc()
		}
		if err := s.sessions.Touch(sessionID); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > 1000 {
		return 0, errors.New("limit must be at most 1000")
	}
	return n, nil
}

func commandTypeOf(v any) (string, bool) {
	switch m := v.(type) {
	case protocol.StartSession:
		return string(m.Type), true
	case protocol.StartAudio:
		return string(m.Type), true
	case protocol.Audio:
		return string(m.Type), true
	case protocol.EndAudio:
		return string(m.Type), true
	case protocol.Text:
		return string(m.Type), true
	case protocol.Interrupt:
		return string(m.Type), true
	case protocol.SetVoice:
		return string(m.Type), true
	case protocol.EndSession:
		return string(m.Type), true
	default:
		return "", false
	}
}

func eventTypeOf(v any) (string, bool) {
	switch m := v.(type) {
	case protocol.TextEvent:
		return string(m.Type), true
	case protocol.AudioEvent:
		return string(m.Type), true
	case protocol.EmpathyDataEvent:
		return string(m.Type), true
	case protocol.DiagnosisCompleteEvent:
		return string(m.Type), true
	case protocol.DiagnosisVerdictEvent:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	case protocol.SessionReadyEvent:
		return string(m.Type), true
	case protocol.SessionEndedEvent:
		return string(m.Type), true
	default:
		return "", false
	}
}
