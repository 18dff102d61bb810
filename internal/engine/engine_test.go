package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medsimlabs/patientvoice/internal/dispatch"
	"github.com/medsimlabs/patientvoice/internal/judge"
	"github.com/medsimlabs/patientvoice/internal/observability"
	"github.com/medsimlabs/patientvoice/internal/persona"
	"github.com/medsimlabs/patientvoice/internal/protocol"
	"github.com/medsimlabs/patientvoice/internal/session"
	"github.com/medsimlabs/patientvoice/internal/speech"
	"github.com/medsimlabs/patientvoice/internal/store"
)

var testMetrics = observability.NewMetrics("engine_test")

const waitBudget = 3 * time.Second

type scriptChannel struct {
	mu     sync.Mutex
	sent   [][]byte
	recv   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newScriptChannel() *scriptChannel {
	return &scriptChannel{
		recv:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *scriptChannel) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *scriptChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.recv:
		return b, nil
	case <-c.closed:
		return nil, speech.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptChannel) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *scriptChannel) inject(raw ...string) {
	for _, r := range raw {
		c.recv <- []byte(r)
	}
}

type scriptDialer struct {
	mu    sync.Mutex
	chans []*scriptChannel
	fail  error
}

func (d *scriptDialer) Dial(context.Context) (speech.Channel, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	ch := newScriptChannel()
	d.mu.Lock()
	d.chans = append(d.chans, ch)
	d.mu.Unlock()
	return ch, nil
}

func (d *scriptDialer) channel(i int) *scriptChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chans[i]
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chans)
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []store.TranscriptTurn
	failAll  bool
}

func (s *fakeStore) InsertMessage(_ context.Context, turn store.TranscriptTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("store down")
	}
	s.inserted = append(s.inserted, turn)
	return nil
}

func (s *fakeStore) History(context.Context, string, int) ([]store.TranscriptTurn, error) {
	return nil, nil
}

func (s *fakeStore) AttachScore(_ context.Context, _ string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("store down")
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) turns() []store.TranscriptTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.TranscriptTurn, len(s.inserted))
	copy(out, s.inserted)
	return out
}

type stubJudge struct {
	score *judge.Score
}

func (j stubJudge) Evaluate(context.Context, string, string) (*judge.Score, error) {
	if j.score == nil {
		return nil, errors.New("judge down")
	}
	return j.score, nil
}

// Inbound wire event fixtures.

func contentStartJSON(role, contentType, stage string) string {
	extra := ""
	if stage != "" {
		extra = fmt.Sprintf(`,"additionalModelFields":%q`, `{"generationStage":"`+stage+`"}`)
	}
	return fmt.Sprintf(`{"event":{"contentStart":{"promptName":"p0","contentName":"c0","type":%q,"role":%q%s}}}`,
		contentType, role, extra)
}

func textOutputJSON(role, content string) string {
	return fmt.Sprintf(`{"event":{"textOutput":{"promptName":"p0","contentName":"c0","role":%q,"content":%q}}}`,
		role, content)
}

func audioOutputJSON(b64 string) string {
	return fmt.Sprintf(`{"event":{"audioOutput":{"promptName":"p0","contentName":"c0","content":%q}}}`, b64)
}

func contentEndJSON() string {
	return `{"event":{"contentEnd":{"promptName":"p0","contentName":"c0"}}}`
}

// frameEventKeys decodes each outbound frame to its single event key.
func frameEventKeys(t *testing.T, frames [][]byte) []string {
	t.Helper()
	var keys []string
	for _, frame := range frames {
		var envelope map[string]map[string]json.RawMessage
		if err := json.Unmarshal(frame, &envelope); err != nil {
			t.Fatalf("frame is not valid JSON: %v", err)
		}
		inner, ok := envelope["event"]
		if !ok {
			t.Fatalf("frame missing event envelope: %s", frame)
		}
		if len(inner) != 1 {
			t.Fatalf("frame carries %d events, want 1: %s", len(inner), frame)
		}
		for k := range inner {
			keys = append(keys, k)
		}
	}
	return keys
}

type harness struct {
	t        *testing.T
	dialer   *scriptDialer
	store    *fakeStore
	inbound  chan any
	outbound chan any
	done     chan error
	sess     *session.Session
}

func startSession(t *testing.T, completionMode bool, jd judge.Judge, st *fakeStore) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if st == nil {
		st = &fakeStore{}
	}
	dialer := &scriptDialer{}
	disp := dispatch.New(st, jd, nil, testMetrics, zerolog.Nop(), time.Second)
	eng := New(dialer, disp, st, nil, testMetrics, zerolog.Nop(), Config{DrainWait: 2 * time.Second})

	sess := &session.Session{
		ID:             "sess-1",
		VoiceID:        "tiffany",
		CompletionMode: completionMode,
		Persona:        persona.Persona{Name: "Avery", Age: 34},
	}
	h := &harness{
		t:        t,
		dialer:   dialer,
		store:    st,
		inbound:  make(chan any, 16),
		outbound: make(chan any, 64),
		done:     make(chan error, 1),
		sess:     sess,
	}
	go func() { h.done <- eng.Run(ctx, sess, h.inbound, h.outbound) }()
	return h
}

func (h *harness) next() any {
	h.t.Helper()
	select {
	case ev := <-h.outbound:
		return ev
	case <-time.After(waitBudget):
		h.t.Fatalf("timed out waiting for outbound event")
		return nil
	}
}

func (h *harness) nextText() protocol.TextEvent {
	h.t.Helper()
	deadline := time.After(waitBudget)
	for {
		select {
		case ev := <-h.outbound:
			if te, ok := ev.(protocol.TextEvent); ok {
				return te
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for text event")
		}
	}
}

func (h *harness) awaitReady() protocol.SessionReadyEvent {
	h.t.Helper()
	deadline := time.After(waitBudget)
	for {
		select {
		case ev := <-h.outbound:
			if re, ok := ev.(protocol.SessionReadyEvent); ok {
				return re
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for session_ready")
		}
	}
}

// end issues end_session and returns every event emitted up to and
// including session_ended, plus Run's error.
func (h *harness) end() ([]any, error) {
	h.t.Helper()
	h.inbound <- protocol.EndSession{Type: protocol.TypeEndSession}
	var events []any
	deadline := time.After(waitBudget)
	for {
		select {
		case ev := <-h.outbound:
			events = append(events, ev)
			if _, ok := ev.(protocol.SessionEndedEvent); ok {
				select {
				case err := <-h.done:
					return events, err
				case <-time.After(waitBudget):
					h.t.Fatalf("Run did not return after session_ended")
				}
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for session_ended")
		}
	}
}

func silenceChunk() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 320))
}

func TestRunFullSessionFrameOrder(t *testing.T) {
	h := startSession(t, false, nil, nil)
	h.awaitReady()

	h.inbound <- protocol.StartAudio{Type: protocol.TypeStartAudio}
	for i := 0; i < 3; i++ {
		h.inbound <- protocol.Audio{Type: protocol.TypeAudio, Data: silenceChunk()}
	}
	h.inbound <- protocol.EndAudio{Type: protocol.TypeEndAudio}

	_, err := h.end()
	if err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}

	want := []string{
		"sessionStart", "promptStart",
		"contentStart", "textInput", "contentEnd",
		"contentStart", "audioInput", "audioInput", "audioInput", "contentEnd",
		"promptEnd", "sessionEnd",
	}
	got := frameEventKeys(t, h.dialer.channel(0).frames())
	if len(got) != len(want) {
		t.Fatalf("sent %d frames %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d is %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestRunHappyPathVoiceTurn(t *testing.T) {
	jd := stubJudge{score: &judge.Score{
		EmpathyScore: 4,
		RealismFlag:  "realistic",
	}}
	h := startSession(t, false, jd, nil)
	h.awaitReady()

	h.inbound <- protocol.StartAudio{Type: protocol.TypeStartAudio}
	h.inbound <- protocol.Audio{Type: protocol.TypeAudio, Data: silenceChunk()}
	h.inbound <- protocol.EndAudio{Type: protocol.TypeEndAudio}

	ch := h.dialer.channel(0)
	ch.inject(
		contentStartJSON("USER", "TEXT", ""),
		textOutputJSON("USER", "my head hurts"),
		contentStartJSON("ASSISTANT", "TEXT", ""),
		textOutputJSON("ASSISTANT", "I'm sorry to hear that."),
	)

	first := h.nextText()
	if first.Text != "my head hurts" || first.Role != "USER" {
		t.Fatalf("first text event = %+v, want USER my head hurts", first)
	}
	second := h.nextText()
	if second.Text != "I'm sorry to hear that." || second.Role != "ASSISTANT" {
		t.Fatalf("second text event = %+v, want ASSISTANT apology", second)
	}

	events, err := h.end()
	if err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}

	// Teardown drains the dispatcher before session_ended is emitted,
	// so the score event must already be in the collected stream.
	sawEmpathy := false
	for _, ev := range events {
		if _, ok := ev.(protocol.EmpathyDataEvent); ok {
			sawEmpathy = true
		}
	}
	if !sawEmpathy {
		t.Fatalf("no empathy_data event emitted")
	}

	turns := h.store.turns()
	var student, assistant int
	for _, turn := range turns {
		if turn.StudentSent {
			student++
			if turn.Content != "my head hurts" {
				t.Fatalf("student turn content = %q", turn.Content)
			}
		} else {
			assistant++
			if turn.Content != "I'm sorry to hear that." {
				t.Fatalf("assistant turn content = %q", turn.Content)
			}
		}
	}
	if student != 1 || assistant != 1 {
		t.Fatalf("persisted %d student / %d assistant turns, want 1/1", student, assistant)
	}
}

func TestSpeculativeTranscriptGate(t *testing.T) {
	h := startSession(t, false, nil, nil)
	h.awaitReady()

	ch := h.dialer.channel(0)
	ch.inject(
		contentStartJSON("ASSISTANT", "TEXT", "SPECULATIVE"),
		textOutputJSON("ASSISTANT", "Hello there."),
		contentStartJSON("ASSISTANT", "TEXT", "FINAL"),
		textOutputJSON("ASSISTANT", "Hello there."),
	)

	first := h.nextText()
	if first.Text != "Hello there." {
		t.Fatalf("text event = %+v", first)
	}

	events, err := h.end()
	if err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	for _, ev := range events {
		if te, ok := ev.(protocol.TextEvent); ok {
			t.Fatalf("duplicate transcript surfaced: %+v", te)
		}
	}
}

func TestDiagnosisSentinel(t *testing.T) {
	h := startSession(t, true, nil, nil)
	h.awaitReady()

	ch := h.dialer.channel(0)
	ch.inject(
		contentStartJSON("ASSISTANT", "TEXT", ""),
		textOutputJSON("ASSISTANT", "That is exactly right. PROPER DIAGNOSIS ACHIEVED"),
	)

	te := h.nextText()
	if strings.Contains(te.Text, persona.SentinelMarker) {
		t.Fatalf("sentinel leaked to client: %q", te.Text)
	}
	if !strings.Contains(te.Text, "Congratulations") {
		t.Fatalf("closing sentence missing: %q", te.Text)
	}

	sawComplete := false
	sawVerdict := false
	deadline := time.After(waitBudget)
	for !(sawComplete && sawVerdict) {
		select {
		case ev := <-h.outbound:
			switch v := ev.(type) {
			case protocol.DiagnosisCompleteEvent:
				sawComplete = true
			case protocol.DiagnosisVerdictEvent:
				sawVerdict = true
				if !v.Verdict {
					t.Fatalf("verdict = false, want true")
				}
			}
		case <-deadline:
			t.Fatalf("missing completion events: complete=%v verdict=%v", sawComplete, sawVerdict)
		}
	}

	if _, err := h.end(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestSideEffectIsolation(t *testing.T) {
	st := &fakeStore{failAll: true}
	h := startSession(t, false, nil, st)
	h.awaitReady()

	h.inbound <- protocol.Text{Type: protocol.TypeText, Data: "does your chest hurt?"}
	te := h.nextText()
	if te.Text != "does your chest hurt?" {
		t.Fatalf("text event = %+v", te)
	}

	ch := h.dialer.channel(0)
	ch.inject(
		contentStartJSON("ASSISTANT", "TEXT", ""),
		textOutputJSON("ASSISTANT", "Yes, a little."),
	)
	reply := h.nextText()
	if reply.Text != "Yes, a little." {
		t.Fatalf("reply event = %+v", reply)
	}

	if _, err := h.end(); err != nil {
		t.Fatalf("Run returned %v with a failing store, want nil", err)
	}
}

func TestAudioContentIDsUnique(t *testing.T) {
	h := startSession(t, false, nil, nil)
	h.awaitReady()

	const cycles = 5
	for i := 0; i < cycles; i++ {
		h.inbound <- protocol.StartAudio{Type: protocol.TypeStartAudio}
		h.inbound <- protocol.Audio{Type: protocol.TypeAudio, Data: silenceChunk()}
		h.inbound <- protocol.EndAudio{Type: protocol.TypeEndAudio}
	}
	if _, err := h.end(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}

	seen := map[string]bool{}
	for _, frame := range h.dialer.channel(0).frames() {
		var envelope struct {
			Event struct {
				ContentStart *struct {
					ContentName string `json:"contentName"`
					Type        string `json:"type"`
				} `json:"contentStart"`
			} `json:"event"`
		}
		if err := json.Unmarshal(frame, &envelope); err != nil {
			t.Fatalf("frame decode: %v", err)
		}
		cs := envelope.Event.ContentStart
		if cs == nil || cs.Type != "AUDIO" {
			continue
		}
		if seen[cs.ContentName] {
			t.Fatalf("audio content id %s reused", cs.ContentName)
		}
		seen[cs.ContentName] = true
	}
	if len(seen) != cycles {
		t.Fatalf("saw %d audio content ids, want %d", len(seen), cycles)
	}
}

func TestInterruptSkipsCleanTeardown(t *testing.T) {
	h := startSession(t, false, nil, nil)
	h.awaitReady()

	h.inbound <- protocol.Interrupt{Type: protocol.TypeInterrupt}

	deadline := time.After(waitBudget)
loop:
	for {
		select {
		case ev := <-h.outbound:
			if ended, ok := ev.(protocol.SessionEndedEvent); ok {
				if ended.Reason != "interrupted" {
					t.Fatalf("reason = %q, want interrupted", ended.Reason)
				}
				break loop
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session_ended")
		}
	}
	if err := <-h.done; err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	for _, key := range frameEventKeys(t, h.dialer.channel(0).frames()) {
		if key == "sessionEnd" || key == "promptEnd" {
			t.Fatalf("interrupt performed clean teardown frame %s", key)
		}
	}
	if h.sess.InterruptionCount != 1 {
		t.Fatalf("interruption count = %d, want 1", h.sess.InterruptionCount)
	}
}

func TestVoiceChangeReconnects(t *testing.T) {
	h := startSession(t, false, nil, nil)
	h.awaitReady()

	h.inbound <- protocol.SetVoice{Type: protocol.TypeSetVoice, VoiceID: "matthew"}
	ready := h.awaitReady()
	if ready.VoiceID != "matthew" {
		t.Fatalf("session_ready voice = %q, want matthew", ready.VoiceID)
	}
	if n := h.dialer.dialCount(); n != 2 {
		t.Fatalf("dialed %d channels, want 2", n)
	}
	got := frameEventKeys(t, h.dialer.channel(0).frames())
	if got[len(got)-1] != "sessionEnd" {
		t.Fatalf("first channel did not close cleanly: %v", got)
	}
	if _, err := h.end(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestVoiceChangeDropsStaleTranscript(t *testing.T) {
	h := startSession(t, false, nil, nil)
	h.awaitReady()

	h.inbound <- protocol.SetVoice{Type: protocol.TypeSetVoice, VoiceID: "matthew"}
	h.awaitReady()

	// The first channel is torn down but its pump may still hold
	// undelivered frames. Anything decoded from it now belongs to the
	// old connection and must not surface.
	old := h.dialer.channel(0)
	old.inject(
		contentStartJSON("ASSISTANT", "TEXT", ""),
		textOutputJSON("ASSISTANT", "ghost of the old voice"),
	)
	fresh := h.dialer.channel(1)
	fresh.inject(
		contentStartJSON("ASSISTANT", "TEXT", ""),
		textOutputJSON("ASSISTANT", "hello from the new voice"),
	)

	te := h.nextText()
	if te.Text != "hello from the new voice" {
		t.Fatalf("text after reconnect = %q, want the new channel's line", te.Text)
	}

	events, err := h.end()
	if err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	for _, ev := range events {
		if te, ok := ev.(protocol.TextEvent); ok && strings.Contains(te.Text, "ghost") {
			t.Fatalf("stale transcript surfaced after voice change: %+v", te)
		}
	}
	for _, turn := range h.store.turns() {
		if strings.Contains(turn.Content, "ghost") {
			t.Fatalf("stale transcript persisted: %+v", turn)
		}
	}
}

func TestDialFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{}
	dialer := &scriptDialer{fail: errors.New("no route")}
	disp := dispatch.New(st, nil, nil, testMetrics, zerolog.Nop(), time.Second)
	eng := New(dialer, disp, st, nil, testMetrics, zerolog.Nop(), Config{DrainWait: time.Second})

	sess := &session.Session{ID: "sess-x", VoiceID: "tiffany"}
	inbound := make(chan any)
	outbound := make(chan any, 8)

	err := eng.Run(ctx, sess, inbound, outbound)
	if err == nil {
		t.Fatalf("Run succeeded with a failing dialer")
	}

	select {
	case ev := <-outbound:
		ee, ok := ev.(protocol.ErrorEvent)
		if !ok {
			t.Fatalf("first event = %T, want ErrorEvent", ev)
		}
		if !ee.Fatal {
			t.Fatalf("error event not fatal: %+v", ee)
		}
	default:
		t.Fatalf("no error event emitted")
	}
}
