package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medsimlabs/patientvoice/internal/judge"
	"github.com/medsimlabs/patientvoice/internal/observability"
	"github.com/medsimlabs/patientvoice/internal/store"
)

var testMetrics = observability.NewMetrics("dispatch_test")

type recordingStore struct {
	mu       sync.Mutex
	inserted []store.TranscriptTurn
	scores   [][]byte
	failAll  bool
}

func (s *recordingStore) InsertMessage(_ context.Context, turn store.TranscriptTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("store down")
	}
	s.inserted = append(s.inserted, turn)
	return nil
}

func (s *recordingStore) History(context.Context, string, int) ([]store.TranscriptTurn, error) {
	return nil, nil
}

func (s *recordingStore) AttachScore(_ context.Context, _ string, score []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("store down")
	}
	s.scores = append(s.scores, score)
	return nil
}

func (s *recordingStore) Close() error { return nil }

type stubJudge struct {
	score *judge.Score
	err   error
}

func (j stubJudge) Evaluate(context.Context, string, string) (*judge.Score, error) {
	return j.score, j.err
}

func newTestDispatcher(st store.Store, jd judge.Judge) *Dispatcher {
	return New(st, jd, nil, testMetrics, zerolog.Nop(), time.Second)
}

func TestRecordTurnPersistsRedactedText(t *testing.T) {
	st := &recordingStore{}
	d := newTestDispatcher(st, nil)

	d.RecordTurn("sess", true, "Call me at +1 (555) 123-9876 about the rash.")
	if !d.Drain(time.Second) {
		t.Fatal("Drain timed out")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.inserted) != 1 {
		t.Fatalf("inserted = %d turns, want 1", len(st.inserted))
	}
	got := st.inserted[0]
	if !got.StudentSent || got.SessionID != "sess" {
		t.Fatalf("turn = %+v", got)
	}
	if !strings.Contains(got.Content, "[REDACTED_PHONE]") {
		t.Fatalf("content not redacted: %q", got.Content)
	}
}

func TestRecordTurnStoreFailureIsSwallowed(t *testing.T) {
	d := newTestDispatcher(&recordingStore{failAll: true}, nil)

	d.RecordTurn("sess", true, "hello")
	d.RecordTurn("sess", false, "hi there")
	if !d.Drain(time.Second) {
		t.Fatal("Drain timed out with failing store")
	}
}

func TestScoreTurnAttachesAndNotifies(t *testing.T) {
	st := &recordingStore{}
	want := &judge.Score{EmpathyScore: 4, RealismFlag: "realistic"}
	d := newTestDispatcher(st, stubJudge{score: want})

	var mu sync.Mutex
	var got *judge.Score
	d.ScoreTurn("sess", "that sounds hard", "migraine patient", func(s *judge.Score) {
		mu.Lock()
		got = s
		mu.Unlock()
	})
	if !d.Drain(time.Second) {
		t.Fatal("Drain timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.EmpathyScore != 4 {
		t.Fatalf("callback score = %+v, want empathy 4", got)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.scores) != 1 {
		t.Fatalf("attached scores = %d, want 1", len(st.scores))
	}
	if !strings.Contains(string(st.scores[0]), `"empathy_score":4`) {
		t.Fatalf("stored score = %s", st.scores[0])
	}
}

func TestScoreTurnJudgeFailureSkipsCallback(t *testing.T) {
	st := &recordingStore{}
	d := newTestDispatcher(st, stubJudge{err: errors.New("grader offline")})

	called := false
	d.ScoreTurn("sess", "x", "y", func(*judge.Score) { called = true })
	if !d.Drain(time.Second) {
		t.Fatal("Drain timed out")
	}
	if called {
		t.Fatal("callback ran despite judge failure")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.scores) != 0 {
		t.Fatalf("scores attached = %d, want 0", len(st.scores))
	}
}

type blockingJudge struct {
	release chan struct{}
}

func (j blockingJudge) Evaluate(context.Context, string, string) (*judge.Score, error) {
	<-j.release
	return &judge.Score{EmpathyScore: 3, RealismFlag: "realistic"}, nil
}

func TestDrainReportsTimeoutWithSlowJudge(t *testing.T) {
	release := make(chan struct{})
	d := newTestDispatcher(&recordingStore{}, blockingJudge{release: release})

	d.ScoreTurn("sess", "how long has it hurt", "migraine patient", nil)
	if d.Drain(20 * time.Millisecond) {
		t.Fatal("Drain returned true while judge was still blocked")
	}

	close(release)
	if !d.Drain(time.Second) {
		t.Fatal("Drain timed out after judge was released")
	}
}

func TestScoreTurnNilJudgeIsNoOp(t *testing.T) {
	d := newTestDispatcher(&recordingStore{}, nil)
	d.ScoreTurn("sess", "x", "y", func(*judge.Score) {
		t.Error("callback ran with nil judge")
	})
	if !d.Drain(time.Second) {
		t.Fatal("Drain timed out")
	}
}
