package store

import (
	"context"
	"time"
)

// TranscriptTurn is one message of a simulated consultation: either the
// student speaking or the patient replying.
type TranscriptTurn struct {
	ID          string
	SessionID   string
	StudentSent bool
	Content     string
	Score       []byte // empathy evaluation JSON, nil until attached
	SentAt      time.Time
}

// Store persists session transcripts. Implementations must be safe for
// concurrent use; the dispatcher calls them from background goroutines.
type Store interface {
	InsertMessage(ctx context.Context, turn TranscriptTurn) error
	// History returns the most recent turns for a session in
	// chronological order.
	History(ctx context.Context, sessionID string, limit int) ([]TranscriptTurn, error)
	// AttachScore stores an evaluation against the latest student turn
	// of the session.
	AttachScore(ctx context.Context, sessionID string, score []byte) error
	Close() error
}
