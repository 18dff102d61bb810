package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			student_sent BOOLEAN NOT NULL,
			message_content TEXT NOT NULL,
			empathy_score JSONB,
			time_sent TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_time ON messages (session_id, time_sent);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, turn TranscriptTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.SentAt.IsZero() {
		turn.SentAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (message_id, session_id, student_sent, message_content, empathy_score, time_sent)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		turn.ID,
		turn.SessionID,
		turn.StudentSent,
		turn.Content,
		turn.Score,
		turn.SentAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, sessionID string, limit int) ([]TranscriptTurn, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, session_id, student_sent, message_content, empathy_score, time_sent
		 FROM messages WHERE session_id=$1 ORDER BY time_sent DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	turns := make([]TranscriptTurn, 0, limit)
	for rows.Next() {
		var t TranscriptTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.StudentSent, &t.Content, &t.Score, &t.SentAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	return turns, nil
}

func (s *PostgresStore) AttachScore(ctx context.Context, sessionID string, score []byte) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET empathy_score=$2
		 WHERE message_id = (
			SELECT message_id FROM messages
			WHERE session_id=$1 AND student_sent
			ORDER BY time_sent DESC LIMIT 1
		 )`,
		sessionID,
		score,
	)
	if err != nil {
		return fmt.Errorf("attach score: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
