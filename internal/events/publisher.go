// Package events fans out transcript turns to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// TurnEvent is the record published for each completed transcript turn.
type TurnEvent struct {
	SessionID   string    `json:"session_id"`
	StudentSent bool      `json:"student_sent"`
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sent_at"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// Publisher writes turn events to a Kafka topic. When disabled it logs
// the event and drops it, which keeps local development broker-free.
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
}

func New(cfg Config) *Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("kafka disabled, transcript events use log-only mode")
		return &Publisher{topic: cfg.Topic}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("kafka transcript publisher initialized")

	return &Publisher{writer: writer, topic: cfg.Topic, enabled: true}
}

// PublishTurn publishes one transcript turn keyed by session id.
func (p *Publisher) PublishTurn(ctx context.Context, event TurnEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", p.topic).Msg("failed to marshal turn event")
		return err
	}

	log.Debug().
		Str("topic", p.topic).
		Str("session_id", event.SessionID).
		Bool("student_sent", event.StudentSent).
		Msg("publishing turn event")

	if !p.enabled || p.writer == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("transcript.turn")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", p.topic).
			Str("session_id", event.SessionID).
			Msg("failed to write turn event to kafka")
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
