package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"powersave/backend/services/savings-service/internal/models"
)

// Event types carried in the envelope and the message header.
const (
	TypeSessionCompleted = "session.completed"
	TypeWalletEntry      = "wallet.entry"
)

const defaultWriteTimeout = 5 * time.Second

// Config describes the Kafka destination. No brokers disables publishing.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Envelope is the JSON document written to the topic.
type Envelope struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	UserID     string          `json:"user_id"`
	Payload    json.RawMessage `json:"payload"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher emits settlement events. It never participates in a ledger
// transaction; callers publish after commit and only log failures.
type Publisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewPublisher builds a Kafka backed publisher.
func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	p := &Publisher{
		timeout: cfg.WriteTimeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if p.timeout <= 0 {
		p.timeout = defaultWriteTimeout
	}
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		logger.Info("event publishing disabled")
		return p
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	logger.Info("event publishing enabled",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return p
}

func newPublisherWithWriter(w messageWriter, logger *zap.Logger) *Publisher {
	return &Publisher{
		writer:  w,
		timeout: defaultWriteTimeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.writer != nil
}

// PublishWalletEntry emits a committed ledger entry.
func (p *Publisher) PublishWalletEntry(ctx context.Context, entry models.LedgerEntry) error {
	return p.publish(ctx, TypeWalletEntry, entry.UserID, entry)
}

// PublishSessionCompleted emits the final state of a completed session.
func (p *Publisher) PublishSessionCompleted(ctx context.Context, session models.Session) error {
	return p.publish(ctx, TypeSessionCompleted, session.UserID, session)
}

func (p *Publisher) publish(ctx context.Context, eventType, userID string, payload interface{}) error {
	if !p.Enabled() {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: encode %s payload: %w", eventType, err)
	}
	value, err := json.Marshal(Envelope{
		Type:       eventType,
		OccurredAt: p.now(),
		UserID:     userID,
		Payload:    body,
	})
	if err != nil {
		return fmt.Errorf("events: encode %s envelope: %w", eventType, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(userID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
		},
	}
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("events: write %s: %w", eventType, err)
	}
	p.logger.Debug("event published", zap.String("type", eventType), zap.String("user_id", userID))
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.writer.Close()
}
