// Package events fans attempt lifecycle changes out to Redis pub/sub and NATS
// so other services (notifications, dashboards) can react to them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/observability"
)

const (
	// TypeAttemptSubmitted is emitted once per created attempt.
	TypeAttemptSubmitted = "attempt.submitted"
	// TypeAttemptTransitioned is emitted for every applied review action.
	TypeAttemptTransitioned = "attempt.transitioned"
)

// AttemptEvent is the wire format of an attempt change.
type AttemptEvent struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	Type           string    `json:"type"`
	AttemptID      uint      `json:"attempt_id"`
	AssessmentID   uint      `json:"assessment_id"`
	StudentID      uint      `json:"student_id"`
	Action         string    `json:"action"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Status         string    `json:"status"`
	Decision       string    `json:"decision,omitempty"`
	ActorID        uint      `json:"actor_id"`
	ActorRole      string    `json:"actor_role"`
	AutoSubmitted  bool      `json:"auto_submitted"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher delivers attempt events.
type Publisher interface {
	Publish(ctx context.Context, event AttemptEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, AttemptEvent) error { return nil }

// BrokerPublisher publishes to a Redis channel and a NATS subject. Either
// transport may be nil.
type BrokerPublisher struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	logger       zerolog.Logger
}

// NewBrokerPublisher builds a publisher. channelBase like "assessment:attempts"
// becomes the Redis channel as is and the NATS subject "assessment.attempts".
func NewBrokerPublisher(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) *BrokerPublisher {
	channelBase = strings.TrimSpace(channelBase)
	if channelBase == "" {
		channelBase = "assessment:attempts"
	}

	return &BrokerPublisher{
		redis:        redisClient,
		redisChannel: channelBase,
		nats:         natsConn,
		natsSubject:  strings.ReplaceAll(channelBase, ":", "."),
		nodeID:       uuid.NewString(),
		logger:       logger.With().Str("component", "attempt_events").Logger(),
	}
}

// Channel returns the Redis channel events are published on.
func (p *BrokerPublisher) Channel() string {
	return p.redisChannel
}

// Subject returns the NATS subject for an event type.
func (p *BrokerPublisher) Subject(eventType string) string {
	return p.natsSubject + "." + eventType
}

// Publish sends the event on every configured transport. A failing transport
// does not stop the others; their errors are joined.
func (p *BrokerPublisher) Publish(ctx context.Context, event AttemptEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = observability.CorrelationIDFromContext(ctx)
	}
	event.Source = p.nodeID

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var errs []error
	if p.redis != nil {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			observability.EventsPublished().WithLabelValues("redis", "error").Inc()
			errs = append(errs, err)
		} else {
			observability.EventsPublished().WithLabelValues("redis", "ok").Inc()
		}
	}

	if p.nats != nil {
		if err := p.nats.Publish(p.Subject(event.Type), payload); err != nil {
			observability.EventsPublished().WithLabelValues("nats", "error").Inc()
			errs = append(errs, err)
		} else {
			observability.EventsPublished().WithLabelValues("nats", "ok").Inc()
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		p.logger.Warn().Err(err).Str("event_type", event.Type).Uint("attempt_id", event.AttemptID).Msg("attempt event publish failed")
		return err
	}
	return nil
}
