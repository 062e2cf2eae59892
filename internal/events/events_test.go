package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment-api/internal/observability"
)

func TestBrokerPublisherPublishesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	publisher := NewBrokerPublisher(client, nil, "test:attempts", zerolog.Nop())
	require.Equal(t, "test.attempts.attempt.submitted", publisher.Subject(TypeAttemptSubmitted))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, publisher.Channel())
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(observability.WithCorrelationID(ctx, "req-42"), AttemptEvent{
		Type:         TypeAttemptSubmitted,
		AttemptID:    9,
		AssessmentID: 2,
		StudentID:    3,
		Action:       "submit",
		Status:       "SUBMITTED",
	}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var event AttemptEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	require.Equal(t, uint(9), event.AttemptID)
	require.Equal(t, TypeAttemptSubmitted, event.Type)
	require.NotEmpty(t, event.ID)
	require.NotEmpty(t, event.Source)
	require.Equal(t, "req-42", event.CorrelationID)
	require.False(t, event.OccurredAt.IsZero())
}

func TestBrokerPublisherReportsRedisFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	publisher := NewBrokerPublisher(client, nil, "", zerolog.Nop())
	require.Equal(t, "assessment:attempts", publisher.Channel())
	require.Error(t, publisher.Publish(context.Background(), AttemptEvent{Type: TypeAttemptTransitioned}))
}

func TestNopPublisher(t *testing.T) {
	require.NoError(t, NopPublisher{}.Publish(context.Background(), AttemptEvent{}))
}
