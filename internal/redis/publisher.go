package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventChannel is where lifecycle events are published for downstream
// messaging (reminders, patient-facing notifications).
const EventChannel = "scheduling.events"

// Publisher pushes scheduling lifecycle events to Redis pub/sub.
// Delivery is fire-and-forget; a failed publish is the caller's to log.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	msg := map[string]any{
		"event_type":  eventType,
		"occurred_at": time.Now().UTC(),
		"payload":     payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", eventType, err)
	}

	if err := p.client.Publish(ctx, EventChannel, data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", eventType, err)
	}

	return nil
}
