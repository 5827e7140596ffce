// Package events publishes analysis lifecycle events over Redis Pub/Sub so
// other orchestrator pods (and any UI gateway) can react to completions
// without polling the database. Delivery is best effort: a missing or broken
// Redis never fails the job.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Channel prefix for all analysis events.
const channelPrefix = "threatmodel:events:"

// Event types published by the orchestrator.
const (
	TypeAnalysisCompleted = "analysis.completed"
	TypeAnalysisFailed    = "analysis.failed"
)

// Event is the wire form of one lifecycle event.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	AnalysisID uuid.UUID      `json:"analysis_id"`
	Code       string         `json:"code"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher emits events. The zero-value Noop form is used when Redis is not
// configured.
type Publisher interface {
	Publish(ctx context.Context, event *Event)
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, *Event) {}

// RedisPublisher emits events over Redis Pub/Sub.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish marshals and emits the event. Failures are logged and swallowed.
func (p *RedisPublisher) Publish(ctx context.Context, event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("events: marshal failed", "type", event.Type, "error", err)
		return
	}

	channel := channelPrefix + event.Type
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Warn("events: publish failed", "channel", channel, "error", err)
	}
}

// Completed builds the analysis.completed event.
func Completed(analysisID uuid.UUID, code, riskLevel string, threatCount int) *Event {
	return &Event{
		Type:       TypeAnalysisCompleted,
		AnalysisID: analysisID,
		Code:       code,
		Data: map[string]any{
			"risk_level":   riskLevel,
			"threat_count": threatCount,
		},
	}
}

// Failed builds the analysis.failed event.
func Failed(analysisID uuid.UUID, code, reason string) *Event {
	return &Event{
		Type:       TypeAnalysisFailed,
		AnalysisID: analysisID,
		Code:       code,
		Data: map[string]any{
			"reason": reason,
		},
	}
}
