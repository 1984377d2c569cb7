package events

import "context"

// Streams
const (
	StreamSplits = "events:splits"
)

// Event types
const (
	EventSplitStatusChanged = "split_status_changed"
	EventPaymentReceived    = "payment_received"
	EventWebhookAbandoned   = "webhook_abandoned"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
