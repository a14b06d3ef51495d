package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher publishes events to JetStream on <prefix>.<type>.
type NATSPublisher struct {
	js     jetstream.JetStream
	prefix string
}

// NewNATSPublisher creates a publisher for subjects under prefix.
func NewNATSPublisher(js jetstream.JetStream, prefix string) *NATSPublisher {
	return &NATSPublisher{js: js, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	return fmt.Sprintf("%s.%s", p.prefix, t)
}

func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Msg id lets JetStream drop duplicates of a retried publish.
	if _, err := p.js.Publish(ctx, p.Subject(evt.Type), data, jetstream.WithMsgID(evt.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// EnsureStream creates or updates the stream capturing every subject
// under prefix.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	slog.Info("ensured event stream", "stream", name, "subjects", prefix+".>")
	return nil
}
