// Package pubsub publishes push notifications to a Google Cloud Pub/Sub
// topic. A socket gateway subscribes to the topic and routes each message by
// its channel attribute.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

const broadcastChannel = "broadcast"

// Envelope is the JSON body of every published message.
type Envelope struct {
	Event   string    `json:"event"`
	UserID  string    `json:"user_id,omitempty"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// Push implements news.PushNotifier on a Pub/Sub topic.
type Push struct {
	topic *pubsub.Topic
	now   func() time.Time
}

// New creates a Push for the provided topic.
func New(topic *pubsub.Topic) *Push {
	return &Push{topic: topic, now: time.Now}
}

// EmitToUser publishes an event on the user's private channel.
func (p *Push) EmitToUser(ctx context.Context, userID, event string, payload any) error {
	return p.publish(ctx, "user:"+userID, Envelope{Event: event, UserID: userID, Payload: payload})
}

// Broadcast publishes an event for every connected client.
func (p *Push) Broadcast(ctx context.Context, event string, payload any) error {
	return p.publish(ctx, broadcastChannel, Envelope{Event: event, Payload: payload})
}

func (p *Push) publish(ctx context.Context, channel string, env Envelope) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	env.SentAt = p.now().UTC()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"channel": channel,
			"event":   env.Event,
		},
	}
	if env.UserID != "" {
		msg.Attributes["user_id"] = env.UserID
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Event, channel, err)
	}
	return nil
}

// Close flushes pending publishes.
func (p *Push) Close() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
