// Package memory records push notifications in memory for development and tests.
package memory

import (
	"context"
	"sync"
)

// BroadcastChannel is the channel name recorded for broadcasts.
const BroadcastChannel = "broadcast"

// Notification captures one push delivery.
type Notification struct {
	Channel string
	UserID  string
	Event   string
	Payload any
}

// Push implements news.PushNotifier by recording every delivery.
type Push struct {
	mu   sync.RWMutex
	sent []Notification
	fail map[string]error
}

// New returns an empty Push recorder.
func New() *Push {
	return &Push{fail: make(map[string]error)}
}

// FailFor makes deliveries to userID return err.
func (p *Push) FailFor(userID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[userID] = err
}

// EmitToUser records a delivery to the user's private channel.
func (p *Push) EmitToUser(_ context.Context, userID, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[userID]; err != nil {
		return err
	}
	p.sent = append(p.sent, Notification{Channel: "user:" + userID, UserID: userID, Event: event, Payload: payload})
	return nil
}

// Broadcast records a delivery to every connected client.
func (p *Push) Broadcast(_ context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, Notification{Channel: BroadcastChannel, Event: event, Payload: payload})
	return nil
}

// Sent returns a copy of the recorded deliveries.
func (p *Push) Sent() []Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Notification, len(p.sent))
	copy(out, p.sent)
	return out
}

// SentTo returns the deliveries addressed to userID.
func (p *Push) SentTo(userID string) []Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Notification
	for _, n := range p.sent {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
