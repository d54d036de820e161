package channel

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage records one delivered (or queued) outbound send.
type SentMessage struct {
	ChatJID string
	Text    string
}

// Fake is an in-memory Driver for tests: it records sends and can simulate
// a disconnected channel that queues sends until SetConnected(true) drains
// them, per spec §4.H's reconnect-drain requirement.
type Fake struct {
	mu        sync.Mutex
	connected bool
	Sent      []SentMessage
	queued    []SentMessage
	presence  map[string]Presence
}

// NewFake returns a connected fake driver.
func NewFake() *Fake {
	return &Fake{connected: true, presence: make(map[string]Presence)}
}

// Send implements Driver.
func (f *Fake) Send(ctx context.Context, chatJID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := SentMessage{ChatJID: chatJID, Text: text}
	if !f.connected {
		f.queued = append(f.queued, msg)
		return fmt.Errorf("channel: disconnected")
	}
	f.Sent = append(f.Sent, msg)
	return nil
}

// SetPresence implements Driver.
func (f *Fake) SetPresence(ctx context.Context, chatJID string, p Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[chatJID] = p
	return nil
}

// Connected implements Driver.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected flips connectivity. Reconnecting (false→true) drains any
// queued sends into Sent, in queue order.
func (f *Fake) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasDisconnected := !f.connected
	f.connected = connected
	if connected && wasDisconnected {
		f.Sent = append(f.Sent, f.queued...)
		f.queued = nil
	}
}

// Presence returns the last presence set for chatJID.
func (f *Fake) Presence(chatJID string) Presence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presence[chatJID]
}
