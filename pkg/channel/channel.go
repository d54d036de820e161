// Package channel defines the boundary between the orchestration core and
// concrete chat channel wire protocols (WhatsApp/Telegram/Email/Slack),
// which are deliberately out of scope (spec §1). Only the Driver interface
// and an in-memory fake are provided here.
package channel

import "context"

// Presence is a typing-indicator/online-status signal toggled around an
// agent run, if the channel supports it.
type Presence string

const (
	PresenceTyping  Presence = "typing"
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Driver sends and receives chat messages for one channel. A driver queues
// outbound sends while it is disconnected and drains the queue on
// reconnect (spec §4.H); callers only log a failed Send.
type Driver interface {
	// Send delivers text to chatJID. Returns an error if the channel is
	// currently disconnected, in which case the driver has queued the text.
	Send(ctx context.Context, chatJID, text string) error
	// SetPresence toggles a typing/online indicator, if supported.
	SetPresence(ctx context.Context, chatJID string, p Presence) error
	// Connected reports whether the channel can currently accept sends.
	Connected() bool
}
