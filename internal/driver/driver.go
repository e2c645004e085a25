// ABOUTME: ChannelDriver contract between the session pool and a messaging network
// ABOUTME: Drivers start handles that report lifecycle and inbound messages through a Sink

package driver

import (
	"context"
	"time"
)

// Driver starts per-branch sessions on one messaging network.
type Driver interface {
	// Name identifies the driver in logs.
	Name() string
	// Start begins connecting the branch and returns immediately. Every
	// outcome (pairing codes, readiness, failures, messages) arrives on sink.
	Start(ctx context.Context, branchID string, sink Sink) (Handle, error)
}

// Handle controls one live session. Methods may block on the network and
// must honour ctx.
type Handle interface {
	Send(ctx context.Context, to, text string) error
	// Logout revokes the session's credentials on the network.
	Logout(ctx context.Context) error
	// Destroy releases local resources. The handle emits nothing afterwards.
	Destroy(ctx context.Context) error
}

// Sink receives driver events. Emit must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// EventKind enumerates driver events.
type EventKind int

const (
	EventPairing EventKind = iota + 1
	EventAuthenticated
	EventReady
	EventAuthFailed
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPairing:
		return "pairing"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventAuthFailed:
		return "auth_failed"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is emitted by a handle. Code is set for EventPairing, Reason for
// EventAuthFailed and EventDisconnected, Message for EventMessage.
type Event struct {
	Kind    EventKind
	Code    string
	Reason  string
	Message *Message
}

// Message kinds. Only KindText is answered.
const (
	KindText     = "text"
	KindImage    = "image"
	KindAudio    = "audio"
	KindVideo    = "video"
	KindFile     = "file"
	KindLocation = "location"
	KindOther    = "other"
)

// Message is an inbound customer message.
type Message struct {
	ID         string
	From       string
	Text       string
	Kind       string
	HasMedia   bool
	ReceivedAt time.Time
}

// IsText reports whether the message carries plain text worth answering.
func (m *Message) IsText() bool {
	return m.Kind == KindText && !m.HasMedia && m.Text != ""
}

// Convenience constructors.

func Pairing(code string) Event        { return Event{Kind: EventPairing, Code: code} }
func Authenticated() Event             { return Event{Kind: EventAuthenticated} }
func Ready() Event                     { return Event{Kind: EventReady} }
func AuthFailed(reason string) Event   { return Event{Kind: EventAuthFailed, Reason: reason} }
func Disconnected(reason string) Event { return Event{Kind: EventDisconnected, Reason: reason} }
func Inbound(m Message) Event          { return Event{Kind: EventMessage, Message: &m} }
