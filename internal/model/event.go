package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// EventTypeMessage is the only inbound event type the engine processes.
const EventTypeMessage = "message.received"

// InboundMessage is the message body of an inbound event notification.
type InboundMessage struct {
	RemoteIdentity string `json:"remote_identity"`
	PushName       string `json:"push_name,omitempty"`
	Text           string `json:"text,omitempty"`
	MessageID      string `json:"message_id"`
	Status         string `json:"status,omitempty"`
	FromSelf       bool   `json:"from_self"`
}

// InboundEvent is the validated payload of the inbound-event endpoint.
type InboundEvent struct {
	EventType          string         `json:"event_type"`
	InstanceIdentifier string         `json:"instance_identifier"`
	Message            InboundMessage `json:"message"`

	// Network fingerprint of the delivering channel, filled in by the
	// HTTP layer; not part of the wire payload.
	RemoteIP   string    `json:"-"`
	UserAgent  string    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

// Validate rejects malformed payloads at the boundary so the pipeline
// never has to access optional fields defensively.
func (e *InboundEvent) Validate() error {
	if e.EventType == "" {
		return eris.New("event: missing event_type")
	}
	if e.InstanceIdentifier == "" {
		return eris.New("event: missing instance_identifier")
	}
	if e.Message.RemoteIdentity == "" {
		return eris.New("event: missing message.remote_identity")
	}
	if e.Message.MessageID == "" {
		return eris.New("event: missing message.message_id")
	}
	return nil
}

// Ignorable reports whether the event should be acknowledged without any
// write: wrong type, self-sent, group-addressed, or empty text.
func (e *InboundEvent) Ignorable() bool {
	if e.EventType != EventTypeMessage {
		return true
	}
	if e.Message.FromSelf {
		return true
	}
	if strings.Contains(e.Message.RemoteIdentity, "@g.us") {
		return true
	}
	return strings.TrimSpace(e.Message.Text) == ""
}

// RawPhone extracts the phone portion of a channel identity such as
// "5511999990000@c.us".
func (e *InboundEvent) RawPhone() string {
	id := e.Message.RemoteIdentity
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	return id
}
