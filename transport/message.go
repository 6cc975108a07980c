package transport

import (
	"time"
)

// Message is a unit of work delivered by a transport under a lease.
type Message struct {
	ID        string
	LockToken string
	SessionID string
	Subject   string
	Body      []byte
	Metadata  map[string]string

	// DeliveryCount is the number of times the broker has handed this message out, including this one.
	DeliveryCount int
	EnqueuedAt    time.Time
	LockedUntil   time.Time

	// Native holds the broker's own message value the transport settles against.
	Native any
}

// Key identifies the message's lease. Transports without lock tokens fall back to the message id.
func (m *Message) Key() string {
	if m.LockToken != "" {
		return m.LockToken
	}
	return m.ID
}

// DeadLetterOptions carries the reason and property changes attached when a message is dead-lettered.
type DeadLetterOptions struct {
	Reason      string
	Description string
	Properties  map[string]any
}
