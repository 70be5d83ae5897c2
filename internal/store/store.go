// Package store defines the persistence gateway for the chat relay: the
// contract the relay core depends on, and its PostgreSQL implementation.
package store

import (
	"context"
	"time"
)

// Status is the delivery state of a persisted message. States only ever move
// forward in the order sent < delivered < read.
type Status string

// Message status values, in ascending order.
const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// before reports whether s precedes other in the status ordering. Unknown
// statuses never precede anything, so they can never overwrite a real one.
func (s Status) before(other Status) bool {
	a, okA := statusRank[s]
	b, okB := statusRank[other]
	return okA && okB && a < b
}

// Sender carries the display details of a message author.
type Sender struct {
	ID        int64  `json:"id"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// MessageRecord is one persisted chat message joined with its sender's
// display details, as replayed to clients in history envelopes.
type MessageRecord struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
	Status    Status    `json:"status"`
	Firstname string    `json:"firstname"`
	Lastname  string    `json:"lastname"`
}

// Store is the data-access contract the relay core depends on. The Postgres
// implementation satisfies it in production; tests substitute fakes.
//
// Every method may fail independently; the caller decides whether a failure
// is blocking (save, participants, sender details during message handling)
// or degrades gracefully (history replay, status updates).
type Store interface {
	// SaveMessage inserts a message with status "sent" and a server-side
	// timestamp, returning the assigned id and timestamp.
	SaveMessage(ctx context.Context, chatID, senderID int64, content string) (int64, time.Time, error)

	// ChatHistory returns the chat's messages ascending by sent_at, joined
	// with sender display names.
	ChatHistory(ctx context.Context, chatID int64) ([]MessageRecord, error)

	// ChatParticipants returns the user IDs associated with a chat.
	ChatParticipants(ctx context.Context, chatID int64) ([]int64, error)

	// SenderDetails resolves the display details for a user.
	SenderDetails(ctx context.Context, senderID int64) (Sender, error)

	// UpdateMessageStatus advances the status of a single message. Updates
	// that would move the status backward are silently ignored.
	UpdateMessageStatus(ctx context.Context, messageID int64, status Status) error

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}
