// Package server defines the wire envelopes exchanged with chat clients and
// the parser that turns raw frames into a closed set of variants.
package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// Envelope kind values used on the wire.
const (
	kindAuth    = "auth"
	kindMessage = "message"
	kindTyping  = "typing"
	kindHistory = "history"
	kindError   = "error"
)

// AuthPayload is the first envelope a client sends: the asserted identity,
// and optionally a chat whose history should be replayed.
type AuthPayload struct {
	UserID int64
	ChatID int64 // 0 when no history was requested
}

// MessagePayload is an inbound chat message.
type MessagePayload struct {
	ChatID   int64
	SenderID int64
	Content  string
}

// TypingPayload is an ephemeral typing notification.
type TypingPayload struct {
	ChatID   int64
	SenderID int64
	IsTyping bool
}

// Envelope is the decoded form of one inbound frame. Exactly one of the
// payload fields is set, matching Kind. Unknown kinds decode successfully
// with all payloads nil so the dispatcher can drop them silently.
type Envelope struct {
	Kind    string
	Auth    *AuthPayload
	Message *MessagePayload
	Typing  *TypingPayload
}

type rawEnvelope struct {
	Type     string `json:"type"`
	UserID   *int64 `json:"userId"`
	AuthChat *int64 `json:"chatId"`
	ChatID   *int64 `json:"chat_id"`
	SenderID *int64 `json:"sender_id"`
	Content  string `json:"content"`
	IsTyping *bool  `json:"is_typing"`
}

// ParseEnvelope decodes one inbound frame. It returns an error for frames
// that are not JSON objects or that name a known kind while missing its
// required fields; the session logs these and keeps running.
func ParseEnvelope(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}

	switch raw.Type {
	case kindAuth:
		if raw.UserID == nil || *raw.UserID == 0 {
			return Envelope{}, errors.New("auth envelope missing userId")
		}
		auth := &AuthPayload{UserID: *raw.UserID}
		if raw.AuthChat != nil {
			auth.ChatID = *raw.AuthChat
		}
		return Envelope{Kind: kindAuth, Auth: auth}, nil

	case kindMessage:
		if raw.ChatID == nil || raw.SenderID == nil || raw.Content == "" {
			return Envelope{}, errors.New("message envelope missing chat_id, sender_id or content")
		}
		return Envelope{Kind: kindMessage, Message: &MessagePayload{
			ChatID:   *raw.ChatID,
			SenderID: *raw.SenderID,
			Content:  raw.Content,
		}}, nil

	case kindTyping:
		if raw.ChatID == nil || raw.SenderID == nil || raw.IsTyping == nil {
			return Envelope{}, errors.New("typing envelope missing chat_id, sender_id or is_typing")
		}
		return Envelope{Kind: kindTyping, Typing: &TypingPayload{
			ChatID:   *raw.ChatID,
			SenderID: *raw.SenderID,
			IsTyping: *raw.IsTyping,
		}}, nil

	default:
		return Envelope{Kind: raw.Type}, nil
	}
}

// messageEnvelope is the outbound form of one chat message.
type messageEnvelope struct {
	Type      string       `json:"type"`
	ID        int64        `json:"id"`
	ChatID    int64        `json:"chat_id"`
	SenderID  int64        `json:"sender_id"`
	Content   string       `json:"content"`
	Firstname string       `json:"firstname"`
	Lastname  string       `json:"lastname"`
	SentAt    time.Time    `json:"sent_at"`
	Status    store.Status `json:"status"`
}

func newMessageEnvelope(id int64, msg MessagePayload, sender store.Sender, sentAt time.Time, status store.Status) messageEnvelope {
	return messageEnvelope{
		Type:      kindMessage,
		ID:        id,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Firstname: sender.Firstname,
		Lastname:  sender.Lastname,
		SentAt:    sentAt,
		Status:    status,
	}
}

// typingEnvelope is the outbound form of a typing notification.
type typingEnvelope struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	SenderID  int64  `json:"sender_id"`
	Firstname string `json:"firstname"`
	IsTyping  bool   `json:"is_typing"`
}

// historyEnvelope replays a chat's stored messages to a freshly
// authenticated client.
type historyEnvelope struct {
	Type     string                `json:"type"`
	Messages []store.MessageRecord `json:"messages"`
}

func newHistoryEnvelope(records []store.MessageRecord) historyEnvelope {
	if records == nil {
		records = []store.MessageRecord{}
	}
	return historyEnvelope{Type: kindHistory, Messages: records}
}

// errorEnvelope tells the originating sender their own action failed.
// Recipients are never informed of delivery failures.
type errorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorEnvelope(reason string) errorEnvelope {
	return errorEnvelope{Type: kindError, Message: reason}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
