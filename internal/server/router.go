// Package server routes inbound chat messages to their recipients, updating
// per-recipient delivery state as a side effect.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// Router fans an inbound message out to every participant of its chat. It
// persists the message first, then pushes to each online participant
// independently, so one recipient's failure never blocks another's delivery.
type Router struct {
	store    store.Store
	registry *Registry
	log      *zap.Logger
}

// NewRouter creates a Router backed by the given store and registry.
func NewRouter(st store.Store, registry *Registry, log *zap.Logger) *Router {
	return &Router{store: st, registry: registry, log: log}
}

// Deliver persists msg and fans it out to the chat's participants. The
// sender always receives either an echo of their own message or a single
// error envelope; recipients receive the message only while online.
func (rt *Router) Deliver(ctx context.Context, msg MessagePayload, sender Channel) {
	messageID, sentAt, err := rt.store.SaveMessage(ctx, msg.ChatID, msg.SenderID, msg.Content)
	if err != nil {
		rt.log.Error("failed to save message",
			zap.Int64("chat_id", msg.ChatID),
			zap.Int64("sender_id", msg.SenderID),
			zap.Error(err))
		sender.Send(newErrorEnvelope("failed to store message"))
		return
	}

	details, err := rt.store.SenderDetails(ctx, msg.SenderID)
	if err != nil {
		rt.log.Error("failed to resolve sender details",
			zap.Int64("sender_id", msg.SenderID),
			zap.Error(err))
		sender.Send(newErrorEnvelope("failed to deliver message"))
		return
	}

	participants, err := rt.store.ChatParticipants(ctx, msg.ChatID)
	if err != nil {
		rt.log.Error("failed to resolve chat participants",
			zap.Int64("chat_id", msg.ChatID),
			zap.Error(err))
		sender.Send(newErrorEnvelope("failed to deliver message"))
		return
	}

	var wg sync.WaitGroup
	for _, recipientID := range dedupe(participants) {
		if recipientID == msg.SenderID {
			continue
		}
		wg.Add(1)
		go func(recipientID int64) {
			defer wg.Done()
			rt.deliverTo(ctx, recipientID, messageID, msg, details, sentAt)
		}(recipientID)
	}
	wg.Wait()

	// Echo back to the sender so their own UI reflects the send.
	sender.Send(newMessageEnvelope(messageID, msg, details, sentAt, store.StatusDelivered))
}

// deliverTo handles a single recipient: it decides the delivery status,
// records it best-effort, and pushes the envelope when the recipient is
// reachable. Offline recipients are skipped silently and rely on history
// replay when they reconnect.
func (rt *Router) deliverTo(ctx context.Context, recipientID, messageID int64, msg MessagePayload, sender store.Sender, sentAt time.Time) {
	ch, online := rt.registry.Lookup(recipientID)

	status := store.StatusSent
	if online && ch.IsOpen() {
		status = store.StatusDelivered
	}

	if err := rt.store.UpdateMessageStatus(ctx, messageID, status); err != nil {
		rt.log.Warn("failed to update message status",
			zap.Int64("message_id", messageID),
			zap.Int64("recipient_id", recipientID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	if !online {
		return
	}
	if !ch.Send(newMessageEnvelope(messageID, msg, sender, sentAt, status)) {
		rt.log.Debug("dropped message push to unreachable recipient",
			zap.Int64("message_id", messageID),
			zap.Int64("recipient_id", recipientID))
	}
}

// BroadcastTyping pushes an ephemeral typing notification to every online
// participant of the chat except the sender. Nothing is persisted and store
// failures only degrade: the notification is dropped.
func (rt *Router) BroadcastTyping(ctx context.Context, t TypingPayload, sender Channel) {
	details, err := rt.store.SenderDetails(ctx, t.SenderID)
	if err != nil {
		rt.log.Warn("dropping typing notification, sender lookup failed",
			zap.Int64("sender_id", t.SenderID),
			zap.Error(err))
		return
	}

	participants, err := rt.store.ChatParticipants(ctx, t.ChatID)
	if err != nil {
		rt.log.Warn("dropping typing notification, participant lookup failed",
			zap.Int64("chat_id", t.ChatID),
			zap.Error(err))
		return
	}

	notice := typingEnvelope{
		Type:      kindTyping,
		ChatID:    t.ChatID,
		SenderID:  t.SenderID,
		Firstname: details.Firstname,
		IsTyping:  t.IsTyping,
	}

	for _, recipientID := range dedupe(participants) {
		if recipientID == t.SenderID {
			continue
		}
		if ch, online := rt.registry.Lookup(recipientID); online {
			ch.Send(notice)
		}
	}
}

// dedupe returns ids with duplicates removed, preserving first-seen order so
// a participant is notified at most once per inbound envelope.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
