package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// fakeChannel records every envelope pushed to it.
type fakeChannel struct {
	mu   sync.Mutex
	shut bool
	sent []any
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (c *fakeChannel) Send(v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shut {
		return false
	}
	c.sent = append(c.sent, v)
	return true
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.shut
}

func (c *fakeChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shut = true
}

func (c *fakeChannel) envelopes() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

type savedMessage struct {
	ChatID   int64
	SenderID int64
	Content  string
}

type statusUpdate struct {
	MessageID int64
	Status    store.Status
}

// fakeStore implements store.Store in memory, with per-operation error
// injection.
type fakeStore struct {
	mu sync.Mutex

	saveErr         error
	historyErr      error
	participantsErr error
	senderErr       error
	statusErr       error

	participants map[int64][]int64
	senders      map[int64]store.Sender
	history      map[int64][]store.MessageRecord

	saved         []savedMessage
	statusUpdates []statusUpdate
	nextID        int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		participants: make(map[int64][]int64),
		senders:      make(map[int64]store.Sender),
		history:      make(map[int64][]store.MessageRecord),
	}
}

func (s *fakeStore) SaveMessage(_ context.Context, chatID, senderID int64, content string) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return 0, time.Time{}, s.saveErr
	}
	s.nextID++
	s.saved = append(s.saved, savedMessage{ChatID: chatID, SenderID: senderID, Content: content})
	return s.nextID, time.Now().UTC(), nil
}

func (s *fakeStore) ChatHistory(_ context.Context, chatID int64) ([]store.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return append([]store.MessageRecord(nil), s.history[chatID]...), nil
}

func (s *fakeStore) ChatParticipants(_ context.Context, chatID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.participantsErr != nil {
		return nil, s.participantsErr
	}
	return append([]int64(nil), s.participants[chatID]...), nil
}

func (s *fakeStore) SenderDetails(_ context.Context, senderID int64) (store.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.senderErr != nil {
		return store.Sender{}, s.senderErr
	}
	if sender, ok := s.senders[senderID]; ok {
		return sender, nil
	}
	return store.Sender{ID: senderID}, nil
}

func (s *fakeStore) UpdateMessageStatus(_ context.Context, messageID int64, status store.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return s.statusErr
	}
	s.statusUpdates = append(s.statusUpdates, statusUpdate{MessageID: messageID, Status: status})
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) Close() {}

func (s *fakeStore) savedMessages() []savedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedMessage(nil), s.saved...)
}

func (s *fakeStore) recordedStatusUpdates() []statusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusUpdate(nil), s.statusUpdates...)
}
