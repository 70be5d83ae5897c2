package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// session owns the lifecycle of one connection: it binds an identity to the
// channel on authentication, dispatches inbound envelopes by kind, and
// releases the registry entry when the connection goes away.
//
// A session moves through three states: unauthenticated (only auth envelopes
// are acted on), authenticated (full dispatch), and closed (terminal, entered
// via close). It is driven by a single read pump, so envelopes from one
// connection are always processed in the order received.
type session struct {
	registry *Registry
	router   *Router
	store    store.Store
	log      *zap.Logger
	channel  Channel

	userID int64
	authed bool
}

func newSession(registry *Registry, router *Router, st store.Store, log *zap.Logger, channel Channel) *session {
	return &session{
		registry: registry,
		router:   router,
		store:    st,
		log:      log,
		channel:  channel,
	}
}

// handleEnvelope dispatches one inbound frame. Malformed frames are logged
// and dropped; the session keeps processing subsequent envelopes.
func (s *session) handleEnvelope(ctx context.Context, raw []byte) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		s.log.Warn("ignoring malformed envelope", zap.Error(err))
		return
	}

	switch env.Kind {
	case kindAuth:
		s.handleAuth(ctx, *env.Auth)
	case kindMessage:
		if !s.authed {
			s.log.Debug("dropping message envelope from unauthenticated connection")
			return
		}
		s.router.Deliver(ctx, *env.Message, s.channel)
	case kindTyping:
		if !s.authed {
			s.log.Debug("dropping typing envelope from unauthenticated connection")
			return
		}
		s.router.BroadcastTyping(ctx, *env.Typing, s.channel)
	default:
		s.log.Debug("dropping envelope of unrecognized kind", zap.String("kind", env.Kind))
	}
}

// handleAuth binds the asserted identity to this connection. Authenticating
// again replaces the binding; when the identity changes, the previous entry
// is released so it cannot go stale.
func (s *session) handleAuth(ctx context.Context, auth AuthPayload) {
	if s.authed && s.userID != auth.UserID {
		s.registry.Unregister(s.userID, s.channel)
	}

	s.userID = auth.UserID
	s.authed = true
	s.registry.Register(auth.UserID, s.channel)
	s.log.Info("user authenticated", zap.Int64("user_id", auth.UserID))

	if auth.ChatID == 0 {
		return
	}

	// History replay is best-effort: on store failure the client simply
	// receives no history and the session stays up.
	records, err := s.store.ChatHistory(ctx, auth.ChatID)
	if err != nil {
		s.log.Warn("failed to fetch chat history",
			zap.Int64("chat_id", auth.ChatID),
			zap.Error(err))
		return
	}
	s.channel.Send(newHistoryEnvelope(records))
}

// close releases the registry entry captured at authentication time. The
// removal is owner-checked, so a newer session for the same identity is
// never evicted by this one's teardown. Safe to call when authentication
// never completed.
func (s *session) close() {
	if !s.authed {
		return
	}
	s.registry.Unregister(s.userID, s.channel)
	s.log.Info("user disconnected", zap.Int64("user_id", s.userID))
	s.authed = false
}
