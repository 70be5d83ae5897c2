package server

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	registry := NewRegistry()
	st := newFakeStore()
	router := NewRouter(st, registry, zap.NewNop())
	return NewClient(nil, registry, router, st, DefaultConfig(), zap.NewNop())
}

func TestClientSendQueuesUntilClosed(t *testing.T) {
	c := newTestClient(t)

	require.True(t, c.IsOpen())
	require.True(t, c.Send(map[string]any{"type": "typing"}))

	c.markClosed()

	require.False(t, c.IsOpen())
	require.False(t, c.Send(map[string]any{"type": "typing"}))
}

func TestClientMarkClosedIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	require.True(t, c.Send(map[string]any{"type": "typing"}))

	c.markClosed()
	require.NotPanics(t, c.markClosed)

	// Envelopes queued before the close still drain; then the channel reports
	// closed, which is the write pump's exit signal.
	_, ok := <-c.send
	require.True(t, ok)
	_, ok = <-c.send
	require.False(t, ok)
}
