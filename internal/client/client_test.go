package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vigil/internal/logging"
)

func newTestClient() *Client {
	return New(logging.NewLoggerWithOutput(logging.LevelError, nil))
}

func TestEnqueueDrain(t *testing.T) {
	c := newTestClient()
	defer c.Close()

	c.EnqueueResponse(map[string]any{"n": 1})
	c.EnqueueResponse(map[string]any{"n": 2})
	require.Equal(t, 2, c.QueueLen())

	drained := c.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, 1, drained[0]["n"])
	require.Zero(t, c.QueueLen())
}

func TestWakeDoesNotBlock(t *testing.T) {
	c := newTestClient()
	defer c.Close()

	c.Wake()
	c.Wake()
	c.Wake()

	<-c.WakeChan()
	select {
	case <-c.WakeChan():
		t.Fatal("only one pending wake expected")
	default:
	}
}

func TestRefResolvesUntilClose(t *testing.T) {
	c := newTestClient()
	ref := c.Ref()

	resolved, ok := ref.Resolve()
	require.True(t, ok)
	require.NotNil(t, resolved)

	c.Close()
	_, ok = ref.Resolve()
	require.False(t, ok, "ref is vacated at disconnect")
}

func TestEnqueueAfterCloseDiscards(t *testing.T) {
	c := newTestClient()
	c.Close()

	c.EnqueueResponse(map[string]any{"n": 1})
	require.Zero(t, c.QueueLen())
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestClient()
	c.Close()
	c.Close()
}

func TestClientIDsAreUnique(t *testing.T) {
	a := newTestClient()
	b := newTestClient()
	defer a.Close()
	defer b.Close()
	require.NotEqual(t, a.ID(), b.ID())
	require.NotEmpty(t, a.ID())
}
