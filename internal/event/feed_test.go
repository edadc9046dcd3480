package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vigil/internal/metrics"
)

func TestSubscribePublish(t *testing.T) {
	feed := NewFeed[int](FeedOptions{Registry: &metrics.Registry{}})
	defer feed.Close()

	values, cancel := feed.Subscribe()
	defer cancel()

	feed.Publish(42)

	select {
	case value := <-values:
		require.Equal(t, 42, value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published value")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	feed := NewFeed[int](FeedOptions{Registry: &metrics.Registry{}})
	defer feed.Close()

	values, cancel := feed.Subscribe()
	cancel()

	feed.Publish(1)

	_, open := <-values
	require.False(t, open, "channel must be closed after cancel")
	require.Zero(t, feed.SubscriberCount())
}

func TestCancelIsIdempotent(t *testing.T) {
	feed := NewFeed[int](FeedOptions{Registry: &metrics.Registry{}})
	defer feed.Close()

	_, cancel := feed.Subscribe()
	cancel()
	cancel()
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	feed := NewFeed[int](FeedOptions{Registry: &metrics.Registry{}})
	values, _ := feed.Subscribe()
	feed.Close()
	feed.Publish(9)

	_, open := <-values
	require.False(t, open)
}

func TestPublishRacingCancelDoesNotPanic(t *testing.T) {
	feed := NewFeed[int](FeedOptions{SubscriberBufferSize: 1, Registry: &metrics.Registry{}})
	defer feed.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			feed.Publish(i)
		}
	}()

	// Cancel closes the subscriber channel while publishes are in flight;
	// the racing send must degrade to a drop, never a panic.
	for {
		select {
		case <-done:
			return
		default:
		}
		_, cancel := feed.Subscribe()
		cancel()
	}
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	feed := NewFeed[int](FeedOptions{SubscriberBufferSize: 1, Registry: &metrics.Registry{}})
	defer feed.Close()

	_, cancel := feed.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		feed.Publish(1)
		feed.Publish(2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
