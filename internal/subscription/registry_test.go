package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vigil/internal/metrics"
)

func TestRegistryAddRemove(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()

	detached := false
	sub := f.subscribe(t, Options{Name: "one"})
	registry.Add(sub, func() { detached = true })

	got, ok := registry.Get("one")
	require.True(t, ok)
	require.Same(t, sub, got)
	require.Equal(t, 1, registry.Len())

	require.True(t, registry.Remove("one"))
	require.True(t, detached, "feed detach runs with removal")
	require.Zero(t, registry.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()
	registry.Add(f.subscribe(t, Options{Name: "one"}), func() {})

	require.True(t, registry.Remove("one"))
	require.False(t, registry.Remove("one"), "second removal reports nothing deleted")
	require.False(t, registry.Remove("unknown"), "unknown names are not an error")
}

func TestAddSameNameLastWriterWins(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()

	firstDetached := false
	first := f.subscribe(t, Options{Name: "dup"})
	registry.Add(first, func() { firstDetached = true })

	second := f.subscribe(t, Options{Name: "dup"})
	registry.Add(second, func() {})

	require.True(t, firstDetached, "overwritten subscription is torn down")
	require.Equal(t, 1, registry.Len())
	got, _ := registry.Get("dup")
	require.Same(t, second, got)
}

func TestClearTearsDownEverything(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()

	detached := 0
	registry.Add(f.subscribe(t, Options{Name: "one"}), func() { detached++ })
	registry.Add(f.subscribe(t, Options{Name: "two"}), func() { detached++ })

	registry.Clear()
	require.Equal(t, 2, detached)
	require.Zero(t, registry.Len())

	registry.Clear() // safe to repeat
}

func TestRegistryTracksActiveSubscriptionMetric(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()
	shared := &metrics.Registry{}

	registry.Add(f.subscribe(t, Options{Name: "one", Registry: shared}), func() {})
	registry.Add(f.subscribe(t, Options{Name: "two", Registry: shared}), func() {})
	require.Equal(t, int64(2), shared.ActiveSubscriptions())

	registry.Add(f.subscribe(t, Options{Name: "two", Registry: shared}), func() {})
	require.Equal(t, int64(2), shared.ActiveSubscriptions(), "overwrite does not leak the count")

	registry.Remove("one")
	registry.Clear()
	require.Zero(t, shared.ActiveSubscriptions())
}
