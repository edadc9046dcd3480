package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPositionStringRoundTrip(t *testing.T) {
	original := Position{RootNumber: 7, Ticks: 4123}
	parsed, err := Parse(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)
}

func TestParseRejectsMalformedStrings(t *testing.T) {
	for _, value := range []string{"", "c:", "c:1", "1:2:3", "c:x:2", "c:1:y", "c:1:2:3"} {
		_, err := Parse(value)
		require.ErrorIs(t, err, ErrBadClockString, "value %q", value)
	}
}

func TestSpecUnsetHasNoPosition(t *testing.T) {
	spec := Unset()
	require.False(t, spec.IsSet())
	_, ok := spec.Position()
	require.False(t, ok)
}

func TestParseSpecEmptyIsUnset(t *testing.T) {
	spec, err := ParseSpec("  ")
	require.NoError(t, err)
	require.False(t, spec.IsSet())
}

func TestParseSpecRoundTrip(t *testing.T) {
	position := Position{RootNumber: 2, Ticks: 99}
	spec, err := ParseSpec(position.String())
	require.NoError(t, err)
	anchored, ok := spec.Position()
	require.True(t, ok)
	require.Equal(t, position, anchored)
}
