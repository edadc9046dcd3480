package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vigil/internal/clock"
)

func TestParseEmptySpec(t *testing.T) {
	q, err := Parse(nil)
	require.NoError(t, err)
	require.False(t, q.Since.IsSet())
	require.True(t, q.Matches("any/file.txt"))
}

func TestParseFields(t *testing.T) {
	q, err := Parse(map[string]any{
		"suffix": []any{"go", "md"},
		"path":   []any{"src"},
		"since":  "c:1:10",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"go", "md"}, q.Suffixes)
	require.Equal(t, []string{"src"}, q.Prefixes)

	position, ok := q.Since.Position()
	require.True(t, ok)
	require.Equal(t, clock.Position{RootNumber: 1, Ticks: 10}, position)
}

func TestParseRejectsBadFields(t *testing.T) {
	_, err := Parse(map[string]any{"suffix": "go"})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = Parse(map[string]any{"suffix": []any{1}})
	require.ErrorAs(t, err, &validation)

	_, err = Parse(map[string]any{"since": "not-a-clock"})
	require.ErrorAs(t, err, &validation)

	_, err = Parse(map[string]any{"since": 7})
	require.ErrorAs(t, err, &validation)
}

func TestMatches(t *testing.T) {
	q := &Query{Suffixes: []string{"go"}, Prefixes: []string{"src"}}

	require.True(t, q.Matches("src/main.go"))
	require.False(t, q.Matches("src/main.rs"), "suffix mismatch")
	require.False(t, q.Matches("docs/main.go"), "prefix mismatch")
	require.False(t, q.Matches("srcx/main.go"), "prefix must end at a path boundary")
	require.True(t, q.Matches("src"), "exact prefix match")
}

func TestMatchesWithoutRestrictions(t *testing.T) {
	q := &Query{}
	require.True(t, q.Matches("anything"))
}
