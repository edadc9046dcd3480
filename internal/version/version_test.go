package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	previousVersion := Version
	previousBuilt := Built
	previousCommit := GitCommit

	Version = "1.2.3"
	Built = "2026-08-01T12:34:56Z"
	GitCommit = "abc123"

	t.Cleanup(func() {
		Version = previousVersion
		Built = previousBuilt
		GitCommit = previousCommit
	})

	info := GetInfo()
	require.Equal(t, "1.2.3", info.Version)
	require.Equal(t, "2026-08-01T12:34:56Z", info.Built)
	require.Equal(t, "abc123", info.GitCommit)
}
