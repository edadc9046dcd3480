package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vigil/internal/client"
	"vigil/internal/config"
	"vigil/internal/logging"
	"vigil/internal/metrics"
	"vigil/internal/query"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.SettleMS = 20
	s := New(cfg, logging.NewLoggerWithOutput(logging.LevelError, nil), &metrics.Registry{})
	t.Cleanup(s.Close)
	return s
}

func newTestConnection(t *testing.T, s *Server) *connection {
	t.Helper()
	conn := &connection{
		server: s,
		client: client.New(s.logger),
	}
	t.Cleanup(conn.client.Close)
	t.Cleanup(conn.stopLogStream)
	return conn
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

// drainOne pops the oldest queued payload, waiting for the wake signal
// when the queue is filled asynchronously.
func drainOne(t *testing.T, conn *connection) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var pending []map[string]any
	for time.Now().Before(deadline) {
		pending = conn.client.Drain()
		if len(pending) > 0 {
			break
		}
		select {
		case <-conn.client.WakeChan():
		case <-time.After(10 * time.Millisecond):
		}
	}
	require.NotEmpty(t, pending, "timed out waiting for a response")
	for _, extra := range pending[1:] {
		conn.client.EnqueueResponse(extra)
	}
	return pending[0]
}

func TestDispatchRejectsMalformedCommands(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)

	s.dispatchCommand(conn, nil)
	require.Contains(t, drainOne(t, conn), "error")

	s.dispatchCommand(conn, []any{42})
	require.Contains(t, drainOne(t, conn), "error")

	s.dispatchCommand(conn, []any{"no-such-command"})
	response := drainOne(t, conn)
	require.Contains(t, response["error"], "no-such-command")
}

func TestVersionCommand(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)

	s.dispatchCommand(conn, []any{"version"})
	response := drainOne(t, conn)
	require.NotEmpty(t, response["version"])
	require.NotContains(t, response, "error")
}

func TestWatchLifecycle(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)
	dir := t.TempDir()

	s.dispatchCommand(conn, []any{"watch", dir})
	response := drainOne(t, conn)
	require.NotContains(t, response, "error")
	resolved, ok := response["watch"].(string)
	require.True(t, ok)

	s.dispatchCommand(conn, []any{"watch-list"})
	response = drainOne(t, conn)
	require.Equal(t, []string{resolved}, response["roots"])

	s.dispatchCommand(conn, []any{"watch-del", resolved})
	response = drainOne(t, conn)
	require.Equal(t, true, response["watch-del"])

	// Deleting again reports false; the watch is already gone.
	s.dispatchCommand(conn, []any{"watch-del", resolved})
	response = drainOne(t, conn)
	require.Equal(t, false, response["watch-del"])
}

func TestClockCommand(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)

	s.dispatchCommand(conn, []any{"clock", t.TempDir()})
	response := drainOne(t, conn)
	require.NotContains(t, response, "error")
	require.Regexp(t, `^c:\d+:\d+$`, response["clock"])
}

func TestSubscribeDeliversInitialAndIncrementalResults(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "seed.txt"), "seed")

	s.dispatchCommand(conn, []any{"subscribe", dir, "mysub", map[string]any{}})

	reply := drainOne(t, conn)
	require.Equal(t, "mysub", reply["subscribe"])
	require.Regexp(t, `^c:\d+:\d+$`, reply["clock"])

	initial := drainOne(t, conn)
	require.Equal(t, true, initial["unilateral"])
	require.Equal(t, true, initial["is_fresh_instance"])
	require.Equal(t, "mysub", initial["subscription"])
	files, ok := initial["files"].([]query.File)
	require.True(t, ok)
	require.Len(t, files, 1)
	require.Equal(t, "seed.txt", files[0].Name)

	writeFile(t, filepath.Join(dir, "later.txt"), "later")
	update := drainOne(t, conn)
	require.Equal(t, false, update["is_fresh_instance"])
	files, ok = update["files"].([]query.File)
	require.True(t, ok)
	require.Len(t, files, 1)
	require.Equal(t, "later.txt", files[0].Name)
	require.Equal(t, initial["clock"], update["since"])
}

func TestSubscribeEmptyRootSuppressesInitialPayload(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)

	s.dispatchCommand(conn, []any{"subscribe", t.TempDir(), "empty", map[string]any{}})

	reply := drainOne(t, conn)
	require.Equal(t, "empty", reply["subscribe"])
	require.Zero(t, conn.client.QueueLen(), "no files means no initial payload")
}

func TestSubscribeValidatesArguments(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)
	dir := t.TempDir()

	s.dispatchCommand(conn, []any{"subscribe", dir})
	require.Contains(t, drainOne(t, conn), "error")

	s.dispatchCommand(conn, []any{"subscribe", dir, "bad", map[string]any{"suffix": 42}})
	require.Contains(t, drainOne(t, conn), "error")

	s.dispatchCommand(conn, []any{"subscribe", dir, "bad", map[string]any{"defer_vcs": "yes"}})
	require.Contains(t, drainOne(t, conn), "error")
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)
	dir := t.TempDir()

	s.dispatchCommand(conn, []any{"subscribe", dir, "gone", map[string]any{}})
	drainOne(t, conn)

	s.dispatchCommand(conn, []any{"unsubscribe", dir, "gone"})
	response := drainOne(t, conn)
	require.Equal(t, true, response["deleted"])

	s.dispatchCommand(conn, []any{"unsubscribe", dir, "gone"})
	response = drainOne(t, conn)
	require.Equal(t, false, response["deleted"])
}

func TestStateEnterDefersDelivery(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)
	dir := t.TempDir()

	s.dispatchCommand(conn, []any{"subscribe", dir, "held", map[string]any{
		"defer": []any{"build"},
	}})
	drainOne(t, conn)

	s.dispatchCommand(conn, []any{"state-enter", dir, "build"})
	response := drainOne(t, conn)
	require.Equal(t, "build", response["state-enter"])

	writeFile(t, filepath.Join(dir, "during.txt"), "x")
	time.Sleep(200 * time.Millisecond)
	require.Zero(t, conn.client.QueueLen(), "delivery must wait for state-leave")

	s.dispatchCommand(conn, []any{"state-leave", dir, "build"})
	response = drainOne(t, conn)
	require.Equal(t, "build", response["state-leave"])

	update := drainOne(t, conn)
	files, ok := update["files"].([]query.File)
	require.True(t, ok)
	require.Len(t, files, 1)
	require.Equal(t, "during.txt", files[0].Name)
}

func TestStateEnterWithDropSkipsInterval(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)
	dir := t.TempDir()

	s.dispatchCommand(conn, []any{"subscribe", dir, "dropper", map[string]any{
		"drop": []any{"sync"},
	}})
	drainOne(t, conn)

	s.dispatchCommand(conn, []any{"state-enter", dir, "sync"})
	drainOne(t, conn)

	writeFile(t, filepath.Join(dir, "skipped.txt"), "x")
	time.Sleep(200 * time.Millisecond)
	require.Zero(t, conn.client.QueueLen())

	s.dispatchCommand(conn, []any{"state-leave", dir, "sync"})
	drainOne(t, conn)

	time.Sleep(200 * time.Millisecond)
	require.Zero(t, conn.client.QueueLen(), "dropped interval is skipped for good")

	writeFile(t, filepath.Join(dir, "after.txt"), "y")
	update := drainOne(t, conn)
	files, ok := update["files"].([]query.File)
	require.True(t, ok)
	require.Len(t, files, 1)
	require.Equal(t, "after.txt", files[0].Name)
}

func TestLogLevelCommand(t *testing.T) {
	s := newTestServer(t)
	conn := newTestConnection(t, s)

	s.dispatchCommand(conn, []any{"log-level", "nonsense"})
	require.Contains(t, drainOne(t, conn), "error")

	s.dispatchCommand(conn, []any{"log-level", "debug"})
	response := drainOne(t, conn)
	require.Equal(t, "debug", response["log_level"])
	require.False(t, s.logger.Enabled(logging.LevelDebug),
		"one client's streaming must not raise the daemon threshold")

	s.logger.Debug("drip", nil)
	payload := drainOne(t, conn)
	require.Equal(t, true, payload["unilateral"])
	require.Contains(t, payload["log"], "drip")
}

func TestLogLevelFiltersPerConnection(t *testing.T) {
	s := newTestServer(t)
	verbose := newTestConnection(t, s)
	quiet := newTestConnection(t, s)

	s.dispatchCommand(verbose, []any{"log-level", "debug"})
	drainOne(t, verbose)
	s.dispatchCommand(quiet, []any{"log-level", "error"})
	drainOne(t, quiet)

	s.logger.Debug("drip", nil)

	payload := drainOne(t, verbose)
	require.Contains(t, payload["log"], "drip")

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, quiet.client.QueueLen(), "entries below the requested level are not streamed")
}
