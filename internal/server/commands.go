package server

import (
	"fmt"
	"strings"

	"vigil/internal/logging"
	"vigil/internal/query"
	"vigil/internal/subscription"
	"vigil/internal/version"
)

// A command arrives as a JSON array whose first element names it, e.g.
// ["subscribe", "/repo", "mysub", {...}]. Replies and unilateral pushes
// are JSON objects on the same connection.
type commandFunc func(conn *connection, args []any)

var commands = map[string]commandFunc{
	"version":     cmdVersion,
	"watch":       cmdWatch,
	"watch-del":   cmdWatchDel,
	"watch-list":  cmdWatchList,
	"clock":       cmdClock,
	"subscribe":   cmdSubscribe,
	"unsubscribe": cmdUnsubscribe,
	"state-enter": cmdStateEnter,
	"state-leave": cmdStateLeave,
	"log-level":   cmdLogLevel,
}

func (s *Server) dispatchCommand(conn *connection, args []any) {
	if len(args) == 0 {
		conn.sendError("empty command")
		return
	}
	name, ok := args[0].(string)
	if !ok {
		conn.sendError("command name must be a string")
		return
	}
	handler, ok := commands[name]
	if !ok {
		conn.sendError("unknown command %q", name)
		return
	}
	handler(conn, args)
}

func makeResponse() map[string]any {
	return map[string]any{"version": version.Version}
}

func (c *connection) sendResponse(payload map[string]any) {
	c.client.EnqueueResponse(payload)
	c.client.Wake()
}

func (c *connection) sendError(format string, args ...any) {
	response := makeResponse()
	response["error"] = fmt.Sprintf(format, args...)
	c.sendResponse(response)
}

func stringArg(args []any, index int) (string, bool) {
	if index >= len(args) {
		return "", false
	}
	value, ok := args[index].(string)
	return value, ok
}

func cmdVersion(conn *connection, args []any) {
	response := makeResponse()
	info := version.GetInfo()
	if info.Built != "" {
		response["built"] = info.Built
	}
	if info.GitCommit != "" {
		response["git_commit"] = info.GitCommit
	}
	conn.sendResponse(response)
}

func cmdWatch(conn *connection, args []any) {
	path, ok := stringArg(args, 1)
	if !ok {
		conn.sendError("expected 1st parameter to be a root path")
		return
	}
	entry, err := conn.server.resolveWatch(path, true)
	if err != nil {
		conn.sendError("unable to watch %q: %v", path, err)
		return
	}
	response := makeResponse()
	response["watch"] = entry.root.Path
	attachWarnings(response, entry)
	conn.sendResponse(response)
}

func cmdWatchDel(conn *connection, args []any) {
	path, ok := stringArg(args, 1)
	if !ok {
		conn.sendError("expected 1st parameter to be a root path")
		return
	}
	response := makeResponse()
	response["watch-del"] = conn.server.removeWatch(path)
	response["root"] = path
	conn.sendResponse(response)
}

func cmdWatchList(conn *connection, args []any) {
	response := makeResponse()
	response["roots"] = conn.server.watchedRoots()
	conn.sendResponse(response)
}

func cmdClock(conn *connection, args []any) {
	entry, ok := conn.resolveRootArg(args)
	if !ok {
		return
	}
	response := makeResponse()
	response["clock"] = entry.root.View.CurrentClockPosition().String()
	conn.sendResponse(response)
}

/* subscribe /root subname {query}
 * Subscribes the client connection to the specified root. */
func cmdSubscribe(conn *connection, args []any) {
	if len(args) != 4 {
		conn.sendError("wrong number of arguments for subscribe")
		return
	}
	entry, ok := conn.resolveRootArg(args)
	if !ok {
		return
	}
	name, ok := stringArg(args, 2)
	if !ok {
		conn.sendError("expected 2nd parameter to be subscription name")
		return
	}

	spec, _ := args[3].(map[string]any)
	if args[3] != nil && spec == nil {
		conn.sendError("expected 3rd parameter to be a query object")
		return
	}

	q, err := query.Parse(spec)
	if err != nil {
		conn.sendError("failed to parse query: %v", err)
		return
	}

	deferNames, err := query.StringList(spec, "defer")
	if err != nil {
		conn.sendError("%v", err)
		return
	}
	dropNames, err := query.StringList(spec, "drop")
	if err != nil {
		conn.sendError("%v", err)
		return
	}

	vcsDefer := true
	if raw, ok := spec["defer_vcs"]; ok {
		value, ok := raw.(bool)
		if !ok {
			conn.sendError("defer_vcs must be boolean")
			return
		}
		vcsDefer = value
	}

	sub := subscription.New(subscription.Options{
		Root:     entry.root,
		Client:   conn.client.Ref(),
		Name:     name,
		Query:    q,
		Policies: subscription.NewPolicyTable(deferNames, dropNames),
		VCSDefer: vcsDefer,
		Logger:   conn.server.logger,
		Registry: conn.server.registry,
	})

	detach := entry.dispatcher.Attach(sub)
	conn.client.Subs.Add(sub, detach)

	response := makeResponse()
	response["subscribe"] = name
	attachWarnings(response, entry)

	initial, position := sub.Initial()
	response["clock"] = position.String()

	conn.sendResponse(response)
	if initial != nil {
		conn.sendResponse(initial)
	}
}

/* unsubscribe /root subname
 * Cancels a subscription */
func cmdUnsubscribe(conn *connection, args []any) {
	if len(args) != 3 {
		conn.sendError("wrong number of arguments for unsubscribe")
		return
	}
	name, ok := stringArg(args, 2)
	if !ok {
		conn.sendError("expected 2nd parameter to be subscription name")
		return
	}

	deleted := conn.client.Subs.Remove(name)

	response := makeResponse()
	response["unsubscribe"] = name
	response["deleted"] = deleted
	conn.sendResponse(response)
}

func cmdStateEnter(conn *connection, args []any) {
	entry, name, ok := conn.resolveStateArgs(args)
	if !ok {
		return
	}
	entry.root.States.Enter(name)

	response := makeResponse()
	response["state-enter"] = name
	response["root"] = entry.root.Path
	conn.sendResponse(response)

	// Dispatch immediately so drop policies fast-forward from the tick
	// observed at assert time.
	entry.root.Settled.Publish(entry.root.View.CurrentClockPosition())
}

func cmdStateLeave(conn *connection, args []any) {
	entry, name, ok := conn.resolveStateArgs(args)
	if !ok {
		return
	}
	entry.root.States.Leave(name)

	response := makeResponse()
	response["state-leave"] = name
	response["root"] = entry.root.Path
	conn.sendResponse(response)

	// Deferred subscriptions catch up without waiting for more changes.
	entry.root.Settled.Publish(entry.root.View.CurrentClockPosition())
}

func cmdLogLevel(conn *connection, args []any) {
	value, ok := stringArg(args, 1)
	if !ok {
		conn.sendError("expected 1st parameter to be a log level")
		return
	}
	level, ok := logging.ParseLevel(value)
	if !ok {
		conn.sendError("invalid log level %q", value)
		return
	}

	conn.streamLogs(level)

	response := makeResponse()
	response["log_level"] = string(level)
	conn.sendResponse(response)
}

// resolveRootArg resolves args[1] as a root path, creating the watch on
// demand, and reports the failure to the client itself.
func (c *connection) resolveRootArg(args []any) (*watchEntry, bool) {
	path, ok := stringArg(args, 1)
	if !ok {
		c.sendError("expected 1st parameter to be a root path")
		return nil, false
	}
	entry, err := c.server.resolveWatch(path, true)
	if err != nil {
		c.sendError("unable to resolve root %q: %v", path, err)
		return nil, false
	}
	return entry, true
}

func (c *connection) resolveStateArgs(args []any) (*watchEntry, string, bool) {
	if len(args) != 3 {
		c.sendError("wrong number of arguments")
		return nil, "", false
	}
	entry, ok := c.resolveRootArg(args)
	if !ok {
		return nil, "", false
	}
	name, ok := stringArg(args, 2)
	if !ok || name == "" {
		c.sendError("expected 2nd parameter to be a state name")
		return nil, "", false
	}
	return entry, name, true
}

func attachWarnings(response map[string]any, entry *watchEntry) {
	warnings := entry.root.Warnings()
	if len(warnings) == 0 {
		return
	}
	response["warning"] = strings.Join(warnings, "\n")
}
