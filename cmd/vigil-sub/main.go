// vigil-sub is a debugging client: it subscribes to a root on a running
// vigild and prints every payload the daemon pushes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type config struct {
	serverURL string
	token     string
	name      string
	suffixes  string
	since     string
}

func main() {
	cfg := config{}
	flag.StringVar(&cfg.serverURL, "server", "ws://127.0.0.1:4225", "daemon websocket URL")
	flag.StringVar(&cfg.token, "token", os.Getenv("VIGIL_TOKEN"), "auth token")
	flag.StringVar(&cfg.name, "name", "vigil-sub", "subscription name")
	flag.StringVar(&cfg.suffixes, "suffix", "", "comma-separated file suffixes to match")
	flag.StringVar(&cfg.since, "since", "", "resume from a clock string")
	flag.Parse()

	root := flag.Arg(0)
	if root == "" {
		fmt.Fprintln(os.Stderr, "usage: vigil-sub [flags] <root>")
		os.Exit(2)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil-sub: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, absRoot); err != nil {
		fmt.Fprintf(os.Stderr, "vigil-sub: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config, root string) error {
	target, err := url.Parse(cfg.serverURL)
	if err != nil {
		return fmt.Errorf("bad server URL: %w", err)
	}
	if cfg.token != "" {
		values := target.Query()
		values.Set("token", cfg.token)
		target.RawQuery = values.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(target.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.serverURL, err)
	}
	defer conn.Close()

	spec := map[string]any{}
	if cfg.suffixes != "" {
		suffixes := []any{}
		for _, suffix := range strings.Split(cfg.suffixes, ",") {
			suffixes = append(suffixes, strings.TrimSpace(suffix))
		}
		spec["suffix"] = suffixes
	}
	if cfg.since != "" {
		spec["since"] = cfg.since
	}

	if err := conn.WriteJSON([]any{"subscribe", root, cfg.name, spec}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = conn.WriteJSON([]any{"unsubscribe", root, cfg.name})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(time.Second)
		os.Exit(0)
	}()

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	for {
		var payload map[string]any
		if err := conn.ReadJSON(&payload); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if message, ok := payload["error"].(string); ok {
			return fmt.Errorf("server: %s", message)
		}
		if err := encoder.Encode(payload); err != nil {
			return err
		}
	}
}
