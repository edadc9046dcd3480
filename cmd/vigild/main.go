package main

import (
	"flag"
	"fmt"
	"os"

	"vigil/internal/config"
	"vigil/internal/logging"
	"vigil/internal/server"
	"vigil/internal/version"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the settings file")
	listen := flag.String("listen", "", "override the listen address")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigild: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.NewLogger(level)

	s := server.New(cfg, logger, nil)
	defer s.Close()

	if err := s.ListenAndServe(); err != nil {
		logger.Error("server stopped", map[string]string{"error": err.Error()})
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("VIGIL_CONFIG"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.config/vigil/vigil.yaml"
}
