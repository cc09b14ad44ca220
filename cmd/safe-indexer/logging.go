package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/safe-indexer/pkg/config"
)

// newLogHandler builds the root handler from the log section. Format "json"
// emits one object per line, anything else the colored terminal format.
func newLogHandler(cfg config.LogConfig, w io.Writer, color bool) (slog.Handler, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return log.JSONHandlerWithLevel(w, lvl), nil
	case "", "text", "terminal":
		return log.NewTerminalHandlerWithLevel(w, lvl, color), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "", "info":
		return log.LevelInfo, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func setupLogger(cfg config.LogConfig, w io.Writer, color bool) error {
	h, err := newLogHandler(cfg, w, color)
	if err != nil {
		return err
	}
	log.SetDefault(log.NewLogger(h))
	return nil
}
