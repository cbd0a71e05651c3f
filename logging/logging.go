// Package logging builds the slog backend shared by the daemons: one
// rotating log file plus optional stdout, with per-subsystem levels.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Subsystem tags.
const (
	Relay     = "RLAY"
	Watcher   = "WTCH"
	Session   = "SESS"
	Broadcast = "BCST"
	CLI       = "CLI"
)

type LogConfig struct {
	// LogFile is the path of the log file. Empty disables file logging.
	LogFile string
	// DebugLevel is a level, optionally followed by SUBSYS=level pairs:
	// "info,SESS=debug".
	DebugLevel string
	// MaxLogFiles is how many rotated files are kept.
	MaxLogFiles int
	// MaxSize is the size in megabytes that triggers rotation.
	MaxSize int
	// UseStdout mirrors the log to stdout. Nil means true.
	UseStdout *bool
}

type LogBackend struct {
	backend *slog.Backend
	rotator *lumberjack.Logger

	mu      sync.Mutex
	level   slog.Level
	levels  map[string]slog.Level
	loggers map[string]slog.Logger
}

// GetDebugLevel parses a single level name.
func GetDebugLevel(debugStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(debugStr)) {
	case "trace":
		return slog.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return slog.LevelCritical, nil
	case "off":
		return slog.LevelOff, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown debug level: %q", debugStr)
}

// parseLevels splits "info,SESS=debug" into the default level and the
// per-subsystem overrides.
func parseLevels(s string) (slog.Level, map[string]slog.Level, error) {
	def := slog.LevelInfo
	subs := make(map[string]slog.Level)
	if strings.TrimSpace(s) == "" {
		return def, subs, nil
	}
	for _, part := range strings.Split(s, ",") {
		name, lvl, found := strings.Cut(part, "=")
		if !found {
			l, err := GetDebugLevel(part)
			if err != nil {
				return def, nil, err
			}
			def = l
			continue
		}
		l, err := GetDebugLevel(lvl)
		if err != nil {
			return def, nil, err
		}
		subs[strings.ToUpper(strings.TrimSpace(name))] = l
	}
	return def, subs, nil
}

func NewLogBackend(cfg LogConfig) (*LogBackend, error) {
	level, levels, err := parseLevels(cfg.DebugLevel)
	if err != nil {
		return nil, err
	}

	var writers []io.Writer
	if cfg.UseStdout == nil || *cfg.UseStdout {
		writers = append(writers, os.Stdout)
	}
	b := &LogBackend{
		level:   level,
		levels:  levels,
		loggers: make(map[string]slog.Logger),
	}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		maxSize := cfg.MaxSize
		if maxSize <= 0 {
			maxSize = 10
		}
		b.rotator = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxLogFiles,
			Compress:   true,
		}
		writers = append(writers, b.rotator)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}
	b.backend = slog.NewBackend(io.MultiWriter(writers...))
	return b, nil
}

// Logger returns the logger for subsystem, creating it on first use.
func (b *LogBackend) Logger(subsystem string) slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.loggers[subsystem]; ok {
		return l
	}
	l := b.backend.Logger(subsystem)
	if lvl, ok := b.levels[strings.ToUpper(subsystem)]; ok {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(b.level)
	}
	b.loggers[subsystem] = l
	return l
}

// SetLevel changes the level of every logger created so far and of the
// ones created later.
func (b *LogBackend) SetLevel(debugLevel string) error {
	level, levels, err := parseLevels(debugLevel)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level, b.levels = level, levels
	for name, l := range b.loggers {
		if lvl, ok := levels[strings.ToUpper(name)]; ok {
			l.SetLevel(lvl)
		} else {
			l.SetLevel(level)
		}
	}
	return nil
}

func (b *LogBackend) Close() error {
	if b.rotator == nil {
		return nil
	}
	return b.rotator.Close()
}
