// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"schedflow/internal/config"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Setup configures the global log.Logger from cfg and returns it. out is the
// primary sink (stdout when nil). The returned closer releases the log file.
func Setup(cfg config.LogConfig, out io.Writer) (zerolog.Logger, io.Closer) {
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var primary io.Writer = out
	if strings.EqualFold(cfg.Format, "console") {
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	writers := []io.Writer{primary}

	var closer io.Closer = nopCloser{}
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    max(cfg.File.MaxSizeMB, 1),
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		// files always get JSON
		writers = append(writers, lj)
		closer = lj
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	lg := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Str("service", "schedflow").Logger()
	log.Logger = lg
	return lg, closer
}

// ParseLevel maps a config level to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
