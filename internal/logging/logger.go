// Package logging configures the process-wide logrus logger used by the
// pool, broker, and dispatch packages.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger sink.
type Options struct {
	// FilePath, if set, routes logs through a rotating lumberjack writer in
	// addition to stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// JSON selects the JSONFormatter; otherwise TextFormatter is used.
	JSON bool
}

// Configure applies Options to the shared logrus logger. It is safe to
// call multiple times; the latest call wins.
func Configure(opts Options) {
	if opts.JSON || os.Getenv("POOL_LOG_FORMAT") == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if opts.FilePath == "" {
		log.SetOutput(os.Stderr)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    orDefault(opts.MaxSizeMB, 50),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
		Compress:   true,
	}
	log.SetOutput(rotator)
}

func init() {
	log.AddHook(GlobalBuffer)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
