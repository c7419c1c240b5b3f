// Package logging builds the zap loggers used across the pool.
//
// Stdout carries the MCP stdio protocol, so console output always goes to
// stderr. With Debug set, every entry is also appended as JSON to File.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects log destinations.
type Options struct {
	// Level is the stderr threshold: debug, info, warn or error.
	Level string
	// Debug appends debug-level JSON to File.
	Debug bool
	File  string
	// Console overrides stderr, mainly for tests.
	Console io.Writer
}

// New returns a logger and a function that flushes and closes it.
func New(opts Options) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(orDefault(opts.Level, "warn"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	consoleEncoder := zap.NewDevelopmentEncoderConfig()
	consoleEncoder.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoder), zapcore.Lock(zapcore.AddSync(console)), level),
	}

	var file *os.File
	if opts.Debug {
		file, err = os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open debug log %s: %w", opts.File, err)
		}

		fileEncoder := zap.NewProductionEncoderConfig()
		fileEncoder.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), zapcore.Lock(file), zapcore.DebugLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).With(zap.Int("manager_pid", os.Getpid()))

	closeFn := func() {
		_ = logger.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return logger, closeFn, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
