// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T to ease logging
// in tests.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	prefix string
	t      LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a Logger.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t: t}
}

// HCLogger returns a new test logger with the level set by the
// VIBE_TEST_LOG_LEVEL environment variable (TRACE by default).
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	level := "TRACE"
	if envLogLevel := os.Getenv("VIBE_TEST_LOG_LEVEL"); envLogLevel != "" {
		level = envLogLevel
	}
	opts := &hclog.LoggerOptions{
		Level:           hclog.LevelFromString(level),
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}
