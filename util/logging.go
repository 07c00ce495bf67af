// Copyright 2026 Harry Finbow
//
//    Licensed under the Apache License, Version 2.0 (the "License"); you may
//    not use this file except in compliance with the License. You may obtain
//    a copy of the License at
//
//         http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
//    WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
//    License for the specific language governing permissions and limitations
//    under the License.

package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"

	gorillaHandlers "github.com/gorilla/handlers"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/harryfinbow/runner-manager/config"
)

type slogContextKey string

const (
	slogCtxFields slogContextKey = "slog_ctx_fields"
)

// ContextHandler is a slog.Handler that folds attributes stashed on the
// context into every record. Workers set runner and group attributes once
// and every log line below carries them.
type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs, ok := ctx.Value(slogCtxFields).([]slog.Attr)
	if ok {
		for _, v := range attrs {
			r.AddAttrs(v)
		}
	}
	return h.Handler.Handle(ctx, r)
}

func WithSlogContext(ctx context.Context, attrs ...slog.Attr) context.Context {
	return context.WithValue(ctx, slogCtxFields, attrs)
}

// GetLoggingWriter returns the log destination: stdout, or a rotated file
// when log_file is set.
func GetLoggingWriter(logFile string) (io.Writer, error) {
	var writer io.Writer = os.Stdout
	if logFile != "" {
		dirname := path.Dir(logFile)
		if _, err := os.Stat(dirname); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to create log folder")
			}
			if err := os.MkdirAll(dirname, 0o711); err != nil {
				return nil, fmt.Errorf("failed to create log folder")
			}
		}
		writer = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28,   // days
			Compress:   true, // disabled by default
		}
	}
	return writer, nil
}

// SetupLogging configures the default slog logger from the config: level,
// text or json format and optional rotated file output. The returned
// writer is shared with the HTTP access log.
func SetupLogging(cfg *config.Config, extra ...io.Writer) (io.Writer, error) {
	logWriter, err := GetLoggingWriter(cfg.LogFile)
	if err != nil {
		return nil, err
	}
	writers := append([]io.Writer{logWriter}, extra...)
	multiWriter := io.MultiWriter(writers...)

	var level slog.Level
	switch cfg.LogLevel {
	case config.LevelDebug:
		level = slog.LevelDebug
	case config.LevelWarning:
		level = slog.LevelWarn
	case config.LevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.LogFormat {
	case config.FormatJSON:
		handler = slog.NewJSONHandler(multiWriter, opts)
	default:
		handler = slog.NewTextHandler(multiWriter, opts)
	}

	slog.SetDefault(slog.New(ContextHandler{Handler: handler}))
	return multiWriter, nil
}

// NewLoggingMiddleware returns an HTTP access log middleware writing
// Apache combined log format to the given writer.
func NewLoggingMiddleware(writer io.Writer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return gorillaHandlers.CombinedLoggingHandler(writer, next)
	}
}

// SanitizeLogEntry strips newlines from values that end up in log lines.
// Webhook payload fields are attacker controlled.
func SanitizeLogEntry(entry string) string {
	return strings.Replace(strings.Replace(entry, "\n", "", -1), "\r", "", -1)
}
