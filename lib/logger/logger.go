/*
Copyright 2025 SnowFlow Operations, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logger

import (
	"context"
	"os"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Output   string `toml:"output"`
	Severity string `toml:"severity"`
}

type Fields = log.Fields

type contextKey struct{}

// Init sets up the logger for a daemon scenario until the configuration
// file is parsed.
func Init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: true,
		FullTimestamp:    false,
	})
	log.SetLevel(log.InfoLevel)
	log.SetOutput(os.Stderr)
}

// Setup applies the [log] section of the configuration file.
func Setup(conf Config) error {
	switch conf.Output {
	case "stderr", "error", "2":
		log.SetOutput(os.Stderr)
	case "", "stdout", "out", "1":
		log.SetOutput(os.Stdout)
	default:
		// Assume a file path.
		file, err := os.OpenFile(conf.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		log.SetOutput(file)
	}

	switch conf.Severity {
	case "", "info":
		log.SetLevel(log.InfoLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	default:
		return trace.BadParameter("unknown severity %q", conf.Severity)
	}

	return nil
}

// SetDebugLevel turns on debug logging regardless of the configuration.
func SetDebugLevel() {
	log.SetLevel(log.DebugLevel)
}

// Standard returns the bare standard logger.
func Standard() log.FieldLogger {
	return log.StandardLogger()
}

// Get returns the logger stored in the context or the standard one.
func Get(ctx context.Context) log.FieldLogger {
	if logger, ok := ctx.Value(contextKey{}).(log.FieldLogger); ok && logger != nil {
		return logger
	}
	return Standard()
}

// With stores a logger in the context and returns both.
func With(ctx context.Context, logger log.FieldLogger) (context.Context, log.FieldLogger) {
	return context.WithValue(ctx, contextKey{}, logger), logger
}

// WithField returns a context whose logger carries an additional field.
func WithField(ctx context.Context, key string, value interface{}) (context.Context, log.FieldLogger) {
	return With(ctx, Get(ctx).WithField(key, value))
}

// WithFields returns a context whose logger carries additional fields.
func WithFields(ctx context.Context, fields Fields) (context.Context, log.FieldLogger) {
	return With(ctx, Get(ctx).WithFields(fields))
}
