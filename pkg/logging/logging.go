// Package logging builds the process-wide slog logger: single-line JSON
// records with level, time, source and msg fields, and redaction of
// credentials at the handler layer so call sites cannot leak them.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Redacted replaces any attribute value identified as sensitive.
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{"token", "secret", "authorization", "api_key", "apikey"}

// Payment-provider credential and account-id shapes. Account ids count as
// sensitive: they are tenant identifiers at the provider.
var sensitivePrefixes = []string{"sk_live_", "sk_test_", "rk_live_", "rk_test_", "whsec_", "acct_"}

// New returns the configured logger writing to stderr.
func New(env string) *slog.Logger {
	return NewWithWriter(os.Stderr, env)
}

// NewWithWriter is New with an explicit sink, for tests.
func NewWithWriter(w io.Writer, env string) *slog.Logger {
	level := slog.LevelInfo
	if env != "production" {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(h)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey && len(groups) == 0 {
		if src, ok := a.Value.Any().(*slog.Source); ok {
			a.Value = slog.StringValue(filepath.Base(src.File) + ":" + strconv.Itoa(src.Line))
		}
		return a
	}
	if isSensitiveKey(a.Key) {
		a.Value = slog.StringValue(Redacted)
		return a
	}
	if a.Value.Kind() == slog.KindString && isSensitiveValue(a.Value.String()) {
		a.Value = slog.StringValue(Redacted)
	}
	return a
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func isSensitiveValue(v string) bool {
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}
