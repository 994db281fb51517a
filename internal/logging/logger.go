// Package logging provides structured JSON logging with automatic secret redaction.
package logging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Known secret field names that must be redacted in all log output.
var secretFieldNames = []string{
	"secretaccesskey",
	"secretkey",
	"secret_key",
	"sessiontoken",
	"session_token",
	"passwordhash",
	"password",
	"jwt",
	"token",
	"secret",
	"private_key",
	"privatekey",
	"clientsecret",
	"credentials",
	"api_key",
	"apikey",
	"encrypted_data",
}

// RedactingWriter wraps an io.Writer and rewrites the values of secret-looking
// fields in each JSON log line before passing it on.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter creates a writer that redacts secret field values from log output.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

func (rw *RedactingWriter) Write(p []byte) (int, error) {
	out := p
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err == nil && redactMap(fields) {
			if b, err := json.Marshal(fields); err == nil {
				out = append(b, '\n')
			}
		}
	}

	if _, err := rw.inner.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func redactMap(m map[string]any) bool {
	changed := false
	for k, v := range m {
		if IsSecretField(k) {
			if s, ok := v.(string); ok {
				m[k] = RedactValue(s)
			} else if v != nil {
				m[k] = "[REDACTED]"
			}
			changed = true
			continue
		}
		if nested, ok := v.(map[string]any); ok && redactMap(nested) {
			changed = true
		}
	}
	return changed
}

// NewLogger creates a console logger on stderr with secret redaction.
func NewLogger(level string) zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(NewRedactingWriter(writer)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("service", "safeops").
		Logger()
}

// NewJSONLogger creates a JSON-formatted logger for file output or machine consumption.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(NewRedactingWriter(w)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("service", "safeops").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// IsSecretField checks if a field name is a known secret field that should be redacted.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a safe placeholder containing a hash prefix.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}
