package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestIsSecretField(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		expected bool
	}{
		{"secret access key", "SecretAccessKey", true},
		{"session token", "SessionToken", true},
		{"password", "password", true},
		{"jwt", "jwt", true},
		{"private key", "private_key", true},
		{"client secret", "ClientSecret", true},
		{"api key", "llm_api_key", true},
		{"ciphertext column", "encrypted_data", true},
		{"access key id", "AccessKeyId", false},
		{"user id", "user_id", false},
		{"region", "region", false},
		{"role arn", "RoleArn", false},
		{"account id", "account_id", false},
		{"token field", "refresh_token", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsSecretField(tt.field)
			if got != tt.expected {
				t.Errorf("IsSecretField(%q) = %v, want %v", tt.field, got, tt.expected)
			}
		})
	}
}

func TestRedactValue(t *testing.T) {
	result := RedactValue("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY")
	if !strings.HasPrefix(result, "[REDACTED:sha256:") {
		t.Errorf("Expected [REDACTED:sha256:...], got %s", result)
	}
	if !strings.HasSuffix(result, "]") {
		t.Errorf("Expected trailing ], got %s", result)
	}

	if result != RedactValue("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY") {
		t.Error("Same input should produce same redacted value")
	}
	if result == RedactValue("differentSecret") {
		t.Error("Different inputs should produce different redacted values")
	}
}

func TestRedactEmptyValue(t *testing.T) {
	if result := RedactValue(""); result != "" {
		t.Errorf("Empty input should return empty, got %q", result)
	}
}

func TestJSONLoggerRedactsSecretFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "debug")

	logger.Info().
		Str("user_id", "user-1").
		Str("secret_key", "wJalrXUtnFEMI/K7MDENG").
		Interface("connection", map[string]any{"refresh_token": "1//abc", "project_id": "proj"}).
		Msg("connected")

	out := buf.String()
	if strings.Contains(out, "wJalrXUtnFEMI") || strings.Contains(out, "1//abc") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "user-1") || !strings.Contains(out, "proj") {
		t.Fatalf("non-secret fields missing: %s", out)
	}
	if !strings.Contains(out, "[REDACTED:sha256:") {
		t.Fatalf("expected redaction marker: %s", out)
	}
}

func TestJSONLoggerPassesThroughCleanLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "info")

	logger.Debug().Msg("hidden")
	logger.Info().Str("provider", "aws").Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(out, `"provider":"aws"`) {
		t.Errorf("expected provider field, got %s", out)
	}
}
