package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateStreamID()
	id2 := GenerateStreamID()

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if !strings.HasPrefix(id1, "stream_") {
		t.Errorf("expected prefix 'stream_', got %s", id1)
	}
}

func TestGenerateSecretKey(t *testing.T) {
	k1, err := GenerateSecretKey(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	k2, _ := GenerateSecretKey(32)
	if k1 == k2 {
		t.Error("expected distinct keys")
	}
	if len(k1) != 43 {
		t.Errorf("expected 43 chars of base64url, got %d", len(k1))
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"hello\x00world", "helloworld"},
		{"hello\nworld", "hello\nworld"},
		{"  hello  ", "hello"},
		{"a\rb", "ab"},
	}

	for _, tt := range tests {
		if got := SanitizeString(tt.input); got != tt.expected {
			t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		input    string
		visible  int
		expected string
	}{
		{"sk_live_abcdef", 3, "sk_****"},
		{"ab", 5, "****"},
		{"", 4, ""},
		{"ключ-секрет", 2, "кл****"},
	}

	for _, tt := range tests {
		if got := MaskSensitive(tt.input, tt.visible); got != tt.expected {
			t.Errorf("MaskSensitive(%q, %d) = %q, want %q", tt.input, tt.visible, got, tt.expected)
		}
	}
}

func TestMonotonicAfter(t *testing.T) {
	base := time.Unix(100, 0)

	if got := MonotonicAfter(base.Add(time.Second), base); !got.Equal(base.Add(time.Second)) {
		t.Errorf("expected now when it advances, got %v", got)
	}
	if got := MonotonicAfter(base, base); !got.Equal(base.Add(time.Nanosecond)) {
		t.Errorf("expected last+1ns on equal time, got %v", got)
	}
	if got := MonotonicAfter(base.Add(-time.Second), base); !got.After(base) {
		t.Errorf("expected strictly after last when clock steps back, got %v", got)
	}
}
