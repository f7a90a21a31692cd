package messaging

import (
	"errors"
	"testing"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"database.document.created", "database.document.created", true},
		{"database.document.created", "database.document.updated", false},
		{"database.*.created", "database.document.created", true},
		{"database.*.created", "database.document.file.created", false},
		{"*.stats.request", "realtime.stats.request", true},
		{"*.stats.request", "stats.request", false},
		{"database.#", "database", true},
		{"database.#", "database.document.created", true},
		{"database.#", "storage.file.uploaded", false},
		{"#", "anything.at.all", true},
		{"#.created", "database.document.created", true},
		{"#.created", "created", true},
		{"#.created", "database.document.deleted", false},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
		{"a.#.#.z", "a.b.z", true},
		{"a.*.#", "a", false},
		{"a.*.#", "a.b", true},
		{"a.*", "a.b.c", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			if got := MatchTopic(tt.pattern, tt.key); got != tt.want {
				t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
			}
		})
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"storage.#", "auth.user.*"}

	if !MatchAny(patterns, "auth.user.loggedin") {
		t.Error("expected auth.user.loggedin to match")
	}
	if MatchAny(patterns, "database.document.created") {
		t.Error("expected database.document.created not to match")
	}
	if MatchAny(nil, "x") {
		t.Error("expected no match for empty pattern list")
	}
}

func TestValidatePattern(t *testing.T) {
	valid := []string{"a", "a.b", "*.b", "a.#", "#"}
	for _, p := range valid {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q) unexpected error: %v", p, err)
		}
	}

	invalid := []string{"", ".a", "a.", "a..b"}
	for _, p := range invalid {
		err := ValidatePattern(p)
		if !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("ValidatePattern(%q) = %v, want ErrInvalidPattern", p, err)
		}
	}
}

func TestValidateRoutingKey(t *testing.T) {
	if err := ValidateRoutingKey("storage.file.uploaded"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, key := range []string{"", "a..b", "a.*.c", "a.#"} {
		if err := ValidateRoutingKey(key); err == nil {
			t.Errorf("ValidateRoutingKey(%q) expected error", key)
		}
	}
}
