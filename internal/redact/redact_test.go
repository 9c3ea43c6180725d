package redact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/pipeline"
)

func mustNew(t *testing.T, names ...string) *Redactor {
	t.Helper()
	r, err := New(names)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBuiltinPatterns(t *testing.T) {
	// construct JWT-shaped fixture dynamically to avoid secret detection
	jwt := strings.Join([]string{"eyJhbGciOiJIUzI1NiJ9", "eyJzdWIiOiIxMjM0NTY3ODkwIn0", "fakesignaturevalue"}, ".")

	tests := []struct {
		pattern string
		input   string
		expect  string
	}{
		{"credit_card", "card: 4111111111111111", "card: [REDACTED:cc]"},
		{"credit_card", "amex 378282246310005", "amex [REDACTED:cc]"},
		{"credit_card", "card 4111 1111 1111 1111 end", "card [REDACTED:cc] end"},
		{"credit_card", "card 4111-1111-1111-1111 end", "card [REDACTED:cc] end"},
		{"credit_card", "number 1234567890123456", "number 1234567890123456"},
		{"credit_card", "num 12345678", "num 12345678"},
		{"email", "user test@example.com logged in", "user [REDACTED:email] logged in"},
		{"email", "user+tag@example.com here", "[REDACTED:email] here"},
		{"jwt", "token: " + jwt + " end", "token: [REDACTED:jwt] end"},
		{"bearer", "Authorization: Bearer xyz789", "[REDACTED:bearer]"},
		{"ip_v4", "connect 127.0.0.1:8080", "connect [REDACTED:ip]:8080"},
		{"ip_v4", "version 1.2.3 released", "version 1.2.3 released"},
		{"imei", "IMEI: 490154203237518 registered", "[REDACTED:imei] registered"},
		{"ssn", "ssn: 123-45-6789 end", "ssn: [REDACTED:ssn] end"},
		{"phone", "call (555) 123-4567", "call [REDACTED:phone]"},
		{"phone", "dial 5551234567", "dial [REDACTED:phone]"},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			if got := mustNew(t, tt.pattern).Redact(tt.input); got != tt.expect {
				t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.expect)
			}
		})
	}
}

func TestIMEIBeforeCard(t *testing.T) {
	got := mustNew(t).Redact("imei=490154203237518")
	if got != "[REDACTED:imei]" {
		t.Errorf("got %q", got)
	}
}

func TestCombinedAndClean(t *testing.T) {
	r := mustNew(t)

	got := r.Redact("user test@example.com paid with 4111111111111111 from 10.0.0.1")
	for _, marker := range []string{"[REDACTED:email]", "[REDACTED:cc]", "[REDACTED:ip]"} {
		if !strings.Contains(got, marker) {
			t.Errorf("expected %s in output: %q", marker, got)
		}
	}

	msg := "Start proc 4242:com.example/u0a12 for activity"
	if got := r.Redact(msg); got != msg {
		t.Errorf("clean message modified: %q -> %q", msg, got)
	}
}

func TestOnRedact(t *testing.T) {
	r := mustNew(t, "email", "ssn")
	hits := map[string]int{}
	r.SetOnRedact(func(p string) { hits[p]++ })

	r.Redact("a@b.io and c@d.io")
	r.Redact("plain")
	r.Redact("123-45-6789")

	if hits["email"] != 1 || hits["ssn"] != 1 || len(hits) != 2 {
		t.Errorf("hits = %v", hits)
	}
}

func TestLoadPatterns(t *testing.T) {
	r := mustNew(t, "email")
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	yamlContent := `- name: android_id
  pattern: "(?i)android_id[=: ]+[0-9a-f]{16}"
  replacement: "[REDACTED:android_id]"
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.LoadPatterns(path); err != nil {
		t.Fatal(err)
	}

	if got := r.Redact("android_id=9774d56d682e549c ok"); got != "[REDACTED:android_id] ok" {
		t.Errorf("got %q", got)
	}
	if names := r.Names(); len(names) != 2 || names[1] != "android_id" {
		t.Errorf("names = %v", names)
	}
}

func TestLoadPatterns_Errors(t *testing.T) {
	r := mustNew(t)
	if err := r.LoadPatterns(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("- name: x\n  pattern: \"(\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.LoadPatterns(path); err == nil {
		t.Error("expected error for invalid regex")
	}
}

func TestUnknownPattern(t *testing.T) {
	if _, err := New([]string{"nonexistent"}); err == nil {
		t.Error("expected error for unknown pattern")
	}
}

func TestParseFlag(t *testing.T) {
	tests := []struct {
		val     string
		enabled bool
		names   []string
	}{
		{"", false, nil},
		{"false", false, nil},
		{"true", true, nil},
		{"credit_card, email", true, []string{"credit_card", "email"}},
	}
	for _, tt := range tests {
		enabled, names := ParseFlag(tt.val)
		if enabled != tt.enabled {
			t.Errorf("val=%q: enabled=%v, want %v", tt.val, enabled, tt.enabled)
		}
		if strings.Join(names, ",") != strings.Join(tt.names, ",") {
			t.Errorf("val=%q: names=%v, want %v", tt.val, names, tt.names)
		}
	}
}

func TestConsumer(t *testing.T) {
	var got []logtypes.LogEntry
	next := pipeline.ConsumerFunc(func(e logtypes.LogEntry) error {
		got = append(got, e)
		return nil
	})
	c := Consumer(next, mustNew(t, "email"))

	e := logtypes.LogEntry{
		Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Severity:  logtypes.Info,
		Tag:       "Account",
		Text:      "signed in as a@b.io\nsession ok",
	}
	if err := c.Consume(e); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "signed in as [REDACTED:email]\nsession ok" || got[0].Tag != "Account" {
		t.Errorf("got %+v", got)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
