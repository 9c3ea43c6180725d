package logtypes

import (
	"fmt"
	"strings"
	"time"
)

// LineSeparator joins the body lines of a multi-line record.
const LineSeparator = "\n"

// Severity is the ordered logcat priority of an entry.
type Severity int

// Severities in ascending order. Threshold comparisons rely on this order.
const (
	Verbose Severity = iota
	Debug
	Info
	Warning
	Error
	Fatal
	Assert
)

var severityNames = [...]string{"verbose", "debug", "info", "warning", "error", "fatal", "assert"}

// String returns the lowercase name of the severity.
func (s Severity) String() string {
	if s < Verbose || s > Assert {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Letter returns the single-letter logcat priority (V, D, I, W, E, F, A).
func (s Severity) Letter() string {
	if s < Verbose || s > Assert {
		return "?"
	}
	return strings.ToUpper(severityNames[s][:1])
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool { return s >= min }

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	if s < Verbose || s > Assert {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts any form ParseSeverity does.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses a severity name ("warning", "Error") or a logcat
// priority letter ("W", "e"). Matching is case-insensitive.
func ParseSeverity(s string) (Severity, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if len(v) == 1 {
		if sev, ok := SeverityFromLetter(v[0]); ok {
			return sev, nil
		}
	}
	for i, name := range severityNames {
		if name == v {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// SeverityFromLetter maps a logcat priority character to a Severity.
func SeverityFromLetter(c byte) (Severity, bool) {
	switch c {
	case 'V', 'v':
		return Verbose, true
	case 'D', 'd':
		return Debug, true
	case 'I', 'i':
		return Info, true
	case 'W', 'w':
		return Warning, true
	case 'E', 'e':
		return Error, true
	case 'F', 'f':
		return Fatal, true
	case 'A', 'a':
		return Assert, true
	}
	return 0, false
}

// LogEntry is one reassembled logcat record.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	PID       int64     `json:"pid"`
	TID       int64     `json:"tid"`
	Severity  Severity  `json:"severity"`
	Tag       string    `json:"tag"`
	Text      string    `json:"text"`
}

// Lines returns the body split on LineSeparator.
func (e LogEntry) Lines() []string {
	return strings.Split(e.Text, LineSeparator)
}

// Text renders an entry as quoted key/value lines.
func Text(e LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "date: '%s'%s", e.Timestamp.Format("2006-01-02 15:04:05.000"), LineSeparator)
	fmt.Fprintf(&b, "pid: '%d'%s", e.PID, LineSeparator)
	fmt.Fprintf(&b, "tid: '%d'%s", e.TID, LineSeparator)
	fmt.Fprintf(&b, "level: '%s'%s", e.Severity, LineSeparator)
	fmt.Fprintf(&b, "tag: '%s'%s", e.Tag, LineSeparator)
	fmt.Fprintf(&b, "text: '%s'", e.Text)
	return b.String()
}
