package logcat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/logcatd/internal/logtypes"
)

// headerPattern matches a "-v long" record header, e.g.
//
//	[ 12-27 19:08:17.523 26172:26172 E/SomeTag ]
var headerPattern = regexp.MustCompile(`^\[` +
	`\s*\d{1,2}-\d{1,2}` +
	`\s+\d{1,2}:\d{1,2}:\d{1,2}\.\d{1,3}` +
	`\s+\d+\s*:\s*\d*` +
	`\s+[VDIWEAFvdiweaf]/.*` +
	`\s*\]$`)

// IsHeader reports whether line opens a new record.
func IsHeader(line string) bool {
	return headerPattern.MatchString(line)
}

// MalformedError is returned for a block whose header cannot be parsed.
type MalformedError struct {
	Header string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed header %q: %s: %v", e.Header, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed header %q: %s", e.Header, e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Parser turns a block of raw lines into an entry. Now supplies the
// reference time for year inference; nil means time.Now.
type Parser struct {
	Now      func() time.Time
	Location *time.Location
}

// ParseBlock parses lines with the default Parser.
func ParseBlock(lines []string) (logtypes.LogEntry, bool, error) {
	return Parser{}.Parse(lines)
}

// Parse builds an entry from a header line followed by at least one body
// line. Blocks shorter than two lines yield ok == false and no error.
func (p Parser) Parse(lines []string) (entry logtypes.LogEntry, ok bool, err error) {
	if len(lines) < 2 {
		return logtypes.LogEntry{}, false, nil
	}

	header := lines[0]
	words, err := splitHeader(header)
	if err != nil {
		return logtypes.LogEntry{}, false, err
	}

	malformed := func(reason string, cause error) error {
		return &MalformedError{Header: header, Reason: reason, Err: cause}
	}

	ts, err := p.timestamp(words[0], words[1])
	if err != nil {
		return logtypes.LogEntry{}, false, malformed("timestamp", err)
	}
	entry.Timestamp = ts

	// the regex allows padding around the colon: "1234:5678", "1234: 5678",
	// "1234 : 5678". Glue words until the pair is complete.
	idx := 2
	pidTid := words[idx]
	for !strings.Contains(pidTid, ":") || strings.HasSuffix(pidTid, ":") {
		idx++
		if idx >= len(words)-1 {
			return logtypes.LogEntry{}, false, malformed("pid:tid", nil)
		}
		pidTid += words[idx]
	}
	pidStr, tidStr, _ := strings.Cut(pidTid, ":")
	entry.PID, err = strconv.ParseInt(pidStr, 10, 64)
	if err != nil {
		return logtypes.LogEntry{}, false, malformed("pid", err)
	}
	entry.TID, err = strconv.ParseInt(tidStr, 10, 64)
	if err != nil {
		return logtypes.LogEntry{}, false, malformed("tid", err)
	}

	levelIdx := idx + 1
	level := words[levelIdx]
	if len(level) < 2 || level[1] != '/' {
		return logtypes.LogEntry{}, false, malformed("level/tag word", nil)
	}
	sev, found := logtypes.SeverityFromLetter(level[0])
	if !found {
		return logtypes.LogEntry{}, false, malformed("level "+level[:1], nil)
	}
	entry.Severity = sev

	tag := make([]string, 0, len(words)-levelIdx)
	if first := level[2:]; first != "" {
		tag = append(tag, first)
	}
	tag = append(tag, words[levelIdx+1:]...)
	entry.Tag = strings.Join(tag, " ")

	entry.Text = strings.Join(lines[1:], logtypes.LineSeparator)
	return entry, true, nil
}

// splitHeader strips the brackets and splits the header on whitespace.
func splitHeader(header string) ([]string, error) {
	s := strings.TrimSpace(header)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, &MalformedError{Header: header, Reason: "brackets"}
	}
	words := strings.Fields(s[1 : len(s)-1])
	if len(words) < 4 {
		return nil, &MalformedError{Header: header, Reason: fmt.Sprintf("want at least 4 words, got %d", len(words))}
	}
	return words, nil
}

// timestamp parses "MM-DD" and "HH:MM:SS.mmm" against the current year.
// A month later than the current one belongs to the previous year.
func (p Parser) timestamp(date, clock string) (time.Time, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	ref := now().In(loc)

	month, day, err := splitInts2(date, "-")
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", date, err)
	}
	hms, frac, found := strings.Cut(clock, ".")
	if !found {
		return time.Time{}, fmt.Errorf("clock %q: no milliseconds", clock)
	}
	parts := strings.Split(hms, ":")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("clock %q: want HH:MM:SS", clock)
	}
	var fields [4]int
	for i, s := range append(parts, frac) {
		v, err := strconv.Atoi(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("clock %q: %w", clock, err)
		}
		fields[i] = v
	}

	year := ref.Year()
	if time.Month(month) > ref.Month() {
		year--
	}
	return time.Date(year, time.Month(month), day,
		fields[0], fields[1], fields[2], fields[3]*int(time.Millisecond), loc), nil
}

func splitInts2(s, sep string) (int, int, error) {
	a, b, found := strings.Cut(s, sep)
	if !found {
		return 0, 0, fmt.Errorf("missing %q", sep)
	}
	x, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}
