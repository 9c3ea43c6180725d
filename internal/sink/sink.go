// Package sink holds the downstream consumers of reassembled log entries.
package sink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/pipeline"
)

// ErrPublisherClosed is returned when publishing through a closed publisher.
var ErrPublisherClosed = errors.New("publisher is closed")

// Meta identifies the capture to downstream systems.
type Meta struct {
	Source   string
	Instance string
}

// Format selects how an entry is serialized.
type Format string

const (
	FormatText    Format = "text"    // quoted key/value block
	FormatJSON    Format = "json"    // one JSON object
	FormatCompact Format = "compact" // logcat threadtime-like lines
)

// ParseFormat validates a format name. Empty means def.
func ParseFormat(s string, def Format) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return def, nil
	case FormatText, FormatJSON, FormatCompact:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want text, json or compact)", s)
}

// Compact renders e one body line per output line, each prefixed with the
// header fields.
func Compact(e logtypes.LogEntry) string {
	prefix := fmt.Sprintf("%s %5d %5d %s %s: ",
		e.Timestamp.Format("01-02 15:04:05.000"), e.PID, e.TID, e.Severity.Letter(), e.Tag)
	lines := e.Lines()
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteString(logtypes.LineSeparator)
		}
		b.WriteString(prefix)
		b.WriteString(l)
	}
	return b.String()
}

type observed struct {
	name    string
	next    pipeline.Consumer
	onError func(sink string)
}

// Observe reports every failed Consume of next to onError under name.
func Observe(name string, next pipeline.Consumer, onError func(sink string)) pipeline.Consumer {
	if onError == nil {
		return next
	}
	return &observed{name: name, next: next, onError: onError}
}

func (o *observed) Consume(e logtypes.LogEntry) error {
	err := o.next.Consume(e)
	if err != nil {
		o.onError(o.name)
	}
	return err
}

func (o *observed) Close() error { return o.next.Close() }
