package logcat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/logcatd/internal/diag"
	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/pipeline"
	"github.com/ppiankov/logcatd/internal/retry"
)

const (
	// DefaultMaxLines caps the lines of one record, header included.
	DefaultMaxLines = 128

	// TruncationMarker is appended to the line that hit the cap.
	TruncationMarker = "..."

	previewLines = 10
)

// AssemblerHooks are optional metrics callbacks.
type AssemblerHooks struct {
	OnEntry        func()
	OnParseFailure func()
	OnTruncate     func()
}

// Assembler groups raw lines into records and hands parsed entries to a
// consumer. It is an Output for Reader and must only be driven from one
// goroutine.
type Assembler struct {
	parser   Parser
	next     pipeline.Consumer
	log      diag.Logger
	maxLines int
	hooks    AssemblerHooks

	lines []string
}

// AssemblerConfig configures an Assembler.
type AssemblerConfig struct {
	MaxLines int // zero means DefaultMaxLines
	Parser   Parser
	Logger   diag.Logger
	Hooks    AssemblerHooks
}

// NewAssembler creates an Assembler in front of next.
func NewAssembler(cfg AssemblerConfig, next pipeline.Consumer) *Assembler {
	if next == nil {
		panic("logcat: nil consumer")
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.MaxLines < 2 {
		cfg.MaxLines = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = diag.Nop()
	}
	return &Assembler{
		parser:   cfg.Parser,
		next:     next,
		log:      cfg.Logger,
		maxLines: cfg.MaxLines,
		hooks:    cfg.Hooks,
		lines:    make([]string, 0, 8),
	}
}

// WriteLine feeds one raw line.
//
// A header line flushes the open block and starts a new one. If that flush
// fails retryably the open block is left untouched and the error returned,
// so re-delivering the same header line repeats only the flush. Any other
// flush failure discards the old block and the header still opens a new one.
func (a *Assembler) WriteLine(line string) error {
	if IsHeader(line) {
		if err := a.flush(); err != nil {
			if retry.IsRetryable(err) {
				return err
			}
			var malformed *MalformedError
			if !errors.As(err, &malformed) {
				a.log.Warn("dropping record after consumer failure", "error", err)
			}
		}
		a.lines = append(a.lines[:0], line)
		return nil
	}

	if len(a.lines) == 0 {
		// body without a header cannot be parsed
		return nil
	}

	forced := len(a.lines) >= a.maxLines-1
	if forced {
		line += TruncationMarker
	}
	a.lines = append(a.lines, line)
	if !forced {
		return nil
	}
	err := a.flushAndClear(true)
	// counted once the block is settled, not on every replay
	if !retry.IsRetryable(err) && a.hooks.OnTruncate != nil {
		a.hooks.OnTruncate()
	}
	return err
}

// Flush emits the open block, if any. A retryable failure keeps the block
// for the next attempt; any other failure discards it.
func (a *Assembler) Flush() error {
	if len(a.lines) == 0 {
		return nil
	}
	return a.flushAndClear(false)
}

// Pending returns a copy of the lines of the open block.
func (a *Assembler) Pending() []string {
	return append([]string(nil), a.lines...)
}

func (a *Assembler) flushAndClear(appended bool) error {
	err := a.flush()
	switch {
	case err == nil:
		a.lines = a.lines[:0]
		return nil
	case retry.IsRetryable(err):
		// roll back the line this call appended so a replay re-adds it once
		if appended {
			a.lines = a.lines[:len(a.lines)-1]
		}
		return err
	default:
		a.lines = a.lines[:0]
		return err
	}
}

func (a *Assembler) flush() error {
	entry, ok, err := a.parser.Parse(a.lines)
	if err != nil {
		if a.hooks.OnParseFailure != nil {
			a.hooks.OnParseFailure()
		}
		a.log.Error("failed to parse log lines", err)
		a.log.Error(preview(a.lines), nil)
		return err
	}
	if !ok {
		return nil
	}
	if err := a.next.Consume(entry); err != nil {
		return err
	}
	if a.hooks.OnEntry != nil {
		a.hooks.OnEntry()
	}
	return nil
}

// preview renders at most previewLines lines of a bad block.
func preview(lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bad lines [%d]: { ", len(lines))
	n := min(len(lines), previewLines)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s#%d: %s", logtypes.LineSeparator, i, lines[i])
	}
	b.WriteString(logtypes.LineSeparator)
	if n < len(lines) {
		b.WriteString("... }")
	} else {
		b.WriteString("}")
	}
	return b.String()
}
