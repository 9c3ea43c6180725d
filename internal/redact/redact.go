// Package redact masks personal data in entry text before it leaves the
// device.
package redact

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/luhn"
	"github.com/ppiankov/logcatd/internal/pipeline"
)

// Pattern is a named expression and the marker that replaces its matches.
type Pattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`

	re       *regexp.Regexp
	validate func(string) bool // extra check on each match
}

// Redactor applies patterns in order.
type Redactor struct {
	patterns []Pattern
	onRedact func(pattern string)
}

// imei runs before credit_card: device ids also pass the Luhn check
var builtin = []Pattern{
	{
		Name:        "imei",
		Pattern:     `(?i)\bimei[=: ]+\d{15}\b`,
		Replacement: "[REDACTED:imei]",
	},
	{
		Name:        "credit_card",
		Pattern:     `\b(\d[ -]*?){13,19}\b`,
		Replacement: "[REDACTED:cc]",
	},
	{
		Name:        "email",
		Pattern:     `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`,
		Replacement: "[REDACTED:email]",
	},
	{
		Name:        "jwt",
		Pattern:     `eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`,
		Replacement: "[REDACTED:jwt]",
	},
	{
		Name:        "bearer",
		Pattern:     `(?i)(?:Bearer\s+|Authorization:\s*Bearer\s+)[A-Za-z0-9_\-.]+`,
		Replacement: "[REDACTED:bearer]",
	},
	{
		Name:        "ip_v4",
		Pattern:     `\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]\d|\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]\d|\d)\b`,
		Replacement: "[REDACTED:ip]",
	},
	{
		Name:        "ssn",
		Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
		Replacement: "[REDACTED:ssn]",
	},
	{
		Name:        "phone",
		Pattern:     `(?:\+\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`,
		Replacement: "[REDACTED:phone]",
	},
}

// New creates a Redactor with the named built-in patterns, or all of them
// when names is empty.
func New(names []string) (*Redactor, error) {
	var selected []Pattern
	if len(names) == 0 {
		selected = append(selected, builtin...)
	} else {
		byName := make(map[string]Pattern, len(builtin))
		for _, p := range builtin {
			byName[p.Name] = p
		}
		for _, n := range names {
			p, ok := byName[n]
			if !ok {
				return nil, fmt.Errorf("unknown redaction pattern: %s", n)
			}
			selected = append(selected, p)
		}
	}
	compiled, err := compile(selected)
	if err != nil {
		return nil, err
	}
	return &Redactor{patterns: compiled}, nil
}

// LoadPatterns appends patterns from a yaml list of name/pattern/replacement.
func (r *Redactor) LoadPatterns(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read patterns file: %w", err)
	}
	var custom []Pattern
	if err := yaml.Unmarshal(data, &custom); err != nil {
		return fmt.Errorf("parse patterns file: %w", err)
	}
	compiled, err := compile(custom)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, compiled...)
	return nil
}

// SetOnRedact sets a callback invoked once per pattern that changed a message.
func (r *Redactor) SetOnRedact(fn func(pattern string)) { r.onRedact = fn }

// Names returns the active pattern names in application order.
func (r *Redactor) Names() []string {
	names := make([]string, len(r.patterns))
	for i, p := range r.patterns {
		names[i] = p.Name
	}
	return names
}

// Redact returns msg with every match replaced.
func (r *Redactor) Redact(msg string) string {
	for _, p := range r.patterns {
		before := msg
		if p.validate != nil {
			msg = p.re.ReplaceAllStringFunc(msg, func(match string) string {
				if p.validate(match) {
					return p.Replacement
				}
				return match
			})
		} else {
			msg = p.re.ReplaceAllString(msg, p.Replacement)
		}
		if msg != before && r.onRedact != nil {
			r.onRedact(p.Name)
		}
	}
	return msg
}

func compile(patterns []Pattern) ([]Pattern, error) {
	out := make([]Pattern, len(patterns))
	for i, p := range patterns {
		if p.Name == "" {
			return nil, fmt.Errorf("pattern %d: missing name", i)
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %s: %w", p.Name, err)
		}
		out[i] = p
		out[i].re = re
		if p.Name == "credit_card" {
			out[i].validate = luhn.CardNumber
		}
	}
	return out, nil
}

// ParseFlag parses a --redact value: "" disables, "true" enables every
// built-in pattern, "a,b" enables a subset.
func ParseFlag(val string) (enabled bool, names []string) {
	switch val {
	case "", "false":
		return false, nil
	case "true":
		return true, nil
	}
	parts := strings.Split(val, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return true, parts
}

type consumer struct {
	next pipeline.Consumer
	r    *Redactor
}

// Consumer redacts the text of each entry before passing it to next.
func Consumer(next pipeline.Consumer, r *Redactor) pipeline.Consumer {
	return &consumer{next: next, r: r}
}

func (c *consumer) Consume(e logtypes.LogEntry) error {
	e.Text = c.r.Redact(e.Text)
	return c.next.Consume(e)
}

func (c *consumer) Close() error { return c.next.Close() }
