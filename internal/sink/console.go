package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/ppiankov/logcatd/internal/logtypes"
)

// Console writes entries to a terminal or any writer.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	styles map[logtypes.Severity]lipgloss.Style
}

// NewConsole creates a console sink. Colour applies to text and compact
// output only.
func NewConsole(w io.Writer, format Format, color bool) *Console {
	c := &Console{w: w, format: format}
	if color && format != FormatJSON {
		c.styles = severityStyles(lipgloss.NewRenderer(w))
	}
	return c
}

func severityStyles(r *lipgloss.Renderer) map[logtypes.Severity]lipgloss.Style {
	return map[logtypes.Severity]lipgloss.Style{
		logtypes.Verbose: r.NewStyle().Faint(true),
		logtypes.Debug:   r.NewStyle().Foreground(lipgloss.Color("33")),
		logtypes.Info:    r.NewStyle().Foreground(lipgloss.Color("34")),
		logtypes.Warning: r.NewStyle().Foreground(lipgloss.Color("214")),
		logtypes.Error:   r.NewStyle().Foreground(lipgloss.Color("196")),
		logtypes.Fatal:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		logtypes.Assert:  r.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("196")).Bold(true),
	}
}

// Consume writes one entry.
func (c *Console) Consume(e logtypes.LogEntry) error {
	var out string
	switch c.format {
	case FormatJSON:
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		out = string(data)
	case FormatCompact:
		out = c.paint(e.Severity, Compact(e))
	default:
		out = c.paint(e.Severity, logtypes.Text(e)) + logtypes.LineSeparator
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, out+logtypes.LineSeparator); err != nil {
		return fmt.Errorf("write console: %w", err)
	}
	return nil
}

func (c *Console) paint(sev logtypes.Severity, s string) string {
	if st, ok := c.styles[sev]; ok {
		return st.Render(s)
	}
	return s
}

// Close does not close the underlying writer.
func (c *Console) Close() error { return nil }
