package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/logcatd/internal/forward"
	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/pipeline"
)

const defaultPushTimeout = 10 * time.Second

type pusher interface {
	Push(ctx context.Context, labels map[string]string, lines []forward.TimestampedLine) error
}

// Loki pushes each entry as one stream value. Labels carry the metadata,
// severity and tag; the line carries pid, tid and text.
type Loki struct {
	p       pusher
	meta    Meta
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLoki wraps a pusher. Close aborts an in-flight push.
func NewLoki(p *forward.Pusher, meta Meta) *Loki {
	return newLoki(p, meta)
}

func newLoki(p pusher, meta Meta) *Loki {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loki{p: p, meta: meta, timeout: defaultPushTimeout, ctx: ctx, cancel: cancel}
}

// Consume pushes e. Retryable push failures stay retryable.
func (l *Loki) Consume(e logtypes.LogEntry) error {
	if l.ctx.Err() != nil {
		return pipeline.ErrClosed
	}
	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	defer cancel()
	line := forward.TimestampedLine{
		Timestamp: e.Timestamp,
		Line:      fmt.Sprintf("pid=%d tid=%d %s", e.PID, e.TID, e.Text),
	}
	if err := l.p.Push(ctx, l.labels(e), []forward.TimestampedLine{line}); err != nil {
		return fmt.Errorf("loki push: %w", err)
	}
	return nil
}

func (l *Loki) labels(e logtypes.LogEntry) map[string]string {
	labels := map[string]string{
		"job":   "logcatd",
		"level": e.Severity.String(),
		"tag":   e.Tag,
	}
	if l.meta.Source != "" {
		labels["source"] = l.meta.Source
	}
	if l.meta.Instance != "" {
		labels["instance"] = l.meta.Instance
	}
	return labels
}

// Close cancels any push in flight.
func (l *Loki) Close() error {
	l.cancel()
	return nil
}
