package sink

import (
	"errors"
	"fmt"
	"os"

	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/pipeline"
	"github.com/ppiankov/logcatd/internal/rotate"
)

// File appends entries as JSONL to a rotating, size-capped directory.
type File struct {
	r *rotate.Rotator
}

// NewFile opens the rotator for cfg.Dir.
func NewFile(cfg rotate.Config) (*File, error) {
	r, err := rotate.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open file sink: %w", err)
	}
	return &File{r: r}, nil
}

// Rotator exposes the underlying rotator for metrics hooks.
func (f *File) Rotator() *rotate.Rotator { return f.r }

// Consume appends one entry. Write failures are not retried.
func (f *File) Consume(e logtypes.LogEntry) error {
	if err := f.r.WriteEntry(e); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return pipeline.ErrClosed
		}
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// Close seals the active file.
func (f *File) Close() error { return f.r.Close() }
