package logcat

import (
	"errors"
	"sync"
	"time"

	"github.com/ppiankov/logcatd/internal/diag"
	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/pipeline"
)

// ErrSourceStarted is returned by a second Source.Start.
var ErrSourceStarted = errors.New("log source already started")

// SourceHooks groups the metrics callbacks of the reader and assembler.
type SourceHooks struct {
	Reader    Hooks
	Assembler AssemblerHooks
	OnFilter  func()
}

// SourceConfig configures a Source.
type SourceConfig struct {
	Argv        []string
	SelfFilter  pipeline.SelfFilter
	MinSeverity logtypes.Severity
	Filters     []pipeline.Filter
	MaxLines    int
	Quiet       time.Duration
	Parser      Parser
	Spawner     Spawner
	Logger      diag.Logger
	Hooks       SourceHooks
}

// Source is the assembled capture pipeline: process, reader, assembler and
// filters in front of one consumer.
type Source struct {
	cfg SourceConfig

	mu       sync.Mutex
	started  bool
	reader   *Reader
	consumer pipeline.Consumer
}

// NewSource creates an unstarted Source.
func NewSource(cfg SourceConfig) *Source {
	if cfg.Logger == nil {
		cfg.Logger = diag.Nop()
	}
	if cfg.SelfFilter == "" {
		cfg.SelfFilter = pipeline.SelfFilterPID
	}
	return &Source{cfg: cfg}
}

// Start wires consumer behind the filters and starts reading. The consumer
// is closed by Close, also when Start fails.
func (s *Source) Start(consumer pipeline.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSourceStarted
	}
	s.started = true

	filters := append([]pipeline.Filter{
		s.cfg.SelfFilter.Filter(CurrentThreadID),
		pipeline.MinSeverity(s.cfg.MinSeverity),
	}, s.cfg.Filters...)

	s.consumer = consumer
	filtered := pipeline.FilteringWithHook(consumer, pipeline.All(filters...), s.cfg.Hooks.OnFilter)
	asm := NewAssembler(AssemblerConfig{
		MaxLines: s.cfg.MaxLines,
		Parser:   s.cfg.Parser,
		Logger:   s.cfg.Logger,
		Hooks:    s.cfg.Hooks.Assembler,
	}, filtered)
	s.reader = NewReader(ReaderConfig{
		Argv:    s.cfg.Argv,
		Spawner: s.cfg.Spawner,
		Quiet:   s.cfg.Quiet,
		Logger:  s.cfg.Logger,
		Hooks:   s.cfg.Hooks.Reader,
	}, asm)
	return s.reader.Start()
}

// Close stops the reader, then closes the consumer, so no entry is
// delivered to a closed consumer.
func (s *Source) Close() error {
	s.mu.Lock()
	reader, consumer := s.reader, s.consumer
	s.consumer = nil
	s.started = true
	s.mu.Unlock()

	if reader != nil {
		reader.Close()
	}
	if consumer != nil {
		return consumer.Close()
	}
	return nil
}

// Done is closed when the read loop exits; nil before Start.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	return s.reader.Done()
}

// Err returns the fatal failure of the read loop, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	return s.reader.Err()
}
