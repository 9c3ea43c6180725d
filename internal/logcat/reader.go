package logcat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/ppiankov/logcatd/internal/diag"
	"github.com/ppiankov/logcatd/internal/retry"
)

const (
	// DefaultQuietInterval is how long the stream must stay silent before
	// a flush signal is emitted.
	DefaultQuietInterval = 500 * time.Millisecond

	// longer physical lines are cut, not fatal
	maxLineBytes = 1 << 20
)

var (
	ErrAlreadyStarted = errors.New("reader already started")
	ErrCloseRequested = errors.New("reader close already requested")
)

// Output receives the reader's events on the reader goroutine.
type Output interface {
	WriteLine(line string) error
	Flush() error
}

// State is the reader lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateCloseRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCloseRequested:
		return "close_requested"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Hooks are optional callbacks for metrics. They run on the reader goroutine.
type Hooks struct {
	OnLine    func()
	OnFlush   func()
	OnRetry   func(backoff time.Duration)
	OnDrop    func()
	OnRunning func(running bool)
}

type eventKind int

const (
	lineEvent eventKind = iota
	flushEvent
)

type event struct {
	kind eventKind
	text string
}

// Reader owns a log producer process and turns its stdout into line and
// flush events for a single Output.
type Reader struct {
	argv    []string
	spawner Spawner
	out     Output
	log     diag.Logger
	quiet   time.Duration
	hooks   Hooks

	mu    sync.Mutex
	state State
	proc  Process
	stop  chan struct{}
	done  chan struct{}
	err   error
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Argv    []string
	Spawner Spawner       // nil means ExecSpawner{}
	Quiet   time.Duration // zero means DefaultQuietInterval
	Logger  diag.Logger
	Hooks   Hooks
}

// NewReader creates a Reader delivering events to out.
func NewReader(cfg ReaderConfig, out Output) *Reader {
	if out == nil {
		panic("logcat: nil output")
	}
	if cfg.Spawner == nil {
		cfg.Spawner = ExecSpawner{}
	}
	if cfg.Quiet <= 0 {
		cfg.Quiet = DefaultQuietInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = diag.Nop()
	}
	return &Reader{
		argv:    cfg.Argv,
		spawner: cfg.Spawner,
		out:     out,
		log:     cfg.Logger,
		quiet:   cfg.Quiet,
		hooks:   cfg.Hooks,
	}
}

// Start spawns the process and the read loop. It fails when called twice,
// after Close, or when the process cannot be spawned.
func (r *Reader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateCloseRequested, StateStopped:
		return ErrCloseRequested
	}

	proc, err := r.spawner.Spawn(r.argv)
	if err != nil {
		return fmt.Errorf("spawn log process: %w", err)
	}
	r.proc = proc
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.state = StateRunning
	go r.run(proc, r.stop, r.done)
	return nil
}

// Close terminates the process and blocks until the read loop has exited.
// It is safe to call more than once and before Start; a Start after Close
// fails.
func (r *Reader) Close() {
	r.mu.Lock()
	switch r.state {
	case StateNotStarted:
		r.state = StateCloseRequested
		r.mu.Unlock()
		return
	case StateRunning:
		r.state = StateCloseRequested
		close(r.stop)
	}
	proc, done := r.proc, r.done
	r.mu.Unlock()

	if proc != nil {
		_ = proc.Terminate()
	}
	if done != nil {
		<-done
	}

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
}

// State returns the current lifecycle state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed when the read loop exits. Nil before Start.
func (r *Reader) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the fatal failure that ended the read loop, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) closeRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != StateRunning
}

func (r *Reader) fail(err error) {
	r.log.Error("logcat reading failed", err)
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Reader) run(proc Process, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Pin the loop so the tid self-filter sees a stable thread id.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if r.hooks.OnRunning != nil {
		r.hooks.OnRunning(true)
		defer r.hooks.OnRunning(false)
	}
	defer func() {
		if r.Err() != nil {
			_ = proc.Terminate()
		}
		if err := proc.Wait(); err != nil && !r.closeRequested() {
			r.log.Warn("log process exited", "error", err)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			r.fail(fmt.Errorf("read loop panic: %v", p))
		}
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go scan(proc.Stdout(), lines, scanErr, stop)

	r.log.Info("logcat reading started", "argv", r.argv)

	var (
		pending *event
		eof     bool
	)
	for !r.closeRequested() {
		if pending != nil {
			out := retry.Classify(r.dispatch(*pending))
			switch out.Kind {
			case retry.Done:
				pending = nil
			case retry.Retry:
				r.log.Error("output failed, will retry", out.Err, "backoff", out.Backoff)
				if r.hooks.OnRetry != nil {
					r.hooks.OnRetry(out.Backoff)
				}
				// Close cuts the backoff short; the pending action is then dropped
				sleep(out.Backoff, stop)
			case retry.Drop:
				r.log.Error("output failed, dropping", out.Err)
				if r.hooks.OnDrop != nil {
					r.hooks.OnDrop()
				}
				pending = nil
			}
			continue
		}
		if eof {
			break
		}

		ev, ok, err := r.next(lines, scanErr, stop)
		if err != nil {
			r.fail(err)
			return
		}
		if !ok {
			// the stream ended: flush what the assembler still holds, then exit
			eof = true
			pending = &event{kind: flushEvent}
			continue
		}
		switch {
		case ev.kind == lineEvent && r.hooks.OnLine != nil:
			r.hooks.OnLine()
		case ev.kind == flushEvent && r.hooks.OnFlush != nil:
			r.hooks.OnFlush()
		}
		pending = &ev
	}

	r.log.Info("logcat reading finished")
}

func (r *Reader) dispatch(ev event) error {
	switch ev.kind {
	case lineEvent:
		return r.out.WriteLine(ev.text)
	case flushEvent:
		return r.out.Flush()
	}
	return nil
}

// next waits for the next line. When nothing arrives within the quiet
// interval it returns a flush event. ok is false at end of stream or when
// stop closes; err is set when the stream itself failed.
func (r *Reader) next(lines <-chan string, scanErr <-chan error, stop <-chan struct{}) (event, bool, error) {
	select {
	case line, open := <-lines:
		return r.lineOrEnd(line, open, scanErr)
	default:
	}

	timer := time.NewTimer(r.quiet)
	defer timer.Stop()
	select {
	case line, open := <-lines:
		return r.lineOrEnd(line, open, scanErr)
	case <-timer.C:
		return event{kind: flushEvent}, true, nil
	case <-stop:
		return event{}, false, nil
	}
}

func (r *Reader) lineOrEnd(line string, open bool, scanErr <-chan error) (event, bool, error) {
	if open {
		return event{kind: lineEvent, text: line}, true, nil
	}
	select {
	case err := <-scanErr:
		if err != nil && !r.closeRequested() {
			return event{}, false, fmt.Errorf("read log stream: %w", err)
		}
	default:
	}
	return event{}, false, nil
}

func scan(src io.Reader, lines chan<- string, scanErr chan<- error, stop <-chan struct{}) {
	defer close(lines)
	br := bufio.NewReaderSize(src, 64*1024)
	for {
		line, err := readLine(br)
		if line != nil {
			select {
			case lines <- string(line):
			case <-stop:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			scanErr <- err
			return
		}
	}
}

// readLine returns the next line without its terminator, cut to
// maxLineBytes; the rest of an over-long line is discarded. A nil line
// with a non-nil error means the stream ended.
func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			return line, err
		}
		if room := maxLineBytes - len(line); room > 0 {
			line = append(line, chunk[:min(len(chunk), room)]...)
		}
		if !more {
			if line == nil {
				line = []byte{} // empty line
			}
			return line, nil
		}
	}
}

// sleep waits for d or until stop closes.
func sleep(d time.Duration, stop <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}
