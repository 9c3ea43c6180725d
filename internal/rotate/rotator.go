// Package rotate writes log entries as JSONL into size-capped files,
// compressing closed files with zstd and pruning the oldest to stay under a
// disk budget.
package rotate

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ppiankov/logcatd/internal/logtypes"
)

const (
	indexName   = "index.jsonl"
	filePrefix  = "logcat-"
	dataSuffix  = ".jsonl"
	zstdSuffix  = ".jsonl.zst"
	defaultFile = 64 << 20
)

// Config controls rotation behavior.
type Config struct {
	Dir      string // output directory
	MaxFile  int64  // max bytes per file before rotation; zero means 64MB
	MaxDisk  int64  // max total bytes on disk; zero disables the cap
	Compress bool   // zstd compress rotated files
}

// IndexEntry records what one closed file holds.
type IndexEntry struct {
	File       string           `json:"file"`
	From       time.Time        `json:"from"`
	To         time.Time        `json:"to"`
	Entries    int64            `json:"entries"`
	Bytes      int64            `json:"bytes"`
	Severities map[string]int64 `json:"severities,omitempty"`
	PIDs       map[string]int64 `json:"pids,omitempty"`
}

// Rotator owns the active file. It is safe for concurrent use.
type Rotator struct {
	cfg Config

	mu         sync.Mutex
	active     *os.File
	activeSize int64
	activeName string
	diskUsage  int64
	seq        int
	lastSecond string
	current    IndexEntry

	onRotate func(reason string)
	onError  func()
}

// New creates a Rotator, counting files already in Dir against the disk cap.
func New(cfg Config) (*Rotator, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("rotate: empty dir")
	}
	if cfg.MaxFile <= 0 {
		cfg.MaxFile = defaultFile
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	r := &Rotator{cfg: cfg}
	usage, err := r.scanUsage()
	if err != nil {
		return nil, fmt.Errorf("scan dir: %w", err)
	}
	r.diskUsage = usage
	if err := r.openNew(); err != nil {
		return nil, fmt.Errorf("open initial file: %w", err)
	}
	return r, nil
}

// SetOnRotate sets a callback invoked on each successful rotation with the reason.
func (r *Rotator) SetOnRotate(fn func(reason string)) { r.onRotate = fn }

// SetOnError sets a callback invoked on each rotation error.
func (r *Rotator) SetOnError(fn func()) { r.onError = fn }

// WriteEntry appends e as one JSON line and records it in the index.
func (r *Rotator) WriteEntry(e logtypes.LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return os.ErrClosed
	}
	if _, err := r.writeLocked(data); err != nil {
		return err
	}
	r.track(e)
	return nil
}

// Write appends raw bytes to the active file, rotating first when they
// would push it over MaxFile.
func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return 0, os.ErrClosed
	}
	return r.writeLocked(p)
}

func (r *Rotator) writeLocked(p []byte) (int, error) {
	if r.activeSize > 0 && r.activeSize+int64(len(p)) > r.cfg.MaxFile {
		if err := r.rotate(); err != nil {
			if r.onError != nil {
				r.onError()
			}
			return 0, fmt.Errorf("rotate: %w", err)
		}
		if r.onRotate != nil {
			r.onRotate("size")
		}
	}
	n, err := r.active.Write(p)
	r.activeSize += int64(n)
	r.diskUsage += int64(n)
	return n, err
}

func (r *Rotator) track(e logtypes.LogEntry) {
	c := &r.current
	c.Entries++
	if c.From.IsZero() || e.Timestamp.Before(c.From) {
		c.From = e.Timestamp
	}
	if e.Timestamp.After(c.To) {
		c.To = e.Timestamp
	}
	if c.Severities == nil {
		c.Severities = make(map[string]int64)
		c.PIDs = make(map[string]int64)
	}
	c.Severities[e.Severity.String()]++
	c.PIDs[strconv.FormatInt(e.PID, 10)]++
}

// DiskUsage returns current total bytes on disk.
func (r *Rotator) DiskUsage() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diskUsage
}

// ActiveFile returns the name of the file being written.
func (r *Rotator) ActiveFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeName
}

// Close closes the active file, compressing and indexing it when it holds
// data. An empty active file is removed.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return nil
	}
	err := r.seal()
	r.active = nil
	return err
}

func (r *Rotator) scanUsage() (int64, error) {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total, nil
}

func (r *Rotator) openNew() error {
	name := r.nextFilename()
	f, err := os.Create(filepath.Join(r.cfg.Dir, name))
	if err != nil {
		return err
	}
	r.active = f
	r.activeName = name
	r.activeSize = 0
	r.current = IndexEntry{}
	return nil
}

func (r *Rotator) nextFilename() string {
	sec := time.Now().UTC().Format("2006-01-02T150405")
	if sec == r.lastSecond {
		r.seq++
	} else {
		r.lastSecond = sec
		r.seq = 0
	}
	return fmt.Sprintf("%s%s-%03d%s", filePrefix, sec, r.seq, dataSuffix)
}

// seal closes the active file and indexes it.
func (r *Rotator) seal() error {
	if err := r.active.Close(); err != nil {
		return err
	}
	path := filepath.Join(r.cfg.Dir, r.activeName)
	if r.activeSize == 0 {
		r.diskUsage -= r.activeSize
		return os.Remove(path)
	}

	entry := r.current
	entry.File = r.activeName
	entry.Bytes = r.activeSize

	if r.cfg.Compress {
		dst, size, err := compressFile(path)
		if err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		r.diskUsage += size - r.activeSize
		entry.File = filepath.Base(dst)
	}
	return r.appendIndex(entry)
}

func (r *Rotator) rotate() error {
	if err := r.seal(); err != nil {
		return err
	}
	if err := r.enforceDiskCap(); err != nil {
		return fmt.Errorf("enforce disk cap: %w", err)
	}
	return r.openNew()
}

// compressFile streams path into path.zst and removes the original.
func compressFile(path string) (string, int64, error) {
	dst := strings.TrimSuffix(path, dataSuffix) + zstdSuffix

	src, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = src.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return "", 0, err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return "", 0, err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return "", 0, err
	}
	if err := out.Close(); err != nil {
		return "", 0, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return "", 0, err
	}
	if err := os.Remove(path); err != nil {
		return "", 0, err
	}
	return dst, info.Size(), nil
}

func (r *Rotator) appendIndex(entry IndexEntry) error {
	f, err := os.OpenFile(filepath.Join(r.cfg.Dir, indexName),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	n, err := fmt.Fprintf(f, "%s\n", data)
	r.diskUsage += int64(n)
	return err
}

func (r *Rotator) enforceDiskCap() error {
	if r.cfg.MaxDisk <= 0 {
		return nil
	}
	usage, err := r.scanUsage()
	if err != nil {
		return err
	}
	r.diskUsage = usage
	if usage <= r.cfg.MaxDisk {
		return nil
	}

	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return err
	}
	// names embed the UTC second, so lexical order is age order
	var data []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, filePrefix) && (strings.HasSuffix(name, dataSuffix) || strings.HasSuffix(name, zstdSuffix)) {
			data = append(data, name)
		}
	}
	sort.Strings(data)

	deleted := make(map[string]bool)
	for _, name := range data {
		if r.diskUsage <= r.cfg.MaxDisk {
			break
		}
		path := filepath.Join(r.cfg.Dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			continue
		}
		r.diskUsage -= info.Size()
		deleted[name] = true
	}
	if len(deleted) == 0 {
		return nil
	}
	return r.pruneIndex(deleted)
}

func (r *Rotator) pruneIndex(deleted map[string]bool) error {
	path := filepath.Join(r.cfg.Dir, indexName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var out []byte
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry IndexEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if !deleted[entry.File] {
			out = append(out, line...)
			out = append(out, '\n')
		}
	}
	r.diskUsage -= int64(len(data) - len(out))
	return os.WriteFile(path, out, 0o644)
}

// ReadIndex returns the index entries in Dir, oldest first.
func ReadIndex(dir string) ([]IndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []IndexEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var e IndexEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("index line: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// OpenFile opens a data file written by the Rotator, decompressing .zst
// files transparently.
func OpenFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &zstdFile{dec: dec, f: f}, nil
}

type zstdFile struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdFile) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdFile) Close() error {
	z.dec.Close()
	return z.f.Close()
}
