package rotate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/logcatd/internal/logtypes"
)

func entry(i int, sev logtypes.Severity) logtypes.LogEntry {
	return logtypes.LogEntry{
		Timestamp: time.Date(2024, 6, 1, 10, 0, i%60, 0, time.UTC),
		PID:       int64(1000 + i%2),
		TID:       int64(2000 + i),
		Severity:  sev,
		Tag:       "Rotate",
		Text:      fmt.Sprintf("entry number %d with some padding", i),
	}
}

func TestWriteEntryBelowMaxFile(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir, MaxFile: 4096})
	if err != nil {
		t.Fatal(err)
	}
	want := entry(1, logtypes.Warning)
	if err := r.WriteEntry(want); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	files := dataFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("data files = %v, want 1", files)
	}
	got := readEntries(t, filepath.Join(dir, files[0]))
	if len(got) != 1 || got[0].Text != want.Text || got[0].Severity != want.Severity {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRotationTriggered(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir, MaxFile: 300})
	if err != nil {
		t.Fatal(err)
	}
	var reasons []string
	r.SetOnRotate(func(reason string) { reasons = append(reasons, reason) })

	for i := 0; i < 20; i++ {
		if err := r.WriteEntry(entry(i, logtypes.Info)); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	files := dataFiles(t, dir)
	if len(files) < 2 {
		t.Errorf("expected at least 2 data files, got %d", len(files))
	}
	if len(reasons) == 0 || reasons[0] != "size" {
		t.Errorf("rotate reasons = %v", reasons)
	}

	var total int64
	for _, e := range mustIndex(t, dir) {
		total += e.Entries
	}
	if total != 20 {
		t.Errorf("indexed entries = %d, want 20", total)
	}
}

func TestCompression(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir, MaxFile: 200, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := r.WriteEntry(entry(i, logtypes.Error)); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	var decoded int
	for _, name := range dataFiles(t, dir) {
		if !strings.HasSuffix(name, zstdSuffix) {
			t.Errorf("%s left uncompressed", name)
			continue
		}
		decoded += len(readEntries(t, filepath.Join(dir, name)))
	}
	if decoded != 10 {
		t.Errorf("decoded %d entries, want 10", decoded)
	}
	for _, e := range mustIndex(t, dir) {
		if !strings.HasSuffix(e.File, zstdSuffix) {
			t.Errorf("index entry %s should end with %s", e.File, zstdSuffix)
		}
	}
}

func TestIndexEntryMetadata(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir, MaxFile: 4096})
	if err != nil {
		t.Fatal(err)
	}
	for i, sev := range []logtypes.Severity{logtypes.Info, logtypes.Info, logtypes.Error} {
		if err := r.WriteEntry(entry(i, sev)); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	entries := mustIndex(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 index entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Entries != 3 || e.Bytes == 0 {
		t.Errorf("entries = %d, bytes = %d", e.Entries, e.Bytes)
	}
	if e.Severities["info"] != 2 || e.Severities["error"] != 1 {
		t.Errorf("severities = %v", e.Severities)
	}
	if e.PIDs["1000"] != 2 || e.PIDs["1001"] != 1 {
		t.Errorf("pids = %v", e.PIDs)
	}
	if !e.From.Equal(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)) || !e.To.Equal(time.Date(2024, 6, 1, 10, 0, 2, 0, time.UTC)) {
		t.Errorf("range = %v .. %v", e.From, e.To)
	}
}

func TestDiskCap(t *testing.T) {
	dir := t.TempDir()
	maxFile := int64(300)
	maxDisk := 3 * maxFile

	r, err := New(Config{Dir: dir, MaxFile: maxFile, MaxDisk: maxDisk})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 60; i++ {
		if err := r.WriteEntry(entry(i, logtypes.Debug)); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	if usage := totalDiskUsage(t, dir); usage > maxDisk+2*maxFile {
		t.Errorf("disk usage %d exceeds max %d by too much", usage, maxDisk)
	}
	for _, e := range mustIndex(t, dir) {
		if _, err := os.Stat(filepath.Join(dir, e.File)); os.IsNotExist(err) {
			t.Errorf("index references deleted file: %s", e.File)
		}
	}
}

func TestBootstrapCountsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		name := filepath.Join(dir, fmt.Sprintf("pre-%d.jsonl", i))
		if err := os.WriteFile(name, make([]byte, 500), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	r, err := New(Config{Dir: dir, MaxFile: 4096})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	if r.DiskUsage() < 1500 {
		t.Errorf("expected DiskUsage >= 1500, got %d", r.DiskUsage())
	}
}

func TestCloseRemovesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if files := dataFiles(t, dir); len(files) != 0 {
		t.Errorf("empty rotator left %v", files)
	}
	if err := r.WriteEntry(entry(0, logtypes.Info)); err != os.ErrClosed {
		t.Errorf("write after close = %v, want os.ErrClosed", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close = %v", err)
	}
}

func TestNewRejectsEmptyDir(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir, MaxFile: 1024, Compress: true})
	if err != nil {
		t.Fatal(err)
	}

	const writers, each = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if err := r.WriteEntry(entry(w*each+i, logtypes.Info)); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	var n int
	for _, name := range dataFiles(t, dir) {
		n += len(readEntries(t, filepath.Join(dir, name)))
	}
	if n != writers*each {
		t.Errorf("read back %d entries, want %d", n, writers*each)
	}
}

// helpers

func dataFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, filePrefix) {
			out = append(out, name)
		}
	}
	return out
}

func readEntries(t *testing.T, path string) []logtypes.LogEntry {
	t.Helper()
	rc, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rc.Close() }()

	var out []logtypes.LogEntry
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		var e logtypes.LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line in %s: %v", path, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	return out
}

func mustIndex(t *testing.T, dir string) []IndexEntry {
	t.Helper()
	entries, err := ReadIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func totalDiskUsage(t *testing.T, dir string) int64 {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}
