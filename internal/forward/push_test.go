package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ppiankov/logcatd/internal/retry"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func statusClient(code int, calls *int) *http.Client {
	return &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if calls != nil {
				*calls++
			}
			return &http.Response{
				StatusCode: code,
				Body:       io.NopCloser(bytes.NewReader(nil)),
				Header:     make(http.Header),
			}, nil
		}),
	}
}

func oneLine() []TimestampedLine {
	return []TimestampedLine{{Timestamp: time.Now(), Line: "test"}}
}

func TestPush_Success(t *testing.T) {
	var received lokiPushRequest
	var decodeErr error
	var gotMethod, gotPath, gotType string
	client := &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotType = r.Header.Get("Content-Type")
			decodeErr = json.NewDecoder(r.Body).Decode(&received)
			return &http.Response{
				StatusCode: http.StatusNoContent,
				Body:       io.NopCloser(bytes.NewReader(nil)),
				Header:     make(http.Header),
			}, nil
		}),
	}

	p := NewPusherWithClient("loki:3100", client)

	labels := map[string]string{"level": "error", "tag": "ActivityManager"}
	lines := []TimestampedLine{
		{Timestamp: time.Unix(0, 1000000000), Line: "hello world"},
		{Timestamp: time.Unix(0, 2000000000), Line: "second line"},
	}

	if err := p.Push(context.Background(), labels, lines); err != nil {
		t.Fatal(err)
	}
	if decodeErr != nil {
		t.Fatalf("decode: %v", decodeErr)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if !strings.HasSuffix(gotPath, pushPath) {
		t.Errorf("path = %s, want %s", gotPath, pushPath)
	}
	if gotType != "application/json" {
		t.Errorf("content-type = %q", gotType)
	}
	if len(received.Streams) != 1 || len(received.Streams[0].Values) != 2 {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if received.Streams[0].Values[0][0] != "1000000000" {
		t.Errorf("ts = %q, want 1000000000", received.Streams[0].Values[0][0])
	}
	if received.Streams[0].Values[0][1] != "hello world" {
		t.Errorf("line = %q, want %q", received.Streams[0].Values[0][1], "hello world")
	}
	if received.Streams[0].Stream["tag"] != "ActivityManager" {
		t.Errorf("label tag = %q", received.Streams[0].Stream["tag"])
	}
}

func TestPush_Gzip(t *testing.T) {
	var encoding string
	var received lokiPushRequest
	client := &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			encoding = r.Header.Get("Content-Encoding")
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				return nil, err
			}
			if err := json.NewDecoder(zr).Decode(&received); err != nil {
				return nil, err
			}
			return &http.Response{
				StatusCode: http.StatusNoContent,
				Body:       io.NopCloser(bytes.NewReader(nil)),
				Header:     make(http.Header),
			}, nil
		}),
	}
	p := NewPusherWithClient("loki:3100", client)
	p.SetCompress(true)

	if err := p.Push(context.Background(), map[string]string{"level": "info"}, oneLine()); err != nil {
		t.Fatal(err)
	}
	if encoding != "gzip" {
		t.Errorf("encoding = %q, want gzip", encoding)
	}
	if len(received.Streams) != 1 || received.Streams[0].Values[0][1] != "test" {
		t.Errorf("unexpected payload: %+v", received)
	}
}

func TestPush_StatusClassification(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
		client    bool
	}{
		{http.StatusInternalServerError, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusTooManyRequests, true, true},
		{http.StatusBadRequest, false, true},
		{http.StatusUnauthorized, false, true},
	}
	for _, tt := range tests {
		calls := 0
		p := NewPusherWithClient("loki:3100", statusClient(tt.code, &calls))
		p.SetBackoff(3 * time.Second)

		err := p.Push(context.Background(), map[string]string{"level": "info"}, oneLine())
		if err == nil {
			t.Fatalf("HTTP %d: expected error", tt.code)
		}
		if calls != 1 {
			t.Errorf("HTTP %d: calls = %d, want a single attempt", tt.code, calls)
		}
		out := retry.Classify(err)
		if got := out.Kind == retry.Retry; got != tt.retryable {
			t.Errorf("HTTP %d: retryable = %v, want %v", tt.code, got, tt.retryable)
		}
		if tt.retryable && out.Backoff != 3*time.Second {
			t.Errorf("HTTP %d: backoff = %v, want 3s", tt.code, out.Backoff)
		}
		if got := IsClientError(err); got != tt.client {
			t.Errorf("HTTP %d: IsClientError = %v, want %v", tt.code, got, tt.client)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Code != tt.code {
			t.Errorf("HTTP %d: status error = %v", tt.code, err)
		}
	}
}

func TestPush_BufferLimit(t *testing.T) {
	p := NewPusher("localhost:9999")

	bigLine := strings.Repeat("x", maxBufferBytes+1)
	err := p.Push(context.Background(), map[string]string{}, []TimestampedLine{{Timestamp: time.Now(), Line: bigLine}})
	if !errors.Is(err, ErrBufferExceeded) {
		t.Errorf("err = %v, want ErrBufferExceeded", err)
	}
	if retry.IsRetryable(err) {
		t.Error("buffer overflow must not be retryable")
	}
}

func TestPush_EmptyLines(t *testing.T) {
	p := NewPusher("localhost:9999")
	if err := p.Push(context.Background(), map[string]string{}, nil); err != nil {
		t.Errorf("expected nil for empty lines, got %v", err)
	}
}

func TestPush_ConnectionError(t *testing.T) {
	client := &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}),
	}
	p := NewPusherWithClient("loki:3100", client)

	err := p.Push(context.Background(), map[string]string{"level": "info"}, oneLine())
	if err == nil {
		t.Fatal("expected error for refused connection")
	}
	out := retry.Classify(err)
	if out.Kind != retry.Retry || out.Backoff != defaultBackoff {
		t.Errorf("outcome = %+v, want retry after %v", out, defaultBackoff)
	}
}

func TestPush_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPusher("localhost:9999")
	err := p.Push(ctx, map[string]string{"level": "info"}, oneLine())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if retry.IsRetryable(err) {
		t.Error("cancelled push must not be retryable")
	}
}

func TestBuildPushURL(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"loki:3100", "http://loki:3100/loki/api/v1/push"},
		{"http://loki:3100", "http://loki:3100/loki/api/v1/push"},
		{"https://loki:3100", "https://loki:3100/loki/api/v1/push"},
		{"https://loki:3100/", "https://loki:3100/loki/api/v1/push"},
	}
	for _, tt := range tests {
		if got := buildPushURL(tt.target); got != tt.want {
			t.Errorf("buildPushURL(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		target, path, want string
	}{
		{"loki:3100", "/ready", "http://loki:3100/ready"},
		{"https://loki:3100", "/ready", "https://loki:3100/ready"},
	}
	for _, tt := range tests {
		if got := TargetURL(tt.target, tt.path); got != tt.want {
			t.Errorf("TargetURL(%q, %q) = %q, want %q", tt.target, tt.path, got, tt.want)
		}
	}
}

func TestNewTLSPusher(t *testing.T) {
	p := NewTLSPusher("https://loki:3100", true)
	if p.target != "https://loki:3100" {
		t.Errorf("target = %q, want %q", p.target, "https://loki:3100")
	}
}
