// Package forward pushes log entries to a Loki-compatible endpoint.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ppiankov/logcatd/internal/retry"
)

const (
	maxBufferBytes = 1 << 20 // 1MB
	defaultBackoff = 2 * time.Second
	pushPath       = "/loki/api/v1/push"
)

// TimestampedLine is a single log line with its timestamp.
type TimestampedLine struct {
	Timestamp time.Time
	Line      string
}

// lokiPushRequest matches the Loki push API JSON format.
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// StatusError is a non-2xx push response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push failed: HTTP %d", e.Code)
}

// ErrBufferExceeded is returned when the serialized payload exceeds the buffer limit.
var ErrBufferExceeded = fmt.Errorf("payload exceeds %d byte buffer limit", maxBufferBytes)

// Pusher sends log lines to a Loki push endpoint. It makes one attempt per
// Push; retrying is left to the caller.
type Pusher struct {
	target   string
	client   *http.Client
	backoff  time.Duration
	compress bool
}

// NewPusher creates a Pusher targeting the given address.
// Targets prefixed with https:// use TLS; plain host:port defaults to http://.
func NewPusher(target string) *Pusher {
	return NewPusherWithClient(target, &http.Client{Timeout: 10 * time.Second})
}

// NewTLSPusher creates a Pusher with TLS support.
// Set skipVerify to true for self-signed certificates.
func NewTLSPusher(target string, skipVerify bool) *Pusher {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: skipVerify, //nolint:gosec // user-controlled flag for self-signed certs
			},
		},
	}
	return NewPusherWithClient(target, client)
}

// NewPusherWithClient creates a Pusher with a custom HTTP client (useful for tests).
func NewPusherWithClient(target string, client *http.Client) *Pusher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Pusher{target: target, client: client, backoff: defaultBackoff}
}

// SetBackoff sets the backoff carried by retryable failures.
func (p *Pusher) SetBackoff(d time.Duration) { p.backoff = d }

// SetCompress enables gzip request bodies.
func (p *Pusher) SetCompress(on bool) { p.compress = on }

// Push sends a batch of log lines with the given labels.
//
// Network failures and 5xx responses come back as retry.Error carrying the
// configured backoff. 4xx responses, ErrBufferExceeded and a cancelled
// context are final.
func (p *Pusher) Push(ctx context.Context, labels map[string]string, lines []TimestampedLine) error {
	if len(lines) == 0 {
		return nil
	}

	values := make([][]string, len(lines))
	for i, l := range lines {
		values[i] = []string{strconv.FormatInt(l.Timestamp.UnixNano(), 10), l.Line}
	}

	body, err := json.Marshal(lokiPushRequest{
		Streams: []lokiStream{{Stream: labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}
	if len(body) > maxBufferBytes {
		return ErrBufferExceeded
	}

	encoding := ""
	if p.compress {
		if body, err = gzipBytes(body); err != nil {
			return fmt.Errorf("compress push request: %w", err)
		}
		encoding = "gzip"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, buildPushURL(p.target), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.After(p.backoff, fmt.Errorf("push: %w", err))
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return retry.After(p.backoff, &StatusError{Code: resp.StatusCode})
	default:
		return &StatusError{Code: resp.StatusCode}
	}
}

// IsClientError reports whether err is a 4xx push response.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildPushURL constructs the push endpoint URL from a target address.
func buildPushURL(target string) string {
	return TargetURL(target, pushPath)
}

// TargetURL constructs a URL for the given target and path, respecting scheme prefixes.
// Plain host:port targets default to http://.
func TargetURL(target, path string) string {
	if strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "http://") {
		return strings.TrimRight(target, "/") + path
	}
	return "http://" + target + path
}
