package sink

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ppiankov/logcatd/internal/diag"
	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/retry"
)

// DefaultPublishTimeout bounds connecting and flushing, and is the backoff
// after a failed publish.
const DefaultPublishTimeout = 10 * time.Second

// Message headers set on every published entry.
const (
	HeaderSource   = "Logcat-Source"
	HeaderInstance = "Logcat-Instance"
	HeaderSeverity = "Logcat-Severity"
	HeaderTag      = "Logcat-Tag"
	HeaderPID      = "Logcat-Pid"
)

// natsConn is the part of *nats.Conn the publisher needs.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

type natsDialer func(url string, opts ...nats.Option) (natsConn, error)

func dialNATS(url string, opts ...nats.Option) (natsConn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return nc, nil
}

// NATSConfig configures a NATS publisher.
type NATSConfig struct {
	URL     string
	Subject string
	Timeout time.Duration // zero means DefaultPublishTimeout
	Format  Format        // json or text
	Meta    Meta
}

// NATS publishes each entry as one message. The connection is made on the
// first publish; a failed publish drops it and asks for a retry after
// Timeout, when a fresh connection is made.
type NATS struct {
	cfg  NATSConfig
	dial natsDialer
	log  diag.Logger

	mu     sync.Mutex
	conn   natsConn
	closed bool
}

// NewNATS validates cfg and returns an unconnected publisher.
func NewNATS(cfg NATSConfig, log diag.Logger) (*NATS, error) {
	return newNATS(cfg, log, dialNATS)
}

func newNATS(cfg NATSConfig, log diag.Logger, dial natsDialer) (*NATS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats: empty url")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats: empty subject")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPublishTimeout
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatJSON
	case FormatJSON, FormatText:
	default:
		return nil, fmt.Errorf("nats: unsupported format %q", cfg.Format)
	}
	if log == nil {
		log = diag.Nop()
	}
	return &NATS{cfg: cfg, dial: dial, log: log}, nil
}

// Consume publishes e. It returns ErrPublisherClosed after Close.
func (n *NATS) Consume(e logtypes.LogEntry) error {
	msg, err := n.message(e)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrPublisherClosed
	}
	if n.conn == nil {
		conn, err := n.dial(n.cfg.URL,
			nats.Name("logcatd"),
			nats.Timeout(n.cfg.Timeout),
			nats.NoReconnect(),
		)
		if err != nil {
			return retry.After(n.cfg.Timeout, fmt.Errorf("connect nats: %w", err))
		}
		n.conn = conn
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		n.dropConn()
		return retry.After(n.cfg.Timeout, fmt.Errorf("publish to %s: %w", n.cfg.Subject, err))
	}
	return nil
}

func (n *NATS) message(e logtypes.LogEntry) (*nats.Msg, error) {
	var data []byte
	if n.cfg.Format == FormatText {
		data = []byte(logtypes.Text(e))
	} else {
		var err error
		if data, err = json.Marshal(e); err != nil {
			return nil, fmt.Errorf("marshal entry: %w", err)
		}
	}
	msg := nats.NewMsg(n.cfg.Subject)
	msg.Data = data
	if n.cfg.Meta.Source != "" {
		msg.Header.Set(HeaderSource, n.cfg.Meta.Source)
	}
	if n.cfg.Meta.Instance != "" {
		msg.Header.Set(HeaderInstance, n.cfg.Meta.Instance)
	}
	msg.Header.Set(HeaderSeverity, e.Severity.String())
	msg.Header.Set(HeaderTag, e.Tag)
	msg.Header.Set(HeaderPID, strconv.FormatInt(e.PID, 10))
	return msg, nil
}

func (n *NATS) dropConn() {
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

// Close flushes pending messages and closes the connection. Further
// publishes fail with ErrPublisherClosed.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if n.conn == nil {
		return nil
	}
	err := n.conn.FlushTimeout(n.cfg.Timeout)
	if err != nil {
		n.log.Error("failed to flush nats connection", err)
	}
	n.dropConn()
	if err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}
