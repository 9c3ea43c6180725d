package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ppiankov/logcatd/internal/broadcast"
	"github.com/ppiankov/logcatd/internal/buffers"
	"github.com/ppiankov/logcatd/internal/cli"
	"github.com/ppiankov/logcatd/internal/diag"
	"github.com/ppiankov/logcatd/internal/forward"
	"github.com/ppiankov/logcatd/internal/logcat"
	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/metrics"
	"github.com/ppiankov/logcatd/internal/pipeline"
	"github.com/ppiankov/logcatd/internal/redact"
	"github.com/ppiankov/logcatd/internal/rotate"
	"github.com/ppiankov/logcatd/internal/sink"
)

const shutdownTimeout = 5 * time.Second

type runOpts struct {
	command     []string
	filter      string
	backlog     int
	selfFilter  string
	minSeverity string
	maxLines    int
	quiet       time.Duration

	source   string
	instance string

	redact         string
	redactPatterns string

	console       bool
	consoleFormat string
	color         bool

	dir      string
	maxFile  string
	maxDisk  string
	compress bool

	natsURL     string
	natsSubject string
	natsTimeout time.Duration
	natsFormat  string

	loki         string
	lokiInsecure bool
	lokiCompress bool

	listen string
}

func newRunCmd() *cobra.Command {
	var o runOpts

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture logcat and deliver entries to the configured sinks",
		Long: "Spawn logcat in long format, assemble multi-line records into entries, " +
			"and deliver them to the console, rotating files, NATS, Loki and websocket subscribers.",
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			applyConfigDefaults(cmd)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := newLogger()
			c, err := buildCapture(o, captureEnv{
				stdout:  cmd.OutOrStdout(),
				spawner: logcat.ExecSpawner{Stderr: os.Stderr},
				log:     log,
			})
			if err != nil {
				return err
			}
			return c.run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&o.command, "command", []string{"logcat"}, "logcat command prefix, e.g. adb,logcat")
	f.StringVar(&o.filter, "filter", "", "logcat filter spec (default *:<min-severity letter>)")
	f.IntVar(&o.backlog, "backlog", 0, "recent lines to replay at start (-T); negative dumps the whole buffer")
	f.StringVar(&o.selfFilter, "self-filter", string(pipeline.SelfFilterPID), "drop own entries by pid, tid, or none")
	f.StringVar(&o.minSeverity, "min-severity", "info", "minimum severity to deliver")
	f.IntVar(&o.maxLines, "max-lines", logcat.DefaultMaxLines, "maximum lines per record, header included")
	f.DurationVar(&o.quiet, "quiet", logcat.DefaultQuietInterval, "silence before a pending record is flushed")

	f.StringVar(&o.source, "source", "", "source name attached to published entries")
	f.StringVar(&o.instance, "instance", "", "instance id attached to published entries (default random)")

	f.StringVar(&o.redact, "redact", "", "mask personal data in entry text: true for all patterns, or a comma-separated list")
	f.StringVar(&o.redactPatterns, "redact-patterns", "", "yaml file with extra redaction patterns")

	f.BoolVar(&o.console, "console", true, "write entries to stdout")
	f.StringVar(&o.consoleFormat, "console-format", string(sink.FormatText), "console format: text, json or compact")
	f.BoolVar(&o.color, "color", true, "colour console output by severity")

	f.StringVar(&o.dir, "dir", "", "write rotating JSONL files to this directory")
	f.StringVar(&o.maxFile, "max-file", "64MB", "rotate files at this size")
	f.StringVar(&o.maxDisk, "max-disk", "1GB", "delete oldest files above this total size")
	f.BoolVar(&o.compress, "compress", true, "zstd-compress rotated files")

	f.StringVar(&o.natsURL, "nats-url", "", "publish entries to this NATS server")
	f.StringVar(&o.natsSubject, "nats-subject", "logcat", "NATS subject")
	f.DurationVar(&o.natsTimeout, "nats-timeout", sink.DefaultPublishTimeout, "NATS connect timeout and retry backoff")
	f.StringVar(&o.natsFormat, "nats-format", string(sink.FormatJSON), "NATS payload format: json or text")

	f.StringVar(&o.loki, "loki", "", "push entries to this Loki endpoint (host:port or URL)")
	f.BoolVar(&o.lokiInsecure, "loki-insecure", false, "skip TLS verification for an https Loki endpoint")
	f.BoolVar(&o.lokiCompress, "loki-compress", false, "gzip Loki push bodies")

	f.StringVar(&o.listen, "listen", "", "serve /metrics, /healthz, /readyz and /ws on this address")
	return cmd
}

// captureEnv holds the process-level collaborators of a capture.
type captureEnv struct {
	stdout  io.Writer
	spawner logcat.Spawner
	log     diag.Logger
}

// capture is a fully wired pipeline ready to run.
type capture struct {
	log      diag.Logger
	argv     []string
	meta     sink.Meta
	source   *logcat.Source
	consumer pipeline.Consumer
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	server   *metrics.Server
	running  *atomic.Bool
}

func buildCapture(o runOpts, env captureEnv) (*capture, error) {
	minSev, err := logtypes.ParseSeverity(o.minSeverity)
	if err != nil {
		return nil, cli.NewUsageError(fmt.Sprintf("invalid --min-severity: %v", err))
	}
	self, err := pipeline.ParseSelfFilter(o.selfFilter)
	if err != nil {
		return nil, cli.NewUsageError(fmt.Sprintf("invalid --self-filter: %v", err))
	}
	if o.maxLines < 2 {
		return nil, cli.NewUsageError("--max-lines must be at least 2")
	}
	if o.quiet <= 0 {
		return nil, cli.NewUsageError("--quiet must be positive")
	}
	filter := o.filter
	if filter == "" {
		filter = logcat.FilterForSeverity(minSev.Letter())
	}
	meta := sink.Meta{Source: o.source, Instance: o.instance}
	if meta.Instance == "" {
		meta.Instance = uuid.NewString()
	}
	log := env.log
	if log == nil {
		log = diag.Nop()
	}
	log = diag.With(log, "instance", meta.Instance)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	c := &capture{
		log:      log,
		argv:     logcat.Command(o.command, o.backlog, filter),
		meta:     meta,
		metrics:  m,
		registry: reg,
		running:  &atomic.Bool{},
	}

	redactor, err := buildRedactor(o, m)
	if err != nil {
		return nil, err
	}

	sinks, hub, err := buildSinks(o, env.stdout, meta, m, log)
	if err != nil {
		return nil, err
	}
	var consumer pipeline.Consumer = pipeline.Tee(sinks...)
	if redactor != nil {
		consumer = redact.Consumer(consumer, redactor)
		log.Info("redaction enabled", "patterns", strings.Join(redactor.Names(), ","))
	}
	c.consumer = pipeline.Guard(consumer)

	if o.listen != "" {
		srvCfg := metrics.ServerConfig{
			Addr:     o.listen,
			Gatherer: reg,
			Ready:    c.running.Load,
			Version:  version,
		}
		if hub != nil {
			srvCfg.Stream = hub
		}
		c.server = metrics.NewServer(srvCfg)
	}

	hooks := m.SourceHooks()
	onRunning := hooks.Reader.OnRunning
	hooks.Reader.OnRunning = func(running bool) {
		c.running.Store(running)
		onRunning(running)
	}
	c.source = logcat.NewSource(logcat.SourceConfig{
		Argv:        c.argv,
		SelfFilter:  self,
		MinSeverity: minSev,
		MaxLines:    o.maxLines,
		Quiet:       o.quiet,
		Spawner:     env.spawner,
		Logger:      log,
		Hooks:       hooks,
	})
	return c, nil
}

// buildRedactor returns nil when redaction is off.
func buildRedactor(o runOpts, m *metrics.Metrics) (*redact.Redactor, error) {
	enabled, names := redact.ParseFlag(o.redact)
	if !enabled && o.redactPatterns == "" {
		return nil, nil
	}
	// a patterns file alone enables the built-ins too
	r, err := redact.New(names)
	if err != nil {
		return nil, cli.NewUsageError(fmt.Sprintf("invalid --redact: %v", err))
	}
	if o.redactPatterns != "" {
		if err := r.LoadPatterns(o.redactPatterns); err != nil {
			return nil, cli.NewUsageError(fmt.Sprintf("invalid --redact-patterns: %v", err))
		}
	}
	r.SetOnRedact(m.Redaction)
	return r, nil
}

// buildSinks creates every enabled sink, each reporting failures to m.
// The hub is returned separately so it can be mounted on /ws.
func buildSinks(o runOpts, stdout io.Writer, meta sink.Meta, m *metrics.Metrics, log diag.Logger) ([]pipeline.Consumer, *broadcast.Hub, error) {
	var sinks []pipeline.Consumer
	fail := func(err error) ([]pipeline.Consumer, *broadcast.Hub, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, nil, err
	}
	add := func(name string, c pipeline.Consumer) {
		sinks = append(sinks, sink.Observe(name, c, m.SinkError))
	}

	if o.console {
		format, err := sink.ParseFormat(o.consoleFormat, sink.FormatText)
		if err != nil {
			return fail(cli.NewUsageError(fmt.Sprintf("invalid --console-format: %v", err)))
		}
		add("console", sink.NewConsole(stdout, format, o.color))
	}

	if o.dir != "" {
		maxFile, err := parseByteSize(o.maxFile)
		if err != nil {
			return fail(cli.NewUsageError(fmt.Sprintf("invalid --max-file: %v", err)))
		}
		maxDisk, err := parseByteSize(o.maxDisk)
		if err != nil {
			return fail(cli.NewUsageError(fmt.Sprintf("invalid --max-disk: %v", err)))
		}
		fs, err := sink.NewFile(rotate.Config{
			Dir:      o.dir,
			MaxFile:  maxFile,
			MaxDisk:  maxDisk,
			Compress: o.compress,
		})
		if err != nil {
			return fail(fmt.Errorf("init file sink: %w", err))
		}
		m.ObserveRotator(fs.Rotator())
		add("file", fs)
	}

	if o.natsURL != "" {
		format, err := sink.ParseFormat(o.natsFormat, sink.FormatJSON)
		if err != nil {
			return fail(cli.NewUsageError(fmt.Sprintf("invalid --nats-format: %v", err)))
		}
		ns, err := sink.NewNATS(sink.NATSConfig{
			URL:     o.natsURL,
			Subject: o.natsSubject,
			Timeout: o.natsTimeout,
			Format:  format,
			Meta:    meta,
		}, log)
		if err != nil {
			return fail(cli.NewUsageError(fmt.Sprintf("invalid nats sink: %v", err)))
		}
		add("nats", ns)
	}

	if o.loki != "" {
		var p *forward.Pusher
		if o.lokiInsecure {
			p = forward.NewTLSPusher(o.loki, true)
		} else {
			p = forward.NewPusher(o.loki)
		}
		p.SetCompress(o.lokiCompress)
		add("loki", sink.NewLoki(p, meta))
	}

	var hub *broadcast.Hub
	if o.listen != "" {
		hub = broadcast.NewHub(buffers.NewLogRing(0), broadcast.Config{
			Hooks:  m.HubHooks(),
			Logger: log,
		})
		add("broadcast", hub)
	}

	if len(sinks) == 0 {
		return fail(cli.NewUsageError("no sinks enabled: set --console, --dir, --nats-url, --loki or --listen"))
	}
	return sinks, hub, nil
}

// run starts the source and blocks until ctx is cancelled or the stream
// ends, then tears everything down.
func (c *capture) run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	if c.server != nil {
		go func() {
			if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	if err := c.source.Start(c.consumer); err != nil {
		_ = c.source.Close()
		c.shutdownServer()
		if errors.Is(err, exec.ErrNotFound) {
			return cli.Wrap(cli.ExitNotFound, "not_found", "start logcat", err)
		}
		return cli.Wrap(cli.ExitInternal, "internal", "start logcat", err)
	}
	c.log.Info("capture started", "argv", strings.Join(c.argv, " "), "source", c.meta.Source)

	var httpErr error
	select {
	case <-ctx.Done():
		c.log.Info("shutdown requested")
	case <-c.source.Done():
	case httpErr = <-serveErr:
		c.log.Error("http server failed", httpErr)
	}

	closeErr := c.source.Close()
	c.shutdownServer()

	if err := c.source.Err(); err != nil {
		return cli.StreamError(err)
	}
	if httpErr != nil {
		return cli.Wrap(cli.ExitNetwork, "network", "serve http", httpErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close sinks: %w", closeErr)
	}
	return nil
}

func (c *capture) shutdownServer() {
	if c.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = c.server.Shutdown(ctx)
}

var byteSizePattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(KB|MB|GB|TB|B)?$`)

func parseByteSize(s string) (int64, error) {
	m := byteSizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, err
	}
	unit := strings.ToUpper(m[2])
	switch unit {
	case "TB":
		val *= 1 << 40
	case "GB":
		val *= 1 << 30
	case "MB":
		val *= 1 << 20
	case "KB":
		val *= 1 << 10
	case "B", "":
		// bytes
	}
	return int64(val), nil
}
