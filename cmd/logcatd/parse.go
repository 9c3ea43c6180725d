package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/logcatd/internal/cli"
	"github.com/ppiankov/logcatd/internal/diag"
	"github.com/ppiankov/logcatd/internal/logcat"
	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/pipeline"
	"github.com/ppiankov/logcatd/internal/sink"
)

// longest physical line accepted from a dump
const maxScanLine = 1 << 20

type parseOpts struct {
	minSeverity string
	maxLines    int
	format      string
	now         string
}

type parseStats struct {
	lines    int
	entries  int
	failures int
	filtered int
}

func newParseCmd() *cobra.Command {
	var o parseOpts

	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse a saved logcat -v long dump into entries",
		Long: "Read a logcat dump captured with -v long from a file, or stdin when the file " +
			"is omitted or \"-\", and write one entry per record.",
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			applyConfigDefaults(cmd)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					if os.IsNotExist(err) {
						return cli.NewNotFoundError(fmt.Sprintf("dump file %s not found", args[0]))
					}
					return fmt.Errorf("open dump: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			log := newLogger()
			st, err := runParse(in, cmd.OutOrStdout(), o, log)
			if err != nil {
				return err
			}
			log.Info("dump parsed",
				"lines", st.lines,
				"entries", st.entries,
				"filtered", st.filtered,
				"parse_failures", st.failures,
			)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.minSeverity, "min-severity", "verbose", "minimum severity to write")
	f.IntVar(&o.maxLines, "max-lines", logcat.DefaultMaxLines, "maximum lines per record, header included")
	f.StringVar(&o.format, "format", string(sink.FormatJSON), "output format: json, text or compact")
	f.StringVar(&o.now, "now", "", "reference time (RFC 3339) for inferring the year of header dates")
	return cmd
}

// runParse assembles every record read from in and writes it to out.
func runParse(in io.Reader, out io.Writer, o parseOpts, log diag.Logger) (parseStats, error) {
	var st parseStats

	minSev, err := logtypes.ParseSeverity(o.minSeverity)
	if err != nil {
		return st, cli.NewUsageError(fmt.Sprintf("invalid --min-severity: %v", err))
	}
	format, err := sink.ParseFormat(o.format, sink.FormatJSON)
	if err != nil {
		return st, cli.NewUsageError(fmt.Sprintf("invalid --format: %v", err))
	}
	if o.maxLines < 2 {
		return st, cli.NewUsageError("--max-lines must be at least 2")
	}
	var parser logcat.Parser
	if o.now != "" {
		ref, err := time.Parse(time.RFC3339, o.now)
		if err != nil {
			return st, cli.NewUsageError(fmt.Sprintf("invalid --now: %v", err))
		}
		parser = logcat.Parser{Now: func() time.Time { return ref }, Location: ref.Location()}
	}

	ew := &errWriter{w: out}
	console := pipeline.FilteringWithHook(
		sink.NewConsole(ew, format, false),
		pipeline.MinSeverity(minSev),
		func() { st.filtered++ },
	)
	asm := logcat.NewAssembler(logcat.AssemblerConfig{
		MaxLines: o.maxLines,
		Parser:   parser,
		Logger:   log,
		Hooks: logcat.AssemblerHooks{
			OnEntry:        func() { st.entries++ },
			OnParseFailure: func() { st.failures++ },
		},
	}, console)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxScanLine)
	for sc.Scan() {
		st.lines++
		if err := asm.WriteLine(sc.Text()); err != nil {
			return st, fmt.Errorf("write entry: %w", err)
		}
		if err := ew.err; err != nil {
			return st, fmt.Errorf("write entry: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read dump: %w", err)
	}
	if err := asm.Flush(); err != nil {
		return st, fmt.Errorf("write entry: %w", err)
	}
	if err := ew.err; err != nil {
		return st, fmt.Errorf("write entry: %w", err)
	}
	return st, nil
}

// errWriter remembers the first write failure. The assembler only reports
// downstream failures that happen on a flush, so header-triggered writes
// are checked here.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}
