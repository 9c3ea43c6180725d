package main

import (
	"strings"

	"github.com/spf13/cobra"
)

// applyConfigDefaults sets flag values from config when the flag
// was not explicitly set on the command line. Flags > env > config > defaults.
// The config package already handles env > config, so we just need to
// check if the flag was changed and apply config if not.
func applyConfigDefaults(cmd *cobra.Command) {
	if cfg == nil {
		return
	}

	setDefault := func(name, value string) {
		if value != "" && !cmd.Flags().Changed(name) {
			if f := cmd.Flags().Lookup(name); f != nil {
				_ = f.Value.Set(value)
			}
		}
	}

	// source
	setDefault("command", strings.Join(cfg.Source.Command, ","))
	setDefault("filter", cfg.Source.Filter)
	setDefault("backlog", cfg.Source.Backlog)
	setDefault("self-filter", cfg.Source.SelfFilter)
	setDefault("min-severity", cfg.Source.MinSeverity)
	setDefault("max-lines", cfg.Source.MaxLines)
	setDefault("quiet", cfg.Source.Quiet)

	// metadata
	setDefault("source", cfg.Meta.Source)
	setDefault("instance", cfg.Meta.Instance)

	// redaction
	setDefault("redact", cfg.Redact.Enabled)
	setDefault("redact-patterns", cfg.Redact.Patterns)

	// sinks
	setDefault("console", cfg.Sinks.Console.Enabled)
	setDefault("console-format", cfg.Sinks.Console.Format)
	setDefault("color", cfg.Sinks.Console.Color)
	setDefault("dir", cfg.Sinks.File.Dir)
	setDefault("max-file", cfg.Sinks.File.MaxFile)
	setDefault("max-disk", cfg.Sinks.File.MaxDisk)
	setDefault("compress", cfg.Sinks.File.Compress)
	setDefault("nats-url", cfg.Sinks.NATS.URL)
	setDefault("nats-subject", cfg.Sinks.NATS.Subject)
	setDefault("nats-timeout", cfg.Sinks.NATS.Timeout)
	setDefault("nats-format", cfg.Sinks.NATS.Format)
	setDefault("loki", cfg.Sinks.Loki.Target)
	setDefault("loki-insecure", cfg.Sinks.Loki.Insecure)
	setDefault("loki-compress", cfg.Sinks.Loki.Compress)

	// http
	setDefault("listen", cfg.HTTP.Listen)
}
