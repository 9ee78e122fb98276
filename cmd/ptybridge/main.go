// Command ptybridge runs coding-agent CLIs inside pseudo-terminals and
// exposes them as MCP tools on stdin/stdout, with an optional HTTP viewer.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"ptybridge/internal/agent"
	"ptybridge/internal/cli"
	"ptybridge/internal/config"
	"ptybridge/internal/logging"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags, err := parseFlags(args, stderr)
	if err != nil {
		return exitUsage
	}
	if flags.Help {
		flags.usage()
		return exitOK
	}
	if flags.Version {
		cli.PrintVersion(stdout, "ptybridge")
		return exitOK
	}

	cfg, err := config.Load(config.LoadOptions{Path: flags.ConfigPath, Lookup: os.LookupEnv})
	if err != nil {
		fmt.Fprintf(stderr, "ptybridge: %v\n", err)
		return exitFailed
	}
	applyFlags(&cfg, flags)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "ptybridge: invalid configuration: %v\n", err)
		return exitFailed
	}

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), level, stderr)
	logger.Redact(cfg.Web.AuthToken)
	if cfg.Path != "" {
		logger.Debug("config loaded", map[string]string{"path": cfg.Path})
	}

	registry, err := cfg.Registry()
	if err != nil {
		logger.Error("load agents failed", map[string]string{logging.FieldError: err.Error()})
		return exitFailed
	}
	if flags.ListAgents {
		if err := listAgents(stdout, registry); err != nil {
			fmt.Fprintf(stderr, "ptybridge: %v\n", err)
			return exitFailed
		}
		return exitOK
	}

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	if err := serve(context.Background(), serveOptions{
		Config:   cfg,
		Registry: registry,
		Logger:   logger,
		Stdin:    stdin,
		Stdout:   stdout,
		Signals:  signalCh,
	}); err != nil {
		logger.Error("ptybridge stopped", map[string]string{logging.FieldError: err.Error()})
		return exitFailed
	}
	return exitOK
}

func listAgents(w io.Writer, registry *agent.Registry) error {
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "NAME\tSOURCE\tCOMMAND\tDESCRIPTION")
	for _, descriptor := range registry.Snapshot() {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\n", descriptor.Name, descriptor.SourceName(), descriptor.Command, descriptor.Description)
	}
	return table.Flush()
}
