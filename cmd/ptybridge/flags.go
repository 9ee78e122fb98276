package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"ptybridge/internal/cli"
	"ptybridge/internal/config"
	"ptybridge/internal/logging"
)

type cliFlags struct {
	ConfigPath string
	Host       string
	Port       int
	Token      string
	AgentsDir  string
	Verbose    bool
	Quiet      bool
	NoWeb      bool
	ListAgents bool
	Help       bool
	Version    bool

	set   map[string]bool
	usage func()
}

func parseFlags(args []string, output io.Writer) (cliFlags, error) {
	fs := flag.NewFlagSet("ptybridge", flag.ContinueOnError)
	fs.SetOutput(output)

	var flags cliFlags
	fs.StringVar(&flags.ConfigPath, "config", "", "Config `file` (ptybridge.toml or ptybridge.yaml)")
	fs.StringVar(&flags.Host, "host", config.DefaultHost, "HTTP listen `host`")
	fs.IntVar(&flags.Port, "port", config.DefaultPort, "HTTP listen `port`")
	fs.StringVar(&flags.Token, "token", "", "Bearer `token` required by the HTTP API")
	fs.StringVar(&flags.AgentsDir, "agents-dir", config.DefaultAgentsDir, "Directory of agent descriptor files")
	fs.BoolVar(&flags.Verbose, "verbose", false, "Log at debug level")
	fs.BoolVar(&flags.Quiet, "quiet", false, "Log warnings and errors only")
	fs.BoolVar(&flags.NoWeb, "no-web", false, "Do not serve the HTTP viewer")
	fs.BoolVar(&flags.ListAgents, "list-agents", false, "Print the configured agents and exit")
	helpVersion := cli.AddHelpVersionFlags(fs, "", "")
	cli.SetUsage(fs, "ptybridge [options]")
	flags.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	flags.Help = helpVersion.Help
	flags.Version = helpVersion.Version

	var err error
	switch {
	case fs.NArg() > 0:
		err = fmt.Errorf("unexpected argument %q", fs.Arg(0))
	case flags.Verbose && flags.Quiet:
		err = errors.New("-verbose and -quiet are mutually exclusive")
	}
	if err != nil {
		fmt.Fprintln(output, err)
		fs.Usage()
		return cliFlags{}, err
	}

	flags.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		flags.set[f.Name] = true
	})
	return flags, nil
}

// applyFlags layers explicitly set flags over the loaded configuration.
func applyFlags(cfg *config.Config, flags cliFlags) {
	if cfg.Sources == nil {
		cfg.Sources = map[string]config.Source{}
	}
	if flags.set["host"] {
		cfg.Server.Host = flags.Host
		cfg.Sources["host"] = config.SourceFlag
	}
	if flags.set["port"] {
		cfg.Server.Port = flags.Port
		cfg.Sources["port"] = config.SourceFlag
	}
	if flags.set["token"] {
		cfg.Web.AuthToken = flags.Token
		cfg.Sources["token"] = config.SourceFlag
	}
	if flags.set["agents-dir"] {
		cfg.AgentsDir = flags.AgentsDir
		cfg.Sources["agents-dir"] = config.SourceFlag
	}
	switch {
	case flags.Verbose:
		cfg.LogLevel = string(logging.LevelDebug)
		cfg.Sources["log-level"] = config.SourceFlag
	case flags.Quiet:
		cfg.LogLevel = string(logging.LevelWarning)
		cfg.Sources["log-level"] = config.SourceFlag
	}
	if flags.NoWeb {
		cfg.Server.Web = false
	}
}
