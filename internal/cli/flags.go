// Package cli holds flag helpers shared by the ptybridge commands.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"ptybridge/internal/version"
)

const (
	defaultHelpDesc    = "Show help"
	defaultVersionDesc = "Print version and exit"
)

type HelpVersionFlags struct {
	Help    bool
	Version bool
}

func AddHelpVersionFlags(fs *flag.FlagSet, helpDesc, versionDesc string) *HelpVersionFlags {
	if fs == nil {
		return &HelpVersionFlags{}
	}
	if helpDesc == "" {
		helpDesc = defaultHelpDesc
	}
	if versionDesc == "" {
		versionDesc = defaultVersionDesc
	}
	flags := &HelpVersionFlags{}
	fs.BoolVar(&flags.Help, "help", false, helpDesc)
	fs.BoolVar(&flags.Help, "h", false, helpDesc)
	fs.BoolVar(&flags.Version, "version", false, versionDesc)
	fs.BoolVar(&flags.Version, "v", false, versionDesc)
	return flags
}

// SetUsage prints synopsis followed by the flag defaults, skipping the
// single-letter aliases of help and version.
func SetUsage(fs *flag.FlagSet, synopsis string) {
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage: %s\n\nOptions:\n", synopsis)
		fs.VisitAll(func(f *flag.Flag) {
			if f.Name == "h" || f.Name == "v" {
				return
			}
			name, usage := flag.UnquoteUsage(f)
			line := "  -" + f.Name
			if name != "" {
				line += " " + name
			}
			if f.DefValue != "" && f.DefValue != "false" {
				usage += fmt.Sprintf(" (default %q)", f.DefValue)
			}
			fmt.Fprintf(out, "%-28s %s\n", line, usage)
		})
	}
}

// PrintVersion writes "<name> <version>" plus the commit when known.
func PrintVersion(w io.Writer, name string) {
	info := version.GetVersionInfo()
	parts := []string{name, info.Version}
	if info.GitCommit != "" {
		parts = append(parts, "("+info.GitCommit+")")
	}
	fmt.Fprintln(w, strings.Join(parts, " "))
}
