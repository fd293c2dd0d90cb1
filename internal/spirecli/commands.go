// Package spirecli implements the process's command-line surface: run,
// validate, and version. It is grounded on the teacher's cmd/commands.go
// registration shape (one command struct per subcommand, each owning its
// own flag set and Run function) scaled down from pflag.FlagSet-backed
// flags instead of the standard library's, and with no start/stop/reload
// daemon-control commands since this program is always foreground, one
// process per instance (spec.md §6 names only run/validate as the CLI
// surface).
package spirecli

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// command is one CLI subcommand.
type command struct {
	Name  string
	Usage string
	Short string
	Flags *pflag.FlagSet
	Run   func(args []string) error
}

// Main parses os.Args[1:], dispatches to the matching subcommand, and
// returns the process exit code.
func Main() int {
	cmds := []*command{
		newRunCommand(),
		newValidateCommand(),
		newVersionCommand(),
	}

	if len(os.Args) < 2 {
		printUsage(cmds)
		return 1
	}

	name := os.Args[1]
	for _, c := range cmds {
		if c.Name != name {
			continue
		}
		if err := c.Flags.Parse(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := c.Run(c.Flags.Args()); err != nil {
			fmt.Fprintln(os.Stderr, "spire "+name+": "+err.Error())
			return 1
		}
		return 0
	}

	fmt.Fprintf(os.Stderr, "spire: unknown command %q\n", name)
	printUsage(cmds)
	return 1
}

func printUsage(cmds []*command) {
	fmt.Fprintln(os.Stderr, "usage: spire <command> [flags]")
	for _, c := range cmds {
		fmt.Fprintf(os.Stderr, "  %-28s %s\n", c.Usage, c.Short)
	}
}
