package spirecli

import (
	"fmt"

	"github.com/spf13/pflag"
)

// version is set by the release build process via -ldflags; it stays
// "dev" for local builds.
var version = "dev"

func newVersionCommand() *command {
	return &command{
		Name:  "version",
		Usage: "spire version",
		Short: "Prints the build version",
		Flags: pflag.NewFlagSet("version", pflag.ContinueOnError),
		Run: func([]string) error {
			fmt.Println("spire " + version)
			return nil
		},
	}
}
