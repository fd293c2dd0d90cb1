package spirecli

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/pterx/spire/internal/spireconfig"
)

func newValidateCommand() *command {
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	configPath := fs.StringP("config", "f", "", "path to the YAML route config (default: $CONFIG_FILE_PATH)")

	return &command{
		Name:  "validate",
		Usage: "spire validate -f <path>",
		Short: "Decodes and compiles a config file without running it",
		Flags: fs,
		Run: func([]string) error {
			path := resolveConfigPath(*configPath)
			if path == "" {
				return fmt.Errorf("no config file given: pass -f or set %s", configFileEnv)
			}
			table, err := spireconfig.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("config valid: %d server(s)\n", len(table.Servers))
			for name, s := range table.Servers {
				fmt.Printf("  %s: port %d, protocol %s, %d route(s)\n", name, s.ListenPort, s.Protocol, len(s.Routes))
			}
			return nil
		},
	}
}
