package spirecli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveConfigPathPrefersFlagOverEnv(t *testing.T) {
	t.Setenv(configFileEnv, "/from/env.yaml")
	require.Equal(t, "/from/flag.yaml", resolveConfigPath("/from/flag.yaml"))
}

func TestResolveConfigPathFallsBackToEnv(t *testing.T) {
	t.Setenv(configFileEnv, "/from/env.yaml")
	require.Equal(t, "/from/env.yaml", resolveConfigPath(""))
}

func TestResolveConfigPathEmptyWhenNeitherSet(t *testing.T) {
	t.Setenv(configFileEnv, "")
	require.Equal(t, "", resolveConfigPath(""))
}

func TestValidateCommandErrorsWithoutConfigPath(t *testing.T) {
	t.Setenv(configFileEnv, "")
	cmd := newValidateCommand()
	require.NoError(t, cmd.Flags.Parse(nil))
	require.Error(t, cmd.Run(nil))
}

func TestValidateCommandSucceedsOnWellFormedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - name: edge
    listen_port: 8080
    protocol: HTTP1
    routes:
      - id: r1
        matchers: [{path: {kind: prefix, value: /}}]
        forward:
          single: "http://10.0.0.1:9000"
`), 0o644))

	cmd := newValidateCommand()
	require.NoError(t, cmd.Flags.Parse([]string{"-f", path}))
	require.NoError(t, cmd.Run(nil))
}

func TestValidateCommandFailsOnMalformedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	cmd := newValidateCommand()
	require.NoError(t, cmd.Flags.Parse([]string{"-f", path}))
	require.Error(t, cmd.Run(nil))
}

func TestVersionCommandRunsWithoutError(t *testing.T) {
	cmd := newVersionCommand()
	require.NoError(t, cmd.Run(nil))
}

func TestMainCommandsHaveNonNilFlagSets(t *testing.T) {
	for _, cmd := range []*command{newRunCommand(), newValidateCommand(), newVersionCommand()} {
		require.NotNil(t, cmd.Flags, "command %q must always have a flag set: Main calls Flags.Parse unconditionally", cmd.Name)
	}
}
