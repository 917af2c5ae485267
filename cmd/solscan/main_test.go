package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testRegistry = `
- id: maian
  image: smartbugs/maian:solc5.10
  bytecode:
    command: ["-c", "0", "-b", "$FILENAME"]
`

func TestToolsCommand_ConfigurationFlag(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Cleanup(func() { configFile = "" })

	dir := t.TempDir()
	registryFile := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(registryFile, []byte(testRegistry), 0o644))
	settingsFile := filepath.Join(dir, "solscan.yaml")
	settings := "tools_file: " + registryFile + "\ntools_dir: " + dir + "\n"
	require.NoError(t, os.WriteFile(settingsFile, []byte(settings), 0o644))

	for _, args := range [][]string{
		{"tools", "-c", settingsFile},
		{"-c", settingsFile, "tools"},
	} {
		t.Run(args[0], func(t *testing.T) {
			configFile = ""
			var out bytes.Buffer
			root := newRootCmd()
			root.SetOut(&out)
			root.SetArgs(args)

			require.NoError(t, root.Execute())
			require.Contains(t, out.String(), "smartbugs/maian:solc5.10")
			require.Contains(t, out.String(), "1 tools: maian")
		})
	}
}
