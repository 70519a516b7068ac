package cli

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-build/anvil/internal/config"
	"github.com/anvil-build/anvil/internal/executor"
)

func parse(t *testing.T, args ...string) (*Invocation, bool, error) {
	t.Helper()
	var out bytes.Buffer
	return Parse(args, &out)
}

func TestParse_Build(t *testing.T) {
	t.Parallel()

	inv, exit, err := parse(t, "-C", t.TempDir(), "-j", "4", "build", "//app:main")
	require.NoError(t, err)
	require.False(t, exit)
	assert.Equal(t, "build", inv.Command)
	assert.Equal(t, []string{"//app:main"}, inv.Targets)
	assert.Equal(t, 4, inv.Config.Jobs)
	assert.Equal(t, "local", inv.Config.Backend)
	assert.False(t, inv.Config.Stash.Enabled())
}

func TestParse_BuildDirDefaultsUnderWorkspace(t *testing.T) {
	t.Parallel()

	ws := t.TempDir()
	inv, _, err := parse(t, "-C", ws, "generate")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "build"), inv.Config.BuildDir)
}

func TestParse_NoCommandPrintsUsage(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	_, exit, err := Parse(nil, &out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"deploy"}},
		{"relative target", []string{"build", ":main"}},
		{"bad log level", []string{"-log-level", "loud", "build"}},
		{"bad log format", []string{"-log-format", "xml", "build"}},
		{"s3 without bucket", []string{"-s3-endpoint", "minio:9000", "build"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parse(t, tc.args...)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}

func TestParse_StashFlags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inv, _, err := parse(t,
		"-stash", dir,
		"-stash-upload=false",
		"-s3-endpoint", "minio:9000", "-s3-bucket", "cache",
		"build")
	require.NoError(t, err)
	assert.True(t, inv.Config.Stash.Enabled())
	assert.Equal(t, dir, inv.Config.Stash.LocalDir)
	assert.False(t, inv.Config.Stash.Upload)
	assert.True(t, inv.Config.Stash.Download)
	require.NotNil(t, inv.Config.Stash.S3)
	assert.Equal(t, "cache", inv.Config.Stash.S3.Bucket)
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(&ExitError{Code: 2, Message: "usage"}))
	assert.Equal(t, 7, ExitCode(&executor.CommandError{ExitCode: 7}))
	assert.Equal(t, 2, ExitCode(&config.UnknownBackendError{Name: "bazel"}))
	assert.Equal(t, 1, ExitCode(errors.New("broken graph")))
}
