package docker

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available:", err)
	}
}

func TestExecRunner_CapturesStreamsAndExitCode(t *testing.T) {
	skipIfNoShell(t)

	res, err := NewExecRunner().Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	require.NoError(t, err)

	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecRunner_UsesWorkingDirectory(t *testing.T) {
	skipIfNoShell(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	res, err := NewExecRunner().Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "pwd -P"},
		Dir:  dir,
	})
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", res.Stdout)
}

func TestExecRunner_Timeout(t *testing.T) {
	skipIfNoShell(t)

	start := time.Now()
	_, err := NewExecRunner().Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})

	assert.True(t, errors.Is(err, ErrCommandTimeout))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecRunner_MissingBinary(t *testing.T) {
	_, err := NewExecRunner().Run(context.Background(), Command{
		Name: "definitely-not-a-real-binary-webtopd",
	})
	assert.True(t, errors.Is(err, ErrRuntimeUnavailable))
}
