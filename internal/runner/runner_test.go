package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunCapturesCombinedOutput(t *testing.T) {
	t.Parallel()

	res := Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, res.Err)
	require.True(t, res.Ok())
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, string(res.Output), "out")
	require.Contains(t, string(res.Output), "err")
	require.False(t, res.Truncated)
	require.False(t, res.Start.IsZero())
}

func TestRunReportsExitCode(t *testing.T) {
	t.Parallel()

	res := Run(context.Background(), Spec{Command: []string{"sh", "-c", "exit 3"}})
	require.Error(t, res.Err)
	require.False(t, res.Ok())
	require.Equal(t, 3, res.ExitCode)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	t.Parallel()

	start := time.Now()
	res := Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "sleep 10"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "timed out")
	require.Equal(t, -1, res.ExitCode)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCallerCancelIsNotAFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res := Run(ctx, Spec{Command: []string{"sh", "-c", "sleep 10"}})
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestRunEmptyCommand(t *testing.T) {
	t.Parallel()

	res := Run(context.Background(), Spec{})
	require.ErrorIs(t, res.Err, ErrEmptyCommand)
	require.Equal(t, -1, res.ExitCode)
}

func TestRunAppliesDirAndEnv(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	res := Run(context.Background(), Spec{
		Command: []string{"sh", "-c", `touch marker; printf %s "$SLOTGATE_TEST"`},
		Dir:     dir,
		Env:     []string{"SLOTGATE_TEST=wired"},
	})
	require.NoError(t, res.Err)
	require.Equal(t, "wired", string(res.Output))
	_, err := os.Stat(filepath.Join(dir, "marker"))
	require.NoError(t, err)
}

func TestRunTruncatesLongOutput(t *testing.T) {
	t.Parallel()

	res := Run(context.Background(), Spec{
		Command:     []string{"sh", "-c", "head -c 100000 /dev/zero | tr '\\0' 'x'"},
		OutputLimit: 1024,
	})
	require.NoError(t, res.Err)
	require.Len(t, res.Output, 1024)
	require.True(t, res.Truncated)
}

func TestTailBufferKeepsTail(t *testing.T) {
	t.Parallel()

	b := &tailBuffer{max: 8}

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(b.Bytes()))

	_, _ = b.Write([]byte("defgh"))
	require.Equal(t, "abcdefgh", string(b.Bytes()))

	// Overflow drops from the front.
	_, _ = b.Write([]byte("XY"))
	require.Equal(t, "cdefghXY", string(b.Bytes()))
	require.EqualValues(t, 2, b.dropped)

	// A single write larger than the cap keeps only its tail.
	_, _ = b.Write([]byte(strings.Repeat("z", 20) + "TAIL-END"))
	require.Equal(t, 8, len(b.Bytes()))
	require.Equal(t, "TAIL-END", string(b.Bytes()))
}
