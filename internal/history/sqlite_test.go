package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "slotgate/pkg/logx"
)

func openTemp(t *testing.T, cfg Config) Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", "NONE"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}

	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err, "sqlite without a path must fail")
}

func TestAppendAndRecent(t *testing.T) {
	t.Parallel()

	st := openTemp(t, Config{Driver: "sqlite"})
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	require.NoError(t, st.Append(ctx, Entry{
		Rule:     "assets",
		Source:   "watch:/srv/site/assets/app.css",
		Started:  started,
		Duration: 1500 * time.Millisecond,
		ExitCode: 0,
		OK:       true,
		Output:   "bundled 14 files",
	}))
	require.NoError(t, st.Append(ctx, Entry{
		Rule:     "assets",
		Source:   "watch:/srv/site/assets/app.js",
		Duration: 200 * time.Millisecond,
		ExitCode: 2,
		Error:    "exit status 2",
		Output:   "syntax error",
	}))
	require.NoError(t, st.Append(ctx, Entry{Rule: "docs", Source: "cron:0 30 3 * * *", OK: true}))

	got, err := st.Recent(ctx, "assets", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	require.Equal(t, "watch:/srv/site/assets/app.js", got[0].Source)
	require.False(t, got[0].OK)
	require.Equal(t, 2, got[0].ExitCode)
	require.Equal(t, "exit status 2", got[0].Error)

	require.True(t, got[1].OK)
	require.Equal(t, started.UnixMilli(), got[1].Started.UnixMilli())
	require.Equal(t, 1500*time.Millisecond, got[1].Duration)
	require.Equal(t, "bundled 14 files", got[1].Output)

	all, err := st.Recent(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "docs", all[0].Rule)
}

func TestPruneBefore(t *testing.T) {
	t.Parallel()

	st := openTemp(t, Config{Driver: "sqlite"})
	ctx := context.Background()
	now := time.Now()

	for _, age := range []time.Duration{2 * time.Hour, time.Hour, 0} {
		require.NoError(t, st.Append(ctx, Entry{Rule: "assets", Started: now.Add(-age), OK: true}))
	}

	n, err := st.PruneBefore(ctx, now.Add(-90*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	left, err := st.Recent(ctx, "assets", 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
}

func TestReopenKeepsRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, Entry{Rule: "assets", OK: true}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Recent(ctx, "assets", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
