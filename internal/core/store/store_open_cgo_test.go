//go:build cgo

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marketsync/marketsync/internal/config"
)

func TestOpenLibsql(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := Open(ctx, config.StoreConfig{Path: ":memory:"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		require.Equal(t, "libsql", s.Driver())
		require.Equal(t, DefaultBatchSize, s.BatchSize())
		require.NoError(t, s.PingContext(ctx))
	})

	t.Run("local file serializes writers", func(t *testing.T) {
		s, err := Open(ctx, config.StoreConfig{
			Driver:    "libsql",
			Path:      "file:" + t.TempDir() + "/rates/marketsync.db",
			BatchSize: 250,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		require.Equal(t, 250, s.BatchSize())
		require.Equal(t, 1, s.DB.Stats().MaxOpenConnections)

		var mode string
		require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		require.Contains(t, mode, "wal")

		var busy int
		require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
		require.Equal(t, localBusyTimeoutMS, busy)
	})
}
