package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/db/dbtest"
)

func TestConnectUsesDedicatedMetadataPool(t *testing.T) {
	t.Parallel()

	_, dbCfg := dbtest.NewPoolAndConfig(t)

	a := &app{cfg: &config.Config{}, log: dbtest.Logger(t)}
	a.cfg.DB.Database = dbCfg.Database
	a.cfg.DB.Host = dbCfg.Host
	a.cfg.DB.Port = dbCfg.Port
	a.cfg.DB.User = dbCfg.User
	a.cfg.DB.Password = dbCfg.Password
	a.cfg.Multiprocessing.MaxDBConnections = 4

	ctx := context.Background()
	require.NoError(t, a.connect(ctx))
	t.Cleanup(func() {
		a.metaPool.Close()
		a.pool.Close()
	})

	// The metadata store runs on its own small pool so run-row updates
	// cannot be starved by a command saturating the shared pool.
	require.NotSame(t, a.pool, a.metaPool)
	require.EqualValues(t, 2, a.metaPool.Config().MaxConns)

	runID, err := a.meta.Start(ctx, "dirbs-classify", "")
	require.NoError(t, err)
	require.NoError(t, a.meta.Success(ctx, runID))
}
