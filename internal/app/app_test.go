package app

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/config"
	"scan-orchestrator/internal/models"
)

func testConfig(t *testing.T) config.Config {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ARCHIVE_DIR", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestBuildWithMemoryStore(t *testing.T) {
	ctx := context.Background()
	svc, err := Build(ctx, testConfig(t), log.New())
	require.NoError(t, err)
	defer svc.Close()

	assert.Nil(t, svc.Redis)
	assert.Nil(t, svc.Limiter)
	require.NoError(t, svc.Backend.Ping(ctx))

	item, err := svc.Queue.Enqueue(ctx, models.NewQueueItem{ProjectID: "p1", ScanType: "lint"})
	require.NoError(t, err)
	assert.Equal(t, 1, item.Priority)
}

func TestBuildWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	svc, err := Build(context.Background(), cfg, log.New())
	require.NoError(t, err)
	defer svc.Close()

	require.NotNil(t, svc.Limiter)
	st, err := svc.Worker.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	assert.True(t, mr.Exists("worker:slot:default"))
	svc.Worker.Stop()
	svc.Worker.Wait()
	assert.False(t, mr.Exists("worker:slot:default"))
}
