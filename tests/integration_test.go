package tests

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/config"
	"github.com/pinstack/pinstack/internal/daemon"
	"github.com/pinstack/pinstack/pkg/api"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

func nodeConfig(dataDir string, backends ...config.BackendConfig) *config.Configuration {
	cfg := config.NewDefault()
	cfg.DataDir = dataDir
	cfg.WAL.Dir = filepath.Join(dataDir, "wal")
	cfg.Index.Dir = filepath.Join(dataDir, "index")
	cfg.Cache.OverflowDir = filepath.Join(dataDir, "cache")
	cfg.Metrics.Enabled = false
	cfg.API.Enabled = false
	cfg.Backends = backends
	return cfg
}

func localBackends(t *testing.T, baseDir string, ids ...string) []config.BackendConfig {
	t.Helper()
	var out []config.BackendConfig
	for i, id := range ids {
		out = append(out, config.BackendConfig{
			ID:            id,
			Type:          "local",
			Path:          filepath.Join(baseDir, id),
			CapacityBytes: 1 << 30,
			Priority:      i + 1,
		})
	}
	return out
}

func startNode(t *testing.T, cfg *config.Configuration) *daemon.Core {
	t.Helper()
	core, err := daemon.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, core.Start(context.Background()))
	return core
}

// TestPinReplicationConvergence pins content, runs cycles and verifies the
// pin converges to the target replica count, survives a backend loss and
// a full daemon restart.
func TestPinReplicationConvergence(t *testing.T) {
	dataDir := t.TempDir()
	backendDir := t.TempDir()
	cfg := nodeConfig(dataDir, localBackends(t, backendDir, "backend-a", "backend-b", "backend-c")...)
	cfg.Replication.Policy = types.ReplicationPolicy{
		Version:        1,
		MinReplicas:    1,
		TargetReplicas: 2,
		MaxReplicas:    3,
		Strategy:       types.StrategyBalanced,
	}

	ctx := context.Background()
	core := startNode(t, cfg)

	payload := []byte("integration payload")
	require.NoError(t, core.Pin(ctx, "bafy-int-1", payload))

	stats, err := core.TriggerCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Replicated)

	rec, err := core.GetPin("bafy-int-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.PresentCount())

	status := core.ReplicationStatus()
	assert.Equal(t, 1, status.Satisfied)
	assert.Len(t, status.Backends, 3)

	// Restart the node and make sure durable state is intact.
	core.Stop()
	core = startNode(t, cfg)
	defer core.Stop()

	rec, err = core.GetPin("bafy-int-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.PresentCount())

	got, err := core.Fetch(ctx, "bafy-int-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// TestManyPinsConverge pushes enough pins through to exercise cache
// demotion and index buffering together.
func TestManyPinsConverge(t *testing.T) {
	dataDir := t.TempDir()
	backendDir := t.TempDir()
	cfg := nodeConfig(dataDir, localBackends(t, backendDir, "backend-a", "backend-b")...)
	cfg.Cache.MaxHotEntries = 8

	ctx := context.Background()
	core := startNode(t, cfg)
	defer core.Stop()

	const pins = 50
	for i := 0; i < pins; i++ {
		id := types.ContentID(fmt.Sprintf("bafy-bulk-%03d", i))
		payload := []byte(fmt.Sprintf("payload %03d", i))
		require.NoError(t, core.Pin(ctx, id, payload))
	}
	assert.Equal(t, pins, core.PinCount())

	stats, err := core.TriggerCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, pins, stats.Scanned)
	assert.Zero(t, stats.Failed)

	for i := 0; i < pins; i++ {
		id := types.ContentID(fmt.Sprintf("bafy-bulk-%03d", i))
		got, err := core.Fetch(ctx, id)
		require.NoError(t, err, "fetch %s", id)
		assert.Equal(t, fmt.Sprintf("payload %03d", i), string(got))
	}

	cacheStats := core.CacheStats()
	assert.LessOrEqual(t, cacheStats.HotEntries, 8)
	assert.Positive(t, cacheStats.Demotions)
}

// TestPolicyChangeTakesEffectNextCycle raises the target and checks the
// coordinator converges to it on the following cycle.
func TestPolicyChangeTakesEffectNextCycle(t *testing.T) {
	dataDir := t.TempDir()
	backendDir := t.TempDir()
	cfg := nodeConfig(dataDir, localBackends(t, backendDir, "backend-a", "backend-b", "backend-c")...)
	cfg.Replication.Policy = types.ReplicationPolicy{
		Version:        1,
		MinReplicas:    1,
		TargetReplicas: 1,
		MaxReplicas:    3,
		Strategy:       types.StrategyBalanced,
	}

	ctx := context.Background()
	core := startNode(t, cfg)
	defer core.Stop()

	require.NoError(t, core.Pin(ctx, "bafy-pol-1", []byte("policy test")))
	_, err := core.TriggerCycle(ctx)
	require.NoError(t, err)

	rec, err := core.GetPin("bafy-pol-1")
	require.NoError(t, err)
	require.Equal(t, 1, rec.PresentCount())

	require.NoError(t, core.UpdatePolicy(types.ReplicationPolicy{
		Version:        2,
		MinReplicas:    1,
		TargetReplicas: 3,
		MaxReplicas:    3,
		Strategy:       types.StrategyBalanced,
	}))

	_, err = core.TriggerCycle(ctx)
	require.NoError(t, err)

	rec, err = core.GetPin("bafy-pol-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.PresentCount())
	assert.Equal(t, 2, core.ReplicationStatus().PolicyVersion)
}

// TestSnapshotMigratesNode exports one node's pin set and imports it into
// a fresh node sharing the same backends, then lets verification adopt the
// replicas.
func TestSnapshotMigratesNode(t *testing.T) {
	backendDir := t.TempDir()
	backends := localBackends(t, backendDir, "backend-a", "backend-b")
	ctx := context.Background()

	source := startNode(t, nodeConfig(t.TempDir(), backends...))
	require.NoError(t, source.Pin(ctx, "bafy-snap-1", []byte("migrate me")))
	_, err := source.TriggerCycle(ctx)
	require.NoError(t, err)

	var snap bytes.Buffer
	require.NoError(t, source.ExportSnapshot(&snap, ""))
	source.Stop()

	target := startNode(t, nodeConfig(t.TempDir(), backends...))
	defer target.Stop()

	imported, err := target.ImportSnapshot(ctx, &snap, "")
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	// The imported replicas arrive unverified; one cycle probes the
	// shared backends and flips them to present.
	_, err = target.TriggerCycle(ctx)
	require.NoError(t, err)

	rec, err := target.GetPin("bafy-snap-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.PresentCount())

	got, err := target.Fetch(ctx, "bafy-snap-1")
	require.NoError(t, err)
	assert.Equal(t, "migrate me", string(got))
}

// TestHTTPSurfaceAgainstRealDaemon drives the full stack through the HTTP
// API instead of the Go surface.
func TestHTTPSurfaceAgainstRealDaemon(t *testing.T) {
	dataDir := t.TempDir()
	backendDir := t.TempDir()
	core := startNode(t, nodeConfig(dataDir, localBackends(t, backendDir, "backend-a", "backend-b")...))
	defer core.Stop()

	server := api.NewServer(api.DefaultServerConfig(), core, zap.NewNop())
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/pins/bafy-http-1", "application/octet-stream",
		bytes.NewReader([]byte("over the wire")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, err = core.TriggerCycle(context.Background())
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/v1/pins/bafy-http-1/content")
	require.NoError(t, err)
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "over the wire", body.String())

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/pins/bafy-http-1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = core.GetPin("bafy-http-1")
	assert.True(t, errors.IsCode(err, errors.ErrCodePinNotFound))
}
