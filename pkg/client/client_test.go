package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rld013/arrival-rate-server/internal/archive"
	"github.com/rld013/arrival-rate-server/internal/config"
	"github.com/rld013/arrival-rate-server/internal/consumer"
	"github.com/rld013/arrival-rate-server/internal/metrics"
	"github.com/rld013/arrival-rate-server/internal/node"
	"github.com/rld013/arrival-rate-server/internal/registry"
	"github.com/rld013/arrival-rate-server/internal/scheduler"
	transphttp "github.com/rld013/arrival-rate-server/internal/transport/http"
	"github.com/rld013/arrival-rate-server/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

// newTestEnv spins up a real arrivald stack backed by httptest.Server.
// All resources are cleaned up in t.Cleanup.
func newTestEnv(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Archive.Enabled = true
	if apiKey != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = apiKey
	}

	n, err := node.New(cfg.Node.DataDir, "")
	require.NoError(t, err)
	arc, err := archive.Open(cfg.ArchivePath(), n.ID().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = arc.Close() })

	reg := registry.New()
	m := metrics.New()
	pacer := scheduler.New(zerolog.Nop(), scheduler.WithObserver(m))
	cm := consumer.NewManager(pacer, zerolog.Nop(), consumer.Options{Timeout: time.Second, Observer: m})
	t.Cleanup(cm.Close)

	srv := transphttp.New(transphttp.Deps{
		Config:   cfg,
		Node:     n,
		Registry: reg,
		Pacer:    pacer,
		Consumer: cm,
		Archive:  arc,
		Metrics:  m,
		Log:      zerolog.Nop(),
		Version:  "test",
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestClient_Health(t *testing.T) {
	ts := newTestEnv(t, "")
	c := client.New(ts.URL)

	h, err := c.Health(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Len(t, h.NodeID, 26)
}

func TestClient_PutInfoList(t *testing.T) {
	ts := newTestEnv(t, "")
	c := client.New(ts.URL)
	ctx := ctxT(t)

	info, err := c.Put(ctx, "checkout", 0.5, 10, client.WithRenew(true))
	require.NoError(t, err)
	assert.Equal(t, "checkout", info.Name)
	assert.Equal(t, 5, info.ArrivalCount)
	assert.Equal(t, "ready", info.Status)

	got, err := c.Info(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)

	_, err = c.Put(ctx, "browse", 1, 1)
	require.NoError(t, err)
	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "browse", list[0].Name)

	_, err = c.Info(ctx, "nope")
	assert.True(t, client.IsNotFound(err))
}

func TestClient_CreateConflict(t *testing.T) {
	ts := newTestEnv(t, "")
	c := client.New(ts.URL)
	ctx := ctxT(t)

	_, err := c.Create(ctx, "once", 1, 1)
	require.NoError(t, err)
	_, err = c.Create(ctx, "once", 1, 1)
	assert.True(t, client.IsConflict(err), "got %v", err)
}

func TestClient_WaitUntilDone(t *testing.T) {
	ts := newTestEnv(t, "")
	c := client.New(ts.URL)
	ctx := ctxT(t)

	_, err := c.Put(ctx, "burst", 100, 0.03)
	require.NoError(t, err)

	var got []client.Arrival
	for {
		a, err := c.Wait(ctx, "burst")
		require.NoError(t, err)
		got = append(got, a)
		if a.Done() {
			break
		}
	}
	require.Len(t, got, 4)
	for _, a := range got[:3] {
		assert.Contains(t, []string{"ok", "missed"}, a.Status)
		assert.LessOrEqual(t, a.Offset, 0.03)
	}
	assert.Zero(t, got[3].Offset)
}

func TestClient_MissedAndUnget(t *testing.T) {
	ts := newTestEnv(t, "")
	c := client.New(ts.URL)
	ctx := ctxT(t)

	_, err := c.Put(ctx, "late", 1000, 0.01)
	require.NoError(t, err)
	_, err = c.Unget(ctx, "late", 0.001)
	assert.True(t, client.IsRejected(err), "a full schedule takes nothing back")

	_, err = c.Start(ctx, "late", 0)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	a, err := c.Wait(ctx, "late")
	require.NoError(t, err)
	assert.True(t, a.Missed())
	assert.Negative(t, a.Delay)

	info, err := c.Unget(ctx, "late", a.Offset)
	require.NoError(t, err)
	assert.Equal(t, 10, info.RemainCount)
	assert.Equal(t, 1, info.UngetCount)
	assert.Equal(t, 1, info.UnderrunCount)
}

func TestClient_StartDelayAndStop(t *testing.T) {
	ts := newTestEnv(t, "")
	c := client.New(ts.URL)
	ctx := ctxT(t)

	_, err := c.Put(ctx, "later", 1, 10)
	require.NoError(t, err)

	info, err := c.Start(ctx, "later", 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, info.StartTime)
	assert.WithinDuration(t, time.Now().Add(3*time.Second), *info.StartTime, time.Second)
	assert.Equal(t, "running", info.Status)

	info, err = c.Stop(ctx, "later")
	require.NoError(t, err)
	assert.False(t, info.Running)
}

func TestClient_DeleteAndArchive(t *testing.T) {
	ts := newTestEnv(t, "")
	c := client.New(ts.URL)
	ctx := ctxT(t)

	info, err := c.Delete(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = c.Put(ctx, "tmp", 1, 2)
	require.NoError(t, err)
	info, err = c.Delete(ctx, "tmp")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "tmp", info.Name)

	recs, err := c.Archive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tmp", recs[0].Name)
	assert.Equal(t, "deleted", recs[0].Reason)
	assert.Equal(t, 2, recs[0].Info.ArrivalCount)

	rec, err := c.Archived(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, recs[0].ID, rec.ID)
	assert.Equal(t, "tmp", rec.Name)
	assert.Equal(t, recs[0].NodeID, rec.NodeID)

	_, err = c.Archived(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.True(t, client.IsNotFound(err), "got %v", err)
}

func TestClient_Subscriptions(t *testing.T) {
	ts := newTestEnv(t, "")
	c := client.New(ts.URL)
	ctx := ctxT(t)

	_, err := c.Put(ctx, "hooked", 1, 100)
	require.NoError(t, err)
	_, err = c.Start(ctx, "hooked", time.Minute)
	require.NoError(t, err)

	id, err := c.Subscribe(ctx, "hooked", "http://127.0.0.1:1/hook", "s")
	require.NoError(t, err)
	assert.Len(t, id, 26)

	require.NoError(t, c.Unsubscribe(ctx, id))
	assert.True(t, client.IsNotFound(c.Unsubscribe(ctx, id)))
}

func TestClient_APIKey(t *testing.T) {
	ts := newTestEnv(t, "k3y")
	ctx := ctxT(t)

	_, err := client.New(ts.URL).List(ctx)
	var ae *client.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 401, ae.StatusCode)

	_, err = client.New(ts.URL, client.WithAPIKey("k3y")).List(ctx)
	assert.NoError(t, err)
}

func TestClient_WaitCancelled(t *testing.T) {
	ts := newTestEnv(t, "")
	c := client.New(ts.URL)
	ctx := ctxT(t)

	_, err := c.Put(ctx, "slow", 1, 10)
	require.NoError(t, err)
	_, err = c.Start(ctx, "slow", time.Minute)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.Wait(short, "slow")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		info, err := c.Info(ctx, "slow")
		return err == nil && info.RemainCount == 10 && info.UngetCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}
