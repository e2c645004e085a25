// ABOUTME: Tests for the Gateway orchestrator using the loopback driver
// ABOUTME: Exercises a full inbound-to-reply round trip, status mirroring, health and restore on boot

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/branchline/internal/admin"
	"github.com/2389/branchline/internal/config"
	"github.com/2389/branchline/internal/driver/loopback"
	"github.com/2389/branchline/internal/session"
	"github.com/2389/branchline/internal/store"
)

// testConfig creates a minimal config with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available gRPC port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dir := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  grpc_addr: %q
database:
  path: %q
sessions:
  dir: %q
  retry_base_delay: 50ms
  teardown_timeout: 1s
channels:
  driver: loopback
  loopback:
    auto_pair_delay: 10ms
`, addr, filepath.Join(dir, "branchline.db"), filepath.Join(dir, "sessions"))))
	require.NoError(t, err)
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type running struct {
	gw     *Gateway
	st     *store.MockStore
	drv    *loopback.Driver
	cancel context.CancelFunc
	errCh  chan error
}

func startGateway(t *testing.T, cfg *config.Config, st *store.MockStore) *running {
	t.Helper()
	drv := loopback.New(cfg.Channels.Loopback.AutoPairDelay, testLogger())
	gw, err := New(cfg, testLogger(), WithStore(st), WithDriver(drv))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	select {
	case <-gw.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("gateway exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("gateway never became ready")
	}

	r := &running{gw: gw, st: st, drv: drv, cancel: cancel, errCh: errCh}
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Error("gateway did not shut down")
	}
}

func seededStore(t *testing.T, ids ...string) *store.MockStore {
	t.Helper()
	st := store.NewMockStore()
	for _, id := range ids {
		require.NoError(t, st.UpsertBranch(context.Background(), &store.Branch{ID: id, Name: "Sucursal " + id}))
	}
	return st
}

func healthOf(t *testing.T, gw *Gateway, branchID string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService(branchID)})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.GetStatus()
}

func TestGateway_InboundToReply(t *testing.T) {
	st := seededStore(t, "B1")
	require.NoError(t, st.SaveBranchConfig(context.Background(), &store.BranchConfig{
		BranchID: "B1", MenuText: "Pizza hawaiana\nLasaña", OrderPhone: "300-111",
	}))
	r := startGateway(t, testConfig(t), st)
	ctx := context.Background()

	require.NoError(t, r.gw.Pool().Start(ctx, "B1"))
	require.Eventually(t, func() bool {
		return r.gw.Pool().Status("B1").State == session.StateReady
	}, 5*time.Second, 10*time.Millisecond)

	_, err := r.drv.Inject("B1", "A1", "hola, me pasas el menú?")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(r.drv.Outbox("B1")) == 1 }, 5*time.Second, 10*time.Millisecond)
	sent := r.drv.Outbox("B1")[0]
	assert.Equal(t, "A1", sent.To)
	assert.Contains(t, sent.Text, "Pizza hawaiana")
	assert.Contains(t, sent.Text, "Sucursal B1")

	require.Eventually(t, func() bool {
		conv, err := st.GetConversation(ctx, "B1", "A1")
		return err == nil && len(conv.History) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_MirrorsStatusAndHealth(t *testing.T) {
	st := seededStore(t, "B1", "B2")
	cfg := testConfig(t)
	cfg.Sessions.RetryBaseDelay = 300 * time.Millisecond
	r := startGateway(t, cfg, st)
	ctx := context.Background()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthOf(t, r.gw, "B1"))

	require.NoError(t, r.gw.Pool().Start(ctx, "B1"))
	require.Eventually(t, func() bool {
		return healthOf(t, r.gw, "B1") == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s, err := st.GetSessionStatus(ctx, "B1")
		return err == nil && s.State == "READY" && s.LastReadyAt != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.drv.Drop("B1", "network lost"))
	require.Eventually(t, func() bool {
		return healthOf(t, r.gw, "B1") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return healthOf(t, r.gw, "B1") == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 10*time.Millisecond, "reconnect brings the branch back")

	// The same answer over the wire.

	conn, err := grpc.NewClient(r.gw.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService("B1")})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	overall, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, overall.GetStatus())
}

func TestGateway_RestoresPairedSessions(t *testing.T) {
	st := seededStore(t, "B1", "B2", "B3", "B4")
	ctx := context.Background()
	for id, state := range map[string]string{"B1": "READY", "B2": "AUTHENTICATED", "B3": "AUTH_FAILED", "B4": "DESTROYED"} {
		require.NoError(t, st.SaveSessionStatus(ctx, &store.SessionStatus{BranchID: id, State: state, UpdatedAt: time.Now()}))
	}

	r := startGateway(t, testConfig(t), st)

	require.Eventually(t, func() bool {
		return r.gw.Pool().Status("B1").State != session.StateUninitialized &&
			r.gw.Pool().Status("B2").State != session.StateUninitialized
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.StateUninitialized, r.gw.Pool().Status("B3").State)
	assert.Equal(t, session.StateUninitialized, r.gw.Pool().Status("B4").State)
}

func TestGateway_RestoreDisabled(t *testing.T) {
	st := seededStore(t, "B1")
	require.NoError(t, st.SaveSessionStatus(context.Background(), &store.SessionStatus{BranchID: "B1", State: "READY"}))
	cfg := testConfig(t)
	off := false
	cfg.Sessions.RestoreOnBoot = &off

	r := startGateway(t, cfg, st)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, session.StateUninitialized, r.gw.Pool().Status("B1").State)
}

func TestGateway_SeedsCatalog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "menu.txt"), []byte("Empanada\n"), 0o644))
	catalog := filepath.Join(dir, "branches.toml")
	require.NoError(t, os.WriteFile(catalog, []byte(`
[branches.N1]
name = "Norte"
menu_file = "menu.txt"
complaint_phone = "300-999"
`), 0o644))

	cfg := testConfig(t)
	cfg.Catalog.Path = catalog
	st := store.NewMockStore()
	r := startGateway(t, cfg, st)

	b, err := st.GetBranch(context.Background(), "N1")
	require.NoError(t, err)
	assert.Equal(t, "Norte", b.Name)

	bc, err := st.GetBranchConfig(context.Background(), "N1")
	require.NoError(t, err)
	assert.Equal(t, "Empanada\n", bc.MenuText)
	assert.Equal(t, "300-999", bc.ComplaintPhone)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthOf(t, r.gw, "N1"))
}

func TestGateway_AdminDrivesCatalogBranch(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "branches.toml")
	require.NoError(t, os.WriteFile(catalog, []byte(`
[branches.N1]
name = "Norte"
menu = "Empanada"
`), 0o644))

	cfg := testConfig(t)
	cfg.Catalog.Path = catalog
	cfg.Channels.Loopback.AutoPairDelay = 300 * time.Millisecond
	st := store.NewMockStore()
	r := startGateway(t, cfg, st)
	ctx := context.Background()

	conn, err := grpc.NewClient(r.gw.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := admin.NewClient(conn)

	st0, err := client.Status(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, "UNINITIALIZED", st0.State)

	_, err = client.Start(ctx, "N1")
	require.NoError(t, err)

	var pairing *admin.Pairing
	require.Eventually(t, func() bool {
		pairing, err = client.PairingArtifact(ctx, "N1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, pairing.PNG)

	require.Eventually(t, func() bool {
		s, err := client.Status(ctx, "N1")
		return err == nil && s.State == "READY"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s, err := st.GetSessionStatus(ctx, "N1")
		return err == nil && s.State == "READY"
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService("N1")})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	require.NoError(t, client.Send(ctx, "N1", "A1", "su pedido va en camino"))
	sent := r.drv.Outbox("N1")
	require.Len(t, sent, 1)
	assert.Equal(t, "su pedido va en camino", sent[0].Text)

	ph, err := client.PoolHealth(ctx)
	require.NoError(t, err)
	require.Len(t, ph.Branches, 1)
	assert.Equal(t, "N1", ph.Branches[0].BranchID)

	out, err := client.Logout(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, "DESTROYED", out.State)
	require.Eventually(t, func() bool {
		s, err := st.GetSessionStatus(ctx, "N1")
		return err == nil && s.State == "DESTROYED"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_RunFailsOnBadCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "missing.toml")
	gw, err := New(cfg, testLogger(), WithStore(store.NewMockStore()))
	require.NoError(t, err)

	assert.Error(t, gw.Run(context.Background()))
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Driver = "carrier-pigeon"

	_, err := New(cfg, testLogger(), WithStore(store.NewMockStore()))
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestNew_OpensConfiguredStore(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "loopback", gw.Driver().Name())

	_, ok := gw.Store().(*store.SQLiteStore)
	assert.True(t, ok)

	require.NoError(t, gw.Shutdown(context.Background()))
	require.NoError(t, gw.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestToStatus(t *testing.T) {
	ready := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	s := toStatus(session.Record{
		BranchID:    "B1",
		State:       session.StateDisconnected,
		LastReadyAt: &ready,
		RetryCount:  2,
		LastError:   "network lost",
		UpdatedAt:   ready.Add(time.Minute),

		ReconnectExhausted: true,
	})
	assert.Equal(t, "DISCONNECTED", s.State)
	assert.Equal(t, 2, s.RetryCount)
	assert.Equal(t, "network lost", s.LastError)
	assert.Equal(t, &ready, s.LastReadyAt)
	assert.True(t, s.ReconnectExhausted)
}
