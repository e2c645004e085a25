// ABOUTME: Tests for AdminService over a real gRPC connection
// ABOUTME: Drives a loopback session through pairing, sending and logout and checks status codes

package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/2389/branchline/internal/driver/loopback"
	"github.com/2389/branchline/internal/session"
	"github.com/2389/branchline/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	client *Client
	pool   *session.Pool
	drv    *loopback.Driver
}

// newHarness serves AdminService for a pool over a loopback driver that
// only pairs when told to.
func newHarness(t *testing.T, branchIDs ...string) *harness {
	t.Helper()

	st := store.NewMockStore()
	for _, id := range branchIDs {
		require.NoError(t, st.UpsertBranch(context.Background(), &store.Branch{ID: id, Name: "Sucursal " + id}))
	}
	drv := loopback.New(0, testLogger())
	pool, err := session.NewPool(session.Options{
		Driver:   drv,
		Branches: st,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	Register(srv, NewService(pool, st, testLogger()))
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{client: NewClient(conn), pool: pool, drv: drv}
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok, "expected a gRPC status error, got %v", err)
	assert.Equal(t, want, st.Code(), st.Message())
}

func TestAdmin_SessionLifecycle(t *testing.T) {
	h := newHarness(t, "B1")
	ctx := context.Background()

	st, err := h.client.Start(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "B1", st.BranchID)
	assert.Contains(t, []string{"INITIALIZING", "PAIRING"}, st.State)

	require.Eventually(t, func() bool {
		st, err := h.client.Status(ctx, "B1")
		return err == nil && st.State == "PAIRING"
	}, 5*time.Second, 10*time.Millisecond)

	pairing, err := h.client.PairingArtifact(ctx, "B1")
	require.NoError(t, err)
	assert.NotEmpty(t, pairing.Code)
	assert.NotEmpty(t, pairing.PNG)
	assert.Equal(t, session.Fingerprint(pairing.Code), pairing.Fingerprint)
	assert.True(t, pairing.ExpiresAt.After(pairing.IssuedAt))

	st, err = h.client.Status(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, pairing.Fingerprint, st.PairingFingerprint)
	require.NotNil(t, st.PairingExpiresAt)
	assert.True(t, st.PairingExpiresAt.Equal(pairing.ExpiresAt))

	err = h.client.Send(ctx, "B1", "A1", "hola")
	requireCode(t, err, codes.FailedPrecondition)

	require.NoError(t, h.drv.Pair("B1"))
	require.Eventually(t, func() bool {
		st, err := h.client.Status(ctx, "B1")
		return err == nil && st.State == "READY"
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.client.PairingArtifact(ctx, "B1")
	requireCode(t, err, codes.FailedPrecondition)

	require.NoError(t, h.client.Send(ctx, "B1", "A1", "hola"))
	sent := h.drv.Outbox("B1")
	require.Len(t, sent, 1)
	assert.Equal(t, "A1", sent[0].To)

	ph, err := h.client.PoolHealth(ctx)
	require.NoError(t, err)
	require.Len(t, ph.Branches, 1)
	assert.Equal(t, "READY", ph.Branches[0].State)
	require.NotNil(t, ph.Branches[0].LastReadyAt)

	st, err = h.client.Disconnect(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "DISCONNECTED", st.State)
	assert.True(t, h.drv.Linked("B1"), "disconnect keeps credentials")

	st, err = h.client.Logout(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "DESTROYED", st.State)
	assert.False(t, h.drv.Linked("B1"))
}

func TestAdmin_ErrorCodes(t *testing.T) {
	h := newHarness(t, "B1")
	ctx := context.Background()

	_, err := h.client.Start(ctx, "B9")
	requireCode(t, err, codes.NotFound)

	_, err = h.client.Status(ctx, "B9")
	requireCode(t, err, codes.NotFound)

	_, err = h.client.Logout(ctx, "B9")
	requireCode(t, err, codes.NotFound)

	_, err = h.client.Start(ctx, "")
	requireCode(t, err, codes.InvalidArgument)

	st, err := h.client.Status(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "UNINITIALIZED", st.State)

	_, err = h.client.PairingArtifact(ctx, "B1")
	requireCode(t, err, codes.FailedPrecondition)

	err = h.client.Send(ctx, "B1", "A1", "")
	requireCode(t, err, codes.InvalidArgument)

	err = h.client.Send(ctx, "B1", "", "hola")
	requireCode(t, err, codes.InvalidArgument)

	err = h.client.Send(ctx, "B1", "A1", "hola")
	requireCode(t, err, codes.FailedPrecondition)
}

func TestAdmin_DeliveryFailureIsUnavailable(t *testing.T) {
	h := newHarness(t, "B1")
	ctx := context.Background()

	_, err := h.client.Start(ctx, "B1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.pool.Status("B1").State == session.StatePairing
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.drv.Pair("B1"))
	require.Eventually(t, func() bool {
		return h.pool.Status("B1").State == session.StateReady
	}, 5*time.Second, 10*time.Millisecond)

	h.drv.FailSends("B1", errors.New("network unreachable"))
	err = h.client.Send(ctx, "B1", "A1", "hola")
	requireCode(t, err, codes.Unavailable)
}

type failingPool struct {
	Pool
	err error
}

func (f failingPool) Start(context.Context, string) error { return f.err }

func TestToStatusError(t *testing.T) {
	svc := NewService(failingPool{err: errors.New("disk on fire")}, nil, testLogger())

	_, err := svc.Start(context.Background(), &BranchRequest{BranchID: "B1"})
	requireCode(t, err, codes.Internal)
	assert.NotContains(t, err.Error(), "disk on fire", "unexpected errors are not leaked to clients")

	tests := []struct {
		err  error
		want codes.Code
	}{
		{&session.StateError{Op: "send", BranchID: "B1", State: session.StatePairing, Err: session.ErrChannelNotReady}, codes.FailedPrecondition},
		{&session.StateError{Op: "pairing_artifact", BranchID: "B1", State: session.StateReady, Err: session.ErrPairingUnavailable}, codes.FailedPrecondition},
		{&session.DeliveryError{BranchID: "B1", To: "A1", Err: session.ErrTimedOut}, codes.Unavailable},
		{session.ErrTimedOut, codes.DeadlineExceeded},
		{session.ErrPoolClosed, codes.Unavailable},
		{context.Canceled, codes.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			requireCode(t, svc.toStatusError("op", "B1", tt.err), tt.want)
		})
	}
}

func TestServiceDesc(t *testing.T) {
	assert.Equal(t, "branchline.admin.v1.AdminService", ServiceDesc.ServiceName)
	names := make([]string, 0, len(ServiceDesc.Methods))
	for _, m := range ServiceDesc.Methods {
		names = append(names, m.MethodName)
	}
	assert.Equal(t, []string{"Start", "Status", "PairingArtifact", "Send", "Disconnect", "Logout", "PoolHealth"}, names)
}
