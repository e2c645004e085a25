// ABOUTME: Background workers fed by session pool watches
// ABOUTME: Mirrors state changes into the store and into per-branch gRPC health, and restores sessions on boot

package gateway

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/branchline/internal/session"
	"github.com/2389/branchline/internal/store"
)

const statusSaveTimeout = 5 * time.Second

// HealthService is the gRPC health service name reported for a branch.
// It is SERVING exactly while the branch session is READY.
func HealthService(branchID string) string {
	return "branch/" + branchID
}

// toStatus converts a pool record to its persisted mirror.
func toStatus(rec session.Record) *store.SessionStatus {
	return &store.SessionStatus{
		BranchID:    rec.BranchID,
		State:       rec.State.String(),
		LastReadyAt: rec.LastReadyAt,
		RetryCount:  rec.RetryCount,
		LastError:   rec.LastError,
		UpdatedAt:   rec.UpdatedAt,

		ReconnectExhausted: rec.ReconnectExhausted,
	}
}

// persistStatuses saves every committed transition until changes closes.
// Failures are logged; the pool stays authoritative.
func (g *Gateway) persistStatuses(changes <-chan session.StateChange) {
	for change := range changes {
		ctx, cancel := context.WithTimeout(context.Background(), statusSaveTimeout)
		err := g.store.SaveSessionStatus(ctx, toStatus(change.Record))
		cancel()
		if err != nil {
			g.logger.Error("failed to persist session status",
				"error", err,
				"branch_id", change.BranchID,
				"state", change.To.String())
			continue
		}
		g.logger.Debug("session status persisted",
			"branch_id", change.BranchID,
			"state", change.To.String(),
			"cause", change.Cause)
	}
}

func servingStatus(s session.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == session.StateReady {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// initHealth marks the server SERVING and every known branch per its current state.
func (g *Gateway) initHealth(ctx context.Context) {
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	branches, err := g.store.ListBranches(ctx)
	if err != nil {
		g.logger.Warn("failed to list branches for health", "error", err)
		return
	}
	for _, b := range branches {
		g.health.SetServingStatus(HealthService(b.ID), servingStatus(g.pool.Status(b.ID).State))
	}
}

// syncHealth follows state changes until changes closes.
func (g *Gateway) syncHealth(changes <-chan session.StateChange) {
	for change := range changes {
		g.health.SetServingStatus(HealthService(change.BranchID), servingStatus(change.To))
	}
}

// restoreSessions starts every branch whose last persisted state shows it
// was paired: READY or AUTHENTICATED. Anything else needs an operator.
func (g *Gateway) restoreSessions(ctx context.Context) {
	statuses, err := g.store.ListSessionStatuses(ctx)
	if err != nil {
		g.logger.Error("failed to load session statuses", "error", err)
		return
	}

	restored := 0
	for _, st := range statuses {
		state, ok := session.ParseState(st.State)
		if !ok || (state != session.StateReady && state != session.StateAuthenticated) {
			continue
		}
		if err := g.pool.Start(ctx, st.BranchID); err != nil {
			g.logger.Warn("failed to restore session", "branch_id", st.BranchID, "error", err)
			continue
		}
		restored++
	}
	g.logger.Info("sessions restored", "count", restored, "known", len(statuses))
}
