// ABOUTME: AdminService handlers driving the session pool
// ABOUTME: Validates requests and maps pool errors onto gRPC status codes

package admin

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/branchline/internal/session"
	"github.com/2389/branchline/internal/store"
)

// Pool is the session surface the service drives. *session.Pool satisfies it.
type Pool interface {
	Start(ctx context.Context, branchID string) error
	Status(branchID string) session.Record
	PairingArtifact(branchID string) (session.Artifact, error)
	Send(ctx context.Context, branchID, address, text string) error
	Disconnect(ctx context.Context, branchID string) error
	Logout(ctx context.Context, branchID string) error
	PoolHealth() []session.Health
}

// Service implements AdminServer on top of a Pool.
type Service struct {
	pool     Pool
	branches session.BranchLookup
	logger   *slog.Logger
}

// NewService creates a Service. branches may be nil, in which case Status
// reports UNINITIALIZED for any ID instead of NotFound for unknown ones.
func NewService(pool Pool, branches session.BranchLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:     pool,
		branches: branches,
		logger:   logger.With("component", "admin"),
	}
}

func requireBranch(id string) error {
	if id == "" {
		return status.Error(codes.InvalidArgument, "branch_id required")
	}
	return nil
}

// Start starts (or restarts) a branch session and returns its new status.
func (s *Service) Start(ctx context.Context, req *BranchRequest) (*BranchStatus, error) {
	if err := requireBranch(req.BranchID); err != nil {
		return nil, err
	}
	if err := s.pool.Start(ctx, req.BranchID); err != nil {
		return nil, s.toStatusError("start", req.BranchID, err)
	}
	s.logger.Info("session started by operator", "branch_id", req.BranchID)
	return statusFromRecord(s.pool.Status(req.BranchID)), nil
}

// Status returns a branch's current session record.
func (s *Service) Status(ctx context.Context, req *BranchRequest) (*BranchStatus, error) {
	if err := requireBranch(req.BranchID); err != nil {
		return nil, err
	}
	if s.branches != nil {
		if _, err := s.branches.GetBranch(ctx, req.BranchID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, status.Errorf(codes.NotFound, "branch %s not found", req.BranchID)
			}
			return nil, s.toStatusError("status", req.BranchID, err)
		}
	}
	return statusFromRecord(s.pool.Status(req.BranchID)), nil
}

// PairingArtifact returns the pairing code and QR image while the branch is PAIRING.
func (s *Service) PairingArtifact(ctx context.Context, req *BranchRequest) (*Pairing, error) {
	if err := requireBranch(req.BranchID); err != nil {
		return nil, err
	}
	a, err := s.pool.PairingArtifact(req.BranchID)
	if err != nil {
		return nil, s.toStatusError("pairing_artifact", req.BranchID, err)
	}
	s.logger.Info("pairing artifact issued", "branch_id", req.BranchID, "fingerprint", a.Fingerprint)
	return &Pairing{
		BranchID:    a.BranchID,
		Code:        a.Code,
		PNG:         a.PNG,
		Fingerprint: a.Fingerprint,
		IssuedAt:    a.IssuedAt,
		ExpiresAt:   a.ExpiresAt,
	}, nil
}

// Send delivers one message through a READY branch.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*Empty, error) {
	if err := requireBranch(req.BranchID); err != nil {
		return nil, err
	}
	if req.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "address required")
	}
	if req.Text == "" {
		return nil, status.Error(codes.InvalidArgument, "text required")
	}
	if err := s.pool.Send(ctx, req.BranchID, req.Address, req.Text); err != nil {
		return nil, s.toStatusError("send", req.BranchID, err)
	}
	return &Empty{}, nil
}

// Disconnect drops a branch's live session without scheduling a retry.
func (s *Service) Disconnect(ctx context.Context, req *BranchRequest) (*BranchStatus, error) {
	if err := requireBranch(req.BranchID); err != nil {
		return nil, err
	}
	if err := s.pool.Disconnect(ctx, req.BranchID); err != nil {
		return nil, s.toStatusError("disconnect", req.BranchID, err)
	}
	s.logger.Info("session disconnected by operator", "branch_id", req.BranchID)
	return statusFromRecord(s.pool.Status(req.BranchID)), nil
}

// Logout invalidates a branch's credentials and purges its artifacts.
func (s *Service) Logout(ctx context.Context, req *BranchRequest) (*BranchStatus, error) {
	if err := requireBranch(req.BranchID); err != nil {
		return nil, err
	}
	if err := s.pool.Logout(ctx, req.BranchID); err != nil {
		return nil, s.toStatusError("logout", req.BranchID, err)
	}
	s.logger.Info("session logged out by operator", "branch_id", req.BranchID)
	return statusFromRecord(s.pool.Status(req.BranchID)), nil
}

// PoolHealth summarizes every branch the pool has seen.
func (s *Service) PoolHealth(ctx context.Context, _ *Empty) (*PoolHealthResponse, error) {
	hs := s.pool.PoolHealth()
	out := &PoolHealthResponse{Branches: make([]BranchStatus, 0, len(hs))}
	for _, h := range hs {
		out.Branches = append(out.Branches, statusFromHealth(h))
	}
	return out, nil
}

// toStatusError maps pool errors onto gRPC codes. Unexpected errors are
// logged and reported as Internal.
func (s *Service) toStatusError(op, branchID string, err error) error {
	switch {
	case errors.Is(err, session.ErrUnknownBranch):
		return status.Errorf(codes.NotFound, "branch %s not found", branchID)
	case errors.Is(err, session.ErrPoolClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, session.ErrDeliveryFailed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, session.ErrChannelNotReady),
		errors.Is(err, session.ErrPairingUnavailable),
		errors.Is(err, session.ErrAuthenticationFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, session.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	s.logger.Error("admin operation failed", "op", op, "branch_id", branchID, "error", err)
	return status.Errorf(codes.Internal, "%s failed", op)
}
