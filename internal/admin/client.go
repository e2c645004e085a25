// ABOUTME: AdminService client used by the branchline CLI
// ABOUTME: Invokes each method over an existing connection with the CBOR codec

package admin

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls AdminService over conn.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn. The caller owns and closes the connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(CodecName))
}

// Start starts a branch session.
func (c *Client) Start(ctx context.Context, branchID string) (*BranchStatus, error) {
	out := new(BranchStatus)
	if err := c.invoke(ctx, "Start", &BranchRequest{BranchID: branchID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches a branch's live session record.
func (c *Client) Status(ctx context.Context, branchID string) (*BranchStatus, error) {
	out := new(BranchStatus)
	if err := c.invoke(ctx, "Status", &BranchRequest{BranchID: branchID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PairingArtifact fetches the pairing code and QR image of a PAIRING branch.
func (c *Client) PairingArtifact(ctx context.Context, branchID string) (*Pairing, error) {
	out := new(Pairing)
	if err := c.invoke(ctx, "PairingArtifact", &BranchRequest{BranchID: branchID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Send delivers text to address through a READY branch.
func (c *Client) Send(ctx context.Context, branchID, address, text string) error {
	req := &SendRequest{BranchID: branchID, Address: address, Text: text}
	return c.invoke(ctx, "Send", req, new(Empty))
}

// Disconnect drops a branch's live session.
func (c *Client) Disconnect(ctx context.Context, branchID string) (*BranchStatus, error) {
	out := new(BranchStatus)
	if err := c.invoke(ctx, "Disconnect", &BranchRequest{BranchID: branchID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Logout invalidates a branch's credentials.
func (c *Client) Logout(ctx context.Context, branchID string) (*BranchStatus, error) {
	out := new(BranchStatus)
	if err := c.invoke(ctx, "Logout", &BranchRequest{BranchID: branchID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PoolHealth lists every branch the gateway's pool has seen.
func (c *Client) PoolHealth(ctx context.Context) (*PoolHealthResponse, error) {
	out := new(PoolHealthResponse)
	if err := c.invoke(ctx, "PoolHealth", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
