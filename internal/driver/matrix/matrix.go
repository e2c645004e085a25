// ABOUTME: Matrix channel driver: one bot account per branch, paired by a code DM'd to the bot
// ABOUTME: Credentials are sealed in the vault so restarts skip pairing

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/branchline/internal/driver"
)

const (
	credentialsRecord = "matrix_credentials"
	defaultPairingTTL = 60 * time.Second
	defaultDeviceName = "branchline"
)

// ErrNoAccount is returned by Start for a branch without a configured account.
var ErrNoAccount = errors.New("no matrix account configured for branch")

// Account is a bot login for one branch.
type Account struct {
	UserID   string
	Password string
}

// Config configures the driver.
type Config struct {
	Homeserver string
	Accounts   map[string]Account
	PairingTTL time.Duration
	DeviceName string
}

// CredentialVault persists sealed credentials per branch. *vault.Vault satisfies it.
type CredentialVault interface {
	Seal(branchID, name string, value any) error
	Open(branchID, name string, value any) error
}

// credentials are what a paired branch keeps across restarts.
type credentials struct {
	Homeserver  string
	UserID      string
	DeviceID    string
	AccessToken string
	// Operator is the Matrix user who claimed the pairing code.
	Operator string
	PairedAt time.Time
}

// Driver implements driver.Driver on top of mautrix.
type Driver struct {
	cfg    Config
	vault  CredentialVault
	logger *slog.Logger
}

// New creates a Matrix driver.
func New(cfg Config, vault CredentialVault, logger *slog.Logger) (*Driver, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("matrix: homeserver is required")
	}
	if vault == nil {
		return nil, fmt.Errorf("matrix: credential vault is required")
	}
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = defaultPairingTTL
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:    cfg,
		vault:  vault,
		logger: logger.With("component", "matrix"),
	}, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return "matrix" }

// Start implements driver.Driver. It returns at once; login and sync run in
// the background and report through sink.
func (d *Driver) Start(ctx context.Context, branchID string, sink driver.Sink) (driver.Handle, error) {
	acct, ok := d.cfg.Accounts[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAccount, branchID)
	}

	h := newHandle(d, branchID, acct, sink)
	go h.run()
	return h, nil
}
