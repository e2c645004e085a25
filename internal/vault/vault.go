// ABOUTME: Per-branch on-disk session artifacts sealed with age
// ABOUTME: Records are CBOR-encoded then encrypted to the gateway's X25519 identity

package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
)

// ErrNotFound is returned by Open when no sealed record exists.
var ErrNotFound = errors.New("sealed record not found")

var safeName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Vault stores sealed per-branch artifacts under <root>/branch_<id>.
type Vault struct {
	root      string
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	enc       cbor.EncMode
	logger    *slog.Logger
}

// New opens a vault rooted at root. The age identity at identityFile is
// loaded, or generated and written with 0600 permissions if missing.
func New(root, identityFile string, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vault")

	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating vault root: %w", err)
	}

	identity, err := loadOrCreateIdentity(identityFile, logger)
	if err != nil {
		return nil, err
	}

	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("building CBOR encoder: %w", err)
	}

	return &Vault{
		root:      root,
		identity:  identity,
		recipient: identity.Recipient(),
		enc:       enc,
		logger:    logger,
	}, nil
}

func loadOrCreateIdentity(path string, logger *slog.Logger) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing identity %s: %w", path, err)
		}
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	logger.Info("generated vault identity", "path", path, "recipient", identity.Recipient().String())
	return identity, nil
}

// Recipient is the public half of the vault identity.
func (v *Vault) Recipient() string {
	return v.recipient.String()
}

// Dir returns the artifact directory for a branch.
func (v *Vault) Dir(branchID string) string {
	return filepath.Join(v.root, "branch_"+branchID)
}

func (v *Vault) recordPath(branchID, name string) (string, error) {
	if !safeName.MatchString(branchID) {
		return "", fmt.Errorf("invalid branch id %q", branchID)
	}
	if !safeName.MatchString(name) {
		return "", fmt.Errorf("invalid record name %q", name)
	}
	return filepath.Join(v.Dir(branchID), name+".age"), nil
}

// Seal encodes value and writes it encrypted as <dir>/<name>.age.
// The write goes through a temp file so a crash never leaves a torn record.
func (v *Vault) Seal(branchID, name string, value any) error {
	path, err := v.recordPath(branchID, name)
	if err != nil {
		return err
	}

	plaintext, err := v.enc.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, v.recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating branch directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing %s: %w", name, err)
	}

	v.logger.Debug("sealed record", "branch_id", branchID, "name", name)
	return nil
}

// Open decrypts <dir>/<name>.age into value. Returns ErrNotFound when absent.
func (v *Vault) Open(branchID, name string, value any) error {
	path, err := v.recordPath(branchID, name)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, v.identity)
	if err != nil {
		return fmt.Errorf("decrypting %s: %w", name, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading decrypted %s: %w", name, err)
	}
	if err := cbor.Unmarshal(plaintext, value); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

// Has reports whether a sealed record exists.
func (v *Vault) Has(branchID, name string) bool {
	path, err := v.recordPath(branchID, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Purge removes every artifact belonging to the branch.
func (v *Vault) Purge(branchID string) error {
	if !safeName.MatchString(branchID) {
		return fmt.Errorf("invalid branch id %q", branchID)
	}
	if err := os.RemoveAll(v.Dir(branchID)); err != nil {
		return fmt.Errorf("purging branch %s: %w", branchID, err)
	}
	v.logger.Info("purged branch artifacts", "branch_id", branchID)
	return nil
}
