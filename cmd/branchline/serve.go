// ABOUTME: The serve command: prints the banner and config summary, then runs the gateway
// ABOUTME: Also drops each fresh pairing QR code next to the branch's session artifacts

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/branchline/internal/config"
	"github.com/2389/branchline/internal/gateway"
	"github.com/2389/branchline/internal/session"
)

const banner = `
  _                           _     _ _
 | |__  _ __ __ _ _ __   ___| |__ | (_)_ __   ___
 | '_ \| '__/ _' | '_ \ / __| '_ \| | | '_ \ / _ \
 | |_) | | | (_| | | | | (__| | | | | | | | |  __/
 |_.__/|_|  \__,_|_| |_|\___|_| |_|_|_|_| |_|\___|
`

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and keep every branch session alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printSummary(out, cfg, path)

			logger := setupLogger(cfg.Logging, out)
			logger.Info("starting branchline",
				"config", path,
				"grpc_addr", cfg.Server.GRPCAddr,
				"driver", cfg.Channels.Driver,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}

			// Subscribe before Run so the first pairing code is not missed.
			changes := gw.Pool().Watch(cmd.Context(), session.AllBranches, 64)
			go writePairingCodes(changes, gw.Pool(), cfg.Sessions.Dir, logger)

			return gw.Run(cmd.Context())
		},
	}
}

func printSummary(w io.Writer, cfg *config.Config, path string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	gray.Fprintf(w, "    version: %s\n\n", version)

	line := func(label, value string) {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "%-10s %s\n", label+":", value)
	}
	line("Config", path)
	line("gRPC", cfg.Server.GRPCAddr)
	line("Database", cfg.Database.Path+" ("+cfg.Database.Driver+")")
	line("Sessions", cfg.Sessions.Dir)
	line("Channel", cfg.Channels.Driver)
	if cfg.Catalog.Path != "" {
		line("Catalog", cfg.Catalog.Path)
	}
	if !cfg.Sessions.ShouldRestore() {
		yellow.Fprintln(w, "    ! session restore on boot is disabled")
	}
	fmt.Fprintln(w)
}

// pairingPath is where the current QR code of a pairing branch is written.
func pairingPath(sessionsDir, branchID string) string {
	return filepath.Join(sessionsDir, "branch_"+branchID, "pairing.png")
}

// writePairingCodes saves every issued pairing QR code to disk so an operator
// can scan it, and removes it once the branch leaves PAIRING.
func writePairingCodes(changes <-chan session.StateChange, pool *session.Pool, sessionsDir string, logger *slog.Logger) {
	logger = logger.With("component", "pairing")
	for change := range changes {
		path := pairingPath(sessionsDir, change.BranchID)

		if change.To != session.StatePairing {
			if change.From == session.StatePairing {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					logger.Warn("failed to remove pairing code", "branch_id", change.BranchID, "error", err)
				}
			}
			continue
		}

		art, err := pool.PairingArtifact(change.BranchID)
		if err != nil {
			logger.Debug("pairing code no longer available", "branch_id", change.BranchID, "error", err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			logger.Warn("failed to create pairing directory", "branch_id", change.BranchID, "error", err)
			continue
		}
		if err := os.WriteFile(path, art.PNG, 0600); err != nil {
			logger.Warn("failed to write pairing code", "branch_id", change.BranchID, "error", err)
			continue
		}
		logger.Info("pairing code ready",
			"branch_id", change.BranchID,
			"path", path,
			"fingerprint", art.Fingerprint,
			"expires_at", art.ExpiresAt,
		)
	}
}
