// ABOUTME: Operator commands that drive a running gateway's sessions over gRPC
// ABOUTME: start, pair, send, disconnect, logout and sessions talk to the admin service

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/2389/branchline/internal/admin"
)

// remoteFlags are shared by every command that talks to a running gateway.
type remoteFlags struct {
	addr    string
	timeout time.Duration
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "gateway gRPC address (default: server.grpc_addr from config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "how long to wait for the gateway")
}

// resolve returns --addr, falling back to the configured listen address.
func (f *remoteFlags) resolve(opts *rootOptions) (string, error) {
	if f.addr != "" {
		return f.addr, nil
	}
	cfg, _, err := opts.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Server.GRPCAddr, nil
}

// withAdmin dials the gateway and runs fn with a client bounded by --timeout.
func (f *remoteFlags) withAdmin(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, c *admin.Client) error) error {
	addr, err := f.resolve(opts)
	if err != nil {
		return err
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()
	return fn(ctx, admin.NewClient(conn))
}

// rpcError turns a gRPC status into a one-line CLI error.
func rpcError(op string, err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s (%s)", op, st.Message(), st.Code())
	}
	return fmt.Errorf("%s: %w", op, err)
}

func printBranchStatus(w io.Writer, st *admin.BranchStatus) {
	fmt.Fprintf(w, "%s %s\n", st.BranchID, stateColor(st.State).Sprint(st.State))
	if st.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", st.LastError)
	}
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "start <branch>",
		Short: "Start or restart a branch session on a running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd, opts, func(ctx context.Context, c *admin.Client) error {
				st, err := c.Start(ctx, args[0])
				if err != nil {
					return rpcError("start", err)
				}
				printBranchStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newPairCmd(opts *rootOptions) *cobra.Command {
	var (
		flags remoteFlags
		out   string
	)
	cmd := &cobra.Command{
		Use:   "pair <branch>",
		Short: "Show the pairing code of a branch waiting to be linked",
		Long:  "pair prints the one-time pairing code of a PAIRING branch. With --out the QR image is written as a PNG.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd, opts, func(ctx context.Context, c *admin.Client) error {
				p, err := c.PairingArtifact(ctx, args[0])
				if err != nil {
					return rpcError("pair", err)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "branch:      %s\n", p.BranchID)
				fmt.Fprintf(w, "code:        %s\n", p.Code)
				fmt.Fprintf(w, "fingerprint: %s\n", p.Fingerprint)
				fmt.Fprintf(w, "expires:     %s\n", p.ExpiresAt.Local().Format(time.RFC3339))
				if out == "" {
					return nil
				}
				if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
					return fmt.Errorf("creating directory for %s: %w", out, err)
				}
				if err := os.WriteFile(out, p.PNG, 0o600); err != nil {
					return fmt.Errorf("writing pairing image: %w", err)
				}
				fmt.Fprintf(w, "image:       %s\n", out)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the pairing QR code to this PNG file")
	return cmd
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "send <branch> <address> <text...>",
		Short: "Send a message through a READY branch",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[2:], " ")
			return flags.withAdmin(cmd, opts, func(ctx context.Context, c *admin.Client) error {
				if err := c.Send(ctx, args[0], args[1], text); err != nil {
					return rpcError("send", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent to %s via %s\n", args[1], args[0])
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newDisconnectCmd(opts *rootOptions) *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "disconnect <branch>",
		Short: "Drop a branch session without retrying; credentials are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd, opts, func(ctx context.Context, c *admin.Client) error {
				st, err := c.Disconnect(ctx, args[0])
				if err != nil {
					return rpcError("disconnect", err)
				}
				printBranchStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "logout <branch>",
		Short: "Log a branch out and delete its stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd, opts, func(ctx context.Context, c *admin.Client) error {
				st, err := c.Logout(ctx, args[0])
				if err != nil {
					return rpcError("logout", err)
				}
				printBranchStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live session health from a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd, opts, func(ctx context.Context, c *admin.Client) error {
				resp, err := c.PoolHealth(ctx)
				if err != nil {
					return rpcError("sessions", err)
				}
				return writeSessionTable(cmd.OutOrStdout(), resp.Branches)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func writeSessionTable(w io.Writer, branches []admin.BranchStatus) error {
	if len(branches) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BRANCH\tSTATE\tRETRIES\tLAST READY\tLAST ERROR")
	for _, b := range branches {
		retries := fmt.Sprint(b.RetryCount)
		if b.ReconnectExhausted {
			retries += " (gave up)"
		}
		lastErr := b.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.BranchID, stateColor(b.State).Sprint(b.State), retries, formatTime(b.LastReadyAt), lastErr)
	}
	return tw.Flush()
}
