// ABOUTME: Offline inspection commands reading the gateway database directly
// ABOUTME: branches lists the catalog, status shows the last persisted session state

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/branchline/internal/store"
)

// statusView is the JSON shape of one persisted session status.
type statusView struct {
	BranchID    string     `json:"branch_id"`
	Name        string     `json:"name,omitempty"`
	State       string     `json:"state"`
	RetryCount  int        `json:"retry_count"`
	LastReadyAt *time.Time `json:"last_ready_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`

	ReconnectExhausted bool `json:"reconnect_exhausted"`
}

func (o *rootOptions) openStore() (*store.SQLiteStore, error) {
	cfg, _, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.OpenSQLite(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

// collectStatuses joins the branch catalog with persisted statuses. Branches
// that never had a session report UNINITIALIZED.
func collectStatuses(ctx context.Context, s store.Store, branchID string) ([]statusView, error) {
	if branchID != "" {
		b, err := s.GetBranch(ctx, branchID)
		if err != nil {
			return nil, fmt.Errorf("branch %s: %w", branchID, err)
		}
		v, err := viewFor(ctx, s, b)
		if err != nil {
			return nil, err
		}
		return []statusView{v}, nil
	}

	branches, err := s.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	views := make([]statusView, 0, len(branches))
	for _, b := range branches {
		v, err := viewFor(ctx, s, b)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].BranchID < views[j].BranchID })
	return views, nil
}

func viewFor(ctx context.Context, s store.Store, b *store.Branch) (statusView, error) {
	v := statusView{BranchID: b.ID, Name: b.Name, State: "UNINITIALIZED"}
	st, err := s.GetSessionStatus(ctx, b.ID)
	if errors.Is(err, store.ErrNotFound) {
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("status of %s: %w", b.ID, err)
	}
	updated := st.UpdatedAt
	v.State = st.State
	v.RetryCount = st.RetryCount
	v.LastReadyAt = st.LastReadyAt
	v.LastError = st.LastError
	v.ReconnectExhausted = st.ReconnectExhausted
	v.UpdatedAt = &updated
	return v, nil
}

func stateColor(state string) *color.Color {
	switch state {
	case "READY":
		return color.New(color.FgGreen)
	case "PAIRING", "INITIALIZING", "AUTHENTICATED":
		return color.New(color.FgYellow)
	case "DISCONNECTED", "AUTH_FAILED":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlack)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func writeStatusTable(w io.Writer, views []statusView) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "no branches")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BRANCH\tNAME\tSTATE\tRETRIES\tLAST READY\tLAST ERROR")
	for _, v := range views {
		lastErr := v.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		retries := fmt.Sprint(v.RetryCount)
		if v.ReconnectExhausted {
			retries += " (gave up)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.BranchID, v.Name, stateColor(v.State).Sprint(v.State), retries, formatTime(v.LastReadyAt), lastErr)
	}
	return tw.Flush()
}

func newBranchesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "branches",
		Short: "List catalog branches with their last known session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			branches, err := s.ListBranches(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing branches: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(branches) == 0 {
				fmt.Fprintln(out, "no branches")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "BRANCH\tNAME\tSTATE")
			for _, b := range branches {
				v, err := viewFor(cmd.Context(), s, b)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", b.ID, b.Name, stateColor(v.State).Sprint(v.State))
			}
			return tw.Flush()
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [branch]",
		Short: "Show the persisted session status of every branch, or of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			var branchID string
			if len(args) == 1 {
				branchID = args[0]
			}
			views, err := collectStatuses(cmd.Context(), s, branchID)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			return writeStatusTable(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
