package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rfusync/internal/session"
	"github.com/roach88/rfusync/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	State     string
	Changeset string
	Limit     int
	ID        string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded upload attempts",
		Long: `List the upload attempts recorded in the journal, oldest first.

A changeset in state "unclosed" was accepted by the server but could not
be closed; it has no other local trace.

Examples:
  rfusync history --state unclosed
  rfusync history --limit 5
  rfusync history --id 01920cb2-7a0e-7c3f-9d55-3a8f2b6f1c20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "", "only uploads in this state (pending|closed|unclosed|rejected|failed)")
	cmd.Flags().StringVar(&opts.Changeset, "changeset", "", "only uploads of this changeset id")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "only the most recent uploads")
	cmd.Flags().StringVar(&opts.ID, "id", "", "show one upload with its server messages")

	return cmd
}

var historyStates = []string{
	"pending",
	session.OutcomeClosed,
	session.OutcomeUnclosed,
	session.OutcomeRejected,
	session.OutcomeFailed,
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	a, err := newApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	if opts.State != "" && !validState(opts.State) {
		return a.fail(ExitCommandError, "INVALID_FLAG",
			fmt.Errorf("invalid state %q: must be one of %v", opts.State, historyStates))
	}

	journal, err := a.journal()
	if err != nil {
		return err
	}
	defer journal.Close()

	if opts.ID != "" {
		u, err := journal.Upload(cmd.Context(), opts.ID)
		if errors.Is(err, store.ErrUploadNotFound) {
			return a.fail(ExitCommandError, "NOT_FOUND", err)
		}
		if err != nil {
			return a.fail(ExitFailure, "DATABASE_ERROR", err)
		}
		return a.out.Success(u, formatUploadDetail(&u))
	}

	uploads, err := journal.ListUploads(cmd.Context(), store.Filter{
		State:     opts.State,
		Changeset: opts.Changeset,
		Limit:     opts.Limit,
	})
	if err != nil {
		return a.fail(ExitFailure, "DATABASE_ERROR", err)
	}

	var b strings.Builder
	if len(uploads) == 0 {
		b.WriteString("No upload recorded\n")
	}
	for _, u := range uploads {
		changeset := u.Changeset
		if changeset == "" {
			changeset = "-"
		}
		fmt.Fprintf(&b, "%4d  %s  %-8s  changeset %-6s  dossier %s  %d changes\n",
			u.Seq, u.StartedAt, u.State, changeset, u.Reference, u.Counts.Total())
	}
	return a.out.Success(uploads, b.String())
}

func validState(s string) bool {
	for _, v := range historyStates {
		if v == s {
			return true
		}
	}
	return false
}

func formatUploadDetail(u *store.Upload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Upload %s (#%d)\n", u.ID, u.Seq)
	fmt.Fprintf(&b, "  state: %s\n", u.State)
	fmt.Fprintf(&b, "  started: %s\n", u.StartedAt)
	if u.FinishedAt != "" {
		fmt.Fprintf(&b, "  finished: %s\n", u.FinishedAt)
	}
	if u.Changeset != "" {
		fmt.Fprintf(&b, "  changeset: %s\n", u.Changeset)
	}
	fmt.Fprintf(&b, "  dossier: %s (id %s, zone %s)\n", u.Reference, u.DossierID, u.Zone)
	fmt.Fprintf(&b, "  comment: %s\n", u.Comment)
	fmt.Fprintf(&b, "  exported: %d, outside the working area: %d\n", u.Exported, u.Excluded)
	if u.Err != "" {
		fmt.Fprintf(&b, "  error: %s\n", u.Err)
	}
	for _, m := range u.Messages {
		fmt.Fprintf(&b, "  %s\n", m)
	}
	return b.String()
}
