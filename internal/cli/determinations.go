package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/rfu"
)

// DeterminationsOptions holds flags shared by the determination commands.
type DeterminationsOptions struct {
	*RootOptions
	Zone string
}

// NewDeterminationsCommand creates the determinations command.
func NewDeterminationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeterminationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "determinations <id_noeud>",
		Short:         "List the determinations of a vertex",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeterminations(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Zone, "zone", "", "service zone (default: zone of the current permalink)")

	return cmd
}

// NewCancelDeterminationCommand creates the cancel-determination command.
func NewCancelDeterminationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeterminationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel-determination <id_noeud> <det_id>",
		Short: "Cancel a determination of a vertex",
		Long: `Cancel one determination of a vertex.

A determination already cancelled, or the only valid determination of the
vertex, cannot be cancelled. The determinations are fetched first and the
request is not sent when the rules forbid it.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancelDetermination(opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.Zone, "zone", "", "service zone (default: zone of the current permalink)")

	return cmd
}

func (a *app) parseNode(arg string) (rfu.RemoteID, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, a.fail(ExitCommandError, "INVALID_ARGUMENT", fmt.Errorf("invalid vertex id %q", arg))
	}
	return rfu.RemoteID(id), nil
}

func runDeterminations(opts *DeterminationsOptions, cmd *cobra.Command, arg string) error {
	a, err := newApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	node, err := a.parseNode(arg)
	if err != nil {
		return err
	}
	client, err := a.client()
	if err != nil {
		return err
	}

	zone := opts.Zone
	if zone == "" {
		zone = a.currentZone()
	}
	dets, err := client.Determinations(cmd.Context(), node, zone)
	if err != nil {
		return a.report(err)
	}
	return a.out.Success(dets, formatDeterminations(dets))
}

func runCancelDetermination(opts *DeterminationsOptions, cmd *cobra.Command, arg, det string) error {
	a, err := newApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	node, err := a.parseNode(arg)
	if err != nil {
		return err
	}
	client, err := a.client()
	if err != nil {
		return err
	}

	zone := opts.Zone
	if zone == "" {
		zone = a.currentZone()
	}
	ctx := cmd.Context()
	dets, err := client.Determinations(ctx, node, zone)
	if err != nil {
		return a.report(err)
	}
	if err := dets.CheckCancel(det); err != nil {
		return a.report(err)
	}
	if err := client.CancelDetermination(ctx, node, det, zone); err != nil {
		return a.report(err)
	}
	opts.Logger().Info("determination cancelled", "node", int64(node), "determination", det, "zone", zone)

	return a.out.Success(map[string]any{
		"id_noeud":      node,
		"determination": det,
		"cancelled":     true,
	}, fmt.Sprintf("Determination %s of vertex %d cancelled\n", det, node))
}

func formatDeterminations(d *api.Determinations) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vertex %d: %d determinations, %d valid\n", d.Node, len(d.Entries), d.Active())
	if d.Message != "" {
		fmt.Fprintf(&b, "  %s\n", d.Message)
	}
	for _, e := range d.Entries {
		status := "valid"
		if !e.Active {
			status = "cancelled " + e.StatusDate
		}
		attested := ""
		if e.Attested {
			attested = " attested"
		}
		fmt.Fprintf(&b, "  %-4s %s  %s  x=%s y=%s %s class %s tolerance %s%s  (%s)\n",
			e.ID, e.Date, e.Creator,
			rfu.FormatFloat(e.X), rfu.FormatFloat(e.Y), e.SRS,
			e.Class, rfu.FormatFloat(e.Tolerance), attested, status)
	}
	return b.String()
}
