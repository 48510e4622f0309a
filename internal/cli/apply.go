package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/bounds"
	"github.com/roach88/rfusync/internal/config"
	"github.com/roach88/rfusync/internal/editscript"
	"github.com/roach88/rfusync/internal/ledger"
	"github.com/roach88/rfusync/internal/rfu"
	"github.com/roach88/rfusync/internal/session"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	DryRun     bool
	Dossier    string
	Comment    string
	Document   string
	Quarantine string
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <script.yaml>",
		Short: "Apply an edit script and upload the changes",
		Long: `Download the working area of an edit script, apply its edits and
upload them as one changeset filed under the script's dossier.

Added features outside the working area are not uploaded. Use --quarantine
to write them to a GeoJSON file. With --dry-run nothing is sent: the
changes are counted and the changeset document can be written with
--document.

Every upload attempt is recorded in the journal (see 'rfusync history').

Examples:
  rfusync apply lot12.yaml
  rfusync apply lot12.yaml --dossier 2024-017 --comment "bornage lot 12"
  rfusync apply lot12.yaml --dry-run --document lot12.xml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "compute the changeset without sending it")
	cmd.Flags().StringVar(&opts.Dossier, "dossier", "", "dossier reference (overrides the script)")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "changeset comment (overrides the script)")
	cmd.Flags().StringVar(&opts.Document, "document", "", "write the changeset document to a file (with --dry-run)")
	cmd.Flags().StringVar(&opts.Quarantine, "quarantine", "", "write features left out of the upload to a GeoJSON file")

	return cmd
}

func runApply(opts *ApplyOptions, cmd *cobra.Command, path string) error {
	a, err := newApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	script, err := editscript.Load(path)
	if err != nil {
		if errors.Is(err, editscript.ErrInvalidScript) {
			return a.report(err)
		}
		return a.fail(ExitCommandError, "READ_ERROR", err)
	}
	client, err := a.client()
	if err != nil {
		return err
	}

	sessionOpts := []session.Option{session.WithLogger(opts.Logger())}
	if chooser, ok := terminalChooser(cmd.InOrStdin(), cmd.ErrOrStderr()); ok {
		sessionOpts = append(sessionOpts, session.WithChooser(chooser))
	}
	if !opts.DryRun {
		journal, err := a.journal()
		if err != nil {
			return err
		}
		defer journal.Close()
		sessionOpts = append(sessionOpts, session.WithJournal(journal))
	}
	o := session.New(client, sessionOpts...)

	ctx := cmd.Context()
	s, err := o.Download(ctx, script.Permalink)
	if err != nil {
		return a.report(err)
	}
	if err := a.rememberPermalink(s.Permalink.Raw); err != nil {
		return err
	}

	report, err := a.edit(o, s, script)
	if err != nil {
		return err
	}

	dossier := firstNonEmpty(opts.Dossier, script.Dossier)
	comment := firstNonEmpty(opts.Comment, script.Comment)

	if opts.DryRun {
		return a.dryRun(opts, o, s, report, dossier, comment)
	}

	res, err := o.Upload(ctx, s, session.UploadRequest{DossierRef: dossier, Comment: comment})
	if errors.Is(err, session.ErrNothingToUpload) {
		return a.out.Success(map[string]any{"edits": report, "uploaded": false}, "Nothing to upload\n")
	}
	if err != nil {
		return a.report(err)
	}
	if err := a.writeQuarantine(opts.Quarantine, res.Quarantine); err != nil {
		return err
	}

	data := map[string]any{"edits": report, "upload": res}
	if res.RedownloadErr != nil {
		opts.Logger().Warn("working area could not be downloaded again", "err", res.RedownloadErr)
	}
	if res.CloseErr != nil {
		data["close_error"] = res.CloseErr.Error()
		return a.failWith(ExitFailure, "CHANGESET_UNCLOSED",
			fmt.Errorf("changeset %s was accepted but could not be closed: %w", res.Changeset, res.CloseErr), data)
	}
	return a.out.Success(data, formatUpload(res))
}

// edit applies script on the session surface and commits the edits.
func (a *app) edit(o *session.Orchestrator, s *session.Session, script *editscript.Script) (*editscript.Report, error) {
	surf, err := o.BeginEdit(s)
	if err != nil {
		return nil, a.report(err)
	}

	paramsPath := a.path(config.DXFParamsFile)
	params, err := config.LoadDXFParams(paramsPath)
	if err != nil {
		return nil, a.fail(ExitCommandError, "CONFIG_ERROR", err)
	}

	report, err := editscript.Apply(script, editscript.Env{
		Surface:      surf,
		Capabilities: s.Capabilities,
		Projection:   s.Projection,
		Creator:      defaultCreator(s.Capabilities, a.settings.API.User),
		DXF:          params,
		Logger:       a.opts.Logger(),
	})
	if err != nil {
		return nil, a.report(err)
	}
	if usesDXF(script) {
		if err := config.SaveDXFParams(paramsPath, params); err != nil {
			return nil, a.fail(ExitCommandError, "CONFIG_ERROR", err)
		}
	}

	if err := o.CommitEdits(s); err != nil {
		return nil, a.report(err)
	}
	return report, nil
}

func (a *app) dryRun(opts *ApplyOptions, o *session.Orchestrator, s *session.Session, report *editscript.Report, dossier, comment string) error {
	res, err := o.DryRun(s)
	if err != nil {
		return a.report(err)
	}
	if opts.Document != "" {
		if err := os.WriteFile(opts.Document, res.Document, 0o644); err != nil {
			return a.fail(ExitCommandError, "WRITE_ERROR", err)
		}
	}
	if err := a.writeQuarantine(opts.Quarantine, res.Quarantine); err != nil {
		return err
	}

	data := map[string]any{
		"edits":    report,
		"dry_run":  res,
		"dossier":  dossier,
		"comment":  session.BuildComment(comment, dossier),
		"uploaded": false,
	}
	var b strings.Builder
	b.WriteString("Dry run, nothing sent\n")
	writeCounts(&b, res.Counts)
	fmt.Fprintf(&b, "  exported: %d, outside the working area: %d\n", res.Exported, res.Excluded)
	return a.out.Success(data, b.String())
}

func (a *app) writeQuarantine(path string, q *bounds.Quarantine) error {
	if path == "" || q == nil {
		return nil
	}
	fc := featureCollection(map[string]*rfu.Collection{
		bounds.QuarantineVertices: q.Vertices,
		bounds.QuarantineEdges:    q.Edges,
	}, bounds.QuarantineVertices, bounds.QuarantineEdges)
	if err := writeGeoJSON(path, fc); err != nil {
		return a.fail(ExitCommandError, "WRITE_ERROR", err)
	}
	return nil
}

func formatUpload(res *session.UploadResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Changeset %s accepted for dossier %s (id %s)\n", res.Changeset, res.Dossier.Reference, res.Dossier.ID)
	writeCounts(&b, res.Counts)
	fmt.Fprintf(&b, "  exported: %d", res.Exported)
	if res.Excluded > 0 {
		fmt.Fprintf(&b, ", outside the working area: %d", res.Excluded)
	}
	b.WriteString("\n")
	for _, m := range res.Messages {
		fmt.Fprintf(&b, "  %s\n", m)
	}
	return b.String()
}

func writeCounts(b *strings.Builder, c ledger.Counts) {
	fmt.Fprintf(b, "  vertices: %d added, %d modified, %d removed\n", c.VerticesAdded, c.VerticesModified, c.VerticesRemoved)
	fmt.Fprintf(b, "  edges: %d added, %d modified, %d removed\n", c.EdgesAdded, c.EdgesModified, c.EdgesRemoved)
}

// defaultCreator is the user when the zone allows them as creator, else
// the first allowed creator, else the user.
func defaultCreator(caps *api.Capabilities, user string) string {
	if caps == nil || len(caps.Creators) == 0 || (user != "" && caps.HasCreator(user)) {
		return user
	}
	return caps.Creators[0].ID
}

func usesDXF(s *editscript.Script) bool {
	for _, st := range s.Edits {
		if st.Op == editscript.OpImportDXF {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
