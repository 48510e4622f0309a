package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/bounds"
	"github.com/roach88/rfusync/internal/changeset"
	"github.com/roach88/rfusync/internal/ledger"
	"github.com/roach88/rfusync/internal/txn"
)

// DefaultComment is appended to every changeset comment.
const DefaultComment = "Versement depuis rfusync - Dossier %s"

// UploadRequest names the dossier an upload is filed under.
type UploadRequest struct {
	DossierRef string
	Comment    string
}

// UploadResult describes an accepted upload.
type UploadResult struct {
	Changeset string           `json:"changeset"`
	Dossier   api.Dossier      `json:"dossier"`
	Comment   string           `json:"comment"`
	Counts    ledger.Counts    `json:"counts"`
	Exported  int              `json:"exported"`
	Messages  []api.LogMessage `json:"messages"`
	// Quarantine holds the added features left out for being outside the
	// working area. Nil when nothing was excluded.
	Quarantine *bounds.Quarantine `json:"-"`
	Excluded   int                `json:"excluded"`
	// CloseErr is set when the accepted changeset could not be closed.
	CloseErr error `json:"-"`
	// Session is the re-downloaded working area; RedownloadErr is set
	// instead when the download failed.
	Session       *Session `json:"-"`
	RedownloadErr error    `json:"-"`
}

// BuildComment prefixes the default comment of ref with the surveyor's own.
func BuildComment(comment, ref string) string {
	dft := fmt.Sprintf(DefaultComment, ref)
	if c := strings.TrimSpace(comment); c != "" {
		return c + " - " + dft
	}
	return dft
}

// ResolveDossier maps a dossier reference to exactly one dossier of zone.
func (o *Orchestrator) ResolveDossier(ctx context.Context, zone, ref string) (api.Dossier, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return api.Dossier{}, invalid(CodeMissingDossier, "a dossier reference is required")
	}
	matches, err := o.remote.Dossiers(ctx, zone, ref)
	if err != nil {
		return api.Dossier{}, fmt.Errorf("resolve dossier %q: %w", ref, err)
	}
	switch len(matches) {
	case 0:
		return api.Dossier{}, invalid(CodeUnknownDossier, "dossier %q does not exist", ref)
	case 1:
		return matches[0], nil
	}
	if o.chooser == nil {
		return api.Dossier{}, &MultipleMatchesError{Reference: ref, Matches: matches}
	}
	chosen, ok, err := o.chooser.Choose(ref, matches)
	if err != nil {
		return api.Dossier{}, fmt.Errorf("resolve dossier %q: %w", ref, err)
	}
	if !ok || chosen.ID == "" {
		return api.Dossier{}, ErrUploadCancelled
	}
	return chosen, nil
}

// Upload sends the session ledger as one changeset.
//
// Nothing changes until the edit is accepted: on failure the ledger is
// kept and the session is editable again. Once accepted, the changeset
// close is attempted once, the ledger is drained, and the same permalink
// is downloaded again; the new session is in the result.
func (o *Orchestrator) Upload(ctx context.Context, s *Session, req UploadRequest) (*UploadResult, error) {
	switch s.state {
	case StateEditing:
		return nil, ErrEditInProgress
	case StateDownloaded:
	default:
		return nil, fmt.Errorf("upload: %w (session is %s)", ErrNoSession, s.state)
	}
	if s.Ledger.Empty() {
		return nil, ErrNothingToUpload
	}

	dossier, err := o.ResolveDossier(ctx, s.Zone(), req.DossierRef)
	if err != nil {
		return nil, err
	}

	res := &UploadResult{
		Dossier: dossier,
		Comment: BuildComment(req.Comment, strings.TrimSpace(req.DossierRef)),
		Counts:  s.Ledger.Counts(),
	}
	s.state = StateUploading

	part := bounds.PartitionLedger(s.Ledger, s.Area)
	doc := changeset.Serialize(s.Ledger, part)
	res.Quarantine, res.Excluded, res.Exported = part.Quarantine, part.Excluded(), doc.Len()
	if res.Excluded > 0 {
		o.logger.Warn("features outside the working area were not uploaded",
			"excluded", res.Excluded,
			"vertices_collection", bounds.QuarantineVertices,
			"edges_collection", bounds.QuarantineEdges)
	}

	entry := o.journalStart(ctx, s, res)
	t := txn.New(o.remote, o.logger)

	res.Changeset, err = t.Open(ctx, s.Zone(), dossier.ID, res.Comment)
	if err != nil {
		return nil, o.uploadFailed(ctx, s, entry, t, err)
	}
	res.Messages, err = t.Submit(ctx, doc)
	if err != nil {
		return nil, o.uploadFailed(ctx, s, entry, t, err)
	}

	if err := t.Close(ctx); err != nil {
		res.CloseErr = err
		o.logger.Error("changeset accepted but not closed", "changeset", res.Changeset, "err", err)
	}
	o.journalFinish(ctx, entry, Outcome{
		Changeset: res.Changeset,
		State:     outcomeState(res.CloseErr),
		Messages:  res.Messages,
		Exported:  res.Exported,
		Excluded:  res.Excluded,
		Err:       errText(res.CloseErr),
	})

	s.Ledger.Reset()
	permalink := s.Permalink.Raw
	o.Reset(s)
	res.Session, res.RedownloadErr = o.Download(ctx, permalink)
	if res.RedownloadErr != nil {
		o.logger.Error("re-download after upload failed", "err", res.RedownloadErr)
	}
	return res, nil
}

// uploadFailed returns the session to editing with its ledger intact.
func (o *Orchestrator) uploadFailed(ctx context.Context, s *Session, entry string, t *txn.Client, err error) error {
	state := OutcomeFailed
	if api.IsRemoteRejected(err) {
		state = OutcomeRejected
	}
	outcome := Outcome{Changeset: t.Changeset(), State: state, Err: err.Error(), Messages: []api.LogMessage{}}
	if rej, ok := asRejected(err); ok {
		outcome.Messages = rej.Messages
	}
	o.journalFinish(ctx, entry, outcome)

	s.state = StateDownloaded
	if _, berr := o.BeginEdit(s); berr != nil {
		o.logger.Error("could not reopen editing", "err", berr)
	}
	return fmt.Errorf("upload: %w", err)
}

// DryRunResult is an upload computed without contacting the server.
type DryRunResult struct {
	Counts     ledger.Counts      `json:"counts"`
	Exported   int                `json:"exported"`
	Excluded   int                `json:"excluded"`
	Document   []byte             `json:"-"`
	Quarantine *bounds.Quarantine `json:"-"`
}

// DryRun partitions and serializes the ledger as Upload would. The
// document carries no changeset id.
func (o *Orchestrator) DryRun(s *Session) (*DryRunResult, error) {
	if s.Ledger == nil {
		return nil, ErrNoSession
	}
	part := bounds.PartitionLedger(s.Ledger, s.Area)
	doc := changeset.Serialize(s.Ledger, part)
	body, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("dry run: %w", err)
	}
	return &DryRunResult{
		Counts:     s.Ledger.Counts(),
		Exported:   doc.Len(),
		Excluded:   part.Excluded(),
		Document:   body,
		Quarantine: part.Quarantine,
	}, nil
}

func outcomeState(closeErr error) string {
	if closeErr != nil {
		return OutcomeUnclosed
	}
	return OutcomeClosed
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
