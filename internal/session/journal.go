package session

import (
	"context"
	"errors"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/ledger"
)

// Upload outcomes recorded in a Journal.
const (
	OutcomeClosed   = "closed"
	OutcomeUnclosed = "unclosed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Attempt describes an upload about to be sent.
type Attempt struct {
	Zone      string
	Permalink string
	DossierID string
	Reference string
	Comment   string
	Counts    ledger.Counts
}

// Outcome is how an upload attempt ended.
type Outcome struct {
	Changeset string
	State     string
	Messages  []api.LogMessage
	Exported  int
	Excluded  int
	Err       string
}

// Journal keeps a local record of upload attempts. An unclosed changeset
// has no other client-side trace, so journal errors are logged and never
// abort an upload.
type Journal interface {
	StartUpload(ctx context.Context, a Attempt) (id string, err error)
	FinishUpload(ctx context.Context, id string, o Outcome) error
}

func (o *Orchestrator) journalStart(ctx context.Context, s *Session, res *UploadResult) string {
	if o.journal == nil {
		return ""
	}
	id, err := o.journal.StartUpload(ctx, Attempt{
		Zone:      s.Zone(),
		Permalink: s.Permalink.Raw,
		DossierID: res.Dossier.ID,
		Reference: res.Dossier.Reference,
		Comment:   res.Comment,
		Counts:    res.Counts,
	})
	if err != nil {
		o.logger.Warn("journal: could not record upload", "err", err)
		return ""
	}
	return id
}

func (o *Orchestrator) journalFinish(ctx context.Context, id string, out Outcome) {
	if o.journal == nil || id == "" {
		return
	}
	if out.Messages == nil {
		out.Messages = []api.LogMessage{}
	}
	if err := o.journal.FinishUpload(ctx, id, out); err != nil {
		o.logger.Warn("journal: could not record outcome", "upload", id, "err", err)
	}
}

func asRejected(err error) (*api.RemoteRejected, bool) {
	var rej *api.RemoteRejected
	ok := errors.As(err, &rej)
	return rej, ok
}
