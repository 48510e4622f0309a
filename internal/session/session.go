// Package session sequences a surveyor's work on one working area:
// download, edit, upload, re-download.
//
// An Orchestrator holds at most one active Session. The Session value
// carries everything downloaded for the area (collections, snapshots,
// capabilities, working area) plus the edit ledger, and is passed
// explicitly to every operation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/bounds"
	"github.com/roach88/rfusync/internal/ledger"
	"github.com/roach88/rfusync/internal/rfu"
	"github.com/roach88/rfusync/internal/surface"
	"github.com/roach88/rfusync/internal/txn"
)

// State of a session.
type State int

const (
	StateNoSession State = iota
	StateDownloaded
	StateEditing
	StateUploading
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateDownloaded:
		return "downloaded"
	case StateEditing:
		return "editing"
	case StateUploading:
		return "uploading"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrSessionActive is returned by Download while a session exists.
	ErrSessionActive = errors.New("a session is already active, reset it first")

	// ErrNoSession is returned for operations on a reset session.
	ErrNoSession = errors.New("no active session")

	// ErrNothingToUpload is informational: the ledger is empty.
	ErrNothingToUpload = errors.New("no change to upload")

	// ErrEditInProgress is returned by Upload while edits are uncommitted.
	ErrEditInProgress = errors.New("edits are in progress, commit them first")

	// ErrUploadCancelled is returned when the dossier choice is cancelled.
	ErrUploadCancelled = errors.New("upload cancelled")

	// ErrExtractionDenied is returned when the account may not download.
	ErrExtractionDenied = errors.New("account is not allowed to extract RFU data")
)

// MultipleMatchesError is returned when a dossier reference matches
// several dossiers and no Chooser is configured.
type MultipleMatchesError struct {
	Reference string
	Matches   []api.Dossier
}

func (e *MultipleMatchesError) Error() string {
	return fmt.Sprintf("dossier reference %q matches %d dossiers, choose one", e.Reference, len(e.Matches))
}

// Chooser picks one dossier among several sharing a reference. ok is
// false when the surveyor cancels.
type Chooser interface {
	Choose(ref string, matches []api.Dossier) (chosen api.Dossier, ok bool, err error)
}

// Remote is the part of the API used by an orchestrator.
type Remote interface {
	txn.Remote
	AccountCapabilities(ctx context.Context) (*api.AccountCapabilities, error)
	Extraction(ctx context.Context, bbox [4]float64) (*api.Extraction, error)
	Capabilities(ctx context.Context, zone string) (*api.Capabilities, error)
	Dossiers(ctx context.Context, zone, ref string) ([]api.Dossier, error)
}

// Session is one downloaded working area.
type Session struct {
	Permalink    *Permalink
	Area         bounds.WorkingArea
	Vertices     *rfu.Collection
	Edges        *rfu.Collection
	Ledger       *ledger.Ledger
	Capabilities *api.Capabilities
	// Projection is the planar system proposed for new vertices. It is the
	// representation of the first downloaded vertex, else the first allowed.
	Projection api.Representation

	state   State
	surface *surface.Surface
}

// State returns the session state.
func (s *Session) State() State { return s.state }

// Zone returns the service zone of the session.
func (s *Session) Zone() string { return s.Permalink.Zone }

// Surface returns the editing surface while the session is editing.
func (s *Session) Surface() *surface.Surface {
	if s.state != StateEditing {
		return nil
	}
	return s.surface
}

// Orchestrator drives sessions against one remote.
type Orchestrator struct {
	remote  Remote
	logger  *slog.Logger
	chooser Chooser
	journal Journal

	extractLimit int
	current      *Session
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithChooser sets the dossier disambiguation prompt.
func WithChooser(c Chooser) Option {
	return func(o *Orchestrator) { o.chooser = c }
}

// WithJournal records every upload attempt.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// New returns an orchestrator with no active session.
func New(remote Remote, opts ...Option) *Orchestrator {
	o := &Orchestrator{remote: remote, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Current returns the active session, or nil.
func (o *Orchestrator) Current() *Session { return o.current }

// Download validates permalink, downloads its working area and makes it
// the active session. The permalink is checked before any remote call.
func (o *Orchestrator) Download(ctx context.Context, permalink string) (*Session, error) {
	if o.current != nil {
		return nil, ErrSessionActive
	}
	p, err := ParsePermalink(permalink)
	if err != nil {
		return nil, err
	}

	limit, err := o.limit(ctx)
	if err != nil {
		return nil, err
	}
	area := bounds.NewWorkingArea(orb.Point{float64(p.CenterX), float64(p.CenterY)}, float64(limit)/2)
	o.logger.Debug("working area", "zone", p.Zone, "bbox", area.BBox(), "limit", limit)

	ext, err := o.remote.Extraction(ctx, area.BBox())
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	vertices, edges := rfu.NewCollection(rfu.KindVertex), rfu.NewCollection(rfu.KindEdge)
	for _, v := range ext.Vertices {
		if err := vertices.Insert(v); err != nil {
			return nil, fmt.Errorf("download: %w", err)
		}
	}
	for _, e := range ext.Edges {
		if err := edges.Insert(e); err != nil {
			return nil, fmt.Errorf("download: %w", err)
		}
	}

	caps, err := o.remote.Capabilities(ctx, p.Zone)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}

	s := &Session{
		Permalink:    p,
		Area:         area,
		Vertices:     vertices,
		Edges:        edges,
		Ledger:       ledger.New(ledger.Capture(vertices), ledger.Capture(edges)),
		Capabilities: caps,
		Projection:   defaultProjection(vertices, caps),
		state:        StateDownloaded,
	}
	o.current = s
	o.logger.Info("working area downloaded",
		"zone", p.Zone,
		"vertices", vertices.Len(),
		"edges", edges.Len(),
		"projection", s.Projection.Code)
	return s, nil
}

// limit returns the extraction side of the account, fetched once.
func (o *Orchestrator) limit(ctx context.Context) (int, error) {
	if o.extractLimit > 0 {
		return o.extractLimit, nil
	}
	caps, err := o.remote.AccountCapabilities(ctx)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	if !caps.Extract || caps.ExtractLimit <= 0 {
		return 0, ErrExtractionDenied
	}
	o.extractLimit = caps.ExtractLimit
	return o.extractLimit, nil
}

func defaultProjection(vertices *rfu.Collection, caps *api.Capabilities) api.Representation {
	if vs := vertices.Vertices(); len(vs) > 0 {
		if r, ok := caps.Representation(vs[0].Representation); ok {
			return r
		}
	}
	if len(caps.Representations) > 0 {
		return caps.Representations[0]
	}
	return api.Representation{}
}

// BeginEdit opens the editing surface of a downloaded session. Every edit
// made through it is recorded in the session ledger.
func (o *Orchestrator) BeginEdit(s *Session) (*surface.Surface, error) {
	switch s.state {
	case StateEditing:
		return s.surface, nil
	case StateDownloaded:
	default:
		return nil, fmt.Errorf("begin edit: session is %s", s.state)
	}
	s.surface = surface.New(s.Vertices, s.Edges, s.Ledger, surface.WithLogger(o.logger))
	s.state = StateEditing
	return s.surface, nil
}

// CommitEdits closes the editing surface.
func (o *Orchestrator) CommitEdits(s *Session) error {
	if s.state != StateEditing {
		return fmt.Errorf("commit edits: session is %s", s.state)
	}
	s.surface = nil
	s.state = StateDownloaded
	return nil
}

// Reset discards the session and everything downloaded with it.
func (o *Orchestrator) Reset(s *Session) {
	if s == nil {
		return
	}
	s.Vertices, s.Edges, s.Ledger, s.Capabilities, s.surface = nil, nil, nil, nil, nil
	s.Area = bounds.WorkingArea{}
	s.state = StateNoSession
	if o.current == s {
		o.current = nil
	}
}
