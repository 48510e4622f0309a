package session

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/rfu"
	"github.com/roach88/rfusync/internal/testutil"
)

const permalink = "https://pro.geofoncier.fr/index.php?context=metropole&centre=500000,6600000&echelle=2000"

func newOrchestrator(t *testing.T, opts ...Option) (*testutil.FakeRFU, *Orchestrator) {
	t.Helper()
	fake := testutil.NewFakeRFU(t)
	remote, err := api.New(api.Config{BaseURL: fake.URL(), User: "GE-1", Password: "pw"})
	require.NoError(t, err)
	return fake, New(remote, opts...)
}

func download(t *testing.T, o *Orchestrator) *Session {
	t.Helper()
	s, err := o.Download(context.Background(), permalink)
	require.NoError(t, err)
	return s
}

func newVertex(lon, lat float64) *rfu.Vertex {
	return &rfu.Vertex{
		Creator:        "GE-1",
		NatureType:     "Borne",
		PrecisionClass: 1,
		Representation: "RGF93CC50",
		Tolerance:      0.05,
		Point:          orb.Point{lon, lat},
	}
}

// edit adds vertices through the surface and commits.
func edit(t *testing.T, o *Orchestrator, s *Session, fn func(add func(*rfu.Vertex) rfu.LocalID)) {
	t.Helper()
	surf, err := o.BeginEdit(s)
	require.NoError(t, err)
	fn(func(v *rfu.Vertex) rfu.LocalID {
		id, err := surf.AddVertex(v)
		require.NoError(t, err)
		return id
	})
	require.NoError(t, o.CommitEdits(s))
}

func TestParsePermalink(t *testing.T) {
	p, err := ParsePermalink("https://pro.geofoncier.fr/index.php?&centre=-196406,5983255&context=guadeloupe&echelle=500")
	require.NoError(t, err)
	assert.Equal(t, "guadeloupe", p.Context)
	assert.Equal(t, "antilles", p.Zone)
	assert.Equal(t, -196406, p.CenterX)
	assert.Equal(t, 5983255, p.CenterY)
	assert.Equal(t, 500, p.Scale)

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"empty", "", CodeMissingParameter},
		{"not a url", "pro.geofoncier.fr centre=1,2", CodeInvalidPermalink},
		{"missing centre", "https://pro.geofoncier.fr/index.php?context=metropole&echelle=2000", CodeMissingParameter},
		{"missing scale", "https://pro.geofoncier.fr/index.php?context=metropole&centre=1,2", CodeMissingParameter},
		{"scale too coarse", "https://pro.geofoncier.fr/index.php?context=metropole&centre=1,2&echelle=10000", CodeScaleTooCoarse},
		{"unknown context", "https://pro.geofoncier.fr/index.php?context=corse&centre=1,2&echelle=2000", CodeUnknownContext},
		{"decimal centre", "https://pro.geofoncier.fr/index.php?context=metropole&centre=1.5,2&echelle=2000", CodeInvalidCentre},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePermalink(tt.raw)
			verr, ok := IsValidationError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.code, verr.Code)
		})
	}
}

func TestParsePermalink_ScaleAtLimit(t *testing.T) {
	_, err := ParsePermalink("https://pro.geofoncier.fr/index.php?context=metropole&centre=1,2&echelle=5000")
	assert.NoError(t, err)
}

func TestDownload_HappyPath(t *testing.T) {
	fake, o := newOrchestrator(t)
	s := download(t, o)

	assert.Equal(t, StateDownloaded, s.State())
	assert.Equal(t, "metropole", s.Zone())
	assert.Equal(t, orb.Bound{Min: orb.Point{499900, 6599900}, Max: orb.Point{500100, 6600100}}, s.Area.Planar)
	assert.InDelta(t, 4.4906781, s.Area.WGS84.Min[0], 1e-6)
	assert.InDelta(t, 50.8800312, s.Area.WGS84.Max[1], 1e-6)

	assert.Equal(t, 2, s.Vertices.Len())
	assert.Equal(t, 1, s.Edges.Len())
	assert.Equal(t, 2, s.Ledger.Snapshot(rfu.KindVertex).Len())
	assert.True(t, s.Ledger.Empty())
	assert.Equal(t, "RGF93CC50", s.Projection.Code)
	assert.Equal(t, 0.02, s.Capabilities.Tolerance)
	assert.Same(t, s, o.Current())

	bbox := strings.Split(fake.Requests()[1].Query.Get("bbox"), ",")
	require.Len(t, bbox, 4)
	assert.True(t, strings.HasPrefix(bbox[0], "4.49067"))
}

func TestDownload_DefaultProjectionWithoutVertices(t *testing.T) {
	fake, o := newOrchestrator(t)
	fake.ExtractionXML = `<rfu></rfu>`

	s := download(t, o)
	assert.Zero(t, s.Vertices.Len())
	assert.Equal(t, "RGF93CC50", s.Projection.Code, "first allowed representation")
}

func TestDownload_ScaleRejectedBeforeAnyRequest(t *testing.T) {
	fake, o := newOrchestrator(t)

	_, err := o.Download(context.Background(),
		"https://pro.geofoncier.fr/index.php?context=metropole&centre=500000,6600000&echelle=10000")
	verr, ok := IsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, CodeScaleTooCoarse, verr.Code)
	assert.Empty(t, fake.Requests())
	assert.Nil(t, o.Current())
}

func TestDownload_OnlyWithoutSession(t *testing.T) {
	_, o := newOrchestrator(t)
	s := download(t, o)

	_, err := o.Download(context.Background(), permalink)
	assert.ErrorIs(t, err, ErrSessionActive)

	o.Reset(s)
	assert.Equal(t, StateNoSession, s.State())
	assert.Nil(t, s.Ledger)
	download(t, o)
}

func TestDownload_ExtractionRejected(t *testing.T) {
	fake, o := newOrchestrator(t)
	fake.Extraction = &testutil.Reply{Status: http.StatusForbidden, Body: `<rfu><log type="erreur">Accès refusé</log></rfu>`}

	_, err := o.Download(context.Background(), permalink)
	assert.True(t, api.IsRemoteRejected(err))
	assert.Nil(t, o.Current())
}

func TestDownload_ExtractionDenied(t *testing.T) {
	fake, o := newOrchestrator(t)
	fake.ExtractLimit = 0

	_, err := o.Download(context.Background(), permalink)
	assert.ErrorIs(t, err, ErrExtractionDenied)
}

func TestUpload_HappyPath(t *testing.T) {
	fake, o := newOrchestrator(t)
	s := download(t, o)
	l := s.Ledger

	surf, err := o.BeginEdit(s)
	require.NoError(t, err)
	_, err = surf.AddVertex(newVertex(4.4910, 50.8790))
	require.NoError(t, err)
	_, err = surf.AddEdge(&rfu.Edge{
		Creator:    "GE-1",
		NatureType: "Limite privative",
		Line:       orb.LineString{{4.4910, 50.8790}, {4.4914, 50.8793}},
	})
	require.NoError(t, err)

	_, err = o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	assert.ErrorIs(t, err, ErrEditInProgress)
	require.NoError(t, o.CommitEdits(s))

	res, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017", Comment: "Bornage"})
	require.NoError(t, err)

	assert.Equal(t, "100", res.Changeset)
	assert.Equal(t, "555", res.Dossier.ID)
	assert.Equal(t, "Bornage - Versement depuis rfusync - Dossier 2024-017", res.Comment)
	assert.Equal(t, 2, res.Exported)
	assert.Zero(t, res.Excluded)
	assert.Nil(t, res.Quarantine)
	assert.NoError(t, res.CloseErr)
	assert.Equal(t, []api.LogMessage{{Type: "info", Text: "Changeset traité"}}, res.Messages)

	docs := fake.Submitted()
	require.Len(t, docs, 1)
	assert.True(t, strings.HasPrefix(docs[0], `<rfu changeset="100">`))
	assert.Equal(t, 2, strings.Count(docs[0], `action="create"`))
	assert.Equal(t, 1, strings.Count(docs[0], "<sommet "))
	assert.Equal(t, 1, strings.Count(docs[0], "<limite "))

	assert.True(t, l.Empty(), "ledger drained")
	require.NoError(t, res.RedownloadErr)
	require.NotNil(t, res.Session)
	assert.Same(t, res.Session, o.Current())
	assert.True(t, res.Session.Ledger.Empty())
	assert.Equal(t, StateNoSession, s.State())

	var open []testutil.Request
	for _, r := range fake.Requests() {
		if r.Method == http.MethodPost && r.Path == "/rfuoge/changeset" {
			open = append(open, r)
		}
	}
	require.Len(t, open, 1)
	assert.Equal(t, "555", open[0].Query.Get("enr_api_dossier"))
	assert.Equal(t, 1, fake.Count(http.MethodPut, "/rfuoge/changeset/m100"))
	assert.Equal(t, 1, fake.Count(http.MethodGet, "/rfuoge/getmycapabilities"), "limit fetched once")
	assert.Equal(t, 2, fake.Count(http.MethodGet, "/rfuoge/extraction"), "re-download")
}

func TestUpload_LedgerKeptOnSubmitFailure(t *testing.T) {
	fake, o := newOrchestrator(t)
	s := download(t, o)
	edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) { add(newVertex(4.4910, 50.8790)) })
	before := s.Ledger.Counts()
	require.Equal(t, 1, before.VerticesAdded)

	fake.Edit = &testutil.Reply{Status: http.StatusBadRequest, Body: `<rfu><log type="erreur">Refus</log></rfu>`}
	_, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	var rej *api.RemoteRejected
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Refus", rej.Messages[0].Text)

	assert.Equal(t, before, s.Ledger.Counts())
	assert.Equal(t, StateEditing, s.State(), "editable again")
	assert.NotNil(t, s.Surface())
	assert.Zero(t, fake.Count(http.MethodPut, "/rfuoge/changeset/"))
	assert.Same(t, s, o.Current())

	fake.Edit = nil
	require.NoError(t, o.CommitEdits(s))
	l := s.Ledger
	res, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	require.NoError(t, err)
	assert.True(t, l.Empty())
	assert.Equal(t, "101", res.Changeset, "a fresh changeset per upload")
	assert.Equal(t, 2, fake.Count(http.MethodPost, "/rfuoge/changeset"))
}

func TestUpload_LedgerKeptOnOpenFailure(t *testing.T) {
	fake, o := newOrchestrator(t)
	s := download(t, o)
	edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) { add(newVertex(4.4910, 50.8790)) })

	fake.Open = &testutil.Reply{Body: `<rfu></rfu>`}
	_, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	require.Error(t, err)
	assert.Equal(t, 1, s.Ledger.Counts().VerticesAdded)
	assert.Empty(t, fake.Submitted())
}

func TestUpload_OutOfBoundsQuarantine(t *testing.T) {
	fake, o := newOrchestrator(t)
	s := download(t, o)
	var outside rfu.LocalID
	edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) {
		add(newVertex(4.4910, 50.8790))
		outside = add(newVertex(4.4950, 50.8794))
	})

	res, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Exported)
	assert.Equal(t, 1, res.Excluded)
	require.NotNil(t, res.Quarantine)
	require.NotNil(t, res.Quarantine.Vertices)
	assert.Nil(t, res.Quarantine.Edges)
	_, ok := res.Quarantine.Vertices.Get(outside)
	assert.True(t, ok)

	doc := fake.Submitted()[0]
	assert.Equal(t, 1, strings.Count(doc, "<sommet "))
	assert.NotContains(t, doc, "4.495")
}

func TestUpload_NothingToUpload(t *testing.T) {
	fake, o := newOrchestrator(t)
	s := download(t, o)
	n := len(fake.Requests())

	_, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	assert.ErrorIs(t, err, ErrNothingToUpload)
	assert.Len(t, fake.Requests(), n)
}

func TestUpload_RevertedEditIsNothing(t *testing.T) {
	_, o := newOrchestrator(t)
	s := download(t, o)
	surf, err := o.BeginEdit(s)
	require.NoError(t, err)

	id := s.Vertices.All()[0].ID()
	require.NoError(t, surf.Update(rfu.KindVertex, id, func(f rfu.Feature) error {
		f.(*rfu.Vertex).NatureComment = "changed"
		return nil
	}))
	require.NoError(t, surf.Update(rfu.KindVertex, id, func(f rfu.Feature) error {
		f.(*rfu.Vertex).NatureComment = "borne ancienne"
		return nil
	}))
	require.NoError(t, o.CommitEdits(s))

	_, err = o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	assert.ErrorIs(t, err, ErrNothingToUpload)
}

func TestUpload_DeleteAndUpdate(t *testing.T) {
	fake, o := newOrchestrator(t)
	s := download(t, o)
	surf, err := o.BeginEdit(s)
	require.NoError(t, err)

	edge, ok := surf.Find(rfu.KindEdge, 2001)
	require.True(t, ok)
	require.NoError(t, surf.Remove(rfu.KindEdge, edge.ID()))
	v, ok := surf.Find(rfu.KindVertex, 1002)
	require.True(t, ok)
	require.NoError(t, surf.Update(rfu.KindVertex, v.ID(), func(f rfu.Feature) error {
		f.(*rfu.Vertex).Attested = true
		return nil
	}))
	require.NoError(t, o.CommitEdits(s))

	res, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.EdgesRemoved)
	assert.Equal(t, 1, res.Counts.VerticesModified)

	doc := fake.Submitted()[0]
	assert.Contains(t, doc, `<limite id_arc="2001" version="2" action="delete">`)
	assert.Contains(t, doc, `<sommet id_noeud="1002" version="1" action="update">`)
	assert.NotContains(t, doc, "geometrie")
}

type stubChooser struct {
	pick   int
	cancel bool
	seen   []api.Dossier
}

func (c *stubChooser) Choose(_ string, matches []api.Dossier) (api.Dossier, bool, error) {
	c.seen = matches
	if c.cancel {
		return api.Dossier{}, false, nil
	}
	return matches[c.pick], true, nil
}

func twoDossiers(fake *testutil.FakeRFU) {
	fake.Dossiers = append(fake.Dossiers, map[string]any{
		"id": 777, "enr_ref_dossier": "2024-017", "enr_cab_createur": "GE-2", "zone": "metropole",
	})
}

func TestUpload_DossierResolution(t *testing.T) {
	t.Run("unknown", func(t *testing.T) {
		fake, o := newOrchestrator(t)
		s := download(t, o)
		edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) { add(newVertex(4.4910, 50.8790)) })

		_, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "nope"})
		verr, ok := IsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, CodeUnknownDossier, verr.Code)
		assert.Zero(t, fake.Count(http.MethodPost, "/rfuoge/changeset"))
		assert.Equal(t, StateDownloaded, s.State())
	})

	t.Run("missing", func(t *testing.T) {
		_, o := newOrchestrator(t)
		s := download(t, o)
		edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) { add(newVertex(4.4910, 50.8790)) })

		_, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "  "})
		verr, ok := IsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, CodeMissingDossier, verr.Code)
	})

	t.Run("several without chooser", func(t *testing.T) {
		fake, o := newOrchestrator(t)
		twoDossiers(fake)
		s := download(t, o)
		edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) { add(newVertex(4.4910, 50.8790)) })

		_, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
		var mm *MultipleMatchesError
		require.ErrorAs(t, err, &mm)
		assert.Len(t, mm.Matches, 2)
	})

	t.Run("chooser cancels", func(t *testing.T) {
		ch := &stubChooser{cancel: true}
		fake, o := newOrchestrator(t, WithChooser(ch))
		twoDossiers(fake)
		s := download(t, o)
		edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) { add(newVertex(4.4910, 50.8790)) })

		_, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
		assert.ErrorIs(t, err, ErrUploadCancelled)
		assert.Len(t, ch.seen, 2)
		assert.Zero(t, fake.Count(http.MethodPost, "/rfuoge/changeset"))
		assert.Equal(t, 1, s.Ledger.Counts().VerticesAdded)
	})

	t.Run("chooser picks", func(t *testing.T) {
		fake, o := newOrchestrator(t, WithChooser(&stubChooser{pick: 1}))
		twoDossiers(fake)
		s := download(t, o)
		edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) { add(newVertex(4.4910, 50.8790)) })

		res, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
		require.NoError(t, err)
		assert.Equal(t, "777", res.Dossier.ID)
	})
}

type recordingJournal struct {
	attempts []Attempt
	outcomes []Outcome
}

func (j *recordingJournal) StartUpload(_ context.Context, a Attempt) (string, error) {
	j.attempts = append(j.attempts, a)
	return "u1", nil
}

func (j *recordingJournal) FinishUpload(_ context.Context, id string, o Outcome) error {
	j.outcomes = append(j.outcomes, o)
	return nil
}

func TestUpload_CloseFailureIsRecorded(t *testing.T) {
	j := &recordingJournal{}
	fake, o := newOrchestrator(t, WithJournal(j))
	fake.Close = &testutil.Reply{Status: http.StatusInternalServerError, Body: "close failed"}
	s := download(t, o)
	edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) { add(newVertex(4.4910, 50.8790)) })
	l := s.Ledger

	res, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	require.NoError(t, err, "the edit was accepted")
	require.Error(t, res.CloseErr)
	assert.True(t, l.Empty())
	assert.Equal(t, 1, fake.Count(http.MethodPut, "/rfuoge/changeset/"), "close is not retried")

	require.Len(t, j.attempts, 1)
	assert.Equal(t, "555", j.attempts[0].DossierID)
	assert.Equal(t, 1, j.attempts[0].Counts.VerticesAdded)
	require.Len(t, j.outcomes, 1)
	assert.Equal(t, OutcomeUnclosed, j.outcomes[0].State)
	assert.Equal(t, "100", j.outcomes[0].Changeset)
}

func TestUpload_RejectionIsRecorded(t *testing.T) {
	j := &recordingJournal{}
	fake, o := newOrchestrator(t, WithJournal(j))
	fake.Edit = &testutil.Reply{Status: http.StatusBadRequest, Body: `<rfu><log type="erreur">Refus</log></rfu>`}
	s := download(t, o)
	edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) { add(newVertex(4.4910, 50.8790)) })

	_, err := o.Upload(context.Background(), s, UploadRequest{DossierRef: "2024-017"})
	require.Error(t, err)
	require.Len(t, j.outcomes, 1)
	assert.Equal(t, OutcomeRejected, j.outcomes[0].State)
	assert.Equal(t, []api.LogMessage{{Type: "erreur", Text: "Refus"}}, j.outcomes[0].Messages)
}

func TestDryRun(t *testing.T) {
	fake, o := newOrchestrator(t)
	s := download(t, o)
	edit(t, o, s, func(add func(*rfu.Vertex) rfu.LocalID) {
		add(newVertex(4.4910, 50.8790))
		add(newVertex(4.4950, 50.8794))
	})
	n := len(fake.Requests())

	res, err := o.DryRun(s)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exported)
	assert.Equal(t, 1, res.Excluded)
	assert.True(t, strings.HasPrefix(string(res.Document), "<rfu><sommet "))
	assert.Len(t, fake.Requests(), n, "no network")
	assert.Equal(t, 2, s.Ledger.Counts().VerticesAdded, "ledger untouched")
}

func TestBuildComment(t *testing.T) {
	assert.Equal(t, "Versement depuis rfusync - Dossier X1", BuildComment("", "X1"))
	assert.Equal(t, "Bornage - Versement depuis rfusync - Dossier X1", BuildComment(" Bornage ", "X1"))
}
