package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rfusync/internal/config"
	"github.com/roach88/rfusync/internal/ledger"
	"github.com/roach88/rfusync/internal/proj"
	"github.com/roach88/rfusync/internal/testutil"
)

const permalink = "https://pro.geofoncier.fr/index.php?context=metropole&centre=500000,6600000&echelle=2000"

type env struct {
	fake *testutil.FakeRFU
	dir  string
}

// newEnv returns a configuration directory logged in against a fake RFU.
func newEnv(t *testing.T) *env {
	t.Helper()
	fake := testutil.NewFakeRFU(t)
	dir := t.TempDir()
	s := &config.Settings{API: config.API{URL: fake.URL(), URLRFU: fake.URL()}}
	s.Login("GE-1", "opaque-token")
	require.NoError(t, config.SaveSettings(filepath.Join(dir, config.SettingsFile), s))
	return &env{fake: fake, dir: dir}
}

type result struct {
	stdout string
	stderr string
	err    error
}

func (e *env) run(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.dir}, args...))
	err := cmd.ExecuteContext(context.Background())
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

func decode(t *testing.T, r result, data any) CLIResponse {
	t.Helper()
	var resp CLIResponse
	if data != nil {
		resp.Data = data
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp), r.stdout)
	return resp
}

// planar returns the CC50 coordinates of a WGS84 point, in script notation.
func planar(t *testing.T, lon, lat float64) (string, string) {
	t.Helper()
	cc50, err := proj.Lookup(3950)
	require.NoError(t, err)
	p := cc50.Forward(orb.Point{lon, lat})
	return fmt.Sprintf("%.3f", p[0]), fmt.Sprintf("%.3f", p[1])
}

func (e *env) writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (e *env) lotScript(t *testing.T) string {
	t.Helper()
	est, nord := planar(t, 4.4910, 50.8790)
	return e.writeScript(t, fmt.Sprintf(`name: bornage lot 12
permalink: %q
dossier: "2024-017"
comment: Bornage
projection: RGF93CC50
edits:
  - {op: add_vertex, ref: a, est: %s, nord: %s, nature_type: Borne, precision: 1}
  - {op: add_edge, from: a, to: "#1001", nature_type: Limite privative}
`, permalink, est, nord))
}

func TestLogin_PasswordStdin(t *testing.T) {
	e := newEnv(t)
	settingsPath := filepath.Join(e.dir, config.SettingsFile)
	s, err := config.LoadSettings(settingsPath)
	require.NoError(t, err)
	s.Logout()
	require.NoError(t, config.SaveSettings(settingsPath, s))

	r := e.run(t, "secret\n", "login", "--user", "GE-7", "--password-stdin")
	require.NoError(t, r.err, r.stdout)
	assert.Equal(t, "Logged in as GE-7\n", r.stdout)

	s, err = config.LoadSettings(settingsPath)
	require.NoError(t, err)
	assert.Equal(t, "GE-7", s.API.User)
	assert.Equal(t, "opaque-token", s.API.Token)

	raw, err := os.ReadFile(settingsPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret", "password never stored")

	reqs := e.fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/token", reqs[0].Path)
	assert.True(t, strings.HasPrefix(reqs[0].Auth, "Basic "), reqs[0].Auth)
}

func TestLogin_RequiresPassword(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "login", "--password-stdin")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [MISSING_PASSWORD]")

	r = e.run(t, "", "login")
	require.Error(t, r.err)
	assert.Contains(t, r.stdout, "not a terminal")
	assert.Empty(t, e.fake.Requests())
}

func TestLogin_Rejected(t *testing.T) {
	e := newEnv(t)
	e.fake.Token = &testutil.Reply{Status: http.StatusUnauthorized, Body: `<rfu><log type="erreur">Identifiants invalides</log></rfu>`}

	r := e.run(t, "wrong\n", "--format", "json", "login", "--password-stdin")
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	resp := decode(t, r, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "REMOTE_REJECTED", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "Identifiants invalides")
}

func TestLogoutAndNotLoggedIn(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "logout")
	require.NoError(t, r.err)
	assert.Equal(t, "Logged out\n", r.stdout)

	r = e.run(t, "", "download", permalink)
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [NOT_LOGGED_IN]")
	assert.Empty(t, e.fake.Requests())
}

func TestWhoami(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "whoami")
	require.NoError(t, r.err)
	assert.Equal(t, "Camille Dupont (GE-1)\n", r.stdout)
	assert.Equal(t, "GE-1", e.fake.Requests()[0].Query.Get("numero"))
}

func TestCapabilities(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "capabilities", "--zone", "metropole")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Extraction: yes (limit 200 m)")
	assert.Contains(t, r.stdout, "RGF93CC50")
	assert.Contains(t, r.stdout, "EPSG:2154")
	assert.Contains(t, r.stdout, "Classe 2 (50 cm)")
	assert.Contains(t, r.stdout, "Vertex natures: Borne, Repère")
	assert.Equal(t, 1, e.fake.Count(http.MethodGet, "/rfuoge/getcapabilities"))
}

func TestDownload(t *testing.T) {
	e := newEnv(t)
	out := filepath.Join(t.TempDir(), "area.geojson")

	r := e.run(t, "", "download", permalink, "--geojson", out)
	require.NoError(t, r.err, r.stdout)
	assert.Equal(t, "Downloaded 2 vertices and 1 edges (zone metropole, projection RGF93CC50)\n", r.stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 3)
	assert.Equal(t, layerVertices, fc.Features[0].Properties["collection"])
	assert.Equal(t, "1001", fc.Features[0].Properties["id_noeud"])
	assert.Equal(t, layerEdges, fc.Features[2].Properties["collection"])

	links, err := config.LoadPermalinks(filepath.Join(e.dir, config.PermalinksFile))
	require.NoError(t, err)
	assert.Equal(t, permalink, links.CurrentLink())

	r = e.run(t, "", "permalinks")
	require.NoError(t, r.err)
	assert.Equal(t, "* "+permalink+"\n", r.stdout)

	r = e.run(t, "", "download")
	require.NoError(t, r.err, "current permalink reused")
	assert.Equal(t, 2, e.fake.Count(http.MethodGet, "/rfuoge/extraction"))
}

func TestDownload_InvalidPermalink(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "--format", "json", "download", "https://pro.geofoncier.fr/index.php?context=metropole&centre=500000,6600000&echelle=10000")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	resp := decode(t, r, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SCALE_TOO_COARSE", resp.Error.Code)
	assert.Empty(t, e.fake.Requests(), "rejected before any request")
}

func TestDownload_NoPermalink(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "download")
	require.Error(t, r.err)
	assert.Contains(t, r.stdout, "Error [MISSING_PARAMETER]")
}

type uploadData struct {
	Edits struct {
		Steps int `json:"steps"`
	} `json:"edits"`
	Upload struct {
		Changeset string        `json:"changeset"`
		Exported  int           `json:"exported"`
		Excluded  int           `json:"excluded"`
		Comment   string        `json:"comment"`
		Counts    ledger.Counts `json:"counts"`
	} `json:"upload"`
}

func TestApply_Upload(t *testing.T) {
	e := newEnv(t)
	script := e.lotScript(t)

	var data uploadData
	r := e.run(t, "", "--format", "json", "apply", script)
	require.NoError(t, r.err, r.stdout)
	resp := decode(t, r, &data)
	assert.Equal(t, "ok", resp.Status)

	assert.Equal(t, 2, data.Edits.Steps)
	assert.Equal(t, "100", data.Upload.Changeset)
	assert.Equal(t, 2, data.Upload.Exported)
	assert.Zero(t, data.Upload.Excluded)
	assert.Equal(t, "Bornage - Versement depuis rfusync - Dossier 2024-017", data.Upload.Comment)
	assert.Equal(t, ledger.Counts{VerticesAdded: 1, EdgesAdded: 1}, data.Upload.Counts)

	docs := e.fake.Submitted()
	require.Len(t, docs, 1)
	assert.Equal(t, 2, strings.Count(docs[0], `action="create"`))
	assert.Equal(t, 1, e.fake.Count(http.MethodPut, "/rfuoge/changeset/m100"))

	r = e.run(t, "", "history")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "closed")
	assert.Contains(t, r.stdout, "changeset 100")
	assert.Contains(t, r.stdout, "dossier 2024-017")
	assert.Contains(t, r.stdout, "2 changes")
}

func TestApply_TextOutput(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "apply", e.lotScript(t), "--comment", "Lot 12 bis")
	require.NoError(t, r.err, r.stdout)
	assert.Contains(t, r.stdout, "Changeset 100 accepted for dossier 2024-017 (id 555)\n")
	assert.Contains(t, r.stdout, "vertices: 1 added, 0 modified, 0 removed")
	assert.Contains(t, r.stdout, "info: Changeset traité")

	open := e.fake.Requests()
	var comment string
	for _, req := range open {
		if req.Method == http.MethodPost && req.Path == "/rfuoge/changeset" {
			comment = req.Query.Get("commentaire")
		}
	}
	assert.Equal(t, "Lot 12 bis - Versement depuis rfusync - Dossier 2024-017", comment)
}

func TestApply_DryRun(t *testing.T) {
	e := newEnv(t)
	inEst, inNord := planar(t, 4.4910, 50.8790)
	outEst, outNord := planar(t, 4.4950, 50.8794)
	script := e.writeScript(t, fmt.Sprintf(`name: dry
permalink: %q
dossier: "2024-017"
edits:
  - {op: add_vertex, est: %s, nord: %s}
  - {op: add_vertex, est: %s, nord: %s}
`, permalink, inEst, inNord, outEst, outNord))
	tmp := t.TempDir()
	document := filepath.Join(tmp, "changeset.xml")
	quarantine := filepath.Join(tmp, "outside.geojson")

	r := e.run(t, "", "apply", script, "--dry-run", "--document", document, "--quarantine", quarantine)
	require.NoError(t, r.err, r.stdout)
	assert.Contains(t, r.stdout, "Dry run, nothing sent\n")
	assert.Contains(t, r.stdout, "exported: 1, outside the working area: 1")

	doc, err := os.ReadFile(document)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(doc), "<sommet "))

	data, err := os.ReadFile(quarantine)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Sommets hors zone", fc.Features[0].Properties["collection"])

	assert.Zero(t, e.fake.Count(http.MethodPost, "/rfuoge/changeset"))
	assert.Empty(t, e.fake.Submitted())
	_, err = os.Stat(filepath.Join(e.dir, config.JournalFile))
	assert.ErrorIs(t, err, os.ErrNotExist, "dry run opens no journal")
}

func TestApply_InvalidScript(t *testing.T) {
	e := newEnv(t)
	script := e.writeScript(t, "name: x\npermalink: p\nedits: []\n")

	r := e.run(t, "", "apply", script)
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [INVALID_SCRIPT]")
	assert.Empty(t, e.fake.Requests())
}

func TestApply_FailedEdit(t *testing.T) {
	e := newEnv(t)
	script := e.writeScript(t, fmt.Sprintf("name: x\npermalink: %q\ndossier: \"2024-017\"\nedits:\n  - {op: remove, kind: vertex, id: 4242}\n", permalink))

	r := e.run(t, "", "--format", "json", "apply", script)
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	resp := decode(t, r, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "EDIT_FAILED", resp.Error.Code)
	assert.Zero(t, e.fake.Count(http.MethodPost, "/rfuoge/changeset"))
}

func TestApply_Rejected(t *testing.T) {
	e := newEnv(t)
	e.fake.Edit = &testutil.Reply{Status: http.StatusBadRequest, Body: `<rfu><log type="erreur">Sommet trop proche</log></rfu>`}

	r := e.run(t, "", "apply", e.lotScript(t))
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [REMOTE_REJECTED]")
	assert.Contains(t, r.stdout, "Sommet trop proche")

	r = e.run(t, "", "--format", "json", "history", "--state", "rejected")
	require.NoError(t, r.err)
	var uploads []struct {
		State     string `json:"state"`
		Changeset string `json:"changeset"`
	}
	decode(t, r, &uploads)
	require.Len(t, uploads, 1)
	assert.Equal(t, "rejected", uploads[0].State)
	assert.Equal(t, "100", uploads[0].Changeset)
}

func TestApply_Unclosed(t *testing.T) {
	e := newEnv(t)
	e.fake.Close = &testutil.Reply{Status: http.StatusInternalServerError, Body: `<rfu><log type="erreur">fermeture impossible</log></rfu>`}

	r := e.run(t, "", "apply", e.lotScript(t))
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [CHANGESET_UNCLOSED]")
	assert.Len(t, e.fake.Submitted(), 1, "the edit was accepted")

	r = e.run(t, "", "history", "--state", "unclosed")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "changeset 100")
}

func TestApply_UnknownDossier(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "apply", e.lotScript(t), "--dossier", "1999-000")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [UNKNOWN_DOSSIER]")
	assert.Zero(t, e.fake.Count(http.MethodPost, "/rfuoge/changeset"))
}

func TestApply_AmbiguousDossierWithoutTerminal(t *testing.T) {
	e := newEnv(t)
	e.fake.Dossiers = append(e.fake.Dossiers,
		map[string]any{"id": 556, "enr_ref_dossier": "2024-017", "enr_cab_createur": "GE-2", "zone": "metropole"})

	r := e.run(t, "", "apply", e.lotScript(t))
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [AMBIGUOUS_DOSSIER]")
}

func TestHistory_Empty(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "history")
	require.NoError(t, r.err)
	assert.Equal(t, "No upload recorded\n", r.stdout)

	r = e.run(t, "", "history", "--state", "lost")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))

	r = e.run(t, "", "history", "--id", "nope")
	require.Error(t, r.err)
	assert.Contains(t, r.stdout, "Error [NOT_FOUND]")
}

func TestHistory_CustomDatabase(t *testing.T) {
	e := newEnv(t)
	db := filepath.Join(t.TempDir(), "nested", "journal.db")

	r := e.run(t, "", "--db", db, "apply", e.lotScript(t))
	require.NoError(t, r.err, r.stdout)
	_, err := os.Stat(db)
	require.NoError(t, err)

	r = e.run(t, "", "--db", db, "--format", "json", "history", "--limit", "1")
	require.NoError(t, r.err)
	var uploads []struct {
		ID string `json:"id"`
	}
	decode(t, r, &uploads)
	require.Len(t, uploads, 1)

	r = e.run(t, "", "--db", db, "history", "--id", uploads[0].ID)
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "state: closed")
	assert.Contains(t, r.stdout, "info: Changeset traité")
}

func TestDeterminations(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "determinations", "1001", "--zone", "metropole")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Vertex 1001: 3 determinations, 2 valid")
	assert.Contains(t, r.stdout, "cancelled 2019-05-02")

	req := e.fake.Requests()[0]
	assert.Equal(t, "/rfuoge/sommet/1001", req.Path)
	assert.Equal(t, "determination", req.Query.Get("r"))
}

func TestCancelDetermination(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "cancel-determination", "1001", "d1", "--zone", "metropole")
	require.NoError(t, r.err, r.stdout)
	assert.Equal(t, "Determination d1 of vertex 1001 cancelled\n", r.stdout)
	assert.Equal(t, 1, e.fake.Count(http.MethodPut, "/rfuoge/sommet/1001"))

	r = e.run(t, "", "cancel-determination", "1001", "d0", "--zone", "metropole")
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [CANNOT_CANCEL]")
	assert.Equal(t, 1, e.fake.Count(http.MethodPut, "/rfuoge/sommet/1001"), "refused locally")
}

func TestDeterminations_InvalidID(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "determinations", "abc")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Empty(t, e.fake.Requests())
}

func TestDXFLayers_MissingFile(t *testing.T) {
	e := newEnv(t)

	r := e.run(t, "", "dxf-layers", filepath.Join(t.TempDir(), "plan.dxf"))
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [READ_ERROR]")
}

func TestDXFLayers_Plan(t *testing.T) {
	e := newEnv(t)
	params := &config.DXFParams{
		EdgeLayer:   "LIMITES",
		VertexLayer: "SOMMETS",
		Natures:     map[string]string{"Borne": "BORNE_OGE"},
	}
	require.NoError(t, config.SaveDXFParams(filepath.Join(e.dir, config.DXFParamsFile), params))

	r := e.run(t, "", "dxf-layers", filepath.Join("..", "dxfimport", "testdata", "plan.dxf"))
	require.NoError(t, r.err, r.stdout)
	assert.Equal(t, `CLOTURE
LIMITES  (last used for edges)
SOMMETS  (last used for vertices)
TEXTE
Blocks:
  BORNE_OGE  (Borne)
  REPERE
`, r.stdout)
}
