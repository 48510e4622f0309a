package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// Documents served by a FakeRFU unless a test overrides them. The features
// sit inside the working area of the permalink
// context=metropole&centre=500000,6600000&echelle=2000 with a 200 m
// extraction limit.
const (
	DefaultExtractionXML = `<rfu>` +
		`<sommet id_noeud="1001" version="3" geometrie="POINT(4.4914 50.8793)">` +
		`<som_ge_createur>GE-1</som_ge_createur>` +
		`<som_delimitation_publique>False</som_delimitation_publique>` +
		`<som_typologie_nature>Borne</som_typologie_nature>` +
		`<som_nature>borne ancienne</som_nature>` +
		`<som_precision_rattachement>1</som_precision_rattachement>` +
		`<som_coord_est>1870000.12</som_coord_est>` +
		`<som_coord_nord>9210000.34</som_coord_nord>` +
		`<som_representation_plane>RGF93CC50</som_representation_plane>` +
		`<som_tolerance>0.05</som_tolerance>` +
		`</sommet>` +
		`<sommet id_noeud="1002" version="1" geometrie="POINT(4.4918 50.8796)">` +
		`<som_ge_createur>GE-1</som_ge_createur>` +
		`<som_delimitation_publique>True</som_delimitation_publique>` +
		`<som_typologie_nature>Borne</som_typologie_nature>` +
		`<som_nature></som_nature>` +
		`<som_precision_rattachement>2</som_precision_rattachement>` +
		`<som_coord_est>1870028.5</som_coord_est>` +
		`<som_coord_nord>9210033.25</som_coord_nord>` +
		`<som_representation_plane>RGF93CC50</som_representation_plane>` +
		`<som_tolerance>0.1</som_tolerance>` +
		`</sommet>` +
		`<limite id_arc="2001" version="2" geometrie="LINESTRING(4.4914 50.8793,4.4918 50.8796)">` +
		`<lim_ge_createur>GE-1</lim_ge_createur>` +
		`<lim_delimitation_publique>False</lim_delimitation_publique>` +
		`<lim_typologie_nature>Limite privative</lim_typologie_nature>` +
		`</limite>` +
		`</rfu>`

	DefaultCapabilitiesXML = `<rfu>` +
		`<tolerance>0.02</tolerance>` +
		`<classe_rattachement>` +
		`<classe som_precision_rattachement="1">Classe 1 (10 cm)</classe>` +
		`<classe som_precision_rattachement="2">Classe 2 (50 cm)</classe>` +
		`</classe_rattachement>` +
		`<representation_plane_sommet_autorise>` +
		`<representation_plane_sommet som_representation_plane="RGF93CC50" epsg_crs_id="3950">RGF93 / CC50</representation_plane_sommet>` +
		`<representation_plane_sommet som_representation_plane="RGF93L93" epsg_crs_id="2154">RGF93 / Lambert-93</representation_plane_sommet>` +
		`</representation_plane_sommet_autorise>` +
		`<typologie_nature_sommet><nature>Borne</nature><nature>Repère</nature></typologie_nature_sommet>` +
		`<nature_sommet_conseille><nature>Borne OGE</nature></nature_sommet_conseille>` +
		`<typologie_nature_limite><nature>Limite privative</nature><nature>Limite publique</nature></typologie_nature_limite>` +
		`<som_ge_createur_autorise><som_ge_createur num_ge="GE-1">Cabinet Un</som_ge_createur></som_ge_createur_autorise>` +
		`</rfu>`

	DefaultGeXML = `<rfu><ge><nom>Dupont</nom><prenom>Camille</prenom></ge></rfu>`

	DefaultDeterminationsXML = `<rfu><sommet id_noeud="1001">` +
		`<determination det_id="d1"><det_ge_createur>GE-1</det_ge_createur><det_x>1870000.12</det_x><det_y>9210000.34</det_y>` +
		`<det_classe>1</det_classe><det_srs>RGF93CC50</det_srs><det_date>2019-05-02</det_date><det_distance_node>0</det_distance_node>` +
		`<det_tolerance>0.05</det_tolerance><det_attest_qualite>True</det_attest_qualite><det_cs>c10</det_cs>` +
		`<det_statut_actif>True</det_statut_actif><det_statut_date_change></det_statut_date_change></determination>` +
		`<determination det_id="d2"><det_ge_createur>GE-1</det_ge_createur><det_x>1870000.15</det_x><det_y>9210000.31</det_y>` +
		`<det_classe>1</det_classe><det_srs>RGF93CC50</det_srs><det_date>2021-03-14</det_date><det_distance_node>0.04</det_distance_node>` +
		`<det_tolerance>0.05</det_tolerance><det_attest_qualite>False</det_attest_qualite><det_cs>c22</det_cs>` +
		`<det_statut_actif>True</det_statut_actif><det_statut_date_change></det_statut_date_change></determination>` +
		`<determination det_id="d0"><det_ge_createur>GE-1</det_ge_createur><det_x>1870001</det_x><det_y>9210001</det_y>` +
		`<det_classe>2</det_classe><det_srs>RGF93CC50</det_srs><det_date>2010-01-20</det_date><det_distance_node>1.2</det_distance_node>` +
		`<det_tolerance>0.1</det_tolerance><det_attest_qualite>False</det_attest_qualite><det_cs>c3</det_cs>` +
		`<det_statut_actif>False</det_statut_actif><det_statut_date_change>2019-05-02</det_statut_date_change></determination>` +
		`</sommet></rfu>`
)

// Request is one call received by a FakeRFU.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	Auth   string
	Agent  string
}

// Reply overrides the answer of one endpoint.
type Reply struct {
	Status int
	Body   string
}

// FakeRFU is an in-process RFU service. Zero-value replies fall back to
// successful defaults.
type FakeRFU struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []Request
	// Documents received by the edit endpoint, in order.
	submitted []string
	nextCS    int

	ExtractLimit    int
	ExtractionXML   string
	CapabilitiesXML string
	Dossiers        []map[string]any
	AccessToken     string

	Open           *Reply
	Edit           *Reply
	Close          *Reply
	Extraction     *Reply
	Determinations *Reply
	Cancel         *Reply
	Token          *Reply
}

// NewFakeRFU starts a fake service stopped at test cleanup.
func NewFakeRFU(t testing.TB) *FakeRFU {
	t.Helper()
	f := &FakeRFU{
		nextCS:          100,
		ExtractLimit:    200,
		ExtractionXML:   DefaultExtractionXML,
		CapabilitiesXML: DefaultCapabilitiesXML,
		Dossiers: []map[string]any{
			{"id": 555, "enr_ref_dossier": "2024-017", "enr_cab_createur": "GE-1", "zone": "metropole"},
		},
		AccessToken: "opaque-token",
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the base URL, with a trailing slash.
func (f *FakeRFU) URL() string { return f.server.URL + "/" }

// Requests returns a copy of the received calls.
func (f *FakeRFU) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// Count returns the number of calls with method whose path starts with prefix.
func (f *FakeRFU) Count(method, prefix string) int {
	n := 0
	for _, r := range f.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

// Submitted returns the edit documents received so far.
func (f *FakeRFU) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

// LastChangeset returns the id of the last opened changeset.
func (f *FakeRFU) LastChangeset() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprint(f.nextCS - 1)
}

func (f *FakeRFU) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))

	f.mu.Lock()
	f.requests = append(f.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Form:   form,
		Auth:   r.Header.Get("Authorization"),
		Agent:  r.Header.Get("User-Agent"),
	})
	f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == "token" && r.Method == http.MethodPost:
		f.reply(w, f.Token, fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, f.AccessToken))
	case path == "referentielsoge/ge":
		f.reply(w, nil, DefaultGeXML)
	case path == "dossiersoge/dossiers":
		f.serveDossiers(w, r)
	case path == "rfuoge/getmycapabilities":
		f.reply(w, nil, fmt.Sprintf(`<rfu><cle_api_rfu><extraction_rfu>oui</extraction_rfu>`+
			`<extraction_rfu_limite>%d</extraction_rfu_limite><mise_a_jour_rfu>oui</mise_a_jour_rfu></cle_api_rfu></rfu>`, f.ExtractLimit))
	case path == "rfuoge/getcapabilities":
		f.reply(w, nil, f.CapabilitiesXML)
	case path == "rfuoge/extraction":
		f.reply(w, f.Extraction, f.ExtractionXML)
	case path == "rfuoge/changeset" && r.Method == http.MethodPost:
		f.mu.Lock()
		id := f.nextCS
		f.nextCS++
		f.mu.Unlock()
		f.reply(w, f.Open, fmt.Sprintf(`<rfu><changeset id="%d" zone=%q/></rfu>`, id, r.URL.Query().Get("zone")))
	case strings.HasPrefix(path, "rfuoge/changeset/") && r.Method == http.MethodPut:
		f.reply(w, f.Close, `<rfu><changeset id="`+r.URL.Query().Get("id_changeset")+`" etat="ferme"/></rfu>`)
	case path == "rfuoge/edit" && r.Method == http.MethodPost:
		f.mu.Lock()
		f.submitted = append(f.submitted, form.Get("xml"))
		f.mu.Unlock()
		f.reply(w, f.Edit, `<rfu><log type="info">Changeset traité</log></rfu>`)
	case strings.HasPrefix(path, "rfuoge/sommet/") && r.Method == http.MethodGet:
		f.reply(w, f.Determinations, DefaultDeterminationsXML)
	case strings.HasPrefix(path, "rfuoge/sommet/") && r.Method == http.MethodPut:
		f.reply(w, f.Cancel, `<rfu><log type="info">Détermination annulée</log></rfu>`)
	default:
		http.Error(w, "<rfu><log type=\"erreur\">unknown endpoint</log></rfu>", http.StatusNotFound)
	}
}

func (f *FakeRFU) serveDossiers(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("enr_ref_dossier")
	results := []map[string]any{}
	for _, d := range f.Dossiers {
		if d["enr_ref_dossier"] == ref {
			results = append(results, d)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"count": len(results), "results": results})
}

func (f *FakeRFU) reply(w http.ResponseWriter, override *Reply, def string) {
	status, body := http.StatusOK, def
	if override != nil {
		if override.Status != 0 {
			status = override.Status
		}
		body = override.Body
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
