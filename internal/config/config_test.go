package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_Missing(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), SettingsFile))
	require.NoError(t, err)
	assert.Equal(t, &Settings{}, s)
}

func TestSettings_RoundTripAndLogout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", SettingsFile)
	s := &Settings{API: API{URL: "https://api.example/", HTTPTimeout: 30}}
	s.Login("GE-1", "tok")
	require.NoError(t, SaveSettings(path, s))

	got, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, 30*time.Second, got.API.Timeout())

	got.Logout()
	assert.Empty(t, got.API.User)
	assert.Empty(t, got.API.Token)
}

func TestLoadSettings_ScrubsPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"api": {"url": "https://a/", "user": "GE-1", "password": "secret"}}`), 0o600))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "GE-1", s.API.User)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), `"user": "GE-1"`)
}

func TestLoadSettings_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"api": `), 0o600))
	_, err := LoadSettings(path)
	assert.Error(t, err)
}

func TestPermalinks_Use(t *testing.T) {
	p := &Permalinks{Links: []string{}}
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		p.Use(l)
	}
	assert.Equal(t, 4, p.Current)

	p.Use("b")
	assert.Equal(t, 1, p.Current, "known link becomes current")
	assert.Len(t, p.Links, 5)

	p.Use("f")
	assert.Equal(t, []string{"b", "c", "d", "e", "f"}, p.Links, "oldest dropped")
	assert.Equal(t, 4, p.Current)
	assert.Equal(t, "f", p.CurrentLink())
}

func TestPermalinks_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), PermalinksFile)

	empty, err := LoadPermalinks(path)
	require.NoError(t, err)
	assert.Empty(t, empty.CurrentLink())

	p := &Permalinks{Links: []string{"x", "y"}, Current: 0}
	require.NoError(t, SavePermalinks(path, p))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"current_permalink_idx": 0`)

	got, err := LoadPermalinks(path)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPermalinks_CurrentOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), PermalinksFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"permalinks": ["x"], "current_permalink_idx": 7}`), 0o644))

	p, err := LoadPermalinks(path)
	require.NoError(t, err)
	assert.Equal(t, "x", p.CurrentLink())
}

func TestDXFParams_FlatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DXFParamsFile)
	require.NoError(t, os.WriteFile(path, []byte(`{
    "dxfparams": {
        "vtxLyr": "SOMMETS",
        "edgesLyr": "LIMITES",
        "precClass": "Classe 1 (10 cm)",
        "Borne": "BORNE_OGE",
        "Repère": "Tous les blocs"
    }
}`), 0o644))

	p, err := LoadDXFParams(path)
	require.NoError(t, err)
	assert.Equal(t, "SOMMETS", p.VertexLayer)
	assert.Equal(t, "LIMITES", p.EdgeLayer)
	assert.Equal(t, "Classe 1 (10 cm)", p.PrecisionClass)
	assert.Equal(t, map[string]string{"Borne": "BORNE_OGE", "Repère": "Tous les blocs"}, p.Natures)
	assert.Equal(t, []string{"Borne", "Repère"}, p.NatureNames())

	p.EdgeLayer = "LIM2"
	require.NoError(t, SaveDXFParams(path, p))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Repère": "Tous les blocs"`, "non-ASCII kept as is")

	again, err := LoadDXFParams(path)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestDir_Env(t *testing.T) {
	t.Setenv("RFUSYNC_HOME", "/tmp/rfu-home")
	d, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rfu-home", d)
}
