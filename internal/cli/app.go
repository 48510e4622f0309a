package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/config"
	"github.com/roach88/rfusync/internal/store"
)

// app is the per-invocation state shared by commands: resolved paths,
// loaded settings and the output formatter.
type app struct {
	opts     *RootOptions
	dir      string
	settings *config.Settings
	out      *OutputFormatter
}

func newApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	a := &app{
		opts: opts,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}

	a.dir = opts.ConfigDir
	if a.dir == "" {
		dir, err := config.Dir()
		if err != nil {
			return nil, a.fail(ExitCommandError, "CONFIG_ERROR", err)
		}
		a.dir = dir
	}

	settings, err := config.LoadSettings(a.path(config.SettingsFile))
	if err != nil {
		return nil, a.fail(ExitCommandError, "CONFIG_ERROR", err)
	}
	a.settings = settings
	return a, nil
}

func (a *app) path(name string) string {
	return filepath.Join(a.dir, name)
}

func (a *app) saveSettings() error {
	if err := config.SaveSettings(a.path(config.SettingsFile), a.settings); err != nil {
		return a.fail(ExitCommandError, "CONFIG_ERROR", err)
	}
	return nil
}

// apiConfig returns the connection settings without credentials checks.
func (a *app) apiConfig() api.Config {
	s := a.settings.API
	return api.Config{
		BaseURL:    s.URL,
		RFUBaseURL: s.URLRFU,
		UserAgent:  s.UserAgent,
		User:       s.User,
		Token:      s.Token,
		Timeout:    s.Timeout(),
		Logger:     a.opts.Logger(),
	}
}

// client returns an API client for the logged-in surveyor.
func (a *app) client() (*api.Client, error) {
	if a.settings.API.User == "" || a.settings.API.Token == "" {
		return nil, a.fail(ExitCommandError, "NOT_LOGGED_IN", errNotLoggedIn)
	}
	c, err := api.New(a.apiConfig())
	if err != nil {
		return nil, a.fail(ExitCommandError, "CONFIG_ERROR", err)
	}
	return c, nil
}

// journal opens the upload journal. The caller closes it.
func (a *app) journal() (*store.Store, error) {
	path := a.opts.Database
	if path == "" {
		path = a.path(config.JournalFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, a.fail(ExitCommandError, "DATABASE_ERROR", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, a.fail(ExitCommandError, "DATABASE_ERROR", err)
	}
	return st, nil
}
