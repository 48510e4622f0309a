package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rfusync/internal/config"
	"github.com/roach88/rfusync/internal/rfu"
	"github.com/roach88/rfusync/internal/session"
)

// Layer names of exported collections.
const (
	layerVertices = "Sommets RFU"
	layerEdges    = "Limites RFU"
)

// DownloadOptions holds flags for the download command.
type DownloadOptions struct {
	*RootOptions
	GeoJSON string
}

// NewDownloadCommand creates the download command.
func NewDownloadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DownloadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "download [permalink]",
		Short: "Download the vertices and edges of a working area",
		Long: `Download the working area centred on a portal permalink.

Without an argument the current permalink is used. The permalink is added
to the recently used list.

Examples:
  rfusync download 'https://pro.geofoncier.fr/index.php?context=metropole&centre=-196406,5983255&echelle=2000'
  rfusync download --geojson area.geojson`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.GeoJSON, "geojson", "", "write the working area to a GeoJSON file")

	return cmd
}

func runDownload(opts *DownloadOptions, cmd *cobra.Command, args []string) error {
	a, err := newApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	link, err := a.resolvePermalink(args)
	if err != nil {
		return err
	}
	client, err := a.client()
	if err != nil {
		return err
	}

	o := session.New(client, session.WithLogger(opts.Logger()))
	s, err := o.Download(cmd.Context(), link)
	if err != nil {
		return a.report(err)
	}
	if err := a.rememberPermalink(s.Permalink.Raw); err != nil {
		return err
	}

	if opts.GeoJSON != "" {
		fc := featureCollection(map[string]*rfu.Collection{
			layerVertices: s.Vertices,
			layerEdges:    s.Edges,
		}, layerVertices, layerEdges)
		if err := writeGeoJSON(opts.GeoJSON, fc); err != nil {
			return a.fail(ExitCommandError, "WRITE_ERROR", err)
		}
	}

	return a.out.Success(map[string]any{
		"permalink":  s.Permalink,
		"bbox":       s.Area.BBox(),
		"vertices":   s.Vertices.Len(),
		"edges":      s.Edges.Len(),
		"projection": s.Projection,
	}, fmt.Sprintf("Downloaded %d vertices and %d edges (zone %s, projection %s)\n",
		s.Vertices.Len(), s.Edges.Len(), s.Zone(), s.Projection.Code))
}

// resolvePermalink returns the first argument, else the current permalink.
func (a *app) resolvePermalink(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	links, err := config.LoadPermalinks(a.path(config.PermalinksFile))
	if err != nil {
		return "", a.fail(ExitCommandError, "CONFIG_ERROR", err)
	}
	if link := links.CurrentLink(); link != "" {
		return link, nil
	}
	return "", a.fail(ExitCommandError, session.CodeMissingParameter, errors.New("no permalink given and none used before"))
}

func (a *app) rememberPermalink(link string) error {
	path := a.path(config.PermalinksFile)
	links, err := config.LoadPermalinks(path)
	if err != nil {
		return a.fail(ExitCommandError, "CONFIG_ERROR", err)
	}
	links.Use(link)
	if err := config.SavePermalinks(path, links); err != nil {
		return a.fail(ExitCommandError, "CONFIG_ERROR", err)
	}
	return nil
}

// NewPermalinksCommand creates the permalinks command.
func NewPermalinksCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "permalinks",
		Short:         "List the recently used permalinks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			links, err := config.LoadPermalinks(a.path(config.PermalinksFile))
			if err != nil {
				return a.fail(ExitCommandError, "CONFIG_ERROR", err)
			}

			var b strings.Builder
			for i, l := range links.Links {
				mark := " "
				if i == links.Current {
					mark = "*"
				}
				fmt.Fprintf(&b, "%s %s\n", mark, l)
			}
			if len(links.Links) == 0 {
				b.WriteString("No permalink used yet\n")
			}
			return a.out.Success(links, b.String())
		},
	}
}
