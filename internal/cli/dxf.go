package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rfusync/internal/config"
	"github.com/roach88/rfusync/internal/dxfimport"
)

// NewDXFLayersCommand creates the dxf-layers command.
func NewDXFLayersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dxf-layers <file.dxf>",
		Short: "List the layers and blocks of a DXF file",
		Long: `List the layers carrying lines or block references in a DXF file,
to pick the edge_layer and vertex_layer of an import_dxf edit, and the
block definitions that vertex natures can be mapped to.

The layers and blocks used by the last import are marked.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDXFLayers(rootOpts, cmd, args[0])
		},
	}
}

func runDXFLayers(opts *RootOptions, cmd *cobra.Command, path string) error {
	a, err := newApp(opts, cmd)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return a.fail(ExitCommandError, "READ_ERROR", err)
	}
	defer f.Close()

	d, err := dxfimport.Read(f)
	if err != nil {
		return a.fail(ExitCommandError, "INVALID_DXF", err)
	}
	layers := d.Layers()

	params, err := config.LoadDXFParams(a.path(config.DXFParamsFile))
	if err != nil {
		return a.fail(ExitCommandError, "CONFIG_ERROR", err)
	}

	var b strings.Builder
	for _, l := range layers {
		var marks []string
		if l == params.EdgeLayer {
			marks = append(marks, "edges")
		}
		if l == params.VertexLayer {
			marks = append(marks, "vertices")
		}
		if len(marks) > 0 {
			fmt.Fprintf(&b, "%s  (last used for %s)\n", l, strings.Join(marks, ", "))
			continue
		}
		fmt.Fprintln(&b, l)
	}
	if len(layers) == 0 {
		b.WriteString("No line or block reference in file\n")
	}
	blockNatures := map[string][]string{}
	for _, nature := range params.NatureNames() {
		block := params.Natures[nature]
		blockNatures[block] = append(blockNatures[block], nature)
	}
	if len(d.Blocks) > 0 {
		b.WriteString("Blocks:\n")
	}
	for _, blk := range d.Blocks {
		if natures := blockNatures[blk]; len(natures) > 0 {
			fmt.Fprintf(&b, "  %s  (%s)\n", blk, strings.Join(natures, ", "))
			continue
		}
		fmt.Fprintf(&b, "  %s\n", blk)
	}

	return a.out.Success(map[string]any{
		"file":         path,
		"layers":       layers,
		"blocks":       d.Blocks,
		"lines":        len(d.Lines),
		"inserts":      len(d.Inserts),
		"natures":      params.Natures,
		"edge_layer":   params.EdgeLayer,
		"vertex_layer": params.VertexLayer,
	}, b.String())
}
