package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/config"
	"github.com/roach88/rfusync/internal/session"
)

// CapabilitiesOptions holds flags for the capabilities command.
type CapabilitiesOptions struct {
	*RootOptions
	Zone string
}

// NewCapabilitiesCommand creates the capabilities command.
func NewCapabilitiesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CapabilitiesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Show the account rights and the rules of a zone",
		Long: `Show what the API key may do and what a zone allows: planar
representations, precision classes, nature types and creators.

The zone defaults to the one of the current permalink.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilities(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Zone, "zone", "", "service zone (metropole, antilles, guyane, reunion, mayotte)")

	return cmd
}

func runCapabilities(opts *CapabilitiesOptions, cmd *cobra.Command) error {
	a, err := newApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	client, err := a.client()
	if err != nil {
		return err
	}

	zone := opts.Zone
	if zone == "" {
		zone = a.currentZone()
	}

	account, err := client.AccountCapabilities(cmd.Context())
	if err != nil {
		return a.report(err)
	}
	caps, err := client.Capabilities(cmd.Context(), zone)
	if err != nil {
		return a.report(err)
	}

	return a.out.Success(map[string]any{
		"account": account,
		"zone":    caps,
	}, formatCapabilities(account, caps))
}

// currentZone returns the zone of the current permalink, metropole when
// there is none.
func (a *app) currentZone() string {
	links, err := config.LoadPermalinks(a.path(config.PermalinksFile))
	if err != nil {
		return "metropole"
	}
	if p, err := session.ParsePermalink(links.CurrentLink()); err == nil {
		return p.Zone
	}
	return "metropole"
}

func formatCapabilities(account *api.AccountCapabilities, caps *api.Capabilities) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extraction: %s (limit %d m)\n", yesNo(account.Extract), account.ExtractLimit)
	fmt.Fprintf(&b, "Update: %s\n", yesNo(account.Update))
	fmt.Fprintf(&b, "Zone: %s (tolerance %s m)\n", caps.Zone, formatMeters(caps.Tolerance))

	b.WriteString("Representations:\n")
	for _, r := range caps.Representations {
		fmt.Fprintf(&b, "  %-12s EPSG:%d  %s\n", r.Code, r.EPSG, r.Label)
	}
	b.WriteString("Precision classes:\n")
	for _, p := range caps.PrecisionClasses {
		fmt.Fprintf(&b, "  %d  %s\n", p.Code, p.Label)
	}
	fmt.Fprintf(&b, "Vertex natures: %s\n", strings.Join(caps.VertexNatureTypes, ", "))
	fmt.Fprintf(&b, "Edge natures: %s\n", strings.Join(caps.EdgeNatureTypes, ", "))
	b.WriteString("Creators:\n")
	for _, c := range caps.Creators {
		fmt.Fprintf(&b, "  %-8s %s\n", c.ID, c.Name)
	}
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func formatMeters(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
