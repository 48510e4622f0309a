package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	ConfigDir string // defaults to config.Dir()
	Database  string // journal path, defaults to <config dir>/rfusync.db

	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the rfusync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rfusync",
		Short: "rfusync - RFU changeset synchronizer",
		Long: "Download a working area of the Géofoncier RFU, edit its vertices and edges\n" +
			"with edit scripts or DXF imports, and upload the changes as one changeset.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", "", "configuration directory (default $RFUSYNC_HOME or the user config dir)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "upload journal database (default <config>/rfusync.db)")

	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewWhoamiCommand(opts))
	cmd.AddCommand(NewCapabilitiesCommand(opts))
	cmd.AddCommand(NewDownloadCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewDeterminationsCommand(opts))
	cmd.AddCommand(NewCancelDeterminationCommand(opts))
	cmd.AddCommand(NewPermalinksCommand(opts))
	cmd.AddCommand(NewDXFLayersCommand(opts))

	return cmd
}

// Logger returns the logger configured by the root command.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
