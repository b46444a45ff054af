// Package kioskcli is the command line of the kiosk agent: registration,
// the long-running sync loop and the operator commands around it.
package kioskcli

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"xpos/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// RootOptions holds the global flags and what PersistentPreRunE derives
// from them.
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool

	Kiosk *config.Kiosk
}

var ValidFormats = []string{"text", "json", "yaml"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kiosk",
		Short: "xPOS kiosk agent",
		Long: `The kiosk agent keeps a local copy of the catalog, queues sales while
offline and pushes them to the server when connectivity returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %s", opts.Format, strings.Join(ValidFormats, "|")))
			}
			cfg, err := config.LoadKiosk(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			opts.Kiosk = cfg
			setupLogger(cmd.ErrOrStderr(), cfg.LogLevel, opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("KIOSK_CONFIG"), "path to kiosk.yaml")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSalesCommand(opts))
	cmd.AddCommand(NewFiscalCommand(opts))

	return cmd
}

// setupLogger writes human-readable logs to stderr so stdout stays
// parseable in json and yaml formats.
func setupLogger(w io.Writer, level string, verbose bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
}
