package kioskcli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

type SyncOptions struct {
	*RootOptions
	Full bool
}

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync session now",
		Long: `Push queued sales, then pull products, customers and sale results.

--full also retries sales that used up their automatic upload attempts.
Sales the server rejected as invalid are never retried.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Full, "full", false, "also retry failed sales")
	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	ctx := cmd.Context()
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.identity(ctx); err != nil {
		return err
	}

	rep, syncErr := a.engine(nil).Sync(ctx, opts.Full)
	if rep != nil {
		if err := a.out.Print(rep, func(w io.Writer) {
			fmt.Fprintf(w, "pushed %d, rejected %d, retrying %d, failed %d\n",
				rep.Push.Synced, rep.Push.Rejected, rep.Push.Retried, rep.Push.Failed)
			for _, e := range []string{"products", "customers", "sales"} {
				if n, ok := rep.Pulled[e]; ok {
					fmt.Fprintf(w, "pulled %-9s %d\n", e, n)
				}
			}
			if syncErr == nil {
				fmt.Fprintf(w, "done in %s\n", rep.Duration.Round(time.Millisecond))
			}
		}); err != nil {
			return err
		}
	}
	if syncErr != nil {
		return WrapExitError(ExitCode(syncErr), "sync", syncErr)
	}
	return nil
}
