package kioskcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/dto"
	"xpos/internal/fiscal"
	"xpos/internal/localstore"
	"xpos/internal/model"

	"github.com/spf13/cobra"
)

// FiscalOptions applies to every fiscal subcommand. With local_fiscal set
// in the config the kiosk drives the printer itself; otherwise operations
// are queued as server fiscal jobs.
type FiscalOptions struct {
	*RootOptions
	Wait time.Duration
}

func NewFiscalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FiscalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fiscal",
		Short: "Fiscal printer operations",
		Long: `Fiscal printer operations. Kiosks configured with local_fiscal talk to
the printer directly using the config cached by the last sync; the others
submit fiscal jobs to the server and optionally wait for the result.`,
	}
	cmd.PersistentFlags().DurationVar(&opts.Wait, "wait", 0, "server mode: poll the job until it finishes or this long passes")

	cmd.AddCommand(&cobra.Command{
		Use:   "shift-status",
		Short: "Show the printer shift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				var st *fiscal.ShiftStatus
				var err error
				if opts.Kiosk.LocalFiscal {
					st, err = a.printer().ShiftStatus(ctx)
				} else {
					st, err = a.client.ShiftStatus(ctx)
				}
				if err != nil {
					return err
				}
				return a.out.Print(st, func(w io.Writer) { printShift(w, st) })
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "shift-open",
		Short: "Open a shift if none is open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !opts.Kiosk.LocalFiscal {
					return submitJob(ctx, a, opts, dto.FiscalJobRequest{OperationType: model.OpShiftOpen})
				}
				st, err := a.printer().OpenShift(ctx)
				if err != nil {
					return err
				}
				return a.out.Print(st, func(w io.Writer) { printShift(w, st) })
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "shift-close",
		Short: "Close the shift (Z report)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !opts.Kiosk.LocalFiscal {
					return submitJob(ctx, a, opts, dto.FiscalJobRequest{OperationType: model.OpShiftClose})
				}
				sum, err := a.printer().CloseShift(ctx)
				if err != nil {
					return err
				}
				return a.out.Print(sum, func(w io.Writer) {
					fmt.Fprintf(w, "shift %s closed: %d receipts, total %s\n", sum.ShiftNumber, sum.ReceiptCount, sum.Total.StringFixed(2))
				})
			})
		},
	})

	var from, to string
	report := &cobra.Command{
		Use:     "report",
		Short:   "Periodic report between two dates",
		Example: "  kiosk fiscal report --from 2026-03-01 --to 2026-03-31",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.ParseInLocation(time.DateOnly, from, time.Local)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --from", err)
			}
			end, err := time.ParseInLocation(time.DateOnly, to, time.Local)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --to", err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !opts.Kiosk.LocalFiscal {
					return submitJob(ctx, a, opts, dto.FiscalJobRequest{
						OperationType: model.OpPeriodicReport, StartDate: &start, EndDate: &end,
					})
				}
				rep, err := a.printer().PeriodicReport(ctx, start, end)
				if err != nil {
					return err
				}
				return a.out.Print(rep, func(w io.Writer) { fmt.Fprintln(w, string(rep.Raw)) })
			})
		},
	}
	report.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD (required)")
	report.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD (required)")
	_ = report.MarkFlagRequired("from")
	_ = report.MarkFlagRequired("to")
	cmd.AddCommand(report)

	cmd.AddCommand(&cobra.Command{
		Use:   "tape",
		Short: "Fetch the control tape",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !opts.Kiosk.LocalFiscal {
					return submitJob(ctx, a, opts, dto.FiscalJobRequest{OperationType: model.OpControlTape})
				}
				tape, err := a.printer().ControlTape(ctx)
				if err != nil {
					return err
				}
				return a.out.Print(tape, func(w io.Writer) { fmt.Fprintln(w, string(tape.Raw)) })
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "print <local_id>",
		Short: "Print the receipt of a sale",
		Long: `Print the receipt of a sale. Locally the sale must not be synced yet;
its fiscal number then travels with the next push. In server mode the sale
must already be synced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid local id", err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if opts.Kiosk.LocalFiscal {
					res, err := a.printer().PrintSale(ctx, localID)
					if err != nil {
						return err
					}
					return a.out.Print(res, func(w io.Writer) {
						fmt.Fprintf(w, "sale %d printed: fiscal number %s\n", localID, res.FiscalNumber)
					})
				}
				sale, err := a.store.Sale(ctx, localID)
				if errors.Is(err, localstore.ErrNotFound) {
					return NewExitError(ExitCommandError, fmt.Sprintf("sale %d not found", localID))
				}
				if err != nil {
					return err
				}
				if sale.ServerSaleID == nil {
					return NewExitError(ExitFailure, fmt.Sprintf("sale %d is not synced yet; run `kiosk sync` first", localID))
				}
				key := "reprint-" + strconv.FormatInt(*sale.ServerSaleID, 10)
				return submitJob(ctx, a, opts, dto.FiscalJobRequest{
					OperationType: model.OpSaleReceipt, SaleID: sale.ServerSaleID, IdempotencyKey: &key,
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "job <id>",
		Short: "Show a server fiscal job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				job, err := a.client.FiscalJob(ctx, args[0])
				if err != nil {
					return err
				}
				return a.out.Print(job, func(w io.Writer) { printJob(w, job) })
			})
		},
	})

	return cmd
}

// withApp opens the app for a registered kiosk and maps typed errors to
// exit codes.
func withApp(cmd *cobra.Command, opts *FiscalOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.identity(ctx); err != nil {
		return err
	}
	if err := fn(ctx, a); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		return WrapExitError(ExitCode(err), cmd.Name(), err)
	}
	return nil
}

// submitJob queues a server fiscal job and, with --wait, polls it until it
// completes, fails for good or the wait runs out.
func submitJob(ctx context.Context, a *app, opts *FiscalOptions, req dto.FiscalJobRequest) error {
	job, err := a.client.SubmitFiscalJob(ctx, req)
	if err != nil {
		return err
	}
	if opts.Wait > 0 {
		job, err = waitJob(ctx, a, job, opts.Wait)
		if err != nil {
			return err
		}
	}
	if err := a.out.Print(job, func(w io.Writer) { printJob(w, job) }); err != nil {
		return err
	}
	if job.DeadLettered {
		return NewExitError(ExitFailure, "fiscal job dead-lettered")
	}
	return nil
}

func waitJob(ctx context.Context, a *app, job *dto.FiscalJobResponse, wait time.Duration) (*dto.FiscalJobResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for !jobSettled(job) {
		select {
		case <-ctx.Done():
			return job, nil
		case <-tick.C:
		}
		next, err := a.client.FiscalJob(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return job, nil
			}
			return nil, err
		}
		job = next
	}
	return job, nil
}

func jobSettled(j *dto.FiscalJobResponse) bool {
	return j.Status == model.JobCompleted || j.DeadLettered
}

func printShift(w io.Writer, st *fiscal.ShiftStatus) {
	switch {
	case !st.IsOpen:
		fmt.Fprintln(w, "shift closed")
	case st.IsExpired:
		fmt.Fprintf(w, "shift EXPIRED: open for %.2fh since %s; close it before printing\n",
			st.DurationHours, st.OpenedAt.Local().Format(time.DateTime))
	default:
		fmt.Fprintf(w, "shift open for %.2fh since %s\n", st.DurationHours, st.OpenedAt.Local().Format(time.DateTime))
	}
}

func printJob(w io.Writer, j *dto.FiscalJobResponse) {
	fmt.Fprintf(w, "job %s  %s  %s  attempt %d/%d\n", j.ID, j.OperationType, j.Status, j.RetryCount, j.MaxRetries)
	if j.Duplicate {
		fmt.Fprintln(w, "(existing job for this idempotency key)")
	}
	if j.Result != nil && j.Result.FiscalNumber != "" {
		fmt.Fprintf(w, "fiscal number %s\n", j.Result.FiscalNumber)
	}
	if j.LastError != nil {
		kind := string(apierror.KindInternal)
		if j.ErrorKind != nil {
			kind = *j.ErrorKind
		}
		fmt.Fprintf(w, "last error [%s] %s\n", kind, *j.LastError)
	}
	if j.DeadLettered {
		fmt.Fprintln(w, "dead-lettered: retry it from the server once the printer is fixed")
	}
}
