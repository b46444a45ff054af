package kioskcli

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"xpos/internal/localstore"

	"github.com/spf13/cobra"
)

type SalesOptions struct {
	*RootOptions
	Status string
	Limit  int
}

var saleStatuses = []string{"", localstore.StatusQueued, localstore.StatusUploading, localstore.StatusSynced, localstore.StatusFailed}

func NewSalesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SalesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sales",
		Short: "List locally captured sales",
		Example: `  kiosk sales --status failed
  kiosk sales --format json --limit 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSales(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "queued|uploading|synced|failed (default all)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum rows")
	return cmd
}

type saleView struct {
	LocalID      int64      `json:"local_id" yaml:"local_id"`
	Total        string     `json:"total" yaml:"total"`
	SoldAt       time.Time  `json:"sold_at" yaml:"sold_at"`
	SyncStatus   string     `json:"sync_status" yaml:"sync_status"`
	RetryCount   int        `json:"retry_count" yaml:"retry_count"`
	Rejected     bool       `json:"rejected" yaml:"rejected"`
	LastError    *string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ServerSaleID *int64     `json:"server_sale_id,omitempty" yaml:"server_sale_id,omitempty"`
	SaleNumber   *string    `json:"sale_number,omitempty" yaml:"sale_number,omitempty"`
	FiscalStatus string     `json:"fiscal_status" yaml:"fiscal_status"`
	FiscalNumber *string    `json:"fiscal_number,omitempty" yaml:"fiscal_number,omitempty"`
	FiscalLocal  bool       `json:"fiscal_local" yaml:"fiscal_local"`
	FiscalizedAt *time.Time `json:"fiscalized_at,omitempty" yaml:"fiscalized_at,omitempty"`
}

func viewOf(s localstore.QueuedSale) saleView {
	return saleView{
		LocalID:      s.LocalID,
		Total:        s.Total.StringFixed(2),
		SoldAt:       s.SoldAt,
		SyncStatus:   s.SyncStatus,
		RetryCount:   s.RetryCount,
		Rejected:     s.Rejected,
		LastError:    s.LastError,
		ServerSaleID: s.ServerSaleID,
		SaleNumber:   s.SaleNumber,
		FiscalStatus: s.FiscalStatus,
		FiscalNumber: s.FiscalNumber,
		FiscalLocal:  s.FiscalLocal,
		FiscalizedAt: s.FiscalizedAt,
	}
}

func runSales(cmd *cobra.Command, opts *SalesOptions) error {
	if !slices.Contains(saleStatuses, opts.Status) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
	}
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	sales, err := a.store.ListSales(cmd.Context(), opts.Status, opts.Limit)
	if err != nil {
		return err
	}
	views := make([]saleView, 0, len(sales))
	for _, s := range sales {
		views = append(views, viewOf(s))
	}

	return a.out.Print(views, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LOCAL ID\tSOLD AT\tTOTAL\tSYNC\tRETRIES\tSERVER #\tFISCAL\tFISCAL #")
		for _, v := range views {
			sync := v.SyncStatus
			if v.Rejected {
				sync = "rejected"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				v.LocalID, v.SoldAt.Local().Format(time.DateTime), v.Total, sync, v.RetryCount,
				deref(v.SaleNumber), v.FiscalStatus, deref(v.FiscalNumber))
		}
		tw.Flush()
	})
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
