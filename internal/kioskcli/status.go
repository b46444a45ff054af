package kioskcli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"xpos/internal/localstore"

	"github.com/spf13/cobra"
)

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registration, queue counters and sync checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
}

type statusView struct {
	Registered bool              `json:"registered" yaml:"registered"`
	DeviceID   string            `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	DeviceName string            `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	ServerURL  string            `json:"server_url" yaml:"server_url"`
	Queue      *localstore.Stats `json:"queue" yaml:"queue"`
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	view := statusView{ServerURL: opts.Kiosk.ServerURL}
	id, err := a.store.Identity(ctx)
	switch {
	case err == nil:
		view.Registered = true
		view.DeviceID = id.DeviceID.String()
		view.DeviceName = id.DeviceName
	case !errors.Is(err, localstore.ErrNotRegistered):
		return err
	}
	if view.Queue, err = a.store.Stats(ctx); err != nil {
		return err
	}

	return a.out.Print(view, func(w io.Writer) {
		if view.Registered {
			fmt.Fprintf(w, "device     %s (%s)\n", view.DeviceName, view.DeviceID)
		} else {
			fmt.Fprintln(w, "device     not registered")
		}
		fmt.Fprintf(w, "server     %s\n", view.ServerURL)
		q := view.Queue
		fmt.Fprintf(w, "sales      queued %d, uploading %d, synced %d, failed %d, rejected %d\n",
			q.Queued, q.Uploading, q.Synced, q.Failed, q.Rejected)
		fmt.Fprintf(w, "fiscal     %d pending\n", q.FiscalPending)
		fmt.Fprintf(w, "catalog    %d products, %d customers\n\n", q.Products, q.Customers)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ENTITY\tLAST SYNC\tSTATUS\tERROR")
		for _, cp := range q.Checkpoints {
			last := "never"
			if !cp.LastSyncAt.IsZero() {
				last = cp.LastSyncAt.Local().Format(time.DateTime)
			}
			status, msg := cp.LastStatus, ""
			if status == "" {
				status = "-"
			}
			if cp.LastError != nil {
				msg = *cp.LastError
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", cp.EntityType, last, status, msg)
		}
		tw.Flush()
	})
}
