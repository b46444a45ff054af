package kioskcli

import (
	"context"
	"errors"
	"time"

	"xpos/internal/fiscal"
	"xpos/internal/localfiscal"
	"xpos/internal/localstore"
	"xpos/internal/syncclient"

	"github.com/spf13/cobra"
)

// app is the wiring every command shares: the local store and a client
// authenticated as this device.
type app struct {
	opts   *RootOptions
	store  *localstore.Store
	client *syncclient.Client
	out    *Output
}

func openApp(cmd *cobra.Command, opts *RootOptions, clientOpts ...syncclient.ClientOption) (*app, error) {
	store, err := localstore.Open(opts.Kiosk.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open local store", err)
	}
	return &app{
		opts:   opts,
		store:  store,
		client: syncclient.NewClient(opts.Kiosk.ServerURL, opts.Kiosk.HTTPTimeout, store, clientOpts...),
		out:    &Output{Format: opts.Format, Writer: cmd.OutOrStdout()},
	}, nil
}

func (a *app) Close() error { return a.store.Close() }

// identity fails with a command error on an unregistered kiosk.
func (a *app) identity(ctx context.Context) (*localstore.Identity, error) {
	id, err := a.store.Identity(ctx)
	if errors.Is(err, localstore.ErrNotRegistered) {
		return nil, NewExitError(ExitCommandError, "kiosk is not registered; run `kiosk register` first")
	}
	return id, err
}

func (a *app) engine(sink syncclient.EventSink) *syncclient.Engine {
	return syncclient.NewEngine(a.store, a.client, syncclient.EngineConfig{
		BatchSize:         a.opts.Kiosk.UploadBatchSize,
		FetchFiscalConfig: a.opts.Kiosk.LocalFiscal,
		Sink:              sink,
	})
}

func (a *app) printer() *localfiscal.Adapter {
	timeout := a.opts.Kiosk.PrinterTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return localfiscal.New(a.store, fiscal.WithTimeout(timeout))
}
