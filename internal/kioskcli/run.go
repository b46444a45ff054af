package kioskcli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"xpos/internal/eventhub"
	"xpos/internal/syncclient"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type RunOptions struct {
	*RootOptions
	NoEvents bool
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		Long: `Run the sync agent: heartbeats track connectivity, sales are pushed
and deltas pulled on the server-provided interval and right after every
reconnect. POS screens follow progress on ws://<events_addr>/events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.NoEvents, "no-events", false, "do not serve the local events API")
	return cmd
}

// schedule holds the server-provided intervals; heartbeats update it while
// the loops read it.
type schedule struct {
	sync      atomic.Int64
	heartbeat atomic.Int64
}

func (s *schedule) set(syncEvery, heartbeatEvery time.Duration) {
	s.sync.Store(int64(syncEvery))
	s.heartbeat.Store(int64(heartbeatEvery))
}

func (s *schedule) syncInterval() time.Duration      { return time.Duration(s.sync.Load()) }
func (s *schedule) heartbeatInterval() time.Duration { return time.Duration(s.heartbeat.Load()) }

func runAgent(ctx context.Context, cmd *cobra.Command, opts *RunOptions) error {
	var monitor *syncclient.Monitor
	a, err := openApp(cmd, opts.RootOptions, syncclient.WithObserver(func(ok bool) {
		if monitor != nil {
			monitor.Observe(ok)
		}
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.identity(ctx)
	if err != nil {
		return err
	}
	sched := &schedule{}
	sched.set(id.SyncInterval(), id.HeartbeatInterval())

	hub := eventhub.New()
	engine := a.engine(hub)

	probe := func(ctx context.Context) error {
		hb, err := a.client.Heartbeat(ctx)
		if err != nil {
			return err
		}
		if err := a.store.UpdateSyncConfig(ctx, hb.SyncConfig); err != nil {
			log.Warn().Err(err).Msg("kiosk: failed to store sync config")
			return nil
		}
		if fresh, err := a.store.Identity(ctx); err == nil {
			sched.set(fresh.SyncInterval(), fresh.HeartbeatInterval())
		}
		return nil
	}
	monitor = syncclient.NewMonitor(probe, syncclient.MonitorConfig{
		Interval:     sched.heartbeatInterval,
		OnlineAfter:  opts.Kiosk.OnlineAfter,
		OfflineAfter: opts.Kiosk.OfflineAfter,
		Sink:         hub,
	})

	log.Info().
		Str("device_id", id.DeviceID.String()).
		Str("server", opts.Kiosk.ServerURL).
		Dur("sync_interval", sched.syncInterval()).
		Bool("local_fiscal", opts.Kiosk.LocalFiscal).
		Msg("kiosk agent starting")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); hub.Run(ctx) }()
	go func() { defer wg.Done(); monitor.Run(ctx) }()
	go func() { defer wg.Done(); engine.Run(ctx, sched.syncInterval, monitor.Reconnected()) }()

	var srv *http.Server
	if !opts.NoEvents {
		srv = &http.Server{
			Addr: opts.Kiosk.EventsAddr,
			Handler: eventhub.NewRouter(eventhub.Deps{
				Hub:         hub,
				Store:       a.store,
				Online:      monitor.Online,
				RequestSync: engine.Request,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("kiosk: events API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("kiosk: events API stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("kiosk agent shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("kiosk: events API shutdown")
		}
	}
	wg.Wait()
	return nil
}
