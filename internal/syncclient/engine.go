package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/dto"
	"xpos/internal/localstore"
	"xpos/internal/model"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// PullOrder is the order deltas are pulled in. Sales come last so fiscal
// results of sales pushed in the same session show up.
var PullOrder = []string{dto.EntityProducts, dto.EntityCustomers, dto.EntitySales}

// LocalStore is what the engine needs from the kiosk store.
type LocalStore interface {
	Identity(ctx context.Context) (*localstore.Identity, error)
	ListPushable(ctx context.Context, full bool, after int64, limit int) ([]localstore.QueuedSale, error)
	MarkUploading(ctx context.Context, ids []int64) ([]int64, error)
	MarkSynced(ctx context.Context, results []dto.SaleUploadResult) error
	MarkRetry(ctx context.Context, ids []int64, maxRetries int, cause string) (int, error)
	MarkRejected(ctx context.Context, localID int64, reason string) error
	RecoverUploading(ctx context.Context) (int64, error)
	Checkpoint(ctx context.Context, entityType string) (localstore.Checkpoint, error)
	ApplyDelta(ctx context.Context, d localstore.Delta) (localstore.ApplyResult, error)
	RecordSyncFailure(ctx context.Context, entityType, cause string) error
	SaveFiscalConfig(ctx context.Context, cfg dto.FiscalConfigResponse) error
	ClearFiscalConfig(ctx context.Context) error
}

var _ LocalStore = (*localstore.Store)(nil)

type EngineConfig struct {
	BatchSize int
	// FetchFiscalConfig refreshes the cached receipt printer config on
	// every sync, for kiosks that print locally.
	FetchFiscalConfig bool
	Sink              EventSink
	Now               func() time.Time
}

// PushResult counts the outcome of one push.
type PushResult struct {
	Synced   int `json:"synced" yaml:"synced"`
	Rejected int `json:"rejected" yaml:"rejected"`
	Retried  int `json:"retried" yaml:"retried"`
	Failed   int `json:"failed" yaml:"failed"`
}

// Report is the outcome of one sync session.
type Report struct {
	Recovered int64          `json:"recovered" yaml:"recovered"`
	Push      PushResult     `json:"push" yaml:"push"`
	Pulled    map[string]int `json:"pulled" yaml:"pulled"`
	Started   time.Time      `json:"started" yaml:"started"`
	Duration  time.Duration  `json:"duration" yaml:"duration"`
}

// Engine runs sync sessions for one device. Overlapping requests of the
// same kind collapse into one session, and sessions never overlap.
type Engine struct {
	store  LocalStore
	client *Client
	cfg    EngineConfig

	flight   singleflight.Group
	session  sync.Mutex
	requests chan bool
}

func NewEngine(store LocalStore, client *Client, cfg EngineConfig) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{store: store, client: client, cfg: cfg, requests: make(chan bool, 1)}
}

func (e *Engine) publish(ev Event) {
	ev.At = e.cfg.Now()
	e.cfg.Sink.Publish(ev)
}

// Sync runs one session: recover interrupted uploads, push queued sales,
// then pull every entity. full also retries sales that exhausted their
// automatic retries. Concurrent calls with the same full flag share one
// session and its result.
func (e *Engine) Sync(ctx context.Context, full bool) (*Report, error) {
	key := "sync"
	if full {
		key = "sync-full"
	}
	v, err, shared := e.flight.Do(key, func() (any, error) {
		e.session.Lock()
		defer e.session.Unlock()
		return e.syncLocked(ctx, full)
	})
	if shared {
		log.Debug().Str("kind", key).Msg("syncclient: joined running sync")
	}
	rep, _ := v.(*Report)
	return rep, err
}

func (e *Engine) syncLocked(ctx context.Context, full bool) (*Report, error) {
	rep := &Report{Pulled: map[string]int{}, Started: e.cfg.Now()}
	e.publish(Event{Type: EventSyncStarted})

	n, err := e.store.RecoverUploading(ctx)
	if err != nil {
		return rep, e.failed(fmt.Errorf("recover uploading: %w", err))
	}
	rep.Recovered = n

	push, err := e.pushLocked(ctx, full)
	rep.Push = push
	if err != nil {
		return rep, e.failed(err)
	}

	var pullErrs []error
	for _, entity := range PullOrder {
		count, err := e.pullLocked(ctx, entity)
		if err != nil {
			pullErrs = append(pullErrs, err)
			continue
		}
		rep.Pulled[entity] = count
	}
	if err := errors.Join(pullErrs...); err != nil {
		return rep, e.failed(err)
	}

	if e.cfg.FetchFiscalConfig {
		e.refreshFiscalConfig(ctx)
	}

	rep.Duration = e.cfg.Now().Sub(rep.Started)
	e.publish(Event{Type: EventSyncCompleted, Count: push.Synced})
	log.Info().
		Int("pushed", push.Synced).
		Int("rejected", push.Rejected).
		Int("retried", push.Retried).
		Interface("pulled", rep.Pulled).
		Msg("syncclient: sync completed")
	return rep, nil
}

func (e *Engine) failed(err error) error {
	e.publish(Event{Type: EventSyncFailed, Err: err.Error()})
	log.Warn().Err(err).Msg("syncclient: sync failed")
	return err
}

// PushQueuedSales uploads queued sales in its own session.
func (e *Engine) PushQueuedSales(ctx context.Context, full bool) (PushResult, error) {
	e.session.Lock()
	defer e.session.Unlock()
	return e.pushLocked(ctx, full)
}

// PullDeltas pulls one entity in its own session.
func (e *Engine) PullDeltas(ctx context.Context, entityType string) (int, error) {
	e.session.Lock()
	defer e.session.Unlock()
	return e.pullLocked(ctx, entityType)
}

// pushLocked uploads pushable sales batch by batch, oldest first. A
// transport failure puts the batch back with one more retry counted and
// stops the push; the next session picks up from there.
func (e *Engine) pushLocked(ctx context.Context, full bool) (PushResult, error) {
	var res PushResult
	id, err := e.store.Identity(ctx)
	if err != nil {
		return res, err
	}
	maxRetries := id.MaxRetryAttempts()

	var after int64
	for {
		sales, err := e.store.ListPushable(ctx, full, after, e.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if len(sales) == 0 {
			return res, nil
		}
		after = sales[len(sales)-1].LocalID

		listed := make([]int64, len(sales))
		for i := range sales {
			listed[i] = sales[i].LocalID
		}
		// A sale claimed by a local print after it was listed is not
		// moved and must not be sent.
		ids, err := e.store.MarkUploading(ctx, listed)
		if err != nil {
			return res, err
		}
		if len(ids) == 0 {
			continue
		}
		claimed := make(map[int64]bool, len(ids))
		for _, id := range ids {
			claimed[id] = true
		}
		uploads := make([]dto.SaleUpload, 0, len(ids))
		for i := range sales {
			if claimed[sales[i].LocalID] {
				uploads = append(uploads, sales[i].Upload())
			}
		}

		resp, upErr := e.client.UploadSales(ctx, uploads)
		if upErr != nil {
			// Detached so a cancelled session still returns its batch.
			failed, err := e.store.MarkRetry(context.WithoutCancel(ctx), ids, maxRetries, upErr.Error())
			if err != nil {
				return res, errors.Join(upErr, err)
			}
			res.Retried += len(ids) - failed
			res.Failed += failed
			if failed > 0 {
				e.publish(Event{Type: EventSalesFailed, Count: failed, Err: upErr.Error()})
			}
			return res, upErr
		}

		answered := make(map[int64]bool, len(ids))
		if err := e.store.MarkSynced(ctx, resp.Results); err != nil {
			return res, err
		}
		for _, r := range resp.Results {
			answered[r.LocalID] = true
		}
		res.Synced += len(resp.Results)

		var retry []int64
		for _, f := range resp.Failed {
			answered[f.LocalID] = true
			if apierror.Kind(f.Error) != apierror.KindValidation {
				retry = append(retry, f.LocalID)
				continue
			}
			reason := f.Error + ": " + f.Detail
			if err := e.store.MarkRejected(ctx, f.LocalID, reason); err != nil {
				return res, err
			}
			res.Rejected++
			e.publish(Event{Type: EventSaleRejected, LocalID: f.LocalID, Err: reason})
			log.Warn().Int64("local_id", f.LocalID).Str("reason", reason).Msg("syncclient: sale rejected by server")
		}
		for _, id := range ids {
			if !answered[id] {
				retry = append(retry, id)
			}
		}
		if len(retry) > 0 {
			failed, err := e.store.MarkRetry(ctx, retry, maxRetries, "not accepted by server")
			if err != nil {
				return res, err
			}
			res.Retried += len(retry) - failed
			res.Failed += failed
		}
		e.publish(Event{Type: EventSalesPushed, Count: len(resp.Results)})
	}
}

// pullLocked pulls one entity since its checkpoint and applies it. The
// checkpoint only moves inside the apply transaction.
func (e *Engine) pullLocked(ctx context.Context, entity string) (int, error) {
	cp, err := e.store.Checkpoint(ctx, entity)
	if err != nil {
		return 0, err
	}
	delta, err := e.client.Delta(ctx, entity, cp.LastSyncAt)
	if err != nil {
		e.recordFailure(ctx, entity, err)
		return 0, fmt.Errorf("pull %s: %w", entity, err)
	}
	res, err := e.store.ApplyDelta(ctx, localstore.Delta{
		EntityType:    entity,
		Records:       delta.Records,
		DeletedIDs:    delta.DeletedIDs,
		SyncTimestamp: delta.SyncTimestamp,
	})
	if err != nil {
		e.recordFailure(ctx, entity, err)
		return 0, fmt.Errorf("apply %s delta: %w", entity, err)
	}
	e.publish(Event{Type: EventDeltaApplied, EntityType: entity, Count: res.Upserted + res.Deleted})
	log.Debug().
		Str("entity_type", entity).
		Int("upserted", res.Upserted).
		Int("deleted", res.Deleted).
		Time("checkpoint", delta.SyncTimestamp).
		Msg("syncclient: delta applied")
	return res.Upserted + res.Deleted, nil
}

func (e *Engine) recordFailure(ctx context.Context, entity string, cause error) {
	if err := e.store.RecordSyncFailure(context.WithoutCancel(ctx), entity, cause.Error()); err != nil {
		log.Warn().Err(err).Str("entity_type", entity).Msg("syncclient: failed to record sync failure")
	}
}

func (e *Engine) refreshFiscalConfig(ctx context.Context) {
	cfg, err := e.client.FiscalConfig(ctx, model.PurposeReceipt)
	switch {
	case err == nil:
		if err := e.store.SaveFiscalConfig(ctx, *cfg); err != nil {
			log.Warn().Err(err).Msg("syncclient: failed to cache fiscal config")
			return
		}
		e.publish(Event{Type: EventFiscalConfigFetch})
	case apierror.KindOf(err) == apierror.KindConfiguration:
		// The account has no usable printer any more.
		if err := e.store.ClearFiscalConfig(ctx); err != nil {
			log.Warn().Err(err).Msg("syncclient: failed to clear fiscal config")
		}
	default:
		log.Warn().Err(err).Msg("syncclient: fiscal config refresh failed")
	}
}

// Request asks a running engine for a sync. Requests coalesce; a pending
// full request is never downgraded.
func (e *Engine) Request(full bool) {
	select {
	case e.requests <- full:
		return
	default:
	}
	if !full {
		return
	}
	// Replace a pending normal request with a full one.
	select {
	case <-e.requests:
	default:
	}
	select {
	case e.requests <- true:
	default:
	}
}

// Run syncs once, then on every interval tick, every reconnect and every
// Request, until ctx is done. interval is re-read after each tick so a
// schedule changed by a heartbeat takes effect.
func (e *Engine) Run(ctx context.Context, interval func() time.Duration, reconnect <-chan struct{}) {
	run := func(full bool) {
		if _, err := e.Sync(ctx, full); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Bool("full", full).Msg("syncclient: scheduled sync failed")
		}
	}
	run(false)
	for {
		timer := time.NewTimer(interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("syncclient: engine stopped")
			return
		case <-timer.C:
			run(false)
		case <-reconnect:
			timer.Stop()
			log.Info().Msg("syncclient: reconnected, syncing now")
			run(false)
		case full := <-e.requests:
			timer.Stop()
			run(full)
		}
	}
}
