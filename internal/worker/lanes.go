package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"xpos/internal/infra"
	"xpos/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LaneKey is the "account:fiscal_config" string naming a printer lane.
func LaneKey(l repository.LaneRef) string {
	return l.AccountID.String() + ":" + l.FiscalConfigID.String()
}

// KeyedMutex is a set of context-aware mutexes created on demand and
// dropped once nobody holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	token chan struct{}
	refs  int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done. The returned func releases it.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{token: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.token <- struct{}{}:
		return func() {
			<-l.token
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// LaneProcessor runs at most one job of a lane per call and reports
// whether it found one.
type LaneProcessor interface {
	ProcessNext(ctx context.Context, lane repository.LaneRef) (bool, error)
}

// LanePool runs one goroutine per active printer lane. A lane drains its
// jobs one at a time, in order, while different lanes proceed in parallel
// up to the pool size. Idle lanes retire and restart on the next signal.
type LanePool struct {
	proc     LaneProcessor
	locks    *KeyedMutex
	breakers *infra.BreakerSet
	sem      chan struct{}
	idle     time.Duration

	mu    sync.Mutex
	ctx   context.Context
	lanes map[repository.LaneRef]*lane
	wg    sync.WaitGroup
}

type lane struct {
	wake chan struct{}
}

func NewLanePool(proc LaneProcessor, size int, idle time.Duration, locks *KeyedMutex, breakers *infra.BreakerSet) *LanePool {
	if size < 1 {
		size = 1
	}
	if idle <= 0 {
		idle = time.Minute
	}
	return &LanePool{
		proc:     proc,
		locks:    locks,
		breakers: breakers,
		sem:      make(chan struct{}, size),
		idle:     idle,
		lanes:    make(map[repository.LaneRef]*lane),
	}
}

// Start arms the pool. Signals before Start, or after ctx is done, are dropped.
func (p *LanePool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	log.Info().Int("size", cap(p.sem)).Msg("fiscal lane pool started")
}

// Wait blocks until every lane goroutine has exited.
func (p *LanePool) Wait() { p.wg.Wait() }

// Signal wakes the lane, starting its goroutine when needed.
func (p *LanePool) Signal(ref repository.LaneRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	l, ok := p.lanes[ref]
	if !ok {
		l = &lane{wake: make(chan struct{}, 1)}
		p.lanes[ref] = l
		p.wg.Add(1)
		go p.run(p.ctx, ref, l)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// ActiveLanes is the number of lane goroutines currently alive.
func (p *LanePool) ActiveLanes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// HandleNotice is the intake handler for QueueFiscal.
func (p *LanePool) HandleNotice(_ context.Context, raw json.RawMessage) {
	var n FiscalNotice
	if err := json.Unmarshal(raw, &n); err != nil {
		log.Error().Err(err).Msg("fiscal intake: invalid notice")
		return
	}
	ref, err := n.Lane()
	if err != nil {
		log.Error().Err(err).Str("job_id", n.JobID).Msg("fiscal intake: invalid lane")
		return
	}
	p.Signal(ref)
}

// Lane parses the notice's lane reference.
func (n FiscalNotice) Lane() (repository.LaneRef, error) {
	acct, err := uuid.Parse(n.AccountID)
	if err != nil {
		return repository.LaneRef{}, fmt.Errorf("account_id: %w", err)
	}
	cfg, err := uuid.Parse(n.FiscalConfigID)
	if err != nil {
		return repository.LaneRef{}, fmt.Errorf("fiscal_config_id: %w", err)
	}
	return repository.LaneRef{AccountID: acct, FiscalConfigID: cfg}, nil
}

// WithLane runs fn while holding the lane, so it never overlaps a job
// dispatch on the same printer.
func (p *LanePool) WithLane(ctx context.Context, ref repository.LaneRef, fn func(ctx context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	unlock, err := p.locks.Lock(ctx, LaneKey(ref))
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

func (p *LanePool) run(ctx context.Context, ref repository.LaneRef, l *lane) {
	defer p.wg.Done()
	key := LaneKey(ref)
	log.Debug().Str("lane", key).Msg("lane started")

	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.retire(ref)
			return
		case <-l.wake:
		case <-timer.C:
			p.mu.Lock()
			if len(l.wake) == 0 {
				delete(p.lanes, ref)
				p.mu.Unlock()
				log.Debug().Str("lane", key).Msg("lane retired")
				return
			}
			p.mu.Unlock()
			continue
		}
		p.drain(ctx, ref, key)
		timer.Reset(p.idle)
	}
}

func (p *LanePool) retire(ref repository.LaneRef) {
	p.mu.Lock()
	delete(p.lanes, ref)
	p.mu.Unlock()
}

func (p *LanePool) drain(ctx context.Context, ref repository.LaneRef, key string) {
	for ctx.Err() == nil {
		// The sweeper re-signals the lane once the breaker cools down.
		if p.breakers != nil && p.breakers.Get(key).State() == infra.BreakerOpen {
			log.Debug().Str("lane", key).Msg("lane: circuit breaker open, not claiming")
			return
		}
		var processed bool
		err := p.WithLane(ctx, ref, func(ctx context.Context) error {
			var err error
			processed, err = p.proc.ProcessNext(ctx, ref)
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("lane", key).Msg("lane: process failed")
			}
			return
		}
		if !processed {
			return
		}
	}
}
