package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"xpos/internal/config"
	"xpos/internal/dto"
	"xpos/internal/model"
	"xpos/internal/repository"
	"xpos/internal/worker"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:                   "test-secret",
		DeviceTokenHours:            24,
		SyncIntervalSeconds:         60,
		HeartbeatIntervalSeconds:    15,
		SyncMaxRetryAttempts:        5,
		DeltaOverlapSeconds:         5,
		FiscalMaxRetries:            5,
		FiscalPrinterTimeoutSeconds: 2,
	}
}

// ── Sales ─────────────────────────────────────────────────────────────────────

type stubSaleRepo struct {
	mu       sync.Mutex
	sales    map[int64]*model.Sale
	nextID   int64
	seq      int64
	now      time.Time
	repairs  []*uuid.UUID
	updates  []repository.FiscalUpdate
	beforeIn func(s *model.Sale) error // runs on Create; a non-nil error aborts it
}

func newStubSaleRepo() *stubSaleRepo {
	return &stubSaleRepo{sales: map[int64]*model.Sale{}, nextID: 1042}
}

func (r *stubSaleRepo) FindByDeviceLocalID(_ context.Context, _ *gorm.DB, deviceID uuid.UUID, localID int64) (*model.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sales {
		if s.DeviceID == deviceID && s.LocalID == localID {
			c := *s
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *stubSaleRepo) FindByID(_ context.Context, id int64) (*model.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sales[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *s
	return &c, nil
}

func (r *stubSaleRepo) Create(_ context.Context, _ *gorm.DB, s *model.Sale) error {
	if r.beforeIn != nil {
		if err := r.beforeIn(s); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.nextID
	r.nextID++
	s.CreatedAt = r.now
	s.UpdatedAt = r.now
	c := *s
	r.sales[s.ID] = &c
	return nil
}

// insert stores a sale as if another request had committed it.
func (r *stubSaleRepo) insert(s *model.Sale) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.nextID
	r.nextID++
	c := *s
	r.sales[s.ID] = &c
}

func (r *stubSaleRepo) NextSaleSequence(_ context.Context, _ *gorm.DB) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r *stubSaleRepo) ChangedForDevice(_ context.Context, _ *gorm.DB, deviceID uuid.UUID, since time.Time) ([]model.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Sale
	for _, s := range r.sales {
		if s.DeviceID == deviceID && s.UpdatedAt.After(since) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *stubSaleRepo) UpdateFiscal(_ context.Context, _ *gorm.DB, saleID int64, u repository.FiscalUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sales[saleID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	s.FiscalStatus = u.Status
	if u.JobID != nil {
		s.FiscalJobID = u.JobID
	}
	r.updates = append(r.updates, u)
	return nil
}

func (r *stubSaleRepo) DBNow(_ context.Context, _ *gorm.DB) (time.Time, error) {
	return r.now, nil
}

func (r *stubSaleRepo) RepairFiscalState(_ context.Context, deviceID *uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repairs = append(r.repairs, deviceID)
	return 0, nil
}

func (r *stubSaleRepo) DB() *gorm.DB { return nil }

var _ repository.SaleRepository = (*stubSaleRepo)(nil)

// ── Catalog ───────────────────────────────────────────────────────────────────

type stubCatalogRepo struct {
	products  []model.Product
	customers []model.Customer
}

func changedSince(updated time.Time, deleted gorm.DeletedAt, since time.Time) bool {
	return updated.After(since) || (deleted.Valid && deleted.Time.After(since))
}

func (r *stubCatalogRepo) ChangedProducts(_ context.Context, _ *gorm.DB, accountID uuid.UUID, since time.Time) ([]model.Product, error) {
	var out []model.Product
	for _, p := range r.products {
		if p.AccountID == accountID && changedSince(p.UpdatedAt, p.DeletedAt, since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *stubCatalogRepo) ChangedCustomers(_ context.Context, _ *gorm.DB, accountID uuid.UUID, since time.Time) ([]model.Customer, error) {
	var out []model.Customer
	for _, c := range r.customers {
		if c.AccountID == accountID && changedSince(c.UpdatedAt, c.DeletedAt, since) {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ repository.CatalogRepository = (*stubCatalogRepo)(nil)

// ── Fiscal configs ────────────────────────────────────────────────────────────

type stubConfigRepo struct {
	rows []*model.FiscalConfig
}

func (r *stubConfigRepo) FindActive(_ context.Context, accountID uuid.UUID, purpose string) (*model.FiscalConfig, error) {
	for _, c := range r.rows {
		if c.AccountID == accountID && c.Purpose == purpose && c.IsActive {
			cc := *c
			return &cc, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *stubConfigRepo) FindByID(_ context.Context, id uuid.UUID) (*model.FiscalConfig, error) {
	for _, c := range r.rows {
		if c.ID == id {
			cc := *c
			return &cc, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *stubConfigRepo) Save(_ context.Context, c *model.FiscalConfig) error {
	r.rows = append(r.rows, c)
	return nil
}

var _ repository.FiscalConfigRepository = (*stubConfigRepo)(nil)

// ── Fiscal jobs ───────────────────────────────────────────────────────────────

type stubJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*model.FiscalJob
	// createErr is returned once by the next Create.
	createErr error
}

func newStubJobRepo() *stubJobRepo {
	return &stubJobRepo{jobs: map[uuid.UUID]*model.FiscalJob{}}
}

func (r *stubJobRepo) Create(_ context.Context, _ *gorm.DB, j *model.FiscalJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		err := r.createErr
		r.createErr = nil
		return err
	}
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	c := *j
	r.jobs[j.ID] = &c
	return nil
}

func (r *stubJobRepo) FindByID(_ context.Context, id uuid.UUID) (*model.FiscalJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *j
	return &c, nil
}

func (r *stubJobRepo) FindLiveByKey(_ context.Context, _ *gorm.DB, key string) (*model.FiscalJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.IdempotencyKey != nil && *j.IdempotencyKey == key && j.DeadLetteredAt == nil {
			c := *j
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *stubJobRepo) FindCompletedByKey(_ context.Context, _ string, _ uuid.UUID) (*model.FiscalJob, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *stubJobRepo) ClaimNext(_ context.Context, _ repository.LaneRef, _ time.Time) (*model.FiscalJob, error) {
	return nil, nil
}

func (r *stubJobRepo) Update(_ context.Context, _ *gorm.DB, j *model.FiscalJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	c := *j
	r.jobs[j.ID] = &c
	return nil
}

func (r *stubJobRepo) RequeueDue(_ context.Context, _ time.Time) ([]repository.LaneRef, error) {
	return nil, nil
}

func (r *stubJobRepo) ListStaleProcessing(_ context.Context, _ time.Time) ([]model.FiscalJob, error) {
	return nil, nil
}

func (r *stubJobRepo) LanesWithPending(_ context.Context, _ time.Time) ([]repository.LaneRef, error) {
	return nil, nil
}

func (r *stubJobRepo) List(_ context.Context, accountID uuid.UUID, f dto.FiscalJobFilter) ([]model.FiscalJob, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.FiscalJob
	for _, j := range r.jobs {
		if j.AccountID != accountID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Dead && j.DeadLetteredAt == nil {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, int64(len(out)), nil
}

func (r *stubJobRepo) DB() *gorm.DB { return nil }

func (r *stubJobRepo) all() []model.FiscalJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.FiscalJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out
}

var _ repository.FiscalJobRepository = (*stubJobRepo)(nil)

// ── Devices ───────────────────────────────────────────────────────────────────

type stubDeviceRepo struct {
	devices map[uuid.UUID]*model.Device
	touched map[uuid.UUID]time.Time
}

func newStubDeviceRepo() *stubDeviceRepo {
	return &stubDeviceRepo{devices: map[uuid.UUID]*model.Device{}, touched: map[uuid.UUID]time.Time{}}
}

func (r *stubDeviceRepo) Create(_ context.Context, d *model.Device) error {
	c := *d
	r.devices[d.ID] = &c
	return nil
}

func (r *stubDeviceRepo) FindByID(_ context.Context, id uuid.UUID) (*model.Device, error) {
	d, ok := r.devices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *d
	return &c, nil
}

func (r *stubDeviceRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	r.touched[id] = at
	return nil
}

var _ repository.DeviceRepository = (*stubDeviceRepo)(nil)

// ── Notifier / lanes ──────────────────────────────────────────────────────────

type stubNotifier struct {
	mu      sync.Mutex
	notices []worker.FiscalNotice
}

func (n *stubNotifier) EnqueueFiscal(_ context.Context, fn worker.FiscalNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, fn)
	return nil
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

type stubLanes struct {
	entered []repository.LaneRef
}

func (l *stubLanes) WithLane(ctx context.Context, ref repository.LaneRef, fn func(ctx context.Context) error) error {
	l.entered = append(l.entered, ref)
	return fn(ctx)
}

var (
	_ FiscalNotifier = (*stubNotifier)(nil)
	_ LaneRunner     = (*stubLanes)(nil)
)
