package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"xpos/internal/dto"
	"xpos/internal/fiscal"
	"xpos/internal/model"
	"xpos/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ── In-memory FiscalJobRepository stub ───────────────────────────────────────

type stubJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*model.FiscalJob
}

func newStubJobRepo() *stubJobRepo {
	return &stubJobRepo{jobs: make(map[uuid.UUID]*model.FiscalJob)}
}

func (r *stubJobRepo) Create(_ context.Context, _ *gorm.DB, j *model.FiscalJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	cloned := *j
	r.jobs[j.ID] = &cloned
	return nil
}

func (r *stubJobRepo) FindByID(_ context.Context, id uuid.UUID) (*model.FiscalJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cloned := *j
	return &cloned, nil
}

func (r *stubJobRepo) FindLiveByKey(_ context.Context, _ *gorm.DB, key string) (*model.FiscalJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.IdempotencyKey != nil && *j.IdempotencyKey == key && j.DeadLetteredAt == nil {
			cloned := *j
			return &cloned, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *stubJobRepo) FindCompletedByKey(_ context.Context, key string, excludeID uuid.UUID) (*model.FiscalJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.IdempotencyKey != nil && *j.IdempotencyKey == key && j.Status == model.JobCompleted && j.ID != excludeID {
			cloned := *j
			return &cloned, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *stubJobRepo) ClaimNext(_ context.Context, lane repository.LaneRef, now time.Time) (*model.FiscalJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []*model.FiscalJob
	for _, j := range r.jobs {
		if j.FiscalConfigID != lane.FiscalConfigID || j.AccountID != lane.AccountID {
			continue
		}
		if j.Status == model.JobProcessing {
			return nil, nil
		}
		if j.DeadLetteredAt == nil && (j.Status == model.JobPending || j.Status == model.JobFailed) {
			open = append(open, j)
		}
	}
	if len(open) == 0 {
		return nil, nil
	}
	sort.Slice(open, func(a, b int) bool {
		if !open[a].CreatedAt.Equal(open[b].CreatedAt) {
			return open[a].CreatedAt.Before(open[b].CreatedAt)
		}
		return open[a].ID.String() < open[b].ID.String()
	})
	j := open[0]
	if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
		return nil, nil
	}
	j.Status = model.JobProcessing
	j.NextRetryAt = nil
	started := now
	j.StartedAt = &started
	cloned := *j
	return &cloned, nil
}

func (r *stubJobRepo) Update(_ context.Context, _ *gorm.DB, j *model.FiscalJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cloned := *j
	r.jobs[j.ID] = &cloned
	return nil
}

func (r *stubJobRepo) RequeueDue(_ context.Context, now time.Time) ([]repository.LaneRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[repository.LaneRef]bool{}
	var out []repository.LaneRef
	for _, j := range r.jobs {
		if j.Status == model.JobFailed && j.DeadLetteredAt == nil && j.NextRetryAt != nil && !j.NextRetryAt.After(now) {
			j.Status = model.JobPending
			j.NextRetryAt = nil
			ref := repository.LaneRef{AccountID: j.AccountID, FiscalConfigID: j.FiscalConfigID}
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out, nil
}

func (r *stubJobRepo) ListStaleProcessing(_ context.Context, startedBefore time.Time) ([]model.FiscalJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.FiscalJob
	for _, j := range r.jobs {
		if j.Status == model.JobProcessing && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (r *stubJobRepo) LanesWithPending(_ context.Context, now time.Time) ([]repository.LaneRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[repository.LaneRef]bool{}
	var out []repository.LaneRef
	for _, j := range r.jobs {
		if j.Status == model.JobPending && (j.NextRetryAt == nil || !j.NextRetryAt.After(now)) {
			ref := repository.LaneRef{AccountID: j.AccountID, FiscalConfigID: j.FiscalConfigID}
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out, nil
}

func (r *stubJobRepo) List(_ context.Context, accountID uuid.UUID, filter dto.FiscalJobFilter) ([]model.FiscalJob, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.FiscalJob
	for _, j := range r.jobs {
		if j.AccountID == accountID && (filter.Status == "" || j.Status == filter.Status) {
			out = append(out, *j)
		}
	}
	return out, int64(len(out)), nil
}

func (r *stubJobRepo) DB() *gorm.DB { return nil }

func (r *stubJobRepo) get(id uuid.UUID) model.FiscalJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.jobs[id]
}

var _ repository.FiscalJobRepository = (*stubJobRepo)(nil)

// ── In-memory SaleRepository stub ────────────────────────────────────────────

type stubSaleRepo struct {
	mu      sync.Mutex
	sales   map[int64]*model.Sale
	updates int
	repairs int
}

func newStubSaleRepo() *stubSaleRepo {
	return &stubSaleRepo{sales: make(map[int64]*model.Sale)}
}

func (r *stubSaleRepo) FindByDeviceLocalID(_ context.Context, _ *gorm.DB, deviceID uuid.UUID, localID int64) (*model.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sales {
		if s.DeviceID == deviceID && s.LocalID == localID {
			cloned := *s
			return &cloned, nil
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
	cloned := *s
	return &cloned, nil
}

func (r *stubSaleRepo) Create(_ context.Context, _ *gorm.DB, s *model.Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cloned := *s
	r.sales[s.ID] = &cloned
	return nil
}

func (r *stubSaleRepo) NextSaleSequence(_ context.Context, _ *gorm.DB) (int64, error) {
	return int64(len(r.sales) + 1), nil
}

func (r *stubSaleRepo) ChangedForDevice(_ context.Context, _ *gorm.DB, _ uuid.UUID, _ time.Time) ([]model.Sale, error) {
	return nil, nil
}

func (r *stubSaleRepo) UpdateFiscal(_ context.Context, _ *gorm.DB, saleID int64, u repository.FiscalUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sales[saleID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	r.updates++
	s.FiscalStatus = u.Status
	s.FiscalJobID = u.JobID
	s.FiscalNumber = u.FiscalNumber
	s.FiscalDocumentID = u.FiscalDocumentID
	s.FiscalError = u.Error
	s.FiscalizedAt = u.FiscalizedAt
	return nil
}

func (r *stubSaleRepo) DBNow(_ context.Context, _ *gorm.DB) (time.Time, error) {
	return time.Now(), nil
}

func (r *stubSaleRepo) RepairFiscalState(_ context.Context, _ *uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repairs++
	return 0, nil
}

func (r *stubSaleRepo) DB() *gorm.DB { return nil }

func (r *stubSaleRepo) get(id int64) model.Sale {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.sales[id]
}

var _ repository.SaleRepository = (*stubSaleRepo)(nil)

// ── In-memory FiscalConfigRepository stub ────────────────────────────────────

type stubConfigRepo struct {
	configs map[uuid.UUID]*model.FiscalConfig
}

func newStubConfigRepo(cfgs ...*model.FiscalConfig) *stubConfigRepo {
	r := &stubConfigRepo{configs: make(map[uuid.UUID]*model.FiscalConfig)}
	for _, c := range cfgs {
		r.configs[c.ID] = c
	}
	return r
}

func (r *stubConfigRepo) FindActive(_ context.Context, accountID uuid.UUID, purpose string) (*model.FiscalConfig, error) {
	for _, c := range r.configs {
		if c.AccountID == accountID && c.Purpose == purpose && c.IsActive {
			return c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *stubConfigRepo) FindByID(_ context.Context, id uuid.UUID) (*model.FiscalConfig, error) {
	c, ok := r.configs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

func (r *stubConfigRepo) Save(_ context.Context, c *model.FiscalConfig) error {
	r.configs[c.ID] = c
	return nil
}

var _ repository.FiscalConfigRepository = (*stubConfigRepo)(nil)

// ── Fake printer ─────────────────────────────────────────────────────────────

type fakePrinter struct {
	mu        sync.Mutex
	now       time.Time
	shiftOpen bool
	openedAt  *time.Time
	printErrs []error // consumed one per PrintSaleReceipt call
	printed   []string
	opened    int
	nextNum   string
	ops       []string // printer calls that changed state, in order
}

func (p *fakePrinter) Name() string { return fiscal.Caspos }
func (p *fakePrinter) Validate(_ fiscal.Config) error { return nil }

func (p *fakePrinter) PrintSaleReceipt(_ context.Context, _ fiscal.Config, r fiscal.Receipt) (*fiscal.ReceiptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.printErrs) > 0 {
		err := p.printErrs[0]
		p.printErrs = p.printErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	p.printed = append(p.printed, r.Reference)
	p.ops = append(p.ops, "print "+r.Reference)
	return &fiscal.ReceiptResult{FiscalNumber: p.nextNum, FiscalDocumentID: "DOC-" + p.nextNum}, nil
}

func (p *fakePrinter) OpenShift(_ context.Context, _ fiscal.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	p.shiftOpen = true
	at := p.now
	p.openedAt = &at
	return nil
}

func (p *fakePrinter) CloseShift(_ context.Context, _ fiscal.Config) (*fiscal.ShiftSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shiftOpen = false
	p.ops = append(p.ops, "close")
	return &fiscal.ShiftSummary{ShiftNumber: "17", ReceiptCount: len(p.printed)}, nil
}

func (p *fakePrinter) GetShiftStatus(_ context.Context, _ fiscal.Config) (*fiscal.ShiftStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fiscal.ShiftStatusFrom(p.shiftOpen, p.openedAt, 24*time.Hour, p.now), nil
}

func (p *fakePrinter) GetPeriodicReport(_ context.Context, _ fiscal.Config, start, end time.Time) (*fiscal.Report, error) {
	return &fiscal.Report{Start: start, End: end}, nil
}

func (p *fakePrinter) GetControlTape(_ context.Context, _ fiscal.Config) (*fiscal.ControlTape, error) {
	return &fiscal.ControlTape{}, nil
}

func (p *fakePrinter) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePrinter) printedRefs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.printed...)
}

var _ fiscal.Provider = (*fakePrinter)(nil)
