package repository

import (
	"context"
	"time"

	"xpos/internal/dto"
	"xpos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LaneRef identifies one printer serialization lane.
type LaneRef struct {
	AccountID      uuid.UUID
	FiscalConfigID uuid.UUID
}

type FiscalJobRepository interface {
	Create(ctx context.Context, tx *gorm.DB, j *model.FiscalJob) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.FiscalJob, error)
	// FindLiveByKey returns the job holding key that is not dead-lettered.
	FindLiveByKey(ctx context.Context, tx *gorm.DB, key string) (*model.FiscalJob, error)
	FindCompletedByKey(ctx context.Context, key string, excludeID uuid.UUID) (*model.FiscalJob, error)
	// ClaimNext moves the lane's oldest unfinished job to processing. It
	// returns nil when the lane is empty, has a job in flight, or its oldest
	// job is still backing off: later jobs never overtake it.
	ClaimNext(ctx context.Context, lane LaneRef, now time.Time) (*model.FiscalJob, error)
	Update(ctx context.Context, tx *gorm.DB, j *model.FiscalJob) error
	// RequeueDue flips failed jobs whose backoff elapsed back to pending.
	RequeueDue(ctx context.Context, now time.Time) ([]LaneRef, error)
	ListStaleProcessing(ctx context.Context, startedBefore time.Time) ([]model.FiscalJob, error)
	LanesWithPending(ctx context.Context, now time.Time) ([]LaneRef, error)
	List(ctx context.Context, accountID uuid.UUID, filter dto.FiscalJobFilter) ([]model.FiscalJob, int64, error)
	DB() *gorm.DB
}

type fiscalJobRepo struct{ db *gorm.DB }

func NewFiscalJobRepository(db *gorm.DB) FiscalJobRepository { return &fiscalJobRepo{db: db} }

func (r *fiscalJobRepo) DB() *gorm.DB { return r.db }

func (r *fiscalJobRepo) Create(ctx context.Context, tx *gorm.DB, j *model.FiscalJob) error {
	return conn(r.db, tx).WithContext(ctx).Create(j).Error
}

func (r *fiscalJobRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.FiscalJob, error) {
	var j model.FiscalJob
	err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error
	return &j, err
}

func (r *fiscalJobRepo) FindLiveByKey(ctx context.Context, tx *gorm.DB, key string) (*model.FiscalJob, error) {
	var j model.FiscalJob
	err := conn(r.db, tx).WithContext(ctx).
		Where("idempotency_key = ? AND dead_lettered_at IS NULL", key).
		Order("created_at DESC").
		First(&j).Error
	return &j, err
}

func (r *fiscalJobRepo) FindCompletedByKey(ctx context.Context, key string, excludeID uuid.UUID) (*model.FiscalJob, error) {
	var j model.FiscalJob
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND status = ? AND id <> ?", key, model.JobCompleted, excludeID).
		Order("completed_at").
		First(&j).Error
	return &j, err
}

func (r *fiscalJobRepo) ClaimNext(ctx context.Context, lane LaneRef, now time.Time) (*model.FiscalJob, error) {
	var claimed *model.FiscalJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serializes claims on this lane across server instances.
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", lane.FiscalConfigID.String()).Error; err != nil {
			return err
		}
		var inFlight int64
		if err := tx.Model(&model.FiscalJob{}).
			Where("fiscal_config_id = ? AND status = ?", lane.FiscalConfigID, model.JobProcessing).
			Count(&inFlight).Error; err != nil {
			return err
		}
		if inFlight > 0 {
			return nil
		}

		// The head is the oldest job that is not finished. A head waiting
		// out its backoff holds the whole lane.
		var j model.FiscalJob
		res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND fiscal_config_id = ?", lane.AccountID, lane.FiscalConfigID).
			Where("dead_lettered_at IS NULL AND status IN ?", []string{model.JobPending, model.JobFailed}).
			Order("created_at, id").
			Limit(1).
			Find(&j)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		if !headDue(&j, now) {
			return nil
		}
		j.Status = model.JobProcessing
		j.StartedAt = &now
		j.NextRetryAt = nil
		if err := tx.Model(&j).Updates(map[string]any{
			"status":        j.Status,
			"started_at":    now,
			"next_retry_at": nil,
		}).Error; err != nil {
			return err
		}
		claimed = &j
		return nil
	})
	return claimed, err
}

// headDue reports whether the lane head may run at now.
func headDue(j *model.FiscalJob, now time.Time) bool {
	return j.NextRetryAt == nil || !j.NextRetryAt.After(now)
}

func (r *fiscalJobRepo) Update(ctx context.Context, tx *gorm.DB, j *model.FiscalJob) error {
	return conn(r.db, tx).WithContext(ctx).Save(j).Error
}

func (r *fiscalJobRepo) RequeueDue(ctx context.Context, now time.Time) ([]LaneRef, error) {
	var lanes []LaneRef
	err := r.db.WithContext(ctx).Raw(`
UPDATE fiscal_jobs SET status = 'pending', next_retry_at = NULL, updated_at = now()
WHERE status = 'failed' AND dead_lettered_at IS NULL AND next_retry_at <= ?
RETURNING account_id, fiscal_config_id`, now).Scan(&lanes).Error
	return dedupeLanes(lanes), err
}

func (r *fiscalJobRepo) ListStaleProcessing(ctx context.Context, startedBefore time.Time) ([]model.FiscalJob, error) {
	var out []model.FiscalJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", model.JobProcessing, startedBefore).
		Order("started_at").
		Find(&out).Error
	return out, err
}

func (r *fiscalJobRepo) LanesWithPending(ctx context.Context, now time.Time) ([]LaneRef, error) {
	var lanes []LaneRef
	err := r.db.WithContext(ctx).Model(&model.FiscalJob{}).
		Distinct("account_id", "fiscal_config_id").
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", model.JobPending, now).
		Scan(&lanes).Error
	return lanes, err
}

func (r *fiscalJobRepo) List(ctx context.Context, accountID uuid.UUID, filter dto.FiscalJobFilter) ([]model.FiscalJob, int64, error) {
	var jobs []model.FiscalJob
	var total int64
	offset := (filter.Page - 1) * filter.Limit

	q := r.db.WithContext(ctx).Model(&model.FiscalJob{}).Where("account_id = ?", accountID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Dead {
		q = q.Where("dead_lettered_at IS NOT NULL")
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at DESC").Offset(offset).Limit(filter.Limit).Find(&jobs).Error
	return jobs, total, err
}

func dedupeLanes(in []LaneRef) []LaneRef {
	seen := make(map[LaneRef]bool, len(in))
	out := in[:0]
	for _, l := range in {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
