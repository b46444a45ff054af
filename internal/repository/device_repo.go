package repository

import (
	"context"
	"time"

	"xpos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeviceRepository interface {
	Create(ctx context.Context, d *model.Device) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Device, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
}

type deviceRepo struct{ db *gorm.DB }

func NewDeviceRepository(db *gorm.DB) DeviceRepository { return &deviceRepo{db: db} }

func (r *deviceRepo) Create(ctx context.Context, d *model.Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *deviceRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	var d model.Device
	err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error
	return &d, err
}

// Touch records a heartbeat without bumping updated_at.
func (r *deviceRepo) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).
		UpdateColumn("last_seen_at", at).Error
}
