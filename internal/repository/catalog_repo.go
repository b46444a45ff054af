package repository

import (
	"context"
	"time"

	"xpos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CatalogRepository reads reference data changes for delta pulls. Soft
// deleted rows are included so they can be reported as deletions.
type CatalogRepository interface {
	ChangedProducts(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, since time.Time) ([]model.Product, error)
	ChangedCustomers(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, since time.Time) ([]model.Customer, error)
}

type catalogRepo struct{ db *gorm.DB }

func NewCatalogRepository(db *gorm.DB) CatalogRepository { return &catalogRepo{db: db} }

func (r *catalogRepo) ChangedProducts(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, since time.Time) ([]model.Product, error) {
	var out []model.Product
	err := conn(r.db, tx).WithContext(ctx).Unscoped().
		Where("account_id = ? AND (updated_at > ? OR deleted_at > ?)", accountID, since, since).
		Order("updated_at, id").
		Find(&out).Error
	return out, err
}

func (r *catalogRepo) ChangedCustomers(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, since time.Time) ([]model.Customer, error) {
	var out []model.Customer
	err := conn(r.db, tx).WithContext(ctx).Unscoped().
		Where("account_id = ? AND (updated_at > ? OR deleted_at > ?)", accountID, since, since).
		Order("updated_at, id").
		Find(&out).Error
	return out, err
}
