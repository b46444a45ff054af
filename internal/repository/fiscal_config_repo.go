package repository

import (
	"context"
	"encoding/json"
	"time"

	"xpos/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type FiscalConfigRepository interface {
	// FindActive returns the account's active config for purpose.
	FindActive(ctx context.Context, accountID uuid.UUID, purpose string) (*model.FiscalConfig, error)
	FindByID(ctx context.Context, id uuid.UUID) (*model.FiscalConfig, error)
	Save(ctx context.Context, c *model.FiscalConfig) error
}

type fiscalConfigRepo struct{ db *gorm.DB }

func NewFiscalConfigRepository(db *gorm.DB) FiscalConfigRepository {
	return &fiscalConfigRepo{db: db}
}

func (r *fiscalConfigRepo) FindActive(ctx context.Context, accountID uuid.UUID, purpose string) (*model.FiscalConfig, error) {
	var c model.FiscalConfig
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND purpose = ? AND is_active", accountID, purpose).
		First(&c).Error
	return &c, err
}

func (r *fiscalConfigRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.FiscalConfig, error) {
	var c model.FiscalConfig
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	return &c, err
}

// Save deactivates any other active config of the same purpose first so the
// one-active-per-purpose index holds.
func (r *fiscalConfigRepo) Save(ctx context.Context, c *model.FiscalConfig) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.IsActive {
			q := tx.Model(&model.FiscalConfig{}).
				Where("account_id = ? AND purpose = ? AND is_active", c.AccountID, c.Purpose)
			if c.ID != uuid.Nil {
				q = q.Where("id <> ?", c.ID)
			}
			if err := q.Update("is_active", false).Error; err != nil {
				return err
			}
		}
		return tx.Save(c).Error
	})
}

// ── Redis read-through cache ─────────────────────────────────────────────────

type cachedFiscalConfigRepo struct {
	FiscalConfigRepository
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedFiscalConfigRepository caches FindActive lookups in redis; the
// worker resolves the config for every job. A nil client disables caching.
func NewCachedFiscalConfigRepository(inner FiscalConfigRepository, rdb *redis.Client, ttl time.Duration) FiscalConfigRepository {
	if rdb == nil || ttl <= 0 {
		return inner
	}
	return &cachedFiscalConfigRepo{FiscalConfigRepository: inner, rdb: rdb, ttl: ttl}
}

func fiscalConfigCacheKey(accountID uuid.UUID, purpose string) string {
	return "fiscal_config:" + accountID.String() + ":" + purpose
}

func (r *cachedFiscalConfigRepo) FindActive(ctx context.Context, accountID uuid.UUID, purpose string) (*model.FiscalConfig, error) {
	key := fiscalConfigCacheKey(accountID, purpose)
	if cached, err := r.rdb.Get(ctx, key).Bytes(); err == nil {
		var c model.FiscalConfig
		if jsonErr := json.Unmarshal(cached, &c); jsonErr == nil {
			return &c, nil
		}
	}

	c, err := r.FiscalConfigRepository.FindActive(ctx, accountID, purpose)
	if err != nil {
		return c, err
	}
	// best effort
	if b, jsonErr := json.Marshal(c); jsonErr == nil {
		_ = r.rdb.Set(context.Background(), key, b, r.ttl).Err()
	}
	return c, nil
}

func (r *cachedFiscalConfigRepo) Save(ctx context.Context, c *model.FiscalConfig) error {
	if err := r.FiscalConfigRepository.Save(ctx, c); err != nil {
		return err
	}
	if err := r.rdb.Del(ctx, fiscalConfigCacheKey(c.AccountID, c.Purpose)).Err(); err != nil {
		log.Warn().Err(err).Str("fiscal_config_id", c.ID.String()).Msg("fiscal config cache: invalidate failed")
	}
	return nil
}
