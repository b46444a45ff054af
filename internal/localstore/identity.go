package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xpos/internal/dto"

	"github.com/google/uuid"
)

// Identity is the registered device and the sync parameters the server
// handed out. Account and branch never change after registration.
type Identity struct {
	DeviceID       uuid.UUID
	AccountID      uuid.UUID
	BranchID       uuid.UUID
	DeviceName     string
	DeviceToken    string
	DeviceSecret   string
	TokenExpiresAt *time.Time
	SyncConfig     dto.SyncConfig
	RegisteredAt   time.Time
}

// SyncInterval falls back to a minute when the server sent nothing usable.
func (i *Identity) SyncInterval() time.Duration {
	if i.SyncConfig.SyncIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(i.SyncConfig.SyncIntervalSeconds) * time.Second
}

func (i *Identity) HeartbeatInterval() time.Duration {
	if i.SyncConfig.HeartbeatIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(i.SyncConfig.HeartbeatIntervalSeconds) * time.Second
}

func (i *Identity) MaxRetryAttempts() int {
	if i.SyncConfig.MaxRetryAttempts <= 0 {
		return 5
	}
	return i.SyncConfig.MaxRetryAttempts
}

// SaveIdentity stores the registration result. A device registers once; a
// second registration with another device id is refused.
func (s *Store) SaveIdentity(ctx context.Context, id Identity) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT device_id FROM identity WHERE id = 1`).Scan(&existing)
		switch {
		case err == nil && existing != id.DeviceID.String():
			return fmt.Errorf("local store already registered as device %s", existing)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read identity: %w", err)
		}
		if id.RegisteredAt.IsZero() {
			id.RegisteredAt = s.now()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO identity (id, device_id, account_id, branch_id, device_name, device_token,
			    device_secret, token_expires_at, sync_interval_seconds, heartbeat_interval_seconds,
			    max_retry_attempts, registered_at)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
			    device_name = excluded.device_name,
			    device_token = excluded.device_token,
			    device_secret = excluded.device_secret,
			    token_expires_at = excluded.token_expires_at,
			    sync_interval_seconds = excluded.sync_interval_seconds,
			    heartbeat_interval_seconds = excluded.heartbeat_interval_seconds,
			    max_retry_attempts = excluded.max_retry_attempts`,
			id.DeviceID.String(), id.AccountID.String(), id.BranchID.String(), id.DeviceName,
			id.DeviceToken, id.DeviceSecret, optTime(id.TokenExpiresAt),
			id.SyncConfig.SyncIntervalSeconds, id.SyncConfig.HeartbeatIntervalSeconds,
			id.SyncConfig.MaxRetryAttempts, formatTime(id.RegisteredAt))
		if err != nil {
			return fmt.Errorf("save identity: %w", err)
		}
		return nil
	})
}

// Identity returns ErrNotRegistered before registration.
func (s *Store) Identity(ctx context.Context) (*Identity, error) {
	var id Identity
	var deviceID, accountID, branchID, regAt string
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, account_id, branch_id, device_name, device_token, device_secret,
		       token_expires_at, sync_interval_seconds, heartbeat_interval_seconds,
		       max_retry_attempts, registered_at
		FROM identity WHERE id = 1`).Scan(
		&deviceID, &accountID, &branchID, &id.DeviceName, &id.DeviceToken, &id.DeviceSecret,
		&expires, &id.SyncConfig.SyncIntervalSeconds, &id.SyncConfig.HeartbeatIntervalSeconds,
		&id.SyncConfig.MaxRetryAttempts, &regAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	if id.DeviceID, err = uuid.Parse(deviceID); err != nil {
		return nil, fmt.Errorf("identity device_id: %w", err)
	}
	if id.AccountID, err = uuid.Parse(accountID); err != nil {
		return nil, fmt.Errorf("identity account_id: %w", err)
	}
	if id.BranchID, err = uuid.Parse(branchID); err != nil {
		return nil, fmt.Errorf("identity branch_id: %w", err)
	}
	if id.TokenExpiresAt, err = nullTime(expires); err != nil {
		return nil, err
	}
	if id.RegisteredAt, err = parseTime(regAt); err != nil {
		return nil, err
	}
	return &id, nil
}

// UpdateToken stores a refreshed device token.
func (s *Store) UpdateToken(ctx context.Context, token string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identity SET device_token = ?, token_expires_at = ? WHERE id = 1`,
		token, formatTime(expiresAt))
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotRegistered
	}
	return nil
}

// UpdateSyncConfig stores the schedule returned by a heartbeat.
func (s *Store) UpdateSyncConfig(ctx context.Context, cfg dto.SyncConfig) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE identity SET sync_interval_seconds = ?, heartbeat_interval_seconds = ?,
		    max_retry_attempts = ?
		WHERE id = 1`,
		cfg.SyncIntervalSeconds, cfg.HeartbeatIntervalSeconds, cfg.MaxRetryAttempts)
	if err != nil {
		return fmt.Errorf("update sync config: %w", err)
	}
	return nil
}
