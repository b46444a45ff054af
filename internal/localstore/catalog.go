package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"xpos/internal/dto"
)

// CatalogRecord is one cached server record, stored as received.
type CatalogRecord struct {
	EntityType string
	ID         string
	Payload    json.RawMessage
	UpdatedAt  time.Time
}

// Checkpoint is the per-entity sync cursor. LastSyncAt is the server's
// sync timestamp of the last applied delta and never decreases.
type Checkpoint struct {
	EntityType string    `json:"entity_type" yaml:"entity_type"`
	LastSyncAt time.Time `json:"last_sync_at" yaml:"last_sync_at"`
	LastStatus string    `json:"last_status" yaml:"last_status"`
	LastError  *string   `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

// Delta is one pulled page as the store applies it.
type Delta struct {
	EntityType    string
	Records       []json.RawMessage
	DeletedIDs    []string
	SyncTimestamp time.Time
}

// ApplyResult counts what ApplyDelta changed.
type ApplyResult struct {
	Upserted int
	Deleted  int
}

// recordHeader is the part of every delta record the store indexes.
type recordHeader struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyDelta applies one delta in a single transaction and only then
// advances the entity's checkpoint, so a crash before commit replays the
// same delta. Later records in a batch overwrite earlier ones and a
// deletion of an id wins over any update to it in the same batch.
//
// Records of entity "sales" update the fiscal mirror of this kiosk's own
// sales instead of the catalog.
func (s *Store) ApplyDelta(ctx context.Context, d Delta) (ApplyResult, error) {
	var res ApplyResult
	err := s.tx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())

		if d.EntityType == dto.EntitySales {
			records := make([]dto.SaleRecord, 0, len(d.Records))
			for i, raw := range d.Records {
				var r dto.SaleRecord
				if err := json.Unmarshal(raw, &r); err != nil {
					return fmt.Errorf("sales record %d: %w", i, err)
				}
				records = append(records, r)
			}
			n, err := applySaleRecords(ctx, tx, records, now)
			if err != nil {
				return err
			}
			res.Upserted = n
		} else {
			deleted := make(map[string]bool, len(d.DeletedIDs))
			for _, id := range d.DeletedIDs {
				deleted[id] = true
			}
			for i, raw := range d.Records {
				var h recordHeader
				if err := json.Unmarshal(raw, &h); err != nil {
					return fmt.Errorf("%s record %d: %w", d.EntityType, i, err)
				}
				if h.ID == "" {
					return fmt.Errorf("%s record %d: missing id", d.EntityType, i)
				}
				if deleted[h.ID] {
					continue
				}
				_, err := tx.ExecContext(ctx, `
					INSERT INTO catalog_records (entity_type, id, payload, updated_at, applied_at)
					VALUES (?, ?, ?, ?, ?)
					ON CONFLICT (entity_type, id) DO UPDATE SET
					    payload = excluded.payload,
					    updated_at = excluded.updated_at,
					    applied_at = excluded.applied_at`,
					d.EntityType, h.ID, string(raw), formatTime(h.UpdatedAt), now)
				if err != nil {
					return fmt.Errorf("upsert %s %s: %w", d.EntityType, h.ID, err)
				}
				res.Upserted++
			}
			for _, id := range d.DeletedIDs {
				r, err := tx.ExecContext(ctx,
					`DELETE FROM catalog_records WHERE entity_type = ? AND id = ?`, d.EntityType, id)
				if err != nil {
					return fmt.Errorf("delete %s %s: %w", d.EntityType, id, err)
				}
				if n, _ := r.RowsAffected(); n > 0 {
					res.Deleted++
				}
			}
		}

		// MAX keeps the cursor from moving backwards when an older page
		// is applied late.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_checkpoints (entity_type, last_sync_at, last_status, last_error, updated_at)
			VALUES (?, ?, 'ok', NULL, ?)
			ON CONFLICT (entity_type) DO UPDATE SET
			    last_sync_at = MAX(sync_checkpoints.last_sync_at, excluded.last_sync_at),
			    last_status = 'ok',
			    last_error = NULL,
			    updated_at = excluded.updated_at`,
			d.EntityType, formatTime(d.SyncTimestamp), now)
		if err != nil {
			return fmt.Errorf("advance %s checkpoint: %w", d.EntityType, err)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

// RecordSyncFailure notes a failed pull without moving the cursor.
func (s *Store) RecordSyncFailure(ctx context.Context, entityType, cause string) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (entity_type, last_sync_at, last_status, last_error, updated_at)
		VALUES (?, ?, 'error', ?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET
		    last_status = 'error', last_error = excluded.last_error, updated_at = excluded.updated_at`,
		entityType, formatTime(time.Time{}), cause, now)
	if err != nil {
		return fmt.Errorf("record %s failure: %w", entityType, err)
	}
	return nil
}

// Checkpoint returns the entity's cursor; a never-synced entity yields the
// zero time, which pulls everything.
func (s *Store) Checkpoint(ctx context.Context, entityType string) (Checkpoint, error) {
	cp := Checkpoint{EntityType: entityType}
	var last, updated string
	var lastErr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_at, last_status, last_error, updated_at
		FROM sync_checkpoints WHERE entity_type = ?`, entityType).Scan(&last, &cp.LastStatus, &lastErr, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("read %s checkpoint: %w", entityType, err)
	}
	if cp.LastSyncAt, err = parseTime(last); err != nil {
		return cp, err
	}
	if cp.UpdatedAt, err = parseTime(updated); err != nil {
		return cp, err
	}
	cp.LastError = nullString(lastErr)
	return cp, nil
}

func (s *Store) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	out := make([]Checkpoint, 0, 3)
	for _, e := range []string{dto.EntityProducts, dto.EntityCustomers, dto.EntitySales} {
		cp, err := s.Checkpoint(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) CatalogRecord(ctx context.Context, entityType, id string) (*CatalogRecord, error) {
	rec := CatalogRecord{EntityType: entityType, ID: id}
	var payload, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM catalog_records WHERE entity_type = ? AND id = ?`,
		entityType, id).Scan(&payload, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", entityType, id, err)
	}
	rec.Payload = json.RawMessage(payload)
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CountCatalog(ctx context.Context, entityType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM catalog_records WHERE entity_type = ?`, entityType).Scan(&n)
	return n, err
}

// ── Fiscal config cache ──────────────────────────────────────────────────────

// SaveFiscalConfig caches the printer config fetched from the server for
// the local fiscal adapter.
func (s *Store) SaveFiscalConfig(ctx context.Context, cfg dto.FiscalConfigResponse) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fiscal_config (id, payload, fetched_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`,
		string(b), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save fiscal config: %w", err)
	}
	return nil
}

// ClearFiscalConfig drops the cached config after the server reported none.
func (s *Store) ClearFiscalConfig(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fiscal_config`)
	return err
}

// FiscalConfig returns ErrNotFound when nothing was fetched yet.
func (s *Store) FiscalConfig(ctx context.Context) (*dto.FiscalConfigResponse, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM fiscal_config WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read fiscal config: %w", err)
	}
	var cfg dto.FiscalConfigResponse
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, fmt.Errorf("decode fiscal config: %w", err)
	}
	return &cfg, nil
}

// ── Stats ────────────────────────────────────────────────────────────────────

// Stats summarizes the queue for status displays.
type Stats struct {
	Queued        int          `json:"queued" yaml:"queued"`
	Uploading     int          `json:"uploading" yaml:"uploading"`
	Synced        int          `json:"synced" yaml:"synced"`
	Failed        int          `json:"failed" yaml:"failed"`
	Rejected      int          `json:"rejected" yaml:"rejected"`
	FiscalPending int          `json:"fiscal_pending" yaml:"fiscal_pending"`
	Products      int          `json:"products" yaml:"products"`
	Customers     int          `json:"customers" yaml:"customers"`
	Checkpoints   []Checkpoint `json:"checkpoints" yaml:"checkpoints"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sync_status, rejected, COUNT(*) FROM queued_sales GROUP BY sync_status, rejected`)
	if err != nil {
		return nil, fmt.Errorf("sale stats: %w", err)
	}
	for rows.Next() {
		var status string
		var rejected bool
		var n int
		if err := rows.Scan(&status, &rejected, &n); err != nil {
			rows.Close()
			return nil, err
		}
		switch {
		case rejected:
			st.Rejected += n
		case status == StatusQueued:
			st.Queued += n
		case status == StatusUploading:
			st.Uploading += n
		case status == StatusSynced:
			st.Synced += n
		case status == StatusFailed:
			st.Failed += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_sales WHERE fiscal_status = 'pending'`).Scan(&st.FiscalPending); err != nil {
		return nil, err
	}
	if st.Products, err = s.CountCatalog(ctx, dto.EntityProducts); err != nil {
		return nil, err
	}
	if st.Customers, err = s.CountCatalog(ctx, dto.EntityCustomers); err != nil {
		return nil, err
	}
	if st.Checkpoints, err = s.Checkpoints(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
