package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/dto"

	"github.com/shopspring/decimal"
)

// Sync statuses of a queued sale.
const (
	StatusQueued    = "queued"
	StatusUploading = "uploading"
	StatusSynced    = "synced"
	StatusFailed    = "failed"
)

var totalsTolerance = decimal.New(1, -2)

// QueuedSale is a sale captured at this kiosk. Once synced only the fiscal
// mirror fields change, and only from server deltas.
type QueuedSale struct {
	LocalID        int64
	AccountID      string
	CustomerID     *string
	CustomerEmail  *string
	Items          []dto.SaleItemPayload
	Payments       []dto.SalePaymentPayload
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
	SoldAt         time.Time

	SyncStatus string
	RetryCount int
	// Rejected sales failed server validation and are never uploaded again.
	Rejected  bool
	LastError *string

	ServerSaleID *int64
	SaleNumber   *string

	FiscalStatus     string
	FiscalNumber     *string
	FiscalDocumentID *string
	FiscalError      *string
	FiscalizedAt     *time.Time
	FiscalLocal      bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Upload is the wire form of the sale for POST /v1/sync/sales.
func (q *QueuedSale) Upload() dto.SaleUpload {
	up := dto.SaleUpload{
		LocalID:        q.LocalID,
		AccountID:      q.AccountID,
		CustomerID:     q.CustomerID,
		CustomerEmail:  q.CustomerEmail,
		Items:          q.Items,
		Payments:       q.Payments,
		Subtotal:       q.Subtotal,
		DiscountAmount: q.DiscountAmount,
		TaxAmount:      q.TaxAmount,
		Total:          q.Total,
		SoldAt:         q.SoldAt,
	}
	if q.FiscalLocal {
		up.FiscalNumber = q.FiscalNumber
		up.FiscalDocumentID = q.FiscalDocumentID
	}
	return up
}

// CheckTotals enforces subtotal - discount + tax = total within 0.01.
func (q *QueuedSale) CheckTotals() error {
	fields := map[string]string{}
	if len(q.Items) == 0 {
		fields["items"] = "at least one item is required"
	}
	expected := q.Subtotal.Sub(q.DiscountAmount).Add(q.TaxAmount)
	if expected.Sub(q.Total).Abs().GreaterThan(totalsTolerance) {
		fields["total"] = fmt.Sprintf("subtotal - discount + tax = %s, got %s", expected.StringFixed(2), q.Total.StringFixed(2))
	}
	if len(fields) > 0 {
		return apierror.Validation("sale failed validation", fields)
	}
	return nil
}

// EnqueueSale persists a new sale as queued and returns its local id.
// It fails only on invalid totals or storage errors.
func (s *Store) EnqueueSale(ctx context.Context, sale *QueuedSale) (int64, error) {
	if err := sale.CheckTotals(); err != nil {
		return 0, err
	}
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return 0, fmt.Errorf("encode items: %w", err)
	}
	payments, err := json.Marshal(sale.Payments)
	if err != nil {
		return 0, fmt.Errorf("encode payments: %w", err)
	}
	now := s.now()
	if sale.SoldAt.IsZero() {
		sale.SoldAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_sales (account_id, customer_id, customer_email, items, payments,
		    subtotal, discount_amount, tax_amount, total, sold_at, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		sale.AccountID, optString(sale.CustomerID), optString(sale.CustomerEmail),
		string(items), string(payments),
		sale.Subtotal.String(), sale.DiscountAmount.String(), sale.TaxAmount.String(), sale.Total.String(),
		formatTime(sale.SoldAt), formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("enqueue sale: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue sale: %w", err)
	}
	sale.LocalID = id
	sale.SyncStatus = StatusQueued
	sale.FiscalStatus = "none"
	sale.CreatedAt, sale.UpdatedAt = now, now
	return id, nil
}

const saleColumns = `local_id, account_id, customer_id, customer_email, items, payments,
	subtotal, discount_amount, tax_amount, total, sold_at, sync_status, retry_count, rejected,
	last_error, server_sale_id, sale_number, fiscal_status, fiscal_number, fiscal_document_id,
	fiscal_error, fiscalized_at, fiscal_local, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*QueuedSale, error) {
	var (
		q                                  QueuedSale
		items, payments                    string
		subtotal, discount, tax, total     string
		soldAt, createdAt, updatedAt       string
		customerID, customerEmail, lastErr sql.NullString
		saleNumber, fNumber, fDoc, fErr    sql.NullString
		fAt                                sql.NullString
		serverID                           sql.NullInt64
	)
	err := row.Scan(&q.LocalID, &q.AccountID, &customerID, &customerEmail, &items, &payments,
		&subtotal, &discount, &tax, &total, &soldAt, &q.SyncStatus, &q.RetryCount, &q.Rejected,
		&lastErr, &serverID, &saleNumber, &q.FiscalStatus, &fNumber, &fDoc,
		&fErr, &fAt, &q.FiscalLocal, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &q.Items); err != nil {
		return nil, fmt.Errorf("sale %d items: %w", q.LocalID, err)
	}
	if err := json.Unmarshal([]byte(payments), &q.Payments); err != nil {
		return nil, fmt.Errorf("sale %d payments: %w", q.LocalID, err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&q.Subtotal, subtotal}, {&q.DiscountAmount, discount}, {&q.TaxAmount, tax}, {&q.Total, total}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("sale %d amount: %w", q.LocalID, err)
		}
	}
	if q.SoldAt, err = parseTime(soldAt); err != nil {
		return nil, err
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if q.FiscalizedAt, err = nullTime(fAt); err != nil {
		return nil, err
	}
	q.CustomerID = nullString(customerID)
	q.CustomerEmail = nullString(customerEmail)
	q.LastError = nullString(lastErr)
	q.SaleNumber = nullString(saleNumber)
	q.FiscalNumber = nullString(fNumber)
	q.FiscalDocumentID = nullString(fDoc)
	q.FiscalError = nullString(fErr)
	if serverID.Valid {
		v := serverID.Int64
		q.ServerSaleID = &v
	}
	return &q, nil
}

func (s *Store) querySales(ctx context.Context, where string, args ...any) ([]QueuedSale, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+saleColumns+` FROM queued_sales `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	defer rows.Close()

	var out []QueuedSale
	for rows.Next() {
		q, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (s *Store) Sale(ctx context.Context, localID int64) (*QueuedSale, error) {
	q, err := scanSale(s.db.QueryRowContext(ctx,
		`SELECT `+saleColumns+` FROM queued_sales WHERE local_id = ?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

// ListSales lists sales oldest first; an empty status lists every sale.
func (s *Store) ListSales(ctx context.Context, status string, limit int) ([]QueuedSale, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		return s.querySales(ctx, `ORDER BY local_id LIMIT ?`, limit)
	}
	return s.querySales(ctx, `WHERE sync_status = ? ORDER BY local_id LIMIT ?`, status, limit)
}

// ListPushable returns the sales the next push should upload, oldest first,
// starting after local id after: every queued sale, plus failed ones when
// full is set. Rejected sales are never returned.
func (s *Store) ListPushable(ctx context.Context, full bool, after int64, limit int) ([]QueuedSale, error) {
	if limit <= 0 {
		limit = 50
	}
	stale := s.printClaimCutoff()
	if full {
		return s.querySales(ctx, `
			WHERE rejected = 0 AND sync_status IN ('queued', 'failed') AND local_id > ?
			  AND (printing_since IS NULL OR printing_since < ?)
			ORDER BY local_id LIMIT ?`, after, stale, limit)
	}
	return s.querySales(ctx, `
		WHERE sync_status = 'queued' AND local_id > ?
		  AND (printing_since IS NULL OR printing_since < ?)
		ORDER BY local_id LIMIT ?`, after, stale, limit)
}

// printClaimCutoff is the oldest print claim still honoured.
func (s *Store) printClaimCutoff() string {
	return formatTime(s.now().Add(-PrintClaimTTL))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64, lead ...any) []any {
	args := append([]any{}, lead...)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

// MarkUploading claims sales for one upload and returns the ids it moved,
// in ascending order. Only queued or failed rows move; a sale being printed
// locally stays where it is.
func (s *Store) MarkUploading(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE queued_sales SET sync_status = 'uploading', updated_at = ?
		WHERE sync_status IN ('queued', 'failed') AND rejected = 0
		  AND (printing_since IS NULL OR printing_since < ?)
		  AND local_id IN (`+placeholders(len(ids))+`)
		RETURNING local_id`,
		int64Args(ids, formatTime(s.now()), s.printClaimCutoff())...)
	if err != nil {
		return nil, fmt.Errorf("mark uploading: %w", err)
	}
	defer rows.Close()

	var moved []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("mark uploading: %w", err)
		}
		moved = append(moved, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark uploading: %w", err)
	}
	slices.Sort(moved)
	return moved, nil
}

// MarkSynced records the server identity of accepted sales (created or
// duplicate). Server fiscal state is mirrored as reported.
func (s *Store) MarkSynced(ctx context.Context, results []dto.SaleUploadResult) error {
	if len(results) == 0 {
		return nil
	}
	now := formatTime(s.now())
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, r := range results {
			_, err := tx.ExecContext(ctx, `
				UPDATE queued_sales SET sync_status = 'synced', server_sale_id = ?, sale_number = ?,
				    fiscal_status = CASE WHEN fiscal_local = 1 THEN fiscal_status ELSE ? END,
				    last_error = NULL, updated_at = ?
				WHERE local_id = ? AND sync_status <> 'synced'`,
				r.ServerSaleID, r.SaleNumber, r.FiscalStatus, now, r.LocalID)
			if err != nil {
				return fmt.Errorf("mark synced %d: %w", r.LocalID, err)
			}
		}
		return nil
	})
}

// MarkRetry returns sales whose upload hit a transport error to the queue
// with one more retry counted. Sales that reach maxRetries become failed and
// leave the automatic schedule. It reports how many became failed.
func (s *Store) MarkRetry(ctx context.Context, ids []int64, maxRetries int, cause string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var failed int
	err := s.tx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		in := placeholders(len(ids))
		if _, err := tx.ExecContext(ctx, `
			UPDATE queued_sales SET retry_count = retry_count + 1, last_error = ?, updated_at = ?,
			    sync_status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'queued' END
			WHERE sync_status = 'uploading' AND local_id IN (`+in+`)`,
			int64Args(ids, cause, now, maxRetries)...); err != nil {
			return fmt.Errorf("mark retry: %w", err)
		}
		return tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM queued_sales
			WHERE sync_status = 'failed' AND local_id IN (`+in+`)`,
			int64Args(ids)...).Scan(&failed)
	})
	return failed, err
}

// MarkRejected parks a sale the server refused as invalid.
func (s *Store) MarkRejected(ctx context.Context, localID int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queued_sales SET sync_status = 'failed', rejected = 1, last_error = ?, updated_at = ?
		WHERE local_id = ? AND sync_status <> 'synced'`,
		reason, formatTime(s.now()), localID)
	if err != nil {
		return fmt.Errorf("mark rejected %d: %w", localID, err)
	}
	return nil
}

// RecoverUploading puts back sales left uploading by a crash. The server
// deduplicates by (device_id, local_id), so re-sending them is safe.
func (s *Store) RecoverUploading(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_sales SET sync_status = 'queued', updated_at = ? WHERE sync_status = 'uploading'`,
		formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("recover uploading: %w", err)
	}
	return res.RowsAffected()
}

// PrintClaimTTL bounds a local print claim. A claim left behind by a
// crashed print stops holding the sale after it.
const PrintClaimTTL = 5 * time.Minute

// ClaimLocalPrint reserves a sale for printing on the kiosk's own printer
// and returns it. Until the claim is released or the fiscal number is
// recorded the sale is neither listed for push nor moved to uploading.
// Sales already printed, uploading or synced are refused, as is a sale
// whose print is still in progress.
func (s *Store) ClaimLocalPrint(ctx context.Context, localID int64) (*QueuedSale, error) {
	now := s.now()
	var sale *QueuedSale
	err := s.tx(ctx, func(tx *sql.Tx) error {
		// The update comes first so the write lock is held before the read.
		res, err := tx.ExecContext(ctx, `
			UPDATE queued_sales SET printing_since = ?, updated_at = ?
			WHERE local_id = ? AND fiscal_local = 0 AND sync_status IN ('queued', 'failed')
			  AND (printing_since IS NULL OR printing_since < ?)`,
			formatTime(now), formatTime(now), localID, s.printClaimCutoff())
		if err != nil {
			return fmt.Errorf("claim print %d: %w", localID, err)
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim print %d: %w", localID, err)
		}
		q, err := scanSale(tx.QueryRowContext(ctx,
			`SELECT `+saleColumns+` FROM queued_sales WHERE local_id = ?`, localID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if claimed == 0 {
			return refusePrint(q)
		}
		sale = q
		return nil
	})
	return sale, err
}

func refusePrint(q *QueuedSale) error {
	switch {
	case q.FiscalLocal:
		return apierror.Duplicate(fmt.Sprintf("sale %d already fiscalized locally", q.LocalID))
	case q.SyncStatus != StatusQueued && q.SyncStatus != StatusFailed:
		return apierror.Validation(fmt.Sprintf("sale %d is %s; the server fiscalizes it", q.LocalID, q.SyncStatus), nil)
	default:
		return apierror.Duplicate(fmt.Sprintf("sale %d is already being printed", q.LocalID))
	}
}

// ReleaseLocalPrint drops the print claim of a sale that was not printed,
// making it pushable again.
func (s *Store) ReleaseLocalPrint(ctx context.Context, localID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queued_sales SET printing_since = NULL, updated_at = ?
		WHERE local_id = ? AND printing_since IS NOT NULL`,
		formatTime(s.now()), localID)
	if err != nil {
		return fmt.Errorf("release print %d: %w", localID, err)
	}
	return nil
}

// MarkFiscalizedLocally records a receipt printed on the kiosk's own
// printer and drops the print claim. It is refused once the sale reached
// the server, which then owns fiscalization.
func (s *Store) MarkFiscalizedLocally(ctx context.Context, localID int64, fiscalNumber, documentID string, at time.Time) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var status string
		var local bool
		err := tx.QueryRowContext(ctx,
			`SELECT sync_status, fiscal_local FROM queued_sales WHERE local_id = ?`, localID).Scan(&status, &local)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read sale %d: %w", localID, err)
		}
		if local {
			return apierror.Duplicate(fmt.Sprintf("sale %d already fiscalized locally", localID))
		}
		if status != StatusQueued && status != StatusFailed {
			return apierror.Validation(fmt.Sprintf("sale %d is %s; the server fiscalizes it", localID, status), nil)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE queued_sales SET fiscal_status = 'completed', fiscal_number = ?, fiscal_document_id = ?,
			    fiscal_error = NULL, fiscalized_at = ?, fiscal_local = 1, printing_since = NULL, updated_at = ?
			WHERE local_id = ?`,
			fiscalNumber, nullIfEmpty(documentID), formatTime(at), formatTime(s.now()), localID)
		if err != nil {
			return fmt.Errorf("mark fiscalized %d: %w", localID, err)
		}
		return nil
	})
}

// applySaleRecords mirrors server sale state onto local rows. A record for a
// sale still queued or uploading means the server already has it (an upload
// whose response was lost), so the row becomes synced. Sale contents are
// never touched.
func applySaleRecords(ctx context.Context, tx *sql.Tx, records []dto.SaleRecord, now string) (int, error) {
	n := 0
	for _, r := range records {
		res, err := tx.ExecContext(ctx, `
			UPDATE queued_sales SET
			    sync_status = 'synced', server_sale_id = ?, sale_number = ?,
			    fiscal_status = CASE WHEN fiscal_local = 1 THEN fiscal_status ELSE ? END,
			    fiscal_number = CASE WHEN fiscal_local = 1 THEN fiscal_number ELSE ? END,
			    fiscal_document_id = CASE WHEN fiscal_local = 1 THEN fiscal_document_id ELSE ? END,
			    fiscal_error = CASE WHEN fiscal_local = 1 THEN fiscal_error ELSE ? END,
			    fiscalized_at = CASE WHEN fiscal_local = 1 THEN fiscalized_at ELSE ? END,
			    last_error = NULL, updated_at = ?
			WHERE local_id = ?`,
			r.ServerSaleID, r.SaleNumber, r.FiscalStatus, optString(r.FiscalNumber),
			optString(r.FiscalDocumentID), optString(r.FiscalError), optTime(r.FiscalizedAt),
			now, r.LocalID)
		if err != nil {
			return n, fmt.Errorf("apply sale %d: %w", r.LocalID, err)
		}
		if k, _ := res.RowsAffected(); k > 0 {
			n++
		}
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
