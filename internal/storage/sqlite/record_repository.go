package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/offline_cache/internal/storage"
)

// RecordRepository stores records in SQLite, one row per {domain}/{id} key.
type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(dbConn *sql.DB) *RecordRepository {
	return &RecordRepository{db: dbConn}
}

// Write upserts a single record under the given domain.
func (r *RecordRepository) Write(ctx context.Context, domain string, rec *storage.Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO records (domain, id, url, local_path, created_at, finished, deletion, delete_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, id) DO UPDATE SET
			url = excluded.url,
			local_path = excluded.local_path,
			created_at = excluded.created_at,
			finished = excluded.finished,
			deletion = excluded.deletion,
			delete_at = excluded.delete_at
	`, domain, rec.ID, rec.URL, rec.LocalPath, toMillis(rec.CreatedAt), rec.Finished, deletionValue(rec.Deletion), toMillis(rec.DeleteAt))
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	return nil
}

// WriteBatch upserts multiple records in a single transaction.
func (r *RecordRepository) WriteBatch(ctx context.Context, domain string, recs []*storage.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (domain, id, url, local_path, created_at, finished, deletion, delete_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(domain, id) DO UPDATE SET
				url = excluded.url,
				local_path = excluded.local_path,
				created_at = excluded.created_at,
				finished = excluded.finished,
				deletion = excluded.deletion,
				delete_at = excluded.delete_at
		`, domain, rec.ID, rec.URL, rec.LocalPath, toMillis(rec.CreatedAt), rec.Finished, deletionValue(rec.Deletion), toMillis(rec.DeleteAt)); err != nil {
			tx.Rollback()

			return fmt.Errorf("failed to write record %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// ReadAll returns every record persisted under the given domain.
func (r *RecordRepository) ReadAll(ctx context.Context, domain string) ([]*storage.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, url, local_path, created_at, finished, deletion, delete_at FROM records WHERE domain = ?`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	defer rows.Close()

	var records []*storage.Record

	for rows.Next() {
		var (
			rec       storage.Record
			createdAt int64
			deletion  string
			deleteAt  sql.NullInt64
		)

		if err := rows.Scan(&rec.ID, &rec.URL, &rec.LocalPath, &createdAt, &rec.Finished, &deletion, &deleteAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec.CreatedAt = fromMillis(createdAt)
		rec.Deletion = storage.DeletionState(deletion)

		if deleteAt.Valid {
			rec.DeleteAt = fromMillis(deleteAt.Int64)
		}

		records = append(records, &rec)
	}

	return records, rows.Err()
}

// Remove deletes a single record. Removing a missing key is not an error.
func (r *RecordRepository) Remove(ctx context.Context, domain, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE domain = ? AND id = ?`, domain, id)
	if err != nil {
		return fmt.Errorf("failed to remove record: %w", err)
	}

	return nil
}

// RemoveBatch deletes multiple records in a single transaction.
func (r *RecordRepository) RemoveBatch(ctx context.Context, domain string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE domain = ? AND id = ?`, domain, id); err != nil {
			tx.Rollback()

			return fmt.Errorf("failed to remove record %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func deletionValue(d storage.DeletionState) string {
	if d == "" {
		return string(storage.DeletionNone)
	}

	return string(d)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}
