package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/offline_cache/internal/storage"
	"github.com/italolelis/offline_cache/internal/telemetry"
)

// InstrumentedRecordRepository wraps RecordRepository with telemetry.
type InstrumentedRecordRepository struct {
	repo      *RecordRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRecordRepository creates a new instrumented record repository.
func NewInstrumentedRecordRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRecordRepository {
	return &InstrumentedRecordRepository{
		repo:      NewRecordRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedRecordRepository) Write(ctx context.Context, domain string, rec *storage.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "write_record", func(ctx context.Context) error {
		return r.repo.Write(ctx, domain, rec)
	})
}

func (r *InstrumentedRecordRepository) WriteBatch(ctx context.Context, domain string, recs []*storage.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "write_record_batch", func(ctx context.Context) error {
		return r.repo.WriteBatch(ctx, domain, recs)
	})
}

func (r *InstrumentedRecordRepository) ReadAll(ctx context.Context, domain string) ([]*storage.Record, error) {
	var result []*storage.Record

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "read_all_records", func(ctx context.Context) error {
		result, err = r.repo.ReadAll(ctx, domain)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedRecordRepository) Remove(ctx context.Context, domain, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "remove_record", func(ctx context.Context) error {
		return r.repo.Remove(ctx, domain, id)
	})
}

func (r *InstrumentedRecordRepository) RemoveBatch(ctx context.Context, domain string, ids []string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "remove_record_batch", func(ctx context.Context) error {
		return r.repo.RemoveBatch(ctx, domain, ids)
	})
}
