package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("record not found")

// DeletionState describes whether and when a record is scheduled for removal.
type DeletionState string

const (
	// DeletionNone marks a live record.
	DeletionNone DeletionState = "none"
	// DeletionNextStart marks a record purged on the next engine startup.
	DeletionNextStart DeletionState = "next_start"
	// DeletionAt marks a record purged once Record.DeleteAt has passed.
	DeletionAt DeletionState = "at"
)

// Record is the persisted entry describing one tracked url and its local copy.
type Record struct {
	ID        string
	URL       string
	LocalPath string
	CreatedAt time.Time
	Finished  bool
	Deletion  DeletionState
	DeleteAt  time.Time
}

// Active reports whether the record is live, i.e. not scheduled for deletion.
func (r *Record) Active() bool {
	return r.Deletion == DeletionNone || r.Deletion == ""
}

// Expired reports whether the record should be purged at startup: either it
// is flagged for next-start deletion or its deadline has already passed.
func (r *Record) Expired(now time.Time) bool {
	switch r.Deletion {
	case DeletionNextStart:
		return true
	case DeletionAt:
		return !r.DeleteAt.After(now)
	default:
		return false
	}
}

// RecordStore is the durable key-value persistence for records. Keys are
// hierarchical: one record per {domain}/{id}.
type RecordStore interface {
	Write(ctx context.Context, domain string, rec *Record) error
	WriteBatch(ctx context.Context, domain string, recs []*Record) error
	ReadAll(ctx context.Context, domain string) ([]*Record, error)
	Remove(ctx context.Context, domain, id string) error
	RemoveBatch(ctx context.Context, domain string, ids []string) error
}
