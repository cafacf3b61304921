package anqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ErrUniqueConflict is what an Adapter's Create/Upsert returns when a row
// with the same key already exists. §4.4's upsert-with-fallback contract
// retries such a conflict as an Update.
var ErrUniqueConflict = errors.New("anqueue: unique constraint conflict")

// ErrRowNotFound is returned by Update/Delete when no row matches the
// given key. FindFirst reports no match as a nil row with a nil error.
var ErrRowNotFound = errors.New("anqueue: row not found")

// PersistedTaskRow is the wire shape of one row in the expected tasks
// table (§6), keyed by UID.
type PersistedTaskRow struct {
	UID         string         `json:"uid"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Error       *string        `json:"error,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Adapter abstracts CRUD plus upsert over a named table, so a concrete
// store (bbolt here, or a relational store behind an ORM) never leaks
// store-specific code into the core.
type Adapter interface {
	FindFirst(ctx context.Context, where map[string]any) (*PersistedTaskRow, error)
	FindMany(ctx context.Context, where map[string]any) ([]*PersistedTaskRow, error)
	Create(ctx context.Context, row PersistedTaskRow) (*PersistedTaskRow, error)
	Update(ctx context.Context, where map[string]any, update PersistedTaskRow) (*PersistedTaskRow, error)
	Delete(ctx context.Context, where map[string]any) error
	Upsert(ctx context.Context, where map[string]any, update, create PersistedTaskRow) (*PersistedTaskRow, error)
}

var (
	bucketTasks        = []byte("tasks")
	bucketTaskVersions = []byte("task_versions")
)

// BoltAdapter is the default Adapter, an embedded pure-Go KV store keyed
// by uid, with each overwrite archived into a versions bucket — the same
// bucket layout and archive-before-overwrite discipline as the teacher's
// workflow store.
type BoltAdapter struct {
	db *bbolt.DB
	mu sync.Mutex // serializes upsert-with-fallback per §5 ("serialized by the adapter's key")
}

// OpenBoltAdapter opens (creating if absent) a bbolt database at path and
// ensures the tasks/task_versions buckets exist.
func OpenBoltAdapter(path string) (*BoltAdapter, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketTaskVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltAdapter{db: db}, nil
}

// Close releases the underlying database handle.
func (a *BoltAdapter) Close() error {
	return a.db.Close()
}

func matchesWhere(row *PersistedTaskRow, where map[string]any) bool {
	for k, v := range where {
		switch k {
		case "uid":
			if row.UID != fmt.Sprint(v) {
				return false
			}
		case "status":
			if string(row.Status) != fmt.Sprint(v) {
				return false
			}
		case "type":
			if row.Type != fmt.Sprint(v) {
				return false
			}
		case "userId":
			if row.UserID != fmt.Sprint(v) {
				return false
			}
		}
	}
	return true
}

func (a *BoltAdapter) FindFirst(ctx context.Context, where map[string]any) (*PersistedTaskRow, error) {
	var found *PersistedTaskRow
	err := a.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var row PersistedTaskRow
			if err := json.Unmarshal(v, &row); err != nil {
				return nil
			}
			if matchesWhere(&row, where) {
				found = &row
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("find first: %w", err)
	}
	return found, nil
}

func (a *BoltAdapter) FindMany(ctx context.Context, where map[string]any) ([]*PersistedTaskRow, error) {
	var rows []*PersistedTaskRow
	err := a.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var row PersistedTaskRow
			if err := json.Unmarshal(v, &row); err != nil {
				return nil
			}
			if matchesWhere(&row, where) {
				rows = append(rows, &row)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("find many: %w", err)
	}
	return rows, nil
}

func (a *BoltAdapter) Create(ctx context.Context, row PersistedTaskRow) (*PersistedTaskRow, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	err = a.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(row.UID)) != nil {
			return ErrUniqueConflict
		}
		return b.Put([]byte(row.UID), data)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (a *BoltAdapter) Update(ctx context.Context, where map[string]any, update PersistedTaskRow) (*PersistedTaskRow, error) {
	existing, err := a.FindFirst(ctx, where)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrRowNotFound
	}
	merged := replaceRow(*existing, update)
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	err = a.db.Update(func(tx *bbolt.Tx) error {
		archiveRow(tx, *existing)
		b := tx.Bucket(bucketTasks)
		return b.Put([]byte(merged.UID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("update row: %w", err)
	}
	return &merged, nil
}

func (a *BoltAdapter) Delete(ctx context.Context, where map[string]any) error {
	existing, err := a.FindFirst(ctx, where)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrRowNotFound
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		archiveRow(tx, *existing)
		return tx.Bucket(bucketTasks).Delete([]byte(existing.UID))
	})
}

// Upsert implements §4.4's upsert-with-fallback: try Create; on a unique
// conflict, fall back to Update(where, update) and return the updated
// row. a.mu serializes every Upsert call (whatever its uid), so two
// concurrent upserts for the same key can't race the conflict check
// against the fallback.
func (a *BoltAdapter) Upsert(ctx context.Context, where map[string]any, update, create PersistedTaskRow) (*PersistedTaskRow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	row, err := a.Create(ctx, create)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, ErrUniqueConflict) {
		return nil, err
	}
	return a.Update(ctx, where, update)
}

// replaceRow implements the row keyed by uid fully per §8: a row's fields
// always equal the payload of the most recent saveTask call, not a field-
// by-field merge of present and absent values. PersistedTaskRow round-trips
// a complete snapshot on every call, so there is no sparse-update case to
// preserve — the uid is the only thing carried over from the existing row,
// to protect against a caller passing an update with a blank key.
func replaceRow(existing, update PersistedTaskRow) PersistedTaskRow {
	replaced := update
	replaced.UID = existing.UID
	return replaced
}

func archiveRow(tx *bbolt.Tx, row PersistedTaskRow) {
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	vb := tx.Bucket(bucketTaskVersions)
	key := fmt.Sprintf("%s:%d", row.UID, time.Now().UnixNano())
	_ = vb.Put([]byte(key), data)
}
