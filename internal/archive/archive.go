// Package archive keeps a history of schedules that were removed or replaced.
//
// Schedules themselves are never persisted; only their final Info snapshot is
// written, so operators can look at how a run went after the schedule is gone.
// Records are stored in a single bbolt file and keyed by ULID, which makes the
// key order the archival order.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/rld013/arrival-rate-server/internal/arrival"
	"github.com/rld013/arrival-rate-server/internal/node"
)

var bucketRecords = []byte("records")

// ErrNotFound is returned by Get for an unknown record ID.
var ErrNotFound = errors.New("archive: record not found")

// Reason says why a snapshot was archived.
type Reason string

const (
	ReasonDeleted  Reason = "deleted"
	ReasonReplaced Reason = "replaced"
)

// Record is one archived snapshot.
type Record struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	NodeID     string       `json:"node_id,omitempty"`
	Reason     Reason       `json:"reason"`
	ArchivedAt time.Time    `json:"archived_at"`
	Info       arrival.Info `json:"info"`
}

// Archive is a bbolt-backed append-mostly store of Records.
type Archive struct {
	db     *bbolt.DB
	nodeID string
}

// Open opens (or creates) the archive at path. nodeID is stamped on every
// record written through this handle.
func Open(path, nodeID string) (*Archive, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: init bucket: %w", err)
	}
	return &Archive{db: db, nodeID: nodeID}, nil
}

// Write stores a snapshot of name and returns the stored record.
func (a *Archive) Write(name string, reason Reason, info arrival.Info) (Record, error) {
	id, err := node.NewID()
	if err != nil {
		return Record{}, fmt.Errorf("archive: new id: %w", err)
	}
	rec := Record{
		ID:         id,
		Name:       name,
		NodeID:     a.nodeID,
		Reason:     reason,
		ArchivedAt: time.Now().UTC(),
		Info:       info,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("archive: marshal %s: %w", name, err)
	}
	err = a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(id), val)
	})
	if err != nil {
		return Record{}, fmt.Errorf("archive: write %s: %w", name, err)
	}
	return rec, nil
}

// Get returns the record with the given ID.
func (a *Archive) Get(id string) (Record, error) {
	var rec Record
	err := a.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// List returns up to limit records, newest first. limit <= 0 means all.
func (a *Archive) List(limit int) ([]Record, error) {
	out := []Record{}
	err := a.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("archive: decode %s: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of stored records.
func (a *Archive) Len() (int, error) {
	var n int
	err := a.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (a *Archive) Close() error { return a.db.Close() }
