package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketFindings = []byte("findings")

// BoltLedger is the default StageC: it commits each finding as a
// JSON-encoded entry in a local bbolt bucket, keyed by an
// auto-incrementing sequence number.
type BoltLedger struct {
	db *bolt.DB
}

// OpenBoltLedger opens (creating if absent) a bbolt database under
// dataDir and ensures the findings bucket exists.
func OpenBoltLedger(dataDir string) (*BoltLedger, error) {
	path := filepath.Join(dataDir, "auditorctl.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFindings)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create findings bucket: %w", err)
	}
	return &BoltLedger{db: db}, nil
}

// Commit appends finding to the ledger under the next sequence number.
func (l *BoltLedger) Commit(ctx context.Context, finding Finding) error {
	data, err := json.Marshal(finding)
	if err != nil {
		return fmt.Errorf("marshal finding: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFindings)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// Findings returns every committed finding in insertion order.
func (l *BoltLedger) Findings() ([]Finding, error) {
	var out []Finding
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFindings)
		return b.ForEach(func(k, v []byte) error {
			var f Finding
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	return out, err
}

// Close releases the underlying database file.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
