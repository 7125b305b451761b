// Package audit implements the engine's optional update-history ledger: a
// local, append-only record of every pipeline.Update call, kept purely for
// operator visibility. No state machine in this engine reads from it.
// Open returns its error to the caller (cmd/app logs it and runs without a
// ledger); a failed Append during pipeline.Update is logged through
// updatelog.IgnoreFailure and never returned.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"go.etcd.io/bbolt"
)

const bucketName = "updates"

// Record is one entry in the ledger: the outcome of a single
// pipeline.Update call.
type Record struct {
	Time      time.Time `json:"time"`
	Version   string    `json:"version"`
	Outcome   string    `json:"outcome"` // "committed" or "failed"
	ErrorKind string    `json:"error_kind,omitempty"`
}

// Ledger is a bbolt-backed append log of Records, opened at one file per
// working directory.
type Ledger struct {
	logger log.Logger
	db     *bbolt.DB
}

// Open creates or opens the ledger file at path, creating its bucket if
// necessary.
func Open(path string, logger log.Logger) (*Ledger, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger bucket: %w", err)
	}

	return &Ledger{logger: log.With(logger, "component", "audit.Ledger"), db: db}, nil
}

// Close releases the underlying bbolt file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Append records one Record under an autoincrementing key, so keys sort in
// insertion order and Recent can walk them back from the newest.
func (l *Ledger) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling ledger record: %w", err)
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating ledger key: %w", err)
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// Recent returns up to limit Records, most recently appended first.
func (l *Ledger) Recent(limit int) ([]Record, error) {
	var records []Record

	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling ledger record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
