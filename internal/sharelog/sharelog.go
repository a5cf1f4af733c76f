// Package sharelog stores accepted shares in an append-only, height
// ordered log. The log is the input of the PPLNS window scan: records
// are keyed by height plus a per-height sequence so a backward scan
// visits every share at a height in the order it was accepted.
package sharelog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"
)

// Pool types a share can be credited under
const (
	PoolPPLNS = "pplns"
	PoolPPS   = "pps"
	PoolSolo  = "solo"
	PoolProp  = "prop"
)

var sharesBucket = []byte("shares")

// Share is one accepted proof-of-work submission. Immutable once
// appended.
type Share struct {
	Height         uint64 `json:"height"`
	Timestamp      int64  `json:"ts"`
	PaymentAddress string `json:"address"`
	PaymentID      string `json:"paymentID,omitempty"`
	Identifier     string `json:"identifier"`
	Shares         uint64 `json:"shares"`
	PoolType       string `json:"poolType"`
}

// MinerKey returns the logical miner identity: the address alone, or
// address.paymentID when a usable payment ID is attached.
func (s *Share) MinerKey() string {
	if len(s.PaymentID) > 10 {
		return s.PaymentAddress + "." + s.PaymentID
	}
	return s.PaymentAddress
}

// WorkerKey returns the per-worker identity under the logical miner
func (s *Share) WorkerKey() string {
	return s.MinerKey() + "_" + s.Identifier
}

// Store is the append-only share log backed by bbolt
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the share log at path
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening share log: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sharesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating shares bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func heightPrefix(height uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], height)
	return k[:]
}

func recordKey(height uint64, seq uint32) []byte {
	var k [12]byte
	binary.BigEndian.PutUint64(k[0:8], height)
	binary.BigEndian.PutUint32(k[8:12], seq)
	return k[:]
}

// Append writes a share under the next sequence number for its height
func (s *Store) Append(sh *Share) error {
	value, err := json.Marshal(sh)
	if err != nil {
		return fmt.Errorf("encoding share: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sharesBucket)
		c := b.Cursor()

		// position at the first record past this height, then step back
		// to find the height's current tail
		var seq uint32
		k, _ := c.Seek(heightPrefix(sh.Height + 1))
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		if k != nil && bytes.HasPrefix(k, heightPrefix(sh.Height)) {
			seq = binary.BigEndian.Uint32(k[8:12]) + 1
		}

		return b.Put(recordKey(sh.Height, seq), value)
	})
}

// Snapshot returns a read-only point-in-time view of the log. Appends
// made after the snapshot is taken are not visible through it and are
// never blocked by it.
func (s *Store) Snapshot() (*Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("opening share log snapshot: %w", err)
	}
	return &Snapshot{tx: tx}, nil
}

// Snapshot is a consistent read-only view over the share log
type Snapshot struct {
	tx *bbolt.Tx
}

// Close releases the snapshot
func (sn *Snapshot) Close() error {
	return sn.tx.Rollback()
}

// ScanHeight visits every share at height in log order. A record that
// fails to decode is reported to the visitor with a nil share and a
// non-nil error; the visitor returns false to stop early.
func (sn *Snapshot) ScanHeight(height uint64, visit func(sh *Share, err error) bool) {
	b := sn.tx.Bucket(sharesBucket)
	if b == nil {
		return
	}
	c := b.Cursor()
	prefix := heightPrefix(height)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var sh Share
		if err := json.Unmarshal(v, &sh); err != nil {
			if !visit(nil, fmt.Errorf("decoding share at key %x: %w", k, err)) {
				return
			}
			continue
		}
		if !visit(&sh, nil) {
			return
		}
	}
}
