// Package edgebuffer is the store-and-forward ring on disk. Records are
// appended under monotonically increasing sequence keys in a bbolt bucket;
// when the ring is full the oldest records are evicted first. Appends are
// group-committed to bound fsync cost on flash media.
package edgebuffer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/microlink/mcs/internal/config"
)

var bucketRecords = []byte("records")

// Record is one message held for replay.
type Record struct {
	Topic    string    `json:"topic"`
	Payload  []byte    `json:"payload"`
	QoS      byte      `json:"qos"`
	Retained bool      `json:"retained,omitempty"`
	TS       time.Time `json:"ts"`
}

// Stored is a Record read back with its ring position.
type Stored struct {
	Seq uint64
	Record
}

// Buffer is the disk ring. Enqueue is safe from any goroutine; commits
// happen on the Run loop.
type Buffer struct {
	db       *bolt.DB
	capacity int
	maxBatch int
	maxWait  time.Duration
	logger   *slog.Logger

	incoming chan Record

	mu    sync.Mutex
	depth int
}

// Open opens or creates the ring file and counts the existing backlog.
func Open(cfg config.BufferConfig, logger *slog.Logger) (*Buffer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open buffer %s: %w", cfg.Path, err)
	}

	b := &Buffer{
		db:       db,
		capacity: cfg.Capacity,
		maxBatch: cfg.CommitMaxRecords,
		maxWait:  time.Duration(cfg.CommitMaxMs) * time.Millisecond,
		logger:   logger,
		incoming: make(chan Record, cfg.CommitMaxRecords),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketRecords)
		if err != nil {
			return err
		}
		b.depth = bkt.Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buffer %s: %w", cfg.Path, err)
	}
	if b.depth > 0 {
		logger.Info("buffer backlog found", "path", cfg.Path, "depth", b.depth)
	}
	return b, nil
}

// Enqueue hands a record to the commit loop. It blocks while a commit is in
// flight and the staging channel is full.
func (b *Buffer) Enqueue(ctx context.Context, rec Record) error {
	select {
	case b.incoming <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives group commits until ctx is cancelled, then performs a final
// drain so nothing staged is lost on shutdown.
func (b *Buffer) Run(ctx context.Context) {
	var pending []Record
	timer := time.NewTimer(b.maxWait)
	timer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := b.commit(pending); err != nil {
			b.logger.Error("buffer commit failed", "records", len(pending), "error", err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-b.incoming:
					pending = append(pending, rec)
				default:
					flush()
					return
				}
			}
		case rec := <-b.incoming:
			if len(pending) == 0 {
				timer.Reset(b.maxWait)
			}
			pending = append(pending, rec)
			if len(pending) >= b.maxBatch {
				timer.Stop()
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

// commit appends a batch in one transaction and evicts past capacity.
func (b *Buffer) commit(recs []Record) error {
	b.mu.Lock()
	over := b.depth + len(recs) - b.capacity
	b.mu.Unlock()

	evicted := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)
		for _, rec := range recs {
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			body, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bkt.Put(seqKey(seq), body); err != nil {
				return err
			}
		}

		// Re-seek after every delete; advancing a cursor past a deleted key
		// skips the record behind it.
		c := bkt.Cursor()
		for k, _ := c.First(); k != nil && evicted < over; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.depth += len(recs) - evicted
	b.mu.Unlock()
	if evicted > 0 {
		b.logger.Warn("buffer full, oldest records evicted", "evicted", evicted)
	}
	return nil
}

// Depth returns the number of buffered records.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth
}

// ReadBatch returns up to n records from the oldest end, in order.
func (b *Buffer) ReadBatch(n int) ([]Stored, error) {
	var out []Stored
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, Stored{Seq: binary.BigEndian.Uint64(k), Record: rec})
		}
		return nil
	})
	return out, err
}

// Delete removes acknowledged records after a replay batch.
func (b *Buffer) Delete(seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	deleted := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)
		for _, seq := range seqs {
			key := seqKey(seq)
			if bkt.Get(key) == nil {
				continue
			}
			if err := bkt.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.depth -= deleted
	b.mu.Unlock()
	return nil
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
