package offline

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var outboxBucket = []byte("outbox")

// Keys start mid-range so PushFront can always allocate a smaller key.
const keyOffset = uint64(1) << 62

// BoltQueue is a Queue persisted in a bbolt file, so buffered ink
// survives an agent restart. Entries are CBOR-encoded.
type BoltQueue struct {
	db     *bolt.DB
	logger *slog.Logger
}

// OpenBoltQueue opens (creating if needed) the queue file at path.
func OpenBoltQueue(path string, logger *slog.Logger) (*BoltQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboxBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create outbox bucket: %w", err)
	}
	return &BoltQueue{db: db, logger: logger.With("outbox", path)}, nil
}

// Close closes the underlying file.
func (q *BoltQueue) Close() error { return q.db.Close() }

func key(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func (q *BoltQueue) Push(e Entry) error {
	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(key(keyOffset+seq), data)
	})
}

func (q *BoltQueue) PushFront(e Entry) error {
	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)
		next := keyOffset
		if first, _ := b.Cursor().First(); first != nil {
			next = binary.BigEndian.Uint64(first) - 1
		}
		return b.Put(key(next), data)
	})
}

func (q *BoltQueue) Pop() (Entry, bool, error) {
	var (
		e  Entry
		ok bool
	)
	err := q.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(outboxBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.First() {
			err := cbor.Unmarshal(v, &e)
			if delErr := c.Delete(); delErr != nil {
				return delErr
			}
			if err == nil {
				ok = true
				return nil
			}
			// An unreadable head would block every later drain.
			q.logger.Warn("drop undecodable outbox entry", "key", binary.BigEndian.Uint64(k), "err", err)
			e = Entry{}
		}
		return nil
	})
	return e, ok, err
}

func (q *BoltQueue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

func (q *BoltQueue) Clear() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(outboxBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(outboxBucket)
		return err
	})
}
