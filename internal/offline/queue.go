// Package offline buffers outgoing ink while the channel is down and
// drives reconnection.
package offline

import (
	"collabink/internal/protocol"
)

// Entry is one buffered publish.
type Entry struct {
	Topic  string                  `json:"topic"`
	Record protocol.SnapshotRecord `json:"record"`
}

// Queue is an ordered outbox.
type Queue interface {
	Push(e Entry) error
	// PushFront puts e back at the head, after a failed publish.
	PushFront(e Entry) error
	// Pop removes and returns the head. ok is false when empty.
	Pop() (e Entry, ok bool, err error)
	Len() (int, error)
	Clear() error
}

// MemoryQueue is a Queue held in memory.
type MemoryQueue struct {
	entries []Entry
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

func (q *MemoryQueue) Push(e Entry) error {
	q.entries = append(q.entries, e)
	return nil
}

func (q *MemoryQueue) PushFront(e Entry) error {
	q.entries = append([]Entry{e}, q.entries...)
	return nil
}

func (q *MemoryQueue) Pop() (Entry, bool, error) {
	if len(q.entries) == 0 {
		return Entry{}, false, nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true, nil
}

func (q *MemoryQueue) Len() (int, error) { return len(q.entries), nil }

func (q *MemoryQueue) Clear() error {
	q.entries = nil
	return nil
}
