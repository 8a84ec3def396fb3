package reconcile

// IDSet is a fixed-capacity set of ids. Once full, adding an id evicts
// the oldest one.
type IDSet struct {
	ring    []string
	next    int
	size    int
	members map[string]struct{}
}

// DefaultIDSetCapacity bounds the memory of applied snapshot ids.
const DefaultIDSetCapacity = 200

// NewIDSet returns an empty set holding at most capacity ids.
func NewIDSet(capacity int) *IDSet {
	if capacity <= 0 {
		capacity = DefaultIDSetCapacity
	}
	return &IDSet{
		ring:    make([]string, capacity),
		members: make(map[string]struct{}, capacity),
	}
}

// Has reports whether id is in the set.
func (s *IDSet) Has(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Add inserts id. Adding an id already present is a no-op.
func (s *IDSet) Add(id string) {
	if s.Has(id) {
		return
	}
	if s.size == len(s.ring) {
		delete(s.members, s.ring[s.next])
	} else {
		s.size++
	}
	s.ring[s.next] = id
	s.members[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
}

// Len returns the number of ids held.
func (s *IDSet) Len() int { return s.size }
