package state

// seenSet is a bounded set of ids that remembers insertion order.
// Once full, adding a new id evicts the oldest one.
type seenSet struct {
	index map[int64]struct{}
	ring  []int64
	start int // position of the oldest id once the ring is full
	limit int
}

func newSeenSet(limit int, ids []int64) *seenSet {
	s := &seenSet{
		index: make(map[int64]struct{}, min(len(ids), limit)),
		ring:  make([]int64, 0, min(len(ids), limit)),
		limit: limit,
	}
	for _, id := range ids {
		s.add(id)
	}
	return s
}

func (s *seenSet) has(id int64) bool {
	_, ok := s.index[id]
	return ok
}

// add inserts id and reports whether it was absent.
func (s *seenSet) add(id int64) bool {
	if s.has(id) {
		return false
	}
	s.index[id] = struct{}{}

	if len(s.ring) < s.limit {
		s.ring = append(s.ring, id)
		return true
	}

	delete(s.index, s.ring[s.start])
	s.ring[s.start] = id
	s.start = (s.start + 1) % s.limit
	return true
}

func (s *seenSet) len() int { return len(s.ring) }

// ids returns the ids oldest first.
func (s *seenSet) ids() []int64 {
	out := make([]int64, 0, len(s.ring))
	out = append(out, s.ring[s.start:]...)
	return append(out, s.ring[:s.start]...)
}
