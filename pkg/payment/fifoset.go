package payment

// fifoSet is a bounded string set with FIFO eviction. Not safe for
// concurrent use; callers hold the dispatcher mutex.
type fifoSet struct {
	limit int
	set   map[string]struct{}
	queue []string
	head  int
}

func newFIFOSet(limit int) *fifoSet {
	return &fifoSet{
		limit: limit,
		set:   make(map[string]struct{}),
	}
}

// Add inserts the key and reports whether it was new. At capacity the oldest
// entry is evicted first.
func (s *fifoSet) Add(key string) bool {
	if _, ok := s.set[key]; ok {
		return false
	}
	if len(s.set) >= s.limit {
		oldest := s.queue[s.head]
		s.queue[s.head] = ""
		s.head++
		delete(s.set, oldest)
		if s.head > len(s.queue)/2 {
			s.queue = append([]string(nil), s.queue[s.head:]...)
			s.head = 0
		}
	}
	s.set[key] = struct{}{}
	s.queue = append(s.queue, key)
	return true
}

// Contains reports membership without inserting.
func (s *fifoSet) Contains(key string) bool {
	_, ok := s.set[key]
	return ok
}

// Len returns the current number of entries.
func (s *fifoSet) Len() int {
	return len(s.set)
}
