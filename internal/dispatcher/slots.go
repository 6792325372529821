package dispatcher

import "sync"

// Slots tracks in-process per-user concurrency. The store's claim query
// enforces the same cap against persisted rows; this guard covers the window
// between claim and the row reaching running.
type Slots struct {
	mu   sync.Mutex
	used map[int64]int
}

// NewSlots constructs an empty slot table.
func NewSlots() *Slots {
	return &Slots{used: make(map[int64]int)}
}

// TryAcquire reserves one slot for the user when usage is below max.
func (s *Slots) TryAcquire(userID int64, max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used[userID] >= max {
		return false
	}
	s.used[userID]++
	return true
}

// Release frees one slot for the user.
func (s *Slots) Release(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used[userID] > 0 {
		s.used[userID]--
	}
	if s.used[userID] == 0 {
		delete(s.used, userID)
	}
}

// InUse returns the user's current slot usage.
func (s *Slots) InUse(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[userID]
}
