package snapshot

// Pin marks a snapshot as in use by a reader. Expiration never removes a
// pinned id or any id after the lowest pin, so a scan that resolved its
// file list against a pinned snapshot can finish against stable blobs.
// Pins are reference counted and process-local.
func (s *Store) Pin(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[id]++
}

// Unpin releases one reference on a pinned snapshot.
func (s *Store) Unpin(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.pins[id]; ok {
		if n <= 1 {
			delete(s.pins, id)
		} else {
			s.pins[id] = n - 1
		}
	}
}

// pinnedFloor returns the lowest pinned id, or 0 when nothing is pinned.
func (s *Store) pinnedFloor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var floor uint64
	for id := range s.pins {
		if floor == 0 || id < floor {
			floor = id
		}
	}
	return floor
}
