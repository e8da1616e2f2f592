package lakego

// Close stops the background compaction coordinator and waits for
// in-flight runs to finish. Open scanners stay usable; their pins are
// process-local and released by Scanner.Close.
//
// Close is idempotent. After Close, Compact returns ErrClosed and
// commits no longer trigger background compaction.
func (t *Table) Close() error {
	if t == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		t.compactor.Close()
	})
	return nil
}
