package note

import "sync"

// noteLocks serializes lifecycle operations per note id. Different ids run
// in parallel; locks are never released back, which is fine at the scale of
// one process per deployment.
type noteLocks struct {
	m sync.Map // uint64 -> *sync.Mutex
}

func (l *noteLocks) lock(id uint64) func() {
	v, _ := l.m.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
