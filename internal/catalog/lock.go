package catalog

import "sync"

// keyedMutex serializes work per router id
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[int64]*sync.Mutex{}
	}
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
