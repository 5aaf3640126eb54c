package aot

import "sync"

// RuntimeHelperTable maps small indices to runtime support function
// addresses. Helpers are registered once at startup and never removed, so
// an index baked into cached code stays valid for the life of the process.
type RuntimeHelperTable struct {
	mu     sync.RWMutex
	addrs  []uintptr
	names  []string
	byName map[string]uint32
}

// NewRuntimeHelperTable returns an empty table.
func NewRuntimeHelperTable() *RuntimeHelperTable {
	return &RuntimeHelperTable{byName: make(map[string]uint32)}
}

// Register appends a helper and returns its index. Registering a name
// twice returns the original index and keeps the original address.
func (t *RuntimeHelperTable) Register(name string, addr uintptr) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.byName[name]; ok && name != "" {
		return idx
	}
	idx := uint32(len(t.addrs))
	t.addrs = append(t.addrs, addr)
	t.names = append(t.names, name)
	if name != "" {
		t.byName[name] = idx
	}
	return idx
}

// GetHelper returns the address registered at index.
func (t *RuntimeHelperTable) GetHelper(index uint32) (uintptr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(index) >= len(t.addrs) {
		return 0, false
	}
	return t.addrs[index], true
}

// Index returns the index registered under name.
func (t *RuntimeHelperTable) Index(name string) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byName[name]
	return idx, ok
}

// Name returns the name registered at index.
func (t *RuntimeHelperTable) Name(index uint32) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(index) >= len(t.names) {
		return ""
	}
	return t.names[index]
}

// Len returns the number of registered helpers.
func (t *RuntimeHelperTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.addrs)
}
