package wren

import "sync"

// OpenRequest is the awaitable produced by an open. On top of the
// usual settlement it can report that the open is blocked behind other
// connections; the open then stays pending until they close, whether
// or not anyone listens.
type OpenRequest struct {
	*Request[*Database]

	mu        sync.Mutex
	blocked   bool
	oldVer    uint64
	onBlocked func(oldVersion uint64)
}

// OnBlocked registers a callback fired when the open has to wait for
// other connections to the same database. Registering after the signal
// fires the callback immediately.
func (r *OpenRequest) OnBlocked(fn func(oldVersion uint64)) {
	r.mu.Lock()
	if r.blocked {
		v := r.oldVer
		r.mu.Unlock()
		fn(v)
		return
	}
	r.onBlocked = fn
	r.mu.Unlock()
}

func (r *OpenRequest) notifyBlocked(oldVersion uint64) {
	r.mu.Lock()
	r.blocked = true
	r.oldVer = oldVersion
	fn := r.onBlocked
	r.mu.Unlock()
	if fn != nil {
		fn(oldVersion)
	}
}
