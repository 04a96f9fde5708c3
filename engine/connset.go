package engine

import "sync"

// ConnSet tracks open connections per database name so upgrading and
// deleting opens can detect blockers and wait them out.
type ConnSet struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count map[string]int
}

func NewConnSet() *ConnSet {
	s := &ConnSet{count: make(map[string]int)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *ConnSet) Add(name string) {
	s.mu.Lock()
	s.count[name]++
	s.mu.Unlock()
}

func (s *ConnSet) Remove(name string) {
	s.mu.Lock()
	if s.count[name] > 0 {
		s.count[name]--
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// WaitIdle blocks until no connection to name remains. If any are open
// on entry, blocked is called once (with the lock released) before
// waiting.
func (s *ConnSet) WaitIdle(name string, blocked func()) {
	s.mu.Lock()
	if s.count[name] > 0 && blocked != nil {
		s.mu.Unlock()
		blocked()
		s.mu.Lock()
	}
	for s.count[name] > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
}
