package engine

import "sync"

// Signal is the concrete Req used by the bundled engines. Succeed and
// Fail settle it; only the first settlement counts, later ones are
// no-ops. Listeners registered after settlement fire immediately.
type Signal struct {
	mu      sync.Mutex
	settled bool
	result  any
	err     error
	onOK    func(any)
	onErr   func(error)
}

func NewSignal() *Signal {
	return &Signal{}
}

func (s *Signal) Listen(success func(result any), fail func(err error)) {
	s.mu.Lock()
	if !s.settled {
		s.onOK = success
		s.onErr = fail
		s.mu.Unlock()
		return
	}
	err := s.err
	result := s.result
	s.mu.Unlock()

	if err != nil {
		if fail != nil {
			fail(err)
		}
		return
	}
	if success != nil {
		success(result)
	}
}

func (s *Signal) Succeed(result any) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	s.result = result
	fn := s.onOK
	s.onOK, s.onErr = nil, nil
	s.mu.Unlock()

	if fn != nil {
		fn(result)
	}
}

func (s *Signal) Fail(err error) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	s.err = err
	fn := s.onErr
	s.onOK, s.onErr = nil, nil
	s.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// FailedSignal returns an already-failed Req, for operations the host
// rejects before queueing.
func FailedSignal(err error) *Signal {
	s := NewSignal()
	s.Fail(err)
	return s
}
