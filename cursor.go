package wren

import (
	"context"
	"errors"
	"sync"

	"wren/engine"
	"wren/key"
)

type CursorOption func(*CursorStream)

// AutoAdvance makes Next step the cursor itself, turning the stream
// into a plain forward scan. Without it the consumer advances through
// the Cursor and Next waits for the repositioned cursor.
func AutoAdvance() CursorOption {
	return func(s *CursorStream) { s.auto = true }
}

// CursorStream pulls a cursor through its matching records:
//
//	stream := store.OpenCursor(wren.Everything(), wren.Next)
//	for stream.Next(ctx) {
//		c := stream.Cursor()
//		use(c.Key(), c.Value())
//		c.Continue()
//	}
//	if err := stream.Err(); err != nil { ... }
//
// Next resolves one cursor position per call and returns false past
// the last record or on error. In manual mode a consumer that never
// advances leaves Next waiting; it returns false once ctx is done,
// with no stream error, and may be called again.
type CursorStream struct {
	t    *Transaction
	auto bool

	mu      sync.Mutex
	pending *Request[*Cursor]
	notify  chan struct{}
	cur     *Cursor
	ended   bool
	err     error
}

func newCursorStream(t *Transaction, q Query, dir Direction, keysOnly bool,
	open func(key.Range, engine.Direction, bool) (engine.Req, error), opts []CursorOption) *CursorStream {

	s := &CursorStream{t: t, notify: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(s)
	}
	rng, err := q.resolve(false)
	if err != nil {
		s.err = err
		return s
	}
	req, rerr := open(rng, dir, keysOnly)
	s.setPending(bridge(req, rerr, s.convCursor))
	return s
}

func (s *CursorStream) convCursor(res any) (*Cursor, error) {
	if res == nil {
		return nil, nil
	}
	ref := res.(engine.CursorRef)
	c := &Cursor{st: s, ref: ref}
	if raw := ref.Value(); raw != nil {
		v, err := s.t.db.eng.Codec().Decode(raw)
		if err != nil {
			return nil, err
		}
		c.val = v
	}
	return c, nil
}

func (s *CursorStream) setPending(r *Request[*Cursor]) {
	s.mu.Lock()
	s.pending = r
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *CursorStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Next blocks until the next cursor position resolves. It returns
// false past the last record, on error (see Err), or when ctx is done
// before a position arrives.
func (s *CursorStream) Next(ctx context.Context) bool {
	s.mu.Lock()
	if s.ended || s.err != nil {
		s.mu.Unlock()
		return false
	}
	p := s.pending
	s.pending = nil
	cur := s.cur
	s.mu.Unlock()

	if p != nil {
		// clear a stale wakeup left by setPending
		select {
		case <-s.notify:
		default:
		}
	} else if s.auto && cur != nil {
		if err := cur.Continue(); err != nil {
			s.fail(err)
			return false
		}
		s.mu.Lock()
		p = s.pending
		s.pending = nil
		s.mu.Unlock()
		select {
		case <-s.notify:
		default:
		}
	}
	for p == nil {
		select {
		case <-s.notify:
			s.mu.Lock()
			p = s.pending
			s.pending = nil
			s.mu.Unlock()
		case <-ctx.Done():
			return false
		}
	}

	cur, err := p.Await(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// not settled yet; put it back so Next can resume
			s.mu.Lock()
			s.pending = p
			s.mu.Unlock()
			return false
		}
		s.fail(err)
		return false
	}
	if cur == nil {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		return false
	}
	s.mu.Lock()
	s.cur = cur
	s.mu.Unlock()
	return true
}

// Cursor is the position resolved by the last successful Next.
func (s *CursorStream) Cursor() *Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Err is the first error the stream hit. Exhaustion is not an error.
func (s *CursorStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cursor is one position in a cursor stream. The advancing methods
// queue the step and hand the result to the stream's next Next call;
// Update and Delete work at the current position and settle through
// their own Requests.
type Cursor struct {
	st  *CursorStream
	ref engine.CursorRef
	val any
}

// Key is the position's key: the record key for store cursors, the
// index key for index cursors.
func (c *Cursor) Key() key.Key { return c.ref.Key() }

// PrimaryKey is the underlying record's key.
func (c *Cursor) PrimaryKey() key.Key { return c.ref.PrimaryKey() }

// Value is the decoded record value, nil for key cursors.
func (c *Cursor) Value() any { return c.val }

func (c *Cursor) issue(req engine.Req, err error) error {
	if err != nil {
		return err
	}
	c.st.setPending(bridge(req, nil, c.st.convCursor))
	return nil
}

// Continue steps to the next matching position.
func (c *Cursor) Continue() error {
	return c.issue(c.ref.Continue())
}

// ContinueKey steps to the first position at or past k in the cursor's
// direction. k must actually advance the cursor.
func (c *Cursor) ContinueKey(k any) error {
	kk, err := toKey(k)
	if err != nil {
		return err
	}
	return c.issue(c.ref.ContinueKey(kk))
}

// ContinuePrimaryKey steps an index cursor to the position at or past
// the (index key, primary key) pair. Invalid for unique directions.
func (c *Cursor) ContinuePrimaryKey(k, primary any) error {
	kk, err := toKey(k)
	if err != nil {
		return err
	}
	pk, err := toKey(primary)
	if err != nil {
		return err
	}
	return c.issue(c.ref.ContinuePrimaryKey(kk, pk))
}

// Advance steps count positions forward in the cursor's direction.
func (c *Cursor) Advance(count int) error {
	return c.issue(c.ref.Advance(count))
}

// Update rewrites the record at the cursor's primary key; the request
// resolves to that key. Not allowed on key cursors.
func (c *Cursor) Update(value any) *Request[key.Key] {
	raw, err := c.st.t.db.eng.Codec().Encode(value)
	if err != nil {
		return failedRequest[key.Key](err)
	}
	req, rerr := c.ref.Update(raw)
	return bridge(req, rerr, convKey)
}

// Delete removes the record at the cursor's primary key.
func (c *Cursor) Delete() *Request[struct{}] {
	req, rerr := c.ref.Delete()
	return bridge(req, rerr, convNothing)
}

// Ref exposes the raw engine cursor.
func (c *Cursor) Ref() engine.CursorRef {
	return c.ref
}
