// Package pending owns correlation-ID bookkeeping for in-flight requests.
//
// Ownership boundary:
// - one slot per outstanding correlation ID
// - the timeout-vs-late-response race: whoever removes the slot first wins,
//   the loser's data is discarded
package pending

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

var (
	ErrTimeout        = errors.New("pending: no response within deadline")
	ErrDuplicateID    = errors.New("pending: correlation id already registered")
	ErrRegistryClosed = errors.New("pending: registry closed")
)

// Result is a fulfilled response payload, text or binary.
type Result struct {
	Text   []byte
	Binary []byte
	IsText bool
}

type outcome struct {
	res Result
	err error
}

type slot struct {
	connID string
	ch     chan outcome
}

// Ticket is the waiter's handle for one registered request.
type Ticket struct {
	id  uint64
	reg *Registry
	ch  chan outcome
}

// Registry maps correlation IDs to response slots. IDs come from a
// per-registry monotonic counter starting at 1 and are never reused while
// a request is outstanding.
type Registry struct {
	clk  clock.Clock
	next atomic.Uint64

	mu     sync.Mutex
	slots  map[uint64]slot
	closed bool
}

// NewRegistry builds a registry. A nil clk uses the wall clock.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clk:   clk,
		slots: make(map[uint64]slot),
	}
}

// NextID allocates the next correlation ID, starting at 1.
func (r *Registry) NextID() uint64 {
	return r.next.Add(1)
}

// Register creates the slot for id. connID scopes disconnect sweeps.
func (r *Registry) Register(id uint64, connID string) (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.slots[id]; exists {
		return nil, ErrDuplicateID
	}
	ch := make(chan outcome, 1)
	r.slots[id] = slot{connID: connID, ch: ch}
	return &Ticket{id: id, reg: r, ch: ch}, nil
}

// Fulfill completes the request for id. It reports false when id is
// unknown: the waiter may already have timed out and removed the slot, in
// which case the response is dropped here.
func (r *Registry) Fulfill(id uint64, res Result) bool {
	return r.complete(id, outcome{res: res})
}

// Fail completes the request for id with an error.
func (r *Registry) Fail(id uint64, err error) bool {
	return r.complete(id, outcome{err: err})
}

func (r *Registry) complete(id uint64, out outcome) bool {
	r.mu.Lock()
	s, ok := r.slots[id]
	if ok {
		delete(r.slots, id)
	}
	r.mu.Unlock()
	if !ok {
		log.Debug().Uint64("id", id).Msg("late response dropped, slot already removed")
		return false
	}
	s.ch <- out
	return true
}

// FailConn fails every slot registered for connID and returns the count.
// Called from the disconnect path so waiters resolve instead of hanging.
func (r *Registry) FailConn(connID string, err error) int {
	r.mu.Lock()
	var swept []slot
	for id, s := range r.slots {
		if s.connID == connID {
			swept = append(swept, s)
			delete(r.slots, id)
		}
	}
	r.mu.Unlock()
	for _, s := range swept {
		s.ch <- outcome{err: err}
	}
	return len(swept)
}

// FailAll fails every outstanding slot and returns the count.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	swept := make([]slot, 0, len(r.slots))
	for id, s := range r.slots {
		swept = append(swept, s)
		delete(r.slots, id)
	}
	r.mu.Unlock()
	for _, s := range swept {
		s.ch <- outcome{err: err}
	}
	return len(swept)
}

// Close fails all outstanding slots and rejects future registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.FailAll(ErrRegistryClosed)
}

// Outstanding returns the number of in-flight slots.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Await blocks until the matching response arrives or timeout elapses.
// On timeout the slot is removed so a late response is dropped; removal is
// authoritative, so a fulfill racing the timer still delivers when it got
// to the slot first.
func (t *Ticket) Await(timeout time.Duration) (Result, error) {
	timer := t.reg.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case out := <-t.ch:
		if out.err != nil {
			return Result{}, out.err
		}
		return out.res, nil
	case <-timer.C:
	}

	t.reg.mu.Lock()
	_, present := t.reg.slots[t.id]
	if present {
		delete(t.reg.slots, t.id)
	}
	t.reg.mu.Unlock()
	if present {
		return Result{}, ErrTimeout
	}

	// A fulfiller removed the slot before the timer fired; its outcome is
	// already buffered.
	out := <-t.ch
	if out.err != nil {
		return Result{}, out.err
	}
	return out.res, nil
}
