// Package rendezvous correlates worker replies with waiting dispatches.
// Each in-flight request owns a one-shot slot keyed by request id; the
// worker session deposits the matching reply and the dispatcher consumes
// it. The table has its own lock, distinct from the registry's, so reply
// routing never stalls worker registration.
package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
)

// Outcome is the single terminal result delivered to a slot's waiter:
// either a raw reply frame or an error kind, never both.
type Outcome struct {
	Frame *domain.CompletionResponseFrame
	Err   error
}

// Slot is a one-shot mailbox for one request id.
type Slot struct {
	RequestID string
	WorkerID  string
	CreatedAt time.Time
	Deadline  time.Time

	done chan Outcome
}

// Table maps request ids to open slots.
type Table struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// NewTable creates an empty rendezvous table.
func NewTable() *Table {
	return &Table{slots: make(map[string]*Slot)}
}

// Open inserts a new empty slot for the request id.
func (t *Table) Open(requestID, workerID string, deadline time.Time) (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.slots[requestID]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateID, requestID)
	}
	s := &Slot{
		RequestID: requestID,
		WorkerID:  workerID,
		CreatedAt: time.Now(),
		Deadline:  deadline,
		done:      make(chan Outcome, 1),
	}
	t.slots[requestID] = s
	return s, nil
}

// Deposit stores a reply and releases the waiter. Returns false when no
// slot is open for the id (a stray reply: logged by the caller, discarded).
func (t *Table) Deposit(requestID string, frame *domain.CompletionResponseFrame) bool {
	return t.settle(requestID, Outcome{Frame: frame})
}

// Fail releases the waiter with an error kind instead of a payload.
func (t *Table) Fail(requestID string, err error) bool {
	return t.settle(requestID, Outcome{Err: err})
}

// settle removes the slot under the lock and then delivers the outcome.
// Removal-before-delivery makes the producer side single-shot: a second
// deposit for the same id finds no slot and is reported stray.
func (t *Table) settle(requestID string, out Outcome) bool {
	t.mu.Lock()
	s, ok := t.slots[requestID]
	if ok {
		delete(t.slots, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	s.done <- out
	return true
}

// CancelForWorker fails every slot assigned to the named worker with
// worker gone. Returns the number of slots cancelled.
func (t *Table) CancelForWorker(workerID string) int {
	t.mu.Lock()
	var cancelled []*Slot
	for id, s := range t.slots {
		if s.WorkerID == workerID {
			delete(t.slots, id)
			cancelled = append(cancelled, s)
		}
	}
	t.mu.Unlock()

	for _, s := range cancelled {
		s.done <- Outcome{Err: domain.ErrWorkerGone}
	}
	return len(cancelled)
}

// Await blocks until a deposit occurs, the slot deadline elapses, or the
// caller's context ends. Timeout and cancellation both remove the slot.
func (t *Table) Await(ctx context.Context, s *Slot) (*domain.CompletionResponseFrame, error) {
	timer := time.NewTimer(time.Until(s.Deadline))
	defer timer.Stop()

	select {
	case out := <-s.done:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Frame, nil
	case <-timer.C:
		t.Close(s.RequestID)
		// A deposit may have raced the timer; prefer it.
		select {
		case out := <-s.done:
			if out.Err != nil {
				return nil, out.Err
			}
			return out.Frame, nil
		default:
		}
		return nil, fmt.Errorf("%w: no reply within %s", domain.ErrTimeout, s.Deadline.Sub(s.CreatedAt).Round(time.Millisecond))
	case <-ctx.Done():
		t.Close(s.RequestID)
		return nil, ctx.Err()
	}
}

// Close removes the slot after a terminal outcome. Idempotent.
func (t *Table) Close(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, requestID)
}

// Pending returns the number of open slots, for health reporting.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
