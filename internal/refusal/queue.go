package refusal

import (
	"sync"
	"time"

	"github.com/follgate/tollbooth/internal/domain"
)

const (
	timeout      = 5 * time.Minute
	sweepCadence = 1 * time.Minute
)

// Queue holds the pending refusals awaiting a user verdict, one per flow,
// following the teacher's mutex-guarded-map shape (KillSwitch.killed):
// O(1) lookup on the hot path, serialized mutation on enqueue/resolve.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*domain.PendingRefusal // keyed by flow id
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string]*domain.PendingRefusal)}
}

// Enqueue holds a response pending a user verdict. At most one entry per
// flow id (§3); a second Enqueue for the same flow replaces the first.
func (q *Queue) Enqueue(p *domain.PendingRefusal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[p.FlowID] = p
}

// Get returns the pending refusal for flowID, if any.
func (q *Queue) Get(flowID string) (*domain.PendingRefusal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[flowID]
	return p, ok
}

// List returns a snapshot of every pending refusal.
func (q *Queue) List() []*domain.PendingRefusal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.PendingRefusal, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p)
	}
	return out
}

// Resolve removes the pending entry for flowID and marks it with the given
// status. Returns the resolved entry and whether one was found. Exactly one
// resolve call should follow per entry (§8's "exactly one forward verdict").
func (q *Queue) Resolve(flowID string, status domain.RefusalStatus, modified *domain.Response) (*domain.PendingRefusal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[flowID]
	if !ok {
		return nil, false
	}
	delete(q.pending, flowID)
	p.Status = status
	if modified != nil {
		p.ModifiedResponse = modified
	}
	return p, true
}

// Sweep auto-approves any entry older than the five-minute timeout as of
// now, removing it and returning the timed-out entries for the caller to
// forward (§5/§8). Called every sweepCadence by the owning actor.
func (q *Queue) Sweep(now time.Time) []*domain.PendingRefusal {
	q.mu.Lock()
	defer q.mu.Unlock()
	var timedOut []*domain.PendingRefusal
	cutoff := now.Add(-timeout).UnixMilli()
	for flowID, p := range q.pending {
		if p.Timestamp <= cutoff {
			p.Status = domain.RefusalApproved
			timedOut = append(timedOut, p)
			delete(q.pending, flowID)
		}
	}
	return timedOut
}

// SweepCadence is the interval the owning actor should call Sweep at.
func SweepCadence() time.Duration { return sweepCadence }
