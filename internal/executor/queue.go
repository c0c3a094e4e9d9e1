package executor

import (
	"container/heap"
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
)

// entry is the scheduler's view of one admitted task.
type entry struct {
	task     *types.ExecutionTask
	strategy *types.Strategy
	err      error
	done     chan struct{}

	index int // position in whichever heap holds the entry, -1 when in none
	ready bool
}

// readyQueue orders runnable tasks by priority desc, then admission order.
type readyQueue []*entry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].task.Seq < q[j].task.Seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	e.ready = true
	*q = append(*q, e)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// deferredQueue holds tasks whose scheduled time is still in the future,
// ordered by that time. They are kept apart from the ready queue so that a
// deferred head never stalls runnable work.
type deferredQueue []*entry

func (q deferredQueue) Len() int { return len(q) }

func (q deferredQueue) Less(i, j int) bool {
	ti, tj := q[i].task.ScheduledAt, q[j].task.ScheduledAt
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return q[i].task.Seq < q[j].task.Seq
}

func (q deferredQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deferredQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	e.ready = false
	*q = append(*q, e)
}

func (q *deferredQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// pending is the pair of heaps owned by the scheduling loop.
type pending struct {
	ready    readyQueue
	deferred deferredQueue
}

func (p *pending) push(e *entry, now time.Time) {
	if e.task.ScheduledAt.After(now) {
		heap.Push(&p.deferred, e)
		return
	}
	heap.Push(&p.ready, e)
}

// promote moves every deferred task that is due into the ready queue.
func (p *pending) promote(now time.Time) {
	for p.deferred.Len() > 0 && !p.deferred[0].task.ScheduledAt.After(now) {
		heap.Push(&p.ready, heap.Pop(&p.deferred))
	}
}

func (p *pending) popReady() *entry {
	if p.ready.Len() == 0 {
		return nil
	}
	return heap.Pop(&p.ready).(*entry)
}

func (p *pending) remove(e *entry) bool {
	if e.index < 0 {
		return false
	}
	if e.ready {
		heap.Remove(&p.ready, e.index)
	} else {
		heap.Remove(&p.deferred, e.index)
	}
	return true
}

// nextWake returns how long until the earliest deferred task is due.
func (p *pending) nextWake(now time.Time) (time.Duration, bool) {
	if p.deferred.Len() == 0 {
		return 0, false
	}
	return max(p.deferred[0].task.ScheduledAt.Sub(now), 0), true
}

func (p *pending) len() int {
	return p.ready.Len() + p.deferred.Len()
}
