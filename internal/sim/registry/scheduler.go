package registry

import (
	"container/heap"
	"time"

	"tilepatch.ai/internal/sim/patch"
)

// entry is one installed patch. Its pointer identity outlives pool reuse of the
// patch itself, so queues and callbacks compare entries, never patches.
type entry struct {
	p     patch.Patch
	coord patch.Coord

	due       time.Time
	seq       uint64
	heapIndex int

	immediate  bool
	lastUpdate time.Time
	removed    bool
	reason     RemoveReason
}

// timeQueue is a min-heap on (due, seq).
type timeQueue []*entry

func (q timeQueue) Len() int { return len(q) }

func (q timeQueue) Less(i, j int) bool {
	if !q[i].due.Equal(q[j].due) {
		return q[i].due.Before(q[j].due)
	}
	return q[i].seq < q[j].seq
}

func (q timeQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *timeQueue) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*q)
	*q = append(*q, e)
}

func (q *timeQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*q = old[:n-1]
	return e
}

func (q timeQueue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (r *Registry) offset(p patch.Priority) time.Duration {
	switch p {
	case patch.PriorityHigh:
		return r.cfg.HighOffset
	case patch.PriorityLow:
		return r.cfg.LowOffset
	}
	return r.cfg.NormalOffset
}

func (r *Registry) enqueueAt(e *entry, due time.Time) {
	r.seq++
	e.due = due
	e.seq = r.seq
	if e.heapIndex >= 0 {
		heap.Fix(&r.timed, e.heapIndex)
		return
	}
	heap.Push(&r.timed, e)
}

func (r *Registry) dequeue(e *entry) {
	if e.heapIndex >= 0 {
		heap.Remove(&r.timed, e.heapIndex)
	}
}

// reschedule queues the next ambient update. A pending transition earlier than
// the priority offset pulls the due time forward.
func (r *Registry) reschedule(e *entry, now time.Time) {
	due := now.Add(r.offset(e.p.Priority()))
	if nt := e.p.NextTransition(); !nt.IsZero() && nt.After(now) && nt.Before(due) {
		due = nt
	}
	r.enqueueAt(e, due)
}

// TickStats describes one scheduler pass.
type TickStats struct {
	Immediate int
	Timed     int
	Removed   int
	// Backlog is the number of immediate entries left for a later tick.
	Backlog int
	// Behind reports that the timed lane still had due entries when the
	// budget ran out.
	Behind bool
	// Examined counts queue entries looked at, at most budget+1 plus
	// stale immediate entries.
	Examined int
}

// Tick runs one cooperative scheduler pass: the immediate lane first, then due
// entries of the time-ordered lane, both bounded by the update budget. Entries
// not yet due are never visited, so the cost is independent of population.
func (r *Registry) Tick(dt time.Duration) TickStats {
	now := r.now()
	budget := r.cfg.UpdateBudget
	removedBefore := r.stats.Removed
	var ts TickStats

	for budget > 0 && len(r.immediate) > 0 {
		e := r.immediate[0]
		r.immediate[0] = nil
		r.immediate = r.immediate[1:]
		e.immediate = false
		ts.Examined++
		if e.removed {
			continue
		}
		r.dequeue(e)
		r.run(e, dt, now)
		ts.Immediate++
		budget--
	}

	for {
		e := r.timed.peek()
		if e == nil {
			break
		}
		ts.Examined++
		if e.due.After(now) {
			break
		}
		if budget == 0 {
			ts.Behind = true
			break
		}
		heap.Pop(&r.timed)
		r.run(e, dt, now)
		ts.Timed++
		budget--
	}

	ts.Backlog = len(r.immediate)
	ts.Removed = int(r.stats.Removed - removedBefore)
	r.stats.Ticks++
	r.stats.Updates += uint64(ts.Immediate + ts.Timed)
	return ts
}

// run updates one entry and re-enqueues it unless the update removed or
// replaced it.
func (r *Registry) run(e *entry, dt time.Duration, now time.Time) {
	step := dt
	if !e.lastUpdate.IsZero() && now.After(e.lastUpdate) {
		step = now.Sub(e.lastUpdate)
	}
	e.lastUpdate = now
	e.p.Update(step)
	if e.removed || r.patches[e.coord] != e {
		return
	}
	r.reschedule(e, now)
}
