package patch

// PoolStats counts pool traffic for metrics.
type PoolStats struct {
	Allocated uint64
	Reused    uint64
	Released  uint64
	Dropped   uint64
	Free      map[Kind]int
}

// Pool keeps a free list per variant. It never resets instances itself; callers
// hand it only detached, already reset patches.
type Pool struct {
	free    map[Kind][]Patch
	maxFree int
	stats   PoolStats
}

func NewPool(maxFreePerKind int) *Pool {
	if maxFreePerKind <= 0 {
		maxFreePerKind = 1024
	}
	return &Pool{free: map[Kind][]Patch{}, maxFree: maxFreePerKind}
}

// Acquire returns a pooled instance of k or constructs a new one.
func (p *Pool) Acquire(k Kind) (Patch, bool) {
	if list := p.free[k]; len(list) > 0 {
		pt := list[len(list)-1]
		list[len(list)-1] = nil
		p.free[k] = list[:len(list)-1]
		pt.base().pooled = false
		p.stats.Reused++
		return pt, true
	}
	pt, ok := New(k)
	if !ok {
		return nil, false
	}
	p.stats.Allocated++
	return pt, true
}

// Release takes ownership of pt. Releasing the same instance twice is ignored.
func (p *Pool) Release(pt Patch) {
	if pt == nil {
		return
	}
	b := pt.base()
	if b.pooled {
		return
	}
	k := pt.Kind()
	if len(p.free[k]) >= p.maxFree {
		p.stats.Dropped++
		return
	}
	b.pooled = true
	p.free[k] = append(p.free[k], pt)
	p.stats.Released++
}

func (p *Pool) FreeCount(k Kind) int { return len(p.free[k]) }

func (p *Pool) Stats() PoolStats {
	s := p.stats
	s.Free = make(map[Kind]int, len(p.free))
	for k, list := range p.free {
		s.Free[k] = len(list)
	}
	return s
}
