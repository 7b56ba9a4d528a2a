package versions

import "sort"

// Ordered is the key constraint for Diff; results are sorted by key.
type Ordered interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64 | ~string
}

// Change is the result of diffing a current set against a base.
type Change[K Ordered] struct {
	// Upserted keys are present in current and absent or different in base.
	Upserted []K
	// Removed keys are present in base and absent in current.
	Removed []K
}

func (c Change[K]) Empty() bool { return len(c.Upserted) == 0 && len(c.Removed) == 0 }

// Diff compares cur against base using eq for values present in both.
func Diff[K Ordered, V any](base, cur map[K]V, eq func(a, b V) bool) Change[K] {
	var ch Change[K]
	for k, v := range cur {
		old, ok := base[k]
		if !ok || !eq(old, v) {
			ch.Upserted = append(ch.Upserted, k)
		}
	}
	for k := range base {
		if _, ok := cur[k]; !ok {
			ch.Removed = append(ch.Removed, k)
		}
	}
	sort.Slice(ch.Upserted, func(i, j int) bool { return ch.Upserted[i] < ch.Upserted[j] })
	sort.Slice(ch.Removed, func(i, j int) bool { return ch.Removed[i] < ch.Removed[j] })
	return ch
}

// Apply folds a change into base in place: upserts copy from cur, removals delete.
func Apply[K Ordered, V any](base map[K]V, ch Change[K], cur map[K]V) {
	for _, k := range ch.Upserted {
		base[k] = cur[k]
	}
	for _, k := range ch.Removed {
		delete(base, k)
	}
}
