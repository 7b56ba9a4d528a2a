package world

import "sort"

// Actor is a minimal inventory holder implementing patch.Actor. An Actor is
// owned by one goroutine; callers that may abandon a queued request pass a
// Clone and merge Response.Granted back.
type Actor struct {
	ID    string
	Held  string
	items map[string]int
	flags map[string]bool
}

func NewActor(id string) *Actor {
	return &Actor{ID: id, items: map[string]int{}, flags: map[string]bool{}}
}

func (a *Actor) ActorID() string { return a.ID }
func (a *Actor) Tool() string    { return a.Held }

func (a *Actor) HasItem(item string, n int) bool { return a.items[item] >= n }
func (a *Actor) HasFlag(flag string) bool        { return a.flags[flag] }

func (a *Actor) Grant(item string, n int) {
	if n <= 0 || item == "" {
		return
	}
	a.items[item] += n
}

// Clone returns an independent copy holding the same items and flags.
func (a *Actor) Clone() *Actor {
	c := NewActor(a.ID)
	c.Held = a.Held
	for k, v := range a.items {
		c.items[k] = v
	}
	for k, v := range a.flags {
		c.flags[k] = v
	}
	return c
}

func (a *Actor) SetFlag(flag string, on bool) {
	if on {
		a.flags[flag] = true
		return
	}
	delete(a.flags, flag)
}

// Inventory returns a copy of the item counts.
func (a *Actor) Inventory() map[string]int {
	out := make(map[string]int, len(a.items))
	for k, v := range a.items {
		out[k] = v
	}
	return out
}

func (a *Actor) Flags() []string {
	out := make([]string, 0, len(a.flags))
	for f := range a.flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// withTool is a per-request view of a that holds a different tool.
type withTool struct {
	*Actor
	tool string
}

func (t withTool) Tool() string { return t.tool }
