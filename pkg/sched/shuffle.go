package sched

import "fmt"

// Thought is the scheduler's per-item verdict on a shuffleable batch entry.
type Thought uint8

const (
	// ThoughtActNow means handle the item in this pass.
	ThoughtActNow Thought = iota
	// ThoughtDefer means leave the item for a later pass.
	ThoughtDefer
)

// Batch is a reorderable, filterable set of candidate items (ready timers,
// ready I/O events) presented to the scheduler as one decision point. The
// scheduler may permute Items and must leave a Thought for every item.
// Thoughts stay parallel to Items across permutation.
type Batch struct {
	Items    []any
	Thoughts []Thought
}

// NewBatch wraps items in a batch with every thought initialised to act-now.
func NewBatch(items []any) *Batch {
	return &Batch{
		Items:    items,
		Thoughts: make([]Thought, len(items)),
	}
}

// Len returns the number of items.
func (b *Batch) Len() int { return len(b.Items) }

// valid reports whether the batch is well-formed (parallel arrays).
func (b *Batch) valid() bool {
	return b != nil && len(b.Items) == len(b.Thoughts)
}

// ActAll marks every item act-now.
func (b *Batch) ActAll() {
	for i := range b.Thoughts {
		b.Thoughts[i] = ThoughtActNow
	}
}

// Permutation captures the current order of the batch relative to an
// original index set; identity when the batch has not been shuffled.
type Permutation []int

// IdentityPermutation returns [0, 1, ... n-1].
func IdentityPermutation(n int) Permutation {
	p := make(Permutation, n)
	for i := range p {
		p[i] = i
	}
	return p
}

// Valid reports whether p is a bijection over [0, n).
func (p Permutation) Valid(n int) bool {
	if len(p) != n {
		return false
	}
	seen := make([]bool, n)
	for _, idx := range p {
		if idx < 0 || n <= idx || seen[idx] {
			return false
		}
		seen[idx] = true
	}
	return true
}

// Apply reorders the batch so position i holds the item previously at
// p[i], carrying thoughts along. No item is duplicated or dropped.
func (b *Batch) Apply(p Permutation) error {
	if !p.Valid(b.Len()) {
		return fmt.Errorf("sched: permutation %v is not a bijection over %d items", p, b.Len())
	}
	items := make([]any, b.Len())
	thoughts := make([]Thought, b.Len())
	for i, from := range p {
		items[i] = b.Items[from]
		thoughts[i] = b.Thoughts[from]
	}
	copy(b.Items, items)
	copy(b.Thoughts, thoughts)
	return nil
}
