package lcbn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterParentsUnderRoot(t *testing.T) {
	r := NewRegistry()
	n := r.Register(CBTimer, 1)
	assert.Equal(t, "initial-stack/timer.0", n.Name)
	assert.Same(t, r.Root(), n.Parent())
	assert.Equal(t, 2, r.Len()) // root + timer
}

func TestRegisterParentsUnderCurrent(t *testing.T) {
	r := NewRegistry()
	parent := r.Register(CBTimer, 1)

	r.PushCurrent(1, parent)
	child := r.Register(CBWork, 1)
	r.PopCurrent(1)

	assert.Same(t, parent, child.Parent())
	assert.Equal(t, "initial-stack/timer.0/work.0", child.Name)

	// Another goroutine is unaffected by goroutine 1's current node.
	other := r.Register(CBWork, 2)
	assert.Same(t, r.Root(), other.Parent())
}

func TestCurrentStackNests(t *testing.T) {
	r := NewRegistry()
	outer := r.Register(CBTimer, 1)
	r.PushCurrent(1, outer)
	inner := r.Register(CBClose, 1)
	r.PushCurrent(1, inner)

	assert.Same(t, inner, r.Current(1))
	leaf := r.Register(CBAsync, 1)
	assert.Same(t, inner, leaf.Parent())

	r.PopCurrent(1)
	assert.Same(t, outer, r.Current(1))
	r.PopCurrent(1)
	assert.Nil(t, r.Current(1))
	assert.Panics(t, func() { r.PopCurrent(1) })
}

func TestLookup(t *testing.T) {
	r := NewRegistry()
	n := r.Register(CBIORead, 1)
	assert.Same(t, n, r.Lookup(n.Name))
	assert.Nil(t, r.Lookup("initial-stack/timer.99"))
}

func TestInsertRequiresParent(t *testing.T) {
	r := NewRegistry()
	orphan := &Node{
		Name:       "initial-stack/timer.0/work.0",
		ParentName: "initial-stack/timer.0",
		Type:       CBWork,
	}
	require.Error(t, r.Insert(orphan))

	parent := &Node{
		Name:       "initial-stack/timer.0",
		ParentName: RootName,
		Type:       CBTimer,
	}
	require.NoError(t, r.Insert(parent))
	require.NoError(t, r.Insert(orphan))
	assert.Same(t, parent, orphan.Parent())
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	n := r.Register(CBTimer, 1)
	dup := &Node{Name: n.Name, ParentName: RootName, Type: CBTimer}
	assert.Panics(t, func() { _ = r.Insert(dup) })
}

func TestNodesAreRegistrationOrdered(t *testing.T) {
	r := NewRegistry()
	a := r.Register(CBTimer, 1)
	b := r.Register(CBWork, 2)
	nodes := r.Nodes()
	require.Len(t, nodes, 3)
	assert.Same(t, a, nodes[1])
	assert.Same(t, b, nodes[2])
	for i, n := range nodes {
		assert.Equal(t, i, n.RegID)
	}
}
