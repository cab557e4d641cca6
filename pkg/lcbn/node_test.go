package lcbn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildNames(t *testing.T) {
	root := NewRoot()
	a := NewChild(root, CBTimer)
	b := NewChild(root, CBTimer)
	c := NewChild(a, CBIORead)

	assert.Equal(t, "initial-stack", root.Name)
	assert.Equal(t, "initial-stack/timer.0", a.Name)
	assert.Equal(t, "initial-stack/timer.1", b.Name)
	assert.Equal(t, "initial-stack/timer.0/io-read.0", c.Name)
	assert.Equal(t, a.Name, c.ParentName)
}

func TestChildOrderIsRegistrationOrder(t *testing.T) {
	root := NewRoot()
	first := NewChild(root, CBWork)
	second := NewChild(root, CBTimer)

	kids := root.Children()
	require.Len(t, kids, 2)
	assert.Same(t, first, kids[0])
	assert.Same(t, second, kids[1])
	assert.Equal(t, 0, first.ChildIndex())
	assert.Equal(t, 1, second.ChildIndex())
}

func TestDepth(t *testing.T) {
	root := NewRoot()
	a := NewChild(root, CBTimer)
	b := NewChild(a, CBWork)
	assert.Equal(t, 0, root.Depth())
	assert.Equal(t, 1, a.Depth())
	assert.Equal(t, 2, b.Depth())
}

func TestSemanticEquals(t *testing.T) {
	// Two independently built trees: equality is about tree position, not
	// object identity or execution metadata.
	r1 := NewRoot()
	NewChild(r1, CBTimer)
	x := NewChild(r1, CBTimer)

	r2 := NewRoot()
	NewChild(r2, CBTimer)
	y := NewChild(r2, CBTimer)
	y.MarkBegin(7, "looper", 42)

	assert.True(t, SemanticEquals(x, y))
	assert.True(t, SemanticEquals(r1, r2))

	// Same position, different type.
	r3 := NewRoot()
	NewChild(r3, CBTimer)
	z := NewChild(r3, CBWork)
	assert.False(t, SemanticEquals(x, z))

	// Same type, different child index.
	w := NewChild(r2, CBTimer)
	assert.False(t, SemanticEquals(x, w))
}

func TestMarkBeginEnd(t *testing.T) {
	n := NewChild(NewRoot(), CBTimer)
	assert.False(t, n.Active())
	assert.False(t, n.Executed())

	n.MarkBegin(1, "looper", 9)
	assert.True(t, n.Active())
	assert.Equal(t, 1, n.ExecID)
	assert.Equal(t, "looper", n.Role)

	n.MarkEnd()
	assert.False(t, n.Active())
	assert.True(t, n.Executed())
}

func TestAttachChildRejectsReparenting(t *testing.T) {
	root := NewRoot()
	child := NewChild(root, CBTimer)
	other := NewRoot()
	assert.Panics(t, func() { AttachChild(other, child) })
}
