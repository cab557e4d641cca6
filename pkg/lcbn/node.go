// Package lcbn tracks Logical Callback Nodes: one node per logical callback
// invocation, with causal parent/child edges that are independent of which
// thread or queue position executed the callback.
package lcbn

import (
	"fmt"
	"time"
)

// Node is one logical callback invocation.
//
// Identity is the Name: a path of the form
// "initial-stack/timer.0/io-read.1", built from the parent's name, the
// callback type and the index among the parent's children. Two nodes from
// different runs that share a name occupy the same position in the callback
// tree, which is exactly the "semantic equality" replay matches on.
//
// Parent/child edges are immutable once set. The child order within a parent
// reflects registration (causal) order, not execution order. Nodes are never
// destroyed during a session.
type Node struct {
	Name       string
	ParentName string
	Type       CallbackType

	// RegID is assigned at registration, ExecID when the callback actually
	// runs. ExecID 0 means "never executed".
	RegID  int
	ExecID int

	// Role and Goroutine identify the executor, stamped at execution time.
	Role      string
	Goroutine uint64

	Registered time.Time
	Started    time.Time
	Ended      time.Time

	parent   *Node
	children []*Node

	active   bool
	finished bool
}

// NewRoot creates the synthetic initial-stack node.
func NewRoot() *Node {
	return &Node{
		Name:       RootName,
		Type:       CBInitialStack,
		Registered: time.Now(),
	}
}

// RootName is the name of the initial-stack node.
const RootName = "initial-stack"

// NewChild creates a node of the given type under parent and appends it to
// the parent's child list. The child's name encodes parent name, type and
// child index.
func NewChild(parent *Node, typ CallbackType) *Node {
	if parent == nil {
		panic("lcbn: NewChild requires a parent; use NewRoot for the root")
	}
	n := &Node{
		Name:       childName(parent.Name, typ, len(parent.children)),
		ParentName: parent.Name,
		Type:       typ,
		Registered: time.Now(),
		parent:     parent,
	}
	parent.children = append(parent.children, n)
	return n
}

func childName(parent string, typ CallbackType, idx int) string {
	return fmt.Sprintf("%s/%s.%d", parent, typ, idx)
}

// Parent returns the node whose execution caused this one to be scheduled,
// or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the nodes this node's execution caused to be scheduled,
// in registration order. The returned slice must not be mutated.
func (n *Node) Children() []*Node { return n.children }

// ChildIndex returns the node's position among its parent's children, or 0
// for the root.
func (n *Node) ChildIndex() int {
	if n.parent == nil {
		return 0
	}
	for i, c := range n.parent.children {
		if c == n {
			return i
		}
	}
	panic("lcbn: node missing from parent child list")
}

// Depth returns the node's distance from the root.
func (n *Node) Depth() int {
	d := 0
	for p := n.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// MarkBegin stamps execution start state.
func (n *Node) MarkBegin(execID int, role string, goroutine uint64) {
	n.ExecID = execID
	n.Role = role
	n.Goroutine = goroutine
	n.Started = time.Now()
	n.active = true
}

// MarkEnd stamps execution completion.
func (n *Node) MarkEnd() {
	n.Ended = time.Now()
	n.active = false
	n.finished = true
}

// Active reports whether the node is currently executing.
func (n *Node) Active() bool { return n.active }

// Executed reports whether the node has finished executing.
func (n *Node) Executed() bool { return n.finished }

// SemanticEquals reports whether a and b occupy the same position in their
// respective callback trees: same type, same depth and same child index,
// recursively up the ancestor chain.
func SemanticEquals(a, b *Node) bool {
	for a != nil && b != nil {
		if a.Type != b.Type || a.ChildIndex() != b.ChildIndex() {
			return false
		}
		a, b = a.parent, b.parent
	}
	return a == nil && b == nil
}

// AttachChild links an already-constructed child node under parent. Used
// when rebuilding a tree from a persisted schedule, where names and ids are
// taken from the file rather than generated.
func AttachChild(parent, child *Node) {
	if child.parent != nil {
		panic(fmt.Sprintf("lcbn: node %s already has a parent", child.Name))
	}
	child.parent = parent
	child.ParentName = parent.Name
	parent.children = append(parent.children, child)
}
