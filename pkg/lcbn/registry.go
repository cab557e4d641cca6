package lcbn

import (
	"fmt"
	"sync"

	"github.com/zeebo/xxh3"
)

// Registry is the append-only store of every node registered during a
// session. Entries are keyed by the xxh3 hash of the node name and are never
// evicted; parent/child relationships must stay queryable after the run.
//
// The registry also tracks, per goroutine, which node is currently
// executing. New registrations from that goroutine are parented under it,
// which is what makes parent edges deterministic under replay.
type Registry struct {
	mu      sync.Mutex
	root    *Node
	byName  map[uint64]*Node
	inOrder []*Node
	nextReg int
	current map[uint64][]*Node // goroutine id -> stack of executing nodes
}

// NewRegistry creates a registry seeded with a fresh initial-stack root.
func NewRegistry() *Registry {
	r := &Registry{
		byName:  make(map[uint64]*Node),
		inOrder: make([]*Node, 0, 64),
		current: make(map[uint64][]*Node),
	}
	r.root = NewRoot()
	r.insert(r.root)
	return r
}

// Root returns the initial-stack node.
func (r *Registry) Root() *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// Register creates a node of the given type, parented under the node the
// calling goroutine is currently executing (the root when called outside any
// callback), and enters it into the registry.
func (r *Registry) Register(typ CallbackType, goroutine uint64) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent := r.root
	if stack := r.current[goroutine]; len(stack) > 0 {
		parent = stack[len(stack)-1]
	}
	n := NewChild(parent, typ)
	r.insert(n)
	return n
}

// Insert enters an externally constructed node (e.g. parsed from a schedule
// file) into the registry. The parent, identified by ParentName, must
// already be present.
func (r *Registry) Insert(n *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.Type != CBInitialStack {
		parent, ok := r.byName[hashName(n.ParentName)]
		if !ok {
			return fmt.Errorf("lcbn: parent %q not registered before child %q", n.ParentName, n.Name)
		}
		AttachChild(parent, n)
	}
	r.insert(n)
	return nil
}

// insert assumes r.mu is held.
func (r *Registry) insert(n *Node) {
	key := hashName(n.Name)
	if prev, ok := r.byName[key]; ok {
		panic(fmt.Sprintf("lcbn: duplicate registration of %q (existing %q)", n.Name, prev.Name))
	}
	n.RegID = r.nextReg
	r.nextReg++
	r.byName[key] = n
	r.inOrder = append(r.inOrder, n)
}

// Lookup returns the node with the given name, or nil.
func (r *Registry) Lookup(name string) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[hashName(name)]
}

// Len returns the number of registered nodes, including the root.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inOrder)
}

// Nodes returns all nodes in registration order. The slice is a copy; the
// nodes are not.
func (r *Registry) Nodes() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Node, len(r.inOrder))
	copy(out, r.inOrder)
	return out
}

// PushCurrent marks n as the node the goroutine is now executing. Callbacks
// can nest (an exit path may unwind through a stack of them), so current
// nodes form a stack per goroutine.
func (r *Registry) PushCurrent(goroutine uint64, n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[goroutine] = append(r.current[goroutine], n)
}

// PopCurrent unwinds the goroutine's innermost executing node.
func (r *Registry) PopCurrent(goroutine uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.current[goroutine]
	if len(stack) == 0 {
		panic("lcbn: PopCurrent without matching PushCurrent")
	}
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(r.current, goroutine)
		return
	}
	r.current[goroutine] = stack
}

// Current returns the node the goroutine is executing, or nil.
func (r *Registry) Current(goroutine uint64) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stack := r.current[goroutine]; len(stack) > 0 {
		return stack[len(stack)-1]
	}
	return nil
}

func hashName(name string) uint64 {
	return xxh3.HashString(name)
}
