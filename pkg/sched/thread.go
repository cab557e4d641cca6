package sched

import (
	"fmt"
	"sync"
)

// Role classifies a runtime thread. Scheduling decisions may depend on it.
type Role uint8

const (
	RoleLooper Role = iota + 1
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleLooper:
		return "looper"
	case RoleWorker:
		return "worker"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// NoThread is the sentinel returned by CurrentCBThread when no callback is
// executing. Goroutine identities are never zero.
const NoThread uint64 = 0

// threadRegistry is the one-time, append-only binding from goroutine
// identity to role. A thread registers once; its role never changes.
type threadRegistry struct {
	mu    sync.Mutex
	roles map[uint64]Role
}

func newThreadRegistry() *threadRegistry {
	return &threadRegistry{roles: make(map[uint64]Role)}
}

// register binds the goroutine to a role. Re-registering with the same role
// is harmless; a different role is a contract violation.
func (t *threadRegistry) register(goroutine uint64, role Role) {
	if role != RoleLooper && role != RoleWorker {
		panic(fmt.Sprintf("sched: unknown thread role %d", uint8(role)))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.roles[goroutine]; ok && prev != role {
		panic(fmt.Sprintf("sched: goroutine %d re-registered as %s, was %s", goroutine, role, prev))
	}
	t.roles[goroutine] = role
}

func (t *threadRegistry) roleOf(goroutine uint64) (Role, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.roles[goroutine]
	return r, ok
}
