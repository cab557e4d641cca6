// Package gid provides stable goroutine identities for scheduler bookkeeping.
//
// A goroutine's identity defaults to the runtime's goroutine number. Code
// that spawns workers can instead Gen() an identity up front and Assign() it
// from inside the new goroutine, so the identity is known before the
// goroutine has started.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// genOffset keeps generated ids out of the range the runtime is likely to use.
const genOffset = 1 << 32

var (
	nextID  atomic.Uint64
	assigns sync.Map // runtime goroutine id -> assigned id
)

func init() {
	nextID.Store(genOffset)
}

// Get returns the calling goroutine's identity: the assigned id if one was
// bound via Assign, otherwise the runtime goroutine number.
func Get() uint64 {
	rid := runtimeID()
	if v, ok := assigns.Load(rid); ok {
		return v.(uint64)
	}
	return rid
}

// Gen reserves a fresh identity for a goroutine that has not started yet.
func Gen() uint64 {
	return nextID.Add(1)
}

// Assign binds id to the calling goroutine. Call it first thing in the new
// goroutine, paired with a Delete on the way out.
func Assign(id uint64) {
	assigns.Store(runtimeID(), id)
}

// Delete removes the calling goroutine's assigned identity.
func Delete() {
	assigns.Delete(runtimeID())
}

// runtimeID parses the goroutine number out of the runtime.Stack header,
// which starts "goroutine N [".
func runtimeID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := buf[:n]
	s = bytes.TrimPrefix(s, []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	id, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		panic("gid: cannot parse runtime.Stack header: " + string(buf[:n]))
	}
	return id
}
