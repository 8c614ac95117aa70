package shm

import "runtime/debug"

// addrError is implemented by the runtime error raised for a memory fault
// while SetPanicOnFault is enabled.
type addrError interface {
	Addr() uintptr
}

// Guard runs fn with memory faults turned into recoverable panics and
// reports whether fn faulted. Any other panic is re-raised. Used around
// accesses to mappings whose file a peer may truncate underneath us.
func Guard(fn func()) (faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			if _, ok := r.(addrError); !ok {
				panic(r)
			}
			faulted = true
		}
	}()
	fn()
	return false
}
