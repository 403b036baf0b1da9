package Go_RCU

import (
	"runtime"
	_ "unsafe"
)

//go:linkname cheaprand runtime.cheaprand
//go:nosplit
func cheaprand() uint32

// Xrand generates a pseudo-random number using the runtime's per-M generator,
// so concurrent callers never contend on shared state.
func Xrand() uint32 {
	return cheaprand()
}

// Relax yields the processor inside a wait loop whose exit depends on another
// goroutine making progress.
func Relax() {
	runtime.Gosched()
}
