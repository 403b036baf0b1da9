//go:build linux

package Go_RCU

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operation codes, not exported by golang.org/x/sys/unix.
const (
	futexWaitOp      = 0
	futexWakeOp      = 1
	futexPrivateFlag = 128
)

func futexWait(w *atomic.Uint32, val uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(w)),
		uintptr(futexWaitOp|futexPrivateFlag), uintptr(val), 0, 0, 0)
}

func futexWake(w *atomic.Uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(w)),
		uintptr(futexWakeOp|futexPrivateFlag), 1, 0, 0, 0)
}
