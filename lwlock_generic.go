//go:build !linux

package Go_RCU

import (
	"sync/atomic"
	"time"
)

// Without a wait-on-word primitive the slow path degrades to a short sleep; the
// lock's contract (mutual exclusion, bounded wake latency) is unchanged.
func futexWait(w *atomic.Uint32, val uint32) {
	if w.Load() == val {
		time.Sleep(time.Millisecond)
	}
}

func futexWake(*atomic.Uint32) {
}
