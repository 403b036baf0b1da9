// Package Go_RCU implements user-space read-copy-update for goroutines: readers
// traverse shared structures inside critical sections that never block, writers
// retire unlinked objects to per-goroutine finalizer lists, and a two-phase grace
// period guarantees no retired object is destroyed while a reader can still see it.
package Go_RCU

import (
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/alphadose/haxmap"
	"github.com/petermattis/goid"
)

const (
	gpCount    uintptr = 1
	gpPhase    uintptr = 1 << (bits.UintSize >> 1)
	nestMask           = gpPhase - 1
	qsAttempts         = 1000
)

// FinThreshold is the number of pending finalizable objects a goroutine
// accumulates before the engine forces a grace period and destroys them. Modify
// only in synchronized manner.
var FinThreshold = 1000

// Reader states as observed by Sync.
const (
	rdActive = iota
	rdInactive
	rdOld
)

type tdLink struct {
	next, prev *tdLink
}

func (l *tdLink) initHead() {
	l.next = l
	l.prev = l
}

func (l *tdLink) add(head *tdLink) {
	l.next = head.next
	l.prev = head
	head.next.prev = l
	head.next = l
}

func (l *tdLink) del() {
	l.next.prev = l.prev
	l.prev.next = l.next
}

func (l *tdLink) emptyP() bool {
	return l == l.next
}

func (l *tdLink) splice(dst *tdLink) {
	if l.emptyP() {
		return
	}
	l.next.prev = dst
	l.prev.next = dst.next
	dst.next.prev = l.prev
	dst.next = l.next
}

// tlData is the registry entry for a single reader goroutine. tdLink must stay
// the first field; the registry ring recovers the entry by pointer identity.
type tlData struct {
	tdLink
	counter   atomic.Uintptr //low half: nesting depth; the phase bit mirrors the grace counter's.
	finObjs   Finalizable
	nFins     int
	mustFlush bool
	id        int64
}

func (td *tlData) inCS() bool {
	return td.counter.Load()&nestMask != 0
}

func (td *tlData) state() int {
	v := td.counter.Load()
	if v&nestMask == 0 {
		return rdInactive
	} else if (v^reg.counter.Load())&gpPhase == 0 {
		return rdActive
	}
	return rdOld
}

func (td *tlData) flushAll() {
	reg.sync()
	for f := td.finObjs; f != nil; {
		nx := f.finNext()
		f.SafeDestroy()
		f = nx
	}
	td.finObjs = nil
	td.nFins = 0
	td.mustFlush = false
}

func (td *tlData) flushFinalizers() {
	if td.inCS() {
		td.mustFlush = true
		return
	}
	td.flushAll()
}

type registry struct {
	counter atomic.Uintptr
	root    tdLink
	mtx     sync.Mutex
	gpMtx   sync.Mutex
	index   *haxmap.Map[int64, *tlData]
}

var reg = newRegistry()

func newRegistry() *registry {
	r := registry{index: haxmap.New[int64, *tlData]()}
	r.counter.Store(gpCount)
	r.root.initHead()
	return &r
}

func localData() *tlData {
	id := goid.Get()
	if td, ok := reg.index.Get(id); ok {
		return td
	}
	td := &tlData{id: id}
	reg.mtx.Lock()
	td.add(&reg.root)
	reg.mtx.Unlock()
	reg.index.Set(id, td)
	return td
}

// pollReaders moves every entry on readers to qsp once it's seen inactive or in
// the current phase; entries stuck in the old phase are polled again with the
// registry briefly unlocked between rounds. When outp is non-nil, active readers
// land there instead (first pass of a grace period).
func (r *registry) pollReaders(readers, outp, qsp *tdLink) {
	for loops := 0; ; loops++ {
		for runp := readers.next; runp != readers; {
			nx := runp.next
			switch (*tlData)(unsafe.Pointer(runp)).state() {
			case rdActive:
				if outp != nil {
					runp.del()
					runp.add(outp)
					break
				}
				fallthrough
			case rdInactive:
				runp.del()
				runp.add(qsp)
			}
			runp = nx
		}
		if readers.emptyP() {
			return
		}
		r.mtx.Unlock()
		if loops < qsAttempts {
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
		r.mtx.Lock()
	}
}

func (r *registry) sync() {
	r.gpMtx.Lock()
	defer r.gpMtx.Unlock()
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.root.emptyP() {
		return
	}
	var out, qs tdLink
	out.initHead()
	qs.initHead()
	r.pollReaders(&r.root, &out, &qs)
	r.counter.Store(r.counter.Load() ^ gpPhase)
	r.pollReaders(&out, nil, &qs)
	qs.splice(&r.root)
}

// EnterCS opens a read-side critical section for the calling goroutine. The
// outermost entry snapshots the grace counter's phase; nested entries only bump
// the depth. Never blocks.
func EnterCS() {
	self := localData()
	v := self.counter.Load()
	if v&nestMask == 0 {
		v = reg.counter.Load()
	} else {
		v += gpCount
	}
	self.counter.Store(v)
}

// ExitCS closes the innermost critical section. Leaving the outermost section
// with a flush pending destroys the goroutine's finalizer backlog.
func ExitCS() {
	self := localData()
	v := self.counter.Load() - gpCount
	self.counter.Store(v)
	if v&nestMask == 0 && self.mustFlush {
		self.flushAll()
	}
}

// InCS reports whether the calling goroutine is inside a critical section.
func InCS() bool {
	return localData().inCS()
}

// Sync waits until every registered reader has been observed either inactive or
// past the old grace phase. Returns false without blocking when called from
// inside a critical section, since waiting on oneself can never finish.
func Sync() bool {
	if localData().inCS() {
		return false
	}
	reg.sync()
	return true
}

// Finalize schedules f for destruction after the next grace period. The object
// is queued on the calling goroutine's pending list; crossing FinThreshold
// outside a critical section flushes immediately, inside one the flush is
// deferred to the matching ExitCS.
func Finalize(f Finalizable) {
	self := localData()
	f.setFinNext(self.finObjs)
	self.finObjs = f
	if self.nFins++; self.nFins >= FinThreshold {
		self.flushFinalizers()
	}
}

// FlushFinalizers forces destruction of the calling goroutine's pending
// objects. Returns false when called inside a critical section; the flush then
// happens at the next outermost ExitCS.
func FlushFinalizers() bool {
	self := localData()
	if self.inCS() {
		self.mustFlush = true
		return false
	}
	self.flushAll()
	return true
}

// Offline detaches the calling goroutine from the reader registry and destroys
// its pending finalizers. Call it before a long-lived goroutine that used this
// package exits; Go has no goroutine-exit hook to do it implicitly.
func Offline() {
	self := localData()
	self.counter.Store(0)
	reg.mtx.Lock()
	self.del()
	reg.mtx.Unlock()
	reg.index.Del(self.id)
	self.flushAll()
}

// Atfork bundles the callbacks a fork-calling embedder must run around the
// fork: Prepare locks the grace and registry mutexes, Parent unlocks them, and
// Child rebuilds an empty registry keeping only the calling goroutine's entry.
type Atfork struct {
	Prepare, Parent, Child func()
}

func AtforkCallbacks() Atfork {
	return Atfork{
		Prepare: func() {
			reg.gpMtx.Lock()
			reg.mtx.Lock()
		},
		Parent: func() {
			reg.mtx.Unlock()
			reg.gpMtx.Unlock()
		},
		Child: func() {
			old := reg
			old.mtx.Unlock()
			old.gpMtx.Unlock()
			nr := newRegistry()
			nr.counter.Store(old.counter.Load())
			if td, ok := old.index.Get(goid.Get()); ok {
				td.add(&nr.root)
				nr.index.Set(td.id, td)
			}
			reg = nr
		},
	}
}

// LibraryVersion reports the engine's version pair.
func LibraryVersion() (major, minor int) {
	return 1, 0
}
