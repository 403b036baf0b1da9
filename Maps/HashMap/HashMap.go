// Package HashMap implements a lock-free open-addressed hash table. Lookups and
// mutations probe sentinel-encoded slot pairs with per-slot CAS; growth rehashes
// into the next prime-sized frame under the container's lightweight lock while
// value slots are frozen with XBit.
package HashMap

import (
	"iter"
	"sync/atomic"
	"unsafe"

	Go_RCU "github.com/g-m-twostay/go-rcu"
)

var primes = [...]int{
	0xb, 0x25, 0x71, 0x15b, 0x419, 0xc4d, 0x24f5, 0x6ee3, 0x14cb3, 0x3e61d,
	0xbb259, 0x23170f, 0x694531, 0x13bcf95, 0x3b36ec3, 0xb1a4c4b, 0x214ee4e3,
	0x63ecaead,
}

// findSize picks the smallest prime table holding size elements at load factor
// ldf, returning the growth allowance and the prime index.
func findSize(size uint, ldf float32) (int, int) {
	pidx := len(primes) - 1
	for i, p := range primes {
		if float32(p)*ldf >= float32(size) {
			pidx = i
			break
		}
	}
	return int(float32(primes[pidx]) * ldf), pidx
}

// secondaryHash yields the double-hashing step; the keys are coprime to every
// table prime.
func secondaryHash(code uint) int {
	return [4]int{2, 3, 5, 7}[code&3]
}

// frame is one versioned backing array; each logical entry takes two adjacent
// slots (key, value).
type frame struct {
	Go_RCU.Fin
	slots   []unsafe.Pointer
	entries int
	pidx    int
	nelems  Go_RCU.AtomicInt
}

func makeFrame(pidx int) *frame {
	f := frame{entries: primes[pidx], pidx: pidx}
	f.slots = make([]unsafe.Pointer, 2*f.entries)
	for i := range f.slots {
		f.slots[i] = Go_RCU.FreeSlot
	}
	return &f
}

func (f *frame) SafeDestroy() {
	f.slots = nil
}

// HashMap from K to V. All methods are safe for concurrent use; create
// instances with New or NewDefault.
type HashMap[K, V any] struct {
	vec       unsafe.Pointer
	hashF     func(K) uint
	eqF       func(K, K) bool
	loadf     float32
	growLimit Go_RCU.AtomicInt
	lock      Go_RCU.LWLock
}

// New creates a map sized for size elements. ldf outside [0.4, 0.9] falls back
// to 0.85.
func New[K, V any](size uint, ldf float32, hashF func(K) uint, eqF func(K, K) bool) *HashMap[K, V] {
	if ldf < 0.4 || ldf > 0.9 {
		ldf = 0.85
	}
	m := HashMap[K, V]{hashF: hashF, eqF: eqF, loadf: ldf}
	gt, pidx := findSize(size, ldf)
	m.vec = unsafe.Pointer(makeFrame(pidx))
	m.growLimit.Store(gt)
	return &m
}

// NewDefault creates a map hashing K through the runtime's memory hash.
func NewDefault[K comparable, V any](size uint, ldf float32) *HashMap[K, V] {
	return New[K, V](size, ldf, Go_RCU.HashOf[K](Go_RCU.NewHasher()), func(a, b K) bool { return a == b })
}

// From creates a map holding the pairs of seq.
func From[K, V any](seq iter.Seq2[K, V], ldf float32, hashF func(K) uint, eqF func(K, K) bool) *HashMap[K, V] {
	m := New[K, V](0, ldf, hashF, eqF)
	for k, v := range seq {
		m.Put(k, v)
	}
	return m
}

func (m *HashMap[K, V]) load() *frame {
	return (*frame)(atomic.LoadPointer(&m.vec))
}

// probe walks from the key's home pair: FREE terminates (insertion candidate
// when put), DELT keys are skipped, and a matching live key is returned.
// Returns the slot index and whether it's a FREE candidate, or -1.
func (m *HashMap[K, V]) probe(k K, f *frame, put bool) (int, bool) {
	code := m.hashF(k)
	idx := int(code % uint(f.entries))
	initial, sec := idx, 0
	for {
		vidx := idx * 2
		kw := atomic.LoadPointer(&f.slots[vidx])
		if kw == Go_RCU.FreeSlot {
			if put {
				return vidx, true
			}
			return -1, false
		} else if kw != Go_RCU.DeltSlot && m.eqF(Go_RCU.SlotValue[K](kw), k) {
			return vidx, false
		}
		if sec == 0 {
			sec = secondaryHash(code)
		}
		if idx += sec; idx >= f.entries {
			idx -= f.entries
		}
		if idx == initial {
			return -1, false
		}
	}
}

// gprobe finds the home of a key in a frame no reader can see yet.
func (m *HashMap[K, V]) gprobe(kw unsafe.Pointer, f *frame) int {
	code := m.hashF(Go_RCU.SlotValue[K](kw))
	idx := int(code % uint(f.entries))
	for sec := 0; ; {
		if f.slots[idx*2] == Go_RCU.FreeSlot {
			return idx * 2
		}
		if sec == 0 {
			sec = secondaryHash(code)
		}
		if idx += sec; idx >= f.entries {
			idx -= f.entries
		}
	}
}

// rehash moves the table into the next prime-sized frame. Value slots of the
// old frame are frozen with XBit as they're visited; writers observing the bit
// reload the frame pointer and retry there.
func (m *HashMap[K, V]) rehash() {
	m.lock.Acquire()
	defer m.lock.Release()
	if m.growLimit.Load() > 0 {
		return
	}
	old := m.load()
	if old.pidx+1 >= len(primes) {
		panic("HashMap: exceeded maximum size")
	}
	np := makeFrame(old.pidx + 1)
	done, nelem := false, 0
	defer func() {
		// A hash panic mid-walk must thaw the frozen slots before unwinding.
		if !done {
			for i := 1; i < len(old.slots); i += 2 {
				Go_RCU.AndSlot(&old.slots[i], ^Go_RCU.XBit)
			}
		}
	}()
	for i := 0; i < len(old.slots); i += 2 {
		kw := atomic.LoadPointer(&old.slots[i])
		vw := Go_RCU.OrSlot(&old.slots[i+1], Go_RCU.XBit)
		if Go_RCU.Live(kw) && Go_RCU.Live(vw) && !Go_RCU.Tagged(vw) {
			nidx := m.gprobe(kw, np)
			np.slots[nidx] = kw
			np.slots[nidx+1] = vw
			nelem++
		}
	}
	done = true
	np.nelems.Store(nelem)
	m.growLimit.Store(int(float32(np.entries)*m.loadf) - nelem)
	atomic.StorePointer(&m.vec, unsafe.Pointer(np))
	Go_RCU.Finalize(old)
}

// Put inserts (k, v). Returns false without modifying the map when k is
// already present.
func (m *HashMap[K, V]) Put(k K, v V) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	kw, vw := Go_RCU.NewSlot(k), Go_RCU.NewSlot(v)
	for {
		f := m.load()
		idx, free := m.probe(k, f, true)
		if idx < 0 {
			m.rehash()
			continue
		} else if !free {
			tmp := atomic.LoadPointer(&f.slots[idx+1])
			if Go_RCU.Tagged(tmp) {
				m.rehash()
				continue
			} else if Go_RCU.Live(tmp) {
				return false
			}
			// Half-published insert or erase in flight on this key.
			Go_RCU.Relax()
			continue
		}
		if m.growLimit.Load() <= 0 {
			m.rehash()
			continue
		}
		/* If the insert fails past this point the allowance stays consumed;
		 * that only hastens the next rehash, which is harmless. Re-incrementing
		 * could instead delay one past the load factor. */
		m.growLimit.Add(-1)
		if atomic.CompareAndSwapPointer(&f.slots[idx], Go_RCU.FreeSlot, kw) {
			if atomic.CompareAndSwapPointer(&f.slots[idx+1], Go_RCU.FreeSlot, vw) {
				f.nelems.Add(1)
				return true
			}
			// Value slot was frozen under us; the pair can't survive the
			// rehash, so retry wholesale on the new frame.
		}
	}
}

// Update applies fn to the value of k, publishing the result; when k is absent
// it inserts fn of the zero value. Returns true when a new key was inserted.
func (m *HashMap[K, V]) Update(k K, fn func(V) V) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	var kw unsafe.Pointer
	for {
		f := m.load()
		idx, free := m.probe(k, f, true)
		if idx < 0 {
			m.rehash()
			continue
		} else if !free {
			tmp := atomic.LoadPointer(&f.slots[idx+1])
			if Go_RCU.Tagged(tmp) {
				m.rehash()
				continue
			} else if !Go_RCU.Live(tmp) {
				Go_RCU.Relax()
				continue
			}
			nv := Go_RCU.NewSlot(fn(Go_RCU.SlotValue[V](tmp)))
			if atomic.CompareAndSwapPointer(&f.slots[idx+1], tmp, nv) {
				Go_RCU.RetireSlot[V](tmp)
				return false
			}
			continue
		}
		if m.growLimit.Load() <= 0 {
			m.rehash()
			continue
		}
		m.growLimit.Add(-1)
		if kw == nil {
			kw = Go_RCU.NewSlot(k)
		}
		var zero V
		vw := Go_RCU.NewSlot(fn(zero))
		if atomic.CompareAndSwapPointer(&f.slots[idx], Go_RCU.FreeSlot, kw) &&
			atomic.CompareAndSwapPointer(&f.slots[idx+1], Go_RCU.FreeSlot, vw) {
			f.nelems.Add(1)
			return true
		}
	}
}

func (m *HashMap[K, V]) find(k K) (unsafe.Pointer, bool) {
	f := m.load()
	idx, _ := m.probe(k, f, false)
	if idx < 0 {
		return nil, false
	}
	if v := Go_RCU.Untag(atomic.LoadPointer(&f.slots[idx+1])); Go_RCU.Live(v) {
		return v, true
	}
	return nil, false
}

// Load returns the value of k.
func (m *HashMap[K, V]) Load(k K) (V, bool) {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	if v, ok := m.find(k); ok {
		return Go_RCU.SlotValue[V](v), true
	}
	var zero V
	return zero, false
}

// HasKey reports whether k is present, regardless of the value.
func (m *HashMap[K, V]) HasKey(k K) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	_, ok := m.find(k)
	return ok
}

func (m *HashMap[K, V]) erase(k K) (unsafe.Pointer, bool) {
	for {
		f := m.load()
		idx, _ := m.probe(k, f, false)
		if idx < 0 {
			return nil, false
		}
		oldk := atomic.LoadPointer(&f.slots[idx])
		oldv := atomic.LoadPointer(&f.slots[idx+1])
		if Go_RCU.Tagged(oldv) {
			m.rehash()
			continue
		} else if oldk == Go_RCU.DeltSlot || oldk == Go_RCU.FreeSlot || oldv == Go_RCU.DeltSlot {
			return nil, false
		} else if oldv == Go_RCU.FreeSlot {
			// Half-published insert; its writer will finish shortly.
			Go_RCU.Relax()
			continue
		}
		if atomic.CompareAndSwapPointer(&f.slots[idx+1], oldv, Go_RCU.DeltSlot) {
			f.nelems.Add(-1)
			// Value-DELT already bars reuse, so the key store needs no CAS.
			atomic.StorePointer(&f.slots[idx], Go_RCU.DeltSlot)
			Go_RCU.RetireSlot[K](oldk)
			Go_RCU.RetireSlot[V](oldv)
			return oldv, true
		}
	}
}

// Delete removes k, reporting whether it was present.
func (m *HashMap[K, V]) Delete(k K) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	_, ok := m.erase(k)
	return ok
}

// LoadAndDelete removes k and returns the value it held.
func (m *HashMap[K, V]) LoadAndDelete(k K) (V, bool) {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	if v, ok := m.erase(k); ok {
		return Go_RCU.SlotValue[V](v), true
	}
	var zero V
	return zero, false
}

// Size is a hint; concurrent writers make it approximate.
func (m *HashMap[K, V]) Size() uint {
	return uint(m.load().nelems.Load())
}

func (m *HashMap[K, V]) Empty() bool {
	return m.Size() == 0
}

func (m *HashMap[K, V]) MaxSize() uint {
	return uint(primes[len(primes)-1])
}

// LoadFactor returns the current load factor, replacing it with ldf when ldf
// lies in [0.4, 0.9].
func (m *HashMap[K, V]) LoadFactor(ldf float32) float32 {
	m.lock.Acquire()
	defer m.lock.Release()
	ret := m.loadf
	if ldf >= 0.4 && ldf <= 0.9 {
		m.loadf = ldf
	}
	return ret
}

// assignFrame retires every live pair of the current frame and installs nv.
func (m *HashMap[K, V]) assignFrame(nv *frame, gt int) {
	m.lock.Acquire()
	prev := m.load()
	for i := 1; i < len(prev.slots); i += 2 {
		if v := Go_RCU.OrSlot(&prev.slots[i], Go_RCU.XBit); Go_RCU.Live(v) && !Go_RCU.Tagged(v) {
			Go_RCU.RetireSlot[K](atomic.LoadPointer(&prev.slots[i-1]))
			Go_RCU.RetireSlot[V](v)
		}
	}
	m.growLimit.Store(gt)
	atomic.StorePointer(&m.vec, unsafe.Pointer(nv))
	m.lock.Release()
	Go_RCU.Finalize(prev)
}

func (m *HashMap[K, V]) Clear() {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	gt, pidx := findSize(0, m.loadf)
	m.assignFrame(makeFrame(pidx), gt)
}

// Assign replaces the contents with the pairs of seq.
func (m *HashMap[K, V]) Assign(seq iter.Seq2[K, V]) {
	type pair struct {
		kw, vw unsafe.Pointer
	}
	var pairs []pair
	for k, v := range seq {
		pairs = append(pairs, pair{Go_RCU.NewSlot(k), Go_RCU.NewSlot(v)})
	}
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	gt, pidx := findSize(uint(len(pairs)), m.loadf)
	nf := makeFrame(pidx)
	nelem := 0
	for _, p := range pairs {
		// The frame is still private, so duplicates resolve last-wins.
		nidx, free := m.probe(Go_RCU.SlotValue[K](p.kw), nf, true)
		if free {
			nf.slots[nidx] = p.kw
			nelem++
		}
		nf.slots[nidx+1] = p.vw
	}
	nf.nelems.Store(nelem)
	m.assignFrame(nf, gt-nelem)
}

// Swap exchanges the contents of two maps sharing hash and equality functions.
// Locks are taken in container address order.
func (m *HashMap[K, V]) Swap(o *HashMap[K, V]) {
	if m == o {
		return
	}
	a, b := m, o
	if uintptr(unsafe.Pointer(a)) > uintptr(unsafe.Pointer(b)) {
		a, b = b, a
	}
	a.lock.Acquire()
	b.lock.Acquire()
	fa, fb := a.load(), b.load()
	ga, gb := a.growLimit.Load(), b.growLimit.Load()
	a.loadf, b.loadf = b.loadf, a.loadf
	a.growLimit.Store(gb)
	b.growLimit.Store(ga)
	atomic.StorePointer(&a.vec, unsafe.Pointer(fb))
	atomic.StorePointer(&b.vec, unsafe.Pointer(fa))
	b.lock.Release()
	a.lock.Release()
}

// All ranges over a snapshot of the pairs in unspecified order. The critical
// section spans the whole loop; a rehash during iteration isn't observed.
func (m *HashMap[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		Go_RCU.EnterCS()
		defer Go_RCU.ExitCS()
		f := m.load()
		for i := 0; i < len(f.slots); i += 2 {
			kw := atomic.LoadPointer(&f.slots[i])
			vw := Go_RCU.Untag(atomic.LoadPointer(&f.slots[i+1]))
			if Go_RCU.Live(kw) && Go_RCU.Live(vw) &&
				!yield(Go_RCU.SlotValue[K](kw), Go_RCU.SlotValue[V](vw)) {
				return
			}
		}
	}
}

// Clone copies a snapshot of the map.
func (m *HashMap[K, V]) Clone() *HashMap[K, V] {
	return From(m.All(), m.loadf, m.hashF, m.eqF)
}

// Equal reports whether both maps hold the same keys with eqV-equal values.
func (m *HashMap[K, V]) Equal(o *HashMap[K, V], eqV func(a, b V) bool) bool {
	if m.Size() != o.Size() {
		return false
	}
	for k, v := range m.All() {
		w, ok := o.Load(k)
		if !ok || !eqV(v, w) {
			return false
		}
	}
	return true
}
