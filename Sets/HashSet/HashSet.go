// Package HashSet implements a lock-free open-addressed hash set over
// power-of-two tables with triangular probing. Single-word slots make element
// publication one CAS; growth follows the same freeze-and-republish protocol as
// HashMap.
package HashSet

import (
	"iter"
	"math/bits"
	"sync/atomic"
	"unsafe"

	Go_RCU "github.com/g-m-twostay/go-rcu"
)

const minEntries = 8

func tableSize(size uint, ldf float32) int {
	n := uint(float32(size)/ldf) + 1
	if n < minEntries {
		return minEntries
	}
	return 1 << bits.Len(n-1)
}

type frame struct {
	Go_RCU.Fin
	slots  []unsafe.Pointer
	nelems Go_RCU.AtomicInt
}

func makeFrame(entries int) *frame {
	f := frame{slots: make([]unsafe.Pointer, entries)}
	for i := range f.slots {
		f.slots[i] = Go_RCU.FreeSlot
	}
	return &f
}

func (f *frame) SafeDestroy() {
	f.slots = nil
}

// HashSet of E. All methods are safe for concurrent use; create instances with
// New or NewDefault.
type HashSet[E any] struct {
	vec       unsafe.Pointer
	hashF     func(E) uint
	eqF       func(E, E) bool
	loadf     float32
	growLimit Go_RCU.AtomicInt
	lock      Go_RCU.LWLock
}

// New creates a set sized for size elements. ldf outside [0.4, 0.9] falls back
// to 0.85.
func New[E any](size uint, ldf float32, hashF func(E) uint, eqF func(E, E) bool) *HashSet[E] {
	if ldf < 0.4 || ldf > 0.9 {
		ldf = 0.85
	}
	s := HashSet[E]{hashF: hashF, eqF: eqF, loadf: ldf}
	n := tableSize(size, ldf)
	s.vec = unsafe.Pointer(makeFrame(n))
	s.growLimit.Store(int(float32(n) * ldf))
	return &s
}

// NewDefault creates a set hashing E through the runtime's memory hash.
func NewDefault[E comparable](size uint, ldf float32) *HashSet[E] {
	return New[E](size, ldf, Go_RCU.HashOf[E](Go_RCU.NewHasher()), func(a, b E) bool { return a == b })
}

// From creates a set holding the elements of seq.
func From[E any](seq iter.Seq[E], ldf float32, hashF func(E) uint, eqF func(E, E) bool) *HashSet[E] {
	s := New[E](0, ldf, hashF, eqF)
	for e := range seq {
		s.Put(e)
	}
	return s
}

func (s *HashSet[E]) load() *frame {
	return (*frame)(atomic.LoadPointer(&s.vec))
}

// probe visits every slot of the power-of-two table with the triangular step
// sequence 1,2,3,... Returns the index of the match or of the first FREE
// candidate (when put), or -1.
func (s *HashSet[E]) probe(e E, f *frame, put bool) (int, bool) {
	mask := len(f.slots) - 1
	idx := int(s.hashF(e)) & mask
	for step := 1; ; step++ {
		w := Go_RCU.Untag(atomic.LoadPointer(&f.slots[idx]))
		if w == Go_RCU.FreeSlot {
			if put {
				return idx, true
			}
			return -1, false
		} else if w != Go_RCU.DeltSlot && s.eqF(Go_RCU.SlotValue[E](w), e) {
			return idx, false
		}
		if step > mask {
			return -1, false
		}
		idx = (idx + step) & mask
	}
}

func (s *HashSet[E]) gprobe(ew unsafe.Pointer, f *frame) int {
	mask := len(f.slots) - 1
	idx := int(s.hashF(Go_RCU.SlotValue[E](ew))) & mask
	for step := 1; f.slots[idx] != Go_RCU.FreeSlot; step++ {
		idx = (idx + step) & mask
	}
	return idx
}

func (s *HashSet[E]) rehash() {
	s.lock.Acquire()
	defer s.lock.Release()
	if s.growLimit.Load() > 0 {
		return
	}
	old := s.load()
	np := makeFrame(len(old.slots) * 2)
	done, nelem := false, 0
	defer func() {
		if !done {
			for i := range old.slots {
				Go_RCU.AndSlot(&old.slots[i], ^Go_RCU.XBit)
			}
		}
	}()
	for i := range old.slots {
		if w := Go_RCU.OrSlot(&old.slots[i], Go_RCU.XBit); Go_RCU.Live(w) && !Go_RCU.Tagged(w) {
			np.slots[s.gprobe(w, np)] = w
			nelem++
		}
	}
	done = true
	np.nelems.Store(nelem)
	s.growLimit.Store(int(float32(len(np.slots))*s.loadf) - nelem)
	atomic.StorePointer(&s.vec, unsafe.Pointer(np))
	Go_RCU.Finalize(old)
}

// Put adds e to the set. Returns false when e was already present.
func (s *HashSet[E]) Put(e E) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	ew := Go_RCU.NewSlot(e)
	for {
		f := s.load()
		idx, free := s.probe(e, f, true)
		if idx < 0 {
			s.rehash()
			continue
		} else if !free {
			return false
		}
		if s.growLimit.Load() <= 0 {
			s.rehash()
			continue
		}
		s.growLimit.Add(-1)
		if atomic.CompareAndSwapPointer(&f.slots[idx], Go_RCU.FreeSlot, ew) {
			f.nelems.Add(1)
			return true
		}
		// Lost the slot to another writer or a freeze; retry.
		Go_RCU.Relax()
	}
}

// Has reports whether e is present in the set.
func (s *HashSet[E]) Has(e E) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	idx, _ := s.probe(e, s.load(), false)
	return idx >= 0
}

func (s *HashSet[E]) erase(e E) (unsafe.Pointer, bool) {
	for {
		f := s.load()
		idx, _ := s.probe(e, f, false)
		if idx < 0 {
			return nil, false
		}
		w := atomic.LoadPointer(&f.slots[idx])
		if Go_RCU.Tagged(w) {
			s.rehash()
			continue
		} else if w == Go_RCU.DeltSlot {
			return nil, false
		}
		if atomic.CompareAndSwapPointer(&f.slots[idx], w, Go_RCU.DeltSlot) {
			f.nelems.Add(-1)
			Go_RCU.RetireSlot[E](w)
			return w, true
		}
	}
}

// Remove e from the set. Returns true if the removal is successful.
func (s *HashSet[E]) Remove(e E) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	_, ok := s.erase(e)
	return ok
}

// Take removes e and returns the stored element.
func (s *HashSet[E]) Take(e E) (E, bool) {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	if w, ok := s.erase(e); ok {
		return Go_RCU.SlotValue[E](w), true
	}
	var zero E
	return zero, false
}

// Size of the set. The value is a hint under concurrent writers.
func (s *HashSet[E]) Size() uint {
	return uint(s.load().nelems.Load())
}

func (s *HashSet[E]) Empty() bool {
	return s.Size() == 0
}

func (s *HashSet[E]) MaxSize() uint {
	return 1 << (bits.UintSize - 2)
}

func (s *HashSet[E]) assignFrame(nf *frame, gt int) {
	s.lock.Acquire()
	prev := s.load()
	for i := range prev.slots {
		if w := Go_RCU.OrSlot(&prev.slots[i], Go_RCU.XBit); Go_RCU.Live(w) && !Go_RCU.Tagged(w) {
			Go_RCU.RetireSlot[E](w)
		}
	}
	s.growLimit.Store(gt)
	atomic.StorePointer(&s.vec, unsafe.Pointer(nf))
	s.lock.Release()
	Go_RCU.Finalize(prev)
}

func (s *HashSet[E]) Clear() {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	n := tableSize(0, s.loadf)
	s.assignFrame(makeFrame(n), int(float32(n)*s.loadf))
}

// Assign replaces the contents with the elements of seq.
func (s *HashSet[E]) Assign(seq iter.Seq[E]) {
	var elems []unsafe.Pointer
	for e := range seq {
		elems = append(elems, Go_RCU.NewSlot(e))
	}
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	nf := makeFrame(tableSize(uint(len(elems)), s.loadf))
	nelem := 0
	for _, ew := range elems {
		idx, free := s.probe(Go_RCU.SlotValue[E](ew), nf, true)
		if free {
			nf.slots[idx] = ew
			nelem++
		}
	}
	nf.nelems.Store(nelem)
	s.assignFrame(nf, int(float32(len(nf.slots))*s.loadf)-nelem)
}

// Swap exchanges the contents of two sets sharing hash and equality functions.
// Locks are taken in container address order.
func (s *HashSet[E]) Swap(o *HashSet[E]) {
	if s == o {
		return
	}
	a, b := s, o
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

// All ranges over a snapshot of the elements in unspecified order.
func (s *HashSet[E]) All() iter.Seq[E] {
	return func(yield func(E) bool) {
		Go_RCU.EnterCS()
		defer Go_RCU.ExitCS()
		f := s.load()
		for i := range f.slots {
			w := Go_RCU.Untag(atomic.LoadPointer(&f.slots[i]))
			if Go_RCU.Live(w) && !yield(Go_RCU.SlotValue[E](w)) {
				return
			}
		}
	}
}

// Clone copies a snapshot of the set.
func (s *HashSet[E]) Clone() *HashSet[E] {
	return From(s.All(), s.loadf, s.hashF, s.eqF)
}

// Equal reports whether both sets hold the same elements.
func (s *HashSet[E]) Equal(o *HashSet[E]) bool {
	if s.Size() != o.Size() {
		return false
	}
	for e := range s.All() {
		if !o.Has(e) {
			return false
		}
	}
	return true
}
