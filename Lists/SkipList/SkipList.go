// Package SkipList implements a lock-free probabilistic ordered set. Deletion
// is logical first (XBit on the node's forward pointers); physical unlinking is
// lazy, performed cooperatively by traversals in assist mode or immediately in
// force mode after an erase.
package SkipList

import (
	"cmp"
	"iter"
	"math/bits"
	"sync/atomic"
	"unsafe"

	Go_RCU "github.com/g-m-twostay/go-rcu"
)

// MaxDepth bounds the level count of any list.
const MaxDepth = 24

// Unlink modes for findPreds.
const (
	ulNone = iota
	ulAssist
	ulForce
)

type node[T any] struct {
	Go_RCU.Fin
	key  T
	next []unsafe.Pointer
}

func (n *node[T]) SafeDestroy() {
	n.next = nil
}

// root heads one version of the list. meta packs (size << 1) | lockBit; the
// lock serializes whole-root exchanges only, never element operations. Like the
// slot words, meta is a raw uintptr driven through the package-level atomics.
type root[T any] struct {
	Go_RCU.Fin
	meta uintptr
	head node[T]
}

func makeRoot[T any](depth int) *root[T] {
	r := root[T]{}
	r.head.next = make([]unsafe.Pointer, depth)
	return &r
}

func (r *root[T]) SafeDestroy() {
	r.head.next = nil
}

func nodeOf[T any](p unsafe.Pointer) *node[T] {
	return (*node[T])(Go_RCU.Untag(p))
}

// SkipList of T ordered by cmpF. All methods are safe for concurrent use;
// create instances with New or NewOrdered.
type SkipList[T any] struct {
	rt       unsafe.Pointer
	cmpF     func(a, b T) int
	maxDepth int
	hiWater  Go_RCU.AtomicUint
}

// New creates a list with the given comparator; depth is clamped to
// [1, MaxDepth].
func New[T any](cmpF func(a, b T) int, depth int) *SkipList[T] {
	if depth > MaxDepth {
		depth = MaxDepth
	} else if depth < 1 {
		depth = 1
	}
	s := SkipList[T]{cmpF: cmpF, maxDepth: depth}
	s.rt = unsafe.Pointer(makeRoot[T](depth))
	s.hiWater.Store(1)
	return &s
}

// NewOrdered creates a list over T's natural order.
func NewOrdered[T cmp.Ordered](depth int) *SkipList[T] {
	return New(cmp.Compare[T], depth)
}

// From creates a list holding the elements of seq.
func From[T any](seq iter.Seq[T], cmpF func(a, b T) int, depth int) *SkipList[T] {
	s := New(cmpF, depth)
	for v := range seq {
		s.Add(v)
	}
	return s
}

func (s *SkipList[T]) loadRoot() *root[T] {
	return (*root[T])(atomic.LoadPointer(&s.rt))
}

// randLvl draws a biased geometric level and cooperatively bumps the hi-water
// mark when the draw exceeds it.
func (s *SkipList[T]) randLvl() int {
	lvl := bits.TrailingZeros32(Go_RCU.Xrand()) * 2 / 3
	if lvl == 0 {
		return 1
	}
	for {
		prev := s.hiWater.Load()
		if lvl <= int(prev) || int(prev) >= s.maxDepth {
			break
		}
		if s.hiWater.CompareAndSwap(prev, prev+1) {
			if lvl > int(prev)+1 {
				lvl = int(prev) + 1
			}
			break
		}
	}
	if lvl > s.maxDepth {
		lvl = s.maxDepth
	}
	return lvl
}

/* findPreds walks from the root toward key, level by level. Tagged forward
 * pointers are followed transparently (ulNone), opportunistically unlinked
 * (ulAssist), or unlinked even when the target equals key (ulForce, used to
 * guarantee an erased node is unreachable). Returns the matching node and
 * fills preds/succs for levels below n when provided. */
func (s *SkipList[T]) findPreds(r *root[T], n int, key T, unlink int, preds, succs []unsafe.Pointer) unsafe.Pointer {
retry:
	for {
		got := false
		pr := unsafe.Pointer(&r.head)
		var it unsafe.Pointer
		for lvl := int(s.hiWater.Load()) - 1; lvl >= 0; lvl-- {
			next := atomic.LoadPointer(&nodeOf[T](pr).next[lvl])
			if next == nil && lvl >= n {
				continue
			} else if Go_RCU.Tagged(next) {
				continue retry
			}
			it = next
			for it != nil {
				next = atomic.LoadPointer(&nodeOf[T](it).next[lvl])
				for Go_RCU.Tagged(next) {
					if unlink == ulNone {
						// Skip logically deleted elements.
						it = Go_RCU.Untag(next)
					} else if atomic.CompareAndSwapPointer(&nodeOf[T](pr).next[lvl], it, Go_RCU.Untag(next)) {
						it = Go_RCU.Untag(next)
					} else {
						qx := atomic.LoadPointer(&nodeOf[T](pr).next[lvl])
						if Go_RCU.Tagged(qx) {
							continue retry
						}
						it = qx
					}
					if it == nil {
						break
					}
					next = atomic.LoadPointer(&nodeOf[T](it).next[lvl])
				}
				if it == nil {
					break
				}
				if c := s.cmpF(key, nodeOf[T](it).key); c < 0 {
					break
				} else if c == 0 && unlink != ulForce {
					got = true
					break
				}
				pr = it
				it = next
			}
			if preds != nil {
				preds[lvl] = pr
			}
			if succs != nil {
				succs[lvl] = it
			}
		}
		if got {
			return it
		}
		return nil
	}
}

// Add inserts key. Returns false when an equal key is already present.
func (s *SkipList[T]) Add(key T) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	var preds, succs [MaxDepth]unsafe.Pointer
	for {
		r := s.loadRoot()
		n := s.randLvl()
		if s.findPreds(r, n, key, ulAssist, preds[:], succs[:]) != nil {
			return false
		}
		nv := &node[T]{key: key, next: make([]unsafe.Pointer, n)}
		copy(nv.next, succs[:n])
		np := unsafe.Pointer(nv)
		if !atomic.CompareAndSwapPointer(&nodeOf[T](preds[0]).next[0], succs[0], np) {
			// The fresh node was never observable; just retry.
			continue
		}
		for lvl := 1; lvl < n; lvl++ {
			for !atomic.CompareAndSwapPointer(&nodeOf[T](preds[lvl]).next[lvl], succs[lvl], np) {
				s.findPreds(r, n, key, ulAssist, preds[:], succs[:])
				for ix := lvl; ix < n; ix++ {
					cur := atomic.LoadPointer(&nv.next[ix])
					if cur == succs[ix] {
						continue
					} else if Go_RCU.Tagged(cur) ||
						(!atomic.CompareAndSwapPointer(&nv.next[ix], cur, succs[ix]) &&
							Go_RCU.Tagged(atomic.LoadPointer(&nv.next[ix]))) {
						// A concurrent erase targeted this very key - bail out.
						s.findPreds(r, 0, key, ulForce, nil, nil)
						return false
					}
				}
			}
		}
		if Go_RCU.Tagged(atomic.LoadPointer(&nv.next[n-1])) {
			// Erased while we were linking - make sure it's unlinked.
			s.findPreds(r, 0, key, ulForce, nil, nil)
			return false
		}
		atomic.AddUintptr(&r.meta, 2)
		return true
	}
}

// Has reports whether an equal key is present.
func (s *SkipList[T]) Has(key T) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	return s.findPreds(s.loadRoot(), 0, key, ulNone, nil, nil) != nil
}

// Get returns the stored element equal to key.
func (s *SkipList[T]) Get(key T) (T, bool) {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	if it := s.findPreds(s.loadRoot(), 0, key, ulNone, nil, nil); it != nil {
		return nodeOf[T](it).key, true
	}
	var zero T
	return zero, false
}

func (s *SkipList[T]) removeNode(key T) *node[T] {
	var preds [MaxDepth]unsafe.Pointer
	r := s.loadRoot()
	it := s.findPreds(r, int(s.hiWater.Load()), key, ulAssist, preds[:], nil)
	if it == nil {
		return nil
	}
	// Marking level 0 is the claim; a tagged prior there means another eraser
	// (or a concurrent clear) owns the node.
	nd := nodeOf[T](it)
	for lvl := len(nd.next) - 1; lvl >= 0; lvl-- {
		if Go_RCU.Tagged(Go_RCU.OrSlot(&nd.next[lvl], Go_RCU.XBit)) && lvl == 0 {
			return nil
		}
	}
	s.findPreds(r, 0, key, ulForce, nil, nil)
	atomic.AddUintptr(&r.meta, ^uintptr(1))
	Go_RCU.Finalize(nd)
	return nd
}

// Remove erases key, reporting whether it was present.
func (s *SkipList[T]) Remove(key T) bool {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	return s.removeNode(key) != nil
}

// Take erases key and returns the stored element.
func (s *SkipList[T]) Take(key T) (T, bool) {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	if nd := s.removeNode(key); nd != nil {
		return nd.key, true
	}
	var zero T
	return zero, false
}

// LowerBound returns the largest element ordered before key.
func (s *SkipList[T]) LowerBound(key T) (T, bool) {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	var preds [MaxDepth]unsafe.Pointer
	r := s.loadRoot()
	s.findPreds(r, 0, key, ulNone, preds[:], nil)
	if pr := preds[0]; pr != nil && pr != unsafe.Pointer(&r.head) {
		return nodeOf[T](pr).key, true
	}
	var zero T
	return zero, false
}

// nextLive follows level-0 links past logically deleted nodes.
func nextLive[T any](n *node[T]) *node[T] {
	m := nodeOf[T](atomic.LoadPointer(&n.next[0]))
	for m != nil && Go_RCU.Tagged(atomic.LoadPointer(&m.next[0])) {
		m = nodeOf[T](atomic.LoadPointer(&m.next[0]))
	}
	return m
}

// UpperBound returns the smallest element ordered after key.
func (s *SkipList[T]) UpperBound(key T) (T, bool) {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	var preds, succs [MaxDepth]unsafe.Pointer
	s.findPreds(s.loadRoot(), 0, key, ulNone, preds[:], succs[:])
	it := succs[0]
	if it != nil && s.cmpF(key, nodeOf[T](it).key) == 0 {
		if nd := nextLive(nodeOf[T](it)); nd != nil {
			return nd.key, true
		}
	} else if it != nil {
		return nodeOf[T](it).key, true
	}
	var zero T
	return zero, false
}

// Size = meta >> 1; the low bit is the root lock.
func (s *SkipList[T]) Size() uint {
	return uint(atomic.LoadUintptr(&s.loadRoot().meta) >> 1)
}

func (s *SkipList[T]) Empty() bool {
	return s.Size() == 0
}

// lockRoot spins until it owns the current root's lock bit.
func (s *SkipList[T]) lockRoot() *root[T] {
	for {
		r := s.loadRoot()
		v := atomic.LoadUintptr(&r.meta) &^ 1
		if atomic.CompareAndSwapUintptr(&r.meta, v, v|1) {
			if s.loadRoot() == r {
				return r
			}
			atomic.AndUintptr(&r.meta, ^uintptr(1))
		}
		Go_RCU.Relax()
	}
}

// Clear publishes a fresh empty root and hands the old chain to the engine.
func (s *SkipList[T]) Clear() {
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	old := s.lockRoot()
	atomic.StorePointer(&s.rt, unsafe.Pointer(makeRoot[T](s.maxDepth)))
	s.hiWater.Store(1)
	finalizeChain(old)
}

// finalizeChain retires a detached root and every node it still owns. Claiming
// a node means winning the XBit on its level-0 pointer; nodes already tagged
// belong to the eraser that tagged them.
func finalizeChain[T any](old *root[T]) {
	for p := atomic.LoadPointer(&old.head.next[0]); Go_RCU.Untag(p) != nil; {
		nd := nodeOf[T](p)
		p = Go_RCU.OrSlot(&nd.next[0], Go_RCU.XBit)
		if !Go_RCU.Tagged(p) {
			Go_RCU.Finalize(nd)
		}
	}
	Go_RCU.Finalize(old)
}

// Assign replaces the contents with the elements of seq.
func (s *SkipList[T]) Assign(seq iter.Seq[T]) {
	tmp := From(seq, s.cmpF, s.maxDepth)
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	old := s.lockRoot()
	atomic.StorePointer(&s.rt, atomic.LoadPointer(&tmp.rt))
	s.hiWater.Store(tmp.hiWater.Load())
	finalizeChain(old)
}

// Swap exchanges the contents of two lists sharing a comparator. Roots are
// locked in container address order to avoid deadlock.
func (s *SkipList[T]) Swap(o *SkipList[T]) {
	if s == o {
		return
	}
	Go_RCU.EnterCS()
	defer Go_RCU.ExitCS()
	a, b := s, o
	if uintptr(unsafe.Pointer(a)) > uintptr(unsafe.Pointer(b)) {
		a, b = b, a
	}
	ra := a.lockRoot()
	rb := b.lockRoot()
	ha, hb := a.hiWater.Load(), b.hiWater.Load()
	atomic.StorePointer(&a.rt, unsafe.Pointer(rb))
	atomic.StorePointer(&b.rt, unsafe.Pointer(ra))
	a.hiWater.Store(hb)
	b.hiWater.Store(ha)
	atomic.AndUintptr(&rb.meta, ^uintptr(1))
	atomic.AndUintptr(&ra.meta, ^uintptr(1))
}

// All ranges over the elements in strictly increasing order, skipping
// logically deleted nodes. The critical section spans the whole loop.
func (s *SkipList[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		Go_RCU.EnterCS()
		defer Go_RCU.ExitCS()
		r := s.loadRoot()
		for cur := nodeOf[T](atomic.LoadPointer(&r.head.next[0])); cur != nil; {
			nx := atomic.LoadPointer(&cur.next[0])
			if !Go_RCU.Tagged(nx) && !yield(cur.key) {
				return
			}
			cur = nodeOf[T](nx)
		}
	}
}

// Clone copies a snapshot of the list.
func (s *SkipList[T]) Clone() *SkipList[T] {
	return From(s.All(), s.cmpF, s.maxDepth)
}

// Equal reports whether both lists hold comparator-equal elements in the same
// order.
func (s *SkipList[T]) Equal(o *SkipList[T]) bool {
	next, stop := iter.Pull(o.All())
	defer stop()
	for v := range s.All() {
		w, ok := next()
		if !ok || s.cmpF(v, w) != 0 {
			return false
		}
	}
	_, ok := next()
	return !ok
}
