package HashMap

import (
	"strconv"
	"sync"
	"testing"
)

const (
	blockSize = 64
	blockNum  = 16
	bulkCount = 4000
)

func hasher(x int) uint {
	return uint(x)
}

func cmp(x, y int) bool {
	return x == y
}

func TestHashMap_Bulk(t *testing.T) {
	M := New[int, string](16, 0.85, hasher, cmp)
	M.Put(-1, "abc")
	M.Put(-2, "def")
	M.Put(-3, "ghi")
	for i := 0; i < bulkCount; i++ {
		if !M.Put(i, strconv.Itoa(i)) {
			t.Errorf("put %v failed", i)
		}
		if M.Put(i, "dup") {
			t.Errorf("duplicate put %v succeeded", i)
		}
	}
	if M.Update(101, func(s string) string { return s + "!!!" }) {
		t.Error("update of a present key reported insertion")
	}
	if v, ok := M.Load(101); !ok || v != "101!!!" {
		t.Errorf("load 101 = %v %v, want 101!!!", v, ok)
	}
	for i := 0; i < 1000; i += 2 {
		if !M.Delete(i) {
			t.Errorf("erase %v failed", i)
		}
	}
	want := uint(bulkCount + 3 - 500)
	if M.Size() != want {
		t.Errorf("size %v, want %v", M.Size(), want)
	}
	walked := uint(0)
	for range M.All() {
		walked++
	}
	if walked != want {
		t.Errorf("iterator saw %v pairs, want %v", walked, want)
	}
}

func TestHashMap_Ops(t *testing.T) {
	M := NewDefault[string, int](0, 0.85)
	if M.Update("k", func(v int) int { return v + 5 }) != true {
		t.Error("update of an absent key didn't report insertion")
	}
	if v, ok := M.Load("k"); !ok || v != 5 {
		t.Errorf("load k = %v %v, want 5", v, ok)
	}
	if v, ok := M.LoadAndDelete("k"); !ok || v != 5 {
		t.Errorf("take k = %v %v, want 5", v, ok)
	}
	if M.Delete("k") {
		t.Error("second erase succeeded")
	}
	if !M.Empty() {
		t.Error("not empty")
	}
	if _, ok := M.Load("k"); ok {
		t.Error("load of erased key")
	}
}

func TestHashMap_ClearSwapAssign(t *testing.T) {
	A := New[int, int](8, 0.85, hasher, cmp)
	B := New[int, int](8, 0.85, hasher, cmp)
	for i := 0; i < 100; i++ {
		A.Put(i, i)
	}
	B.Put(1000, 1)
	A.Swap(B)
	A.Swap(B)
	if A.Size() != 100 || B.Size() != 1 {
		t.Errorf("double swap changed sizes: %v %v", A.Size(), B.Size())
	}
	A.Swap(B)
	if !A.HasKey(1000) || A.Size() != 1 {
		t.Error("swap didn't move contents")
	}
	B.Clear()
	B.Clear()
	if !B.Empty() {
		t.Error("not empty after clear")
	}
	B.Assign(A.All())
	eq := func(a, b int) bool { return a == b }
	if !B.Equal(A, eq) {
		t.Error("assign didn't copy contents")
	}
}

func TestHashMap_Concurrent(t *testing.T) {
	M := New[int, int](1, 0.85, hasher, cmp)
	wg := &sync.WaitGroup{}
	wg.Add(blockNum)
	for j := 0; j < blockNum; j++ {
		go func(l, h int) {
			defer wg.Done()
			for i := l; i < h; i++ {
				M.Put(i, i)
			}
			for i := l; i < h; i++ {
				if !M.HasKey(i) {
					t.Errorf("not put: %v\n", i)
					return
				}
			}
			for i := l; i < h; i++ {
				if !M.Delete(i) {
					t.Errorf("not removed: %v\n", i)
					return
				}
			}
		}(j*blockSize, (j+1)*blockSize)
	}
	wg.Wait()
	if M.Size() != 0 {
		t.Errorf("size %v after erase saturation, want 0", M.Size())
	}
	for range M.All() {
		t.Error("iterator saw a pair in an empty map")
	}
}
