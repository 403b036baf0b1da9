package Stacks

import (
	"slices"
	"sync"
	"testing"
)

const (
	blockSize = 64
	blockNum  = 16
)

func TestStack_Basic(t *testing.T) {
	S := New[int]()
	S.Push(1)
	S.Push(2)
	S.Push(3)
	if S.Size() != 3 {
		t.Errorf("size %v, want 3", S.Size())
	}
	if top, err := S.Top(); err != nil || top != 3 {
		t.Errorf("top %v %v, want 3", top, err)
	}
	if v, err := S.Pop(); err != nil || v != 3 {
		t.Errorf("pop %v %v, want 3", v, err)
	}
	if v, err := S.Pop(); err != nil || v != 2 {
		t.Errorf("pop %v %v, want 2", v, err)
	}
	if S.Size() != 1 {
		t.Errorf("size %v, want 1", S.Size())
	}
	if top, err := S.Top(); err != nil || top != 1 {
		t.Errorf("top %v %v, want 1", top, err)
	}
	S.Clear()
	if !S.Empty() {
		t.Error("not empty after clear")
	}
	if _, err := S.Pop(); err == nil {
		t.Error("pop of empty stack didn't report emptiness")
	}
}

func TestStack_PushAll(t *testing.T) {
	S := New[int]()
	S.Push(0)
	S.PushAll(slices.Values([]int{3, 2, 1}))
	want := []int{3, 2, 1, 0}
	got := slices.Collect(S.All())
	if !slices.Equal(got, want) {
		t.Errorf("walk %v, want %v", got, want)
	}
}

func TestStack_SwapIdentity(t *testing.T) {
	A := From(slices.Values([]int{1, 2, 3}))
	B := From(slices.Values([]int{4, 5}))
	eq := func(a, b int) bool { return a == b }
	A.Swap(B)
	A.Swap(B)
	if !A.Equal(From(slices.Values([]int{1, 2, 3})), eq) {
		t.Error("double swap changed A")
	}
	if !B.Equal(From(slices.Values([]int{4, 5})), eq) {
		t.Error("double swap changed B")
	}
	A.Swap(B)
	if got, _ := A.Top(); got != 4 {
		t.Errorf("top after swap %v, want 4", got)
	}
}

func TestStack_Assign(t *testing.T) {
	S := NewFill[int](4, 7)
	if S.Size() != 4 {
		t.Errorf("size %v, want 4", S.Size())
	}
	S.Assign(slices.Values([]int{9, 8}))
	if got := slices.Collect(S.All()); !slices.Equal(got, []int{9, 8}) {
		t.Errorf("walk %v, want [9 8]", got)
	}
	C := S.Clone()
	S.Pop()
	if got := slices.Collect(C.All()); !slices.Equal(got, []int{9, 8}) {
		t.Errorf("clone %v, want [9 8]", got)
	}
}

func TestStack_Concurrent(t *testing.T) {
	S := New[int]()
	wg := &sync.WaitGroup{}
	wg.Add(blockNum)
	for j := 0; j < blockNum; j++ {
		go func(l, h int) {
			defer wg.Done()
			for i := l; i < h; i++ {
				S.Push(i)
			}
			for i := l; i < h; i++ {
				if _, err := S.Pop(); err != nil {
					t.Errorf("pop failed with %v elements outstanding", h-i)
					return
				}
			}
		}(j*blockSize, (j+1)*blockSize)
	}
	wg.Wait()
	if !S.Empty() {
		t.Errorf("stack not empty after balanced push/pop, size %v", S.Size())
	}
}
