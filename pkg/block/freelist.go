package block

import "container/list"

// FreeList holds the offsets of blocks released by removed keys. Offsets
// are reused in the order they were freed. Push, Pop and Remove are O(1).
type FreeList struct {
	order   *list.List
	members map[int64]*list.Element
}

// NewFreeList creates an empty free list
func NewFreeList() *FreeList {
	return &FreeList{
		order:   list.New(),
		members: make(map[int64]*list.Element),
	}
}

// Push appends off to the back of the queue. Offsets already present are
// left where they are; it reports whether off was added.
func (f *FreeList) Push(off int64) bool {
	if _, ok := f.members[off]; ok {
		return false
	}
	f.members[off] = f.order.PushBack(off)
	return true
}

// Pop removes and returns the oldest freed offset
func (f *FreeList) Pop() (int64, bool) {
	front := f.order.Front()
	if front == nil {
		return 0, false
	}
	off := f.order.Remove(front).(int64)
	delete(f.members, off)
	return off, true
}

// Peek returns up to n offsets from the front without removing them
func (f *FreeList) Peek(n int) []int64 {
	if n > f.order.Len() {
		n = f.order.Len()
	}
	out := make([]int64, 0, n)
	for e := f.order.Front(); e != nil && len(out) < n; e = e.Next() {
		out = append(out, e.Value.(int64))
	}
	return out
}

// Remove drops off from the list wherever it is
func (f *FreeList) Remove(off int64) bool {
	e, ok := f.members[off]
	if !ok {
		return false
	}
	f.order.Remove(e)
	delete(f.members, off)
	return true
}

// Contains reports whether off is free
func (f *FreeList) Contains(off int64) bool {
	_, ok := f.members[off]
	return ok
}

// Len returns the number of free offsets
func (f *FreeList) Len() int {
	return f.order.Len()
}

// Offsets returns all free offsets in reuse order
func (f *FreeList) Offsets() []int64 {
	return f.Peek(f.order.Len())
}
