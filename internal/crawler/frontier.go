package crawler

// Frontier is the explicit DFS stack of pending node ids. Pop returns nodes
// in preorder, the order a recursive expansion would visit them.
type Frontier struct {
	items []int
}

// NewFrontier creates a frontier that pops ids in the given order.
func NewFrontier(preorder []int) *Frontier {
	f := &Frontier{items: make([]int, 0, len(preorder))}
	f.PushChildren(preorder)
	return f
}

// PushChildren adds sibling ids so that the first one is popped first.
func (f *Frontier) PushChildren(ids []int) {
	for i := len(ids) - 1; i >= 0; i-- {
		f.items = append(f.items, ids[i])
	}
}

// Pop removes and returns the next node id.
// Returns (0, false) when the frontier is empty.
func (f *Frontier) Pop() (int, bool) {
	if len(f.items) == 0 {
		return 0, false
	}
	id := f.items[len(f.items)-1]
	f.items = f.items[:len(f.items)-1]
	return id, true
}

// Len returns the number of pending ids.
func (f *Frontier) Len() int {
	return len(f.items)
}

// IsEmpty returns true if no ids are pending.
func (f *Frontier) IsEmpty() bool {
	return len(f.items) == 0
}
