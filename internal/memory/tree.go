package memory

import (
	"fmt"

	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// Tree holds a citation forest as a flat node table. Nodes reference their
// children by index, so a paper reached twice is never linked twice: the
// second occurrence is its own record with StatusReference.
type Tree struct {
	nodes []*storage.TreeNode
	roots []int
}

// Stats summarizes the shape of a tree.
type Stats struct {
	Nodes      int
	Leaves     int
	MaxDepth   int
	Pending    int
	References int
	Failed     int
}

// NewTree creates a tree with a single pending root.
func NewTree(root storage.Paper) *Tree {
	t := &Tree{}
	t.AddRoot(root, storage.StatusPending)
	return t
}

// NewForest creates a tree with no roots, to be filled with AddRoot.
func NewForest() *Tree {
	return &Tree{}
}

// FromState rebuilds a tree from a validated snapshot. The snapshot is copied.
func FromState(state *storage.SessionState) (*Tree, error) {
	if err := storage.ValidateState(state); err != nil {
		return nil, err
	}
	if !state.HasTree() {
		return nil, fmt.Errorf("%w: session %s has no tree", storage.ErrCorrupt, state.SessionID)
	}

	t := &Tree{
		nodes: make([]*storage.TreeNode, len(state.Nodes)),
		roots: append([]int(nil), state.Roots...),
	}
	for i := range state.Nodes {
		n := cloneNode(&state.Nodes[i])
		t.nodes[i] = &n
	}
	return t, nil
}

// AddRoot appends a new root record and returns its id.
func (t *Tree) AddRoot(p storage.Paper, status storage.NodeStatus) int {
	id := len(t.nodes)
	t.nodes = append(t.nodes, &storage.TreeNode{
		ID:       id,
		Parent:   storage.NoParent,
		Depth:    0,
		Position: len(t.roots),
		Paper:    p,
		Status:   status,
	})
	t.roots = append(t.roots, id)
	return id
}

// AddChild appends a child under parent, after its existing children.
func (t *Tree) AddChild(parent int, p storage.Paper, status storage.NodeStatus) (int, error) {
	pn, err := t.get(parent)
	if err != nil {
		return 0, err
	}

	id := len(t.nodes)
	t.nodes = append(t.nodes, &storage.TreeNode{
		ID:       id,
		Parent:   parent,
		Depth:    pn.Depth + 1,
		Position: len(pn.Children),
		Paper:    p,
		Status:   status,
	})
	pn.Children = append(pn.Children, id)
	return id, nil
}

func (t *Tree) get(id int) (*storage.TreeNode, error) {
	if id < 0 || id >= len(t.nodes) {
		return nil, fmt.Errorf("node with ID %d not found", id)
	}
	return t.nodes[id], nil
}

// Node returns a copy of a node.
func (t *Tree) Node(id int) (storage.TreeNode, bool) {
	n, err := t.get(id)
	if err != nil {
		return storage.TreeNode{}, false
	}
	return cloneNode(n), true
}

// Root returns the id of the first root, or storage.NoParent for an empty forest.
func (t *Tree) Root() int {
	if len(t.roots) == 0 {
		return storage.NoParent
	}
	return t.roots[0]
}

// Roots returns the root ids in order.
func (t *Tree) Roots() []int {
	return append([]int(nil), t.roots...)
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// SetStatus updates a node's status and clears any failure marker.
func (t *Tree) SetStatus(id int, status storage.NodeStatus) error {
	n, err := t.get(id)
	if err != nil {
		return err
	}
	n.Status = status
	n.Failure = nil
	return nil
}

// SetPaper replaces a node's paper.
func (t *Tree) SetPaper(id int, p storage.Paper) error {
	n, err := t.get(id)
	if err != nil {
		return err
	}
	n.Paper = p
	return nil
}

// Fail marks a node as failed with an error marker. Its subtree stays empty.
func (t *Tree) Fail(id int, kind storage.Outcome, message string) error {
	n, err := t.get(id)
	if err != nil {
		return err
	}
	n.Status = storage.StatusFailed
	n.Failure = &storage.NodeFailure{Kind: kind, Message: message}
	return nil
}

// Walk visits every node in preorder, roots in order, children in discovery
// order. Returning false stops the walk.
func (t *Tree) Walk(fn func(n storage.TreeNode) bool) {
	stack := make([]int, 0, len(t.roots))
	for i := len(t.roots) - 1; i >= 0; i-- {
		stack = append(stack, t.roots[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[id]
		if !fn(cloneNode(n)) {
			return
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}

// Pending returns the ids of pending nodes in preorder. This is the order in
// which an uninterrupted depth-first crawl would have reached them.
func (t *Tree) Pending() []int {
	var ids []int
	t.Walk(func(n storage.TreeNode) bool {
		if n.Status == storage.StatusPending {
			ids = append(ids, n.ID)
		}
		return true
	})
	return ids
}

// Stats computes node, leaf and depth totals.
func (t *Tree) Stats() Stats {
	var s Stats
	for _, n := range t.nodes {
		s.Nodes++
		if len(n.Children) == 0 {
			s.Leaves++
		}
		if n.Depth > s.MaxDepth {
			s.MaxDepth = n.Depth
		}
		switch n.Status {
		case storage.StatusPending:
			s.Pending++
		case storage.StatusReference:
			s.References++
		case storage.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Nested builds the nested view rooted at id.
func (t *Tree) Nested(id int) *storage.CitationNode {
	n, err := t.get(id)
	if err != nil {
		return nil
	}
	out := &storage.CitationNode{
		Paper:    n.Paper,
		Depth:    n.Depth,
		Status:   n.Status,
		Children: make([]*storage.CitationNode, 0, len(n.Children)),
	}
	if n.Failure != nil {
		f := *n.Failure
		out.Failure = &f
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, t.Nested(c))
	}
	return out
}

// Records returns deep copies of the root ids and node table for checkpointing.
func (t *Tree) Records() ([]int, []storage.TreeNode) {
	nodes := make([]storage.TreeNode, len(t.nodes))
	for i, n := range t.nodes {
		nodes[i] = cloneNode(n)
	}
	return append([]int(nil), t.roots...), nodes
}

func cloneNode(n *storage.TreeNode) storage.TreeNode {
	c := *n
	if n.Children != nil {
		c.Children = append([]int(nil), n.Children...)
	}
	if n.Failure != nil {
		f := *n.Failure
		c.Failure = &f
	}
	return c
}
