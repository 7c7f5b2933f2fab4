package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/alvmarrod/cite-weaver/internal/memory"
	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// paperKey identifies a paper across sessions: its URL, else its cited-by
// listing, else title and year.
func paperKey(p storage.Paper) string {
	switch {
	case p.URL != "":
		return "url:" + memory.Key(p.URL)
	case p.CitedByURL != "":
		return "cites:" + memory.Key(p.CitedByURL)
	default:
		return "title:" + strings.ToLower(strings.TrimSpace(p.Title)) + "|" + p.Year
	}
}

// rootKey identifies a crawl root. Roots are placeholders until their
// listing is parsed, so the listing URL is the stable identity.
func rootKey(p storage.Paper) string {
	if p.CitedByURL != "" {
		return "cites:" + memory.Key(p.CitedByURL)
	}
	return paperKey(p)
}

var statusRank = map[storage.NodeStatus]int{
	storage.StatusFailed:    0,
	storage.StatusPending:   1,
	storage.StatusReference: 2,
	storage.StatusLeaf:      3,
	storage.StatusExpanded:  4,
}

type merger struct {
	tree *memory.Tree
	// expanded holds listing keys already expanded somewhere in the result.
	expanded map[string]bool
}

// MergeStates combines sessions into a new state with the given id. Visited
// URLs are unioned, counters summed, and trees joined by root identity:
// a root already present is merged into, any other root is appended. Within
// a parent, citers with the same identity are merged rather than duplicated,
// and a listing expanded twice keeps one expansion and a reference.
// The fan-out limit applies per crawl, so a merged level holds the union of
// its inputs and may be wider than any of them.
func MergeStates(id string, now time.Time, states ...*storage.SessionState) (*storage.SessionState, error) {
	if len(states) < 2 {
		return nil, ErrNothingToMerge
	}

	m := &merger{tree: memory.NewForest(), expanded: make(map[string]bool)}
	visited := memory.NewVisitedSet()
	out := &storage.SessionState{
		Version:   storage.CurrentVersion,
		SessionID: id,
		RootURL:   states[0].RootURL,
		CreatedAt: states[0].CreatedAt,
		UpdatedAt: now,
		Counters:  storage.Counters{Outcomes: make(map[storage.Outcome]int)},
	}

	var latest *storage.SessionState
	for _, st := range states {
		if err := storage.ValidateState(st); err != nil {
			return nil, fmt.Errorf("cannot merge session %s: %w", st.SessionID, err)
		}
		out.MergedFrom = append(out.MergedFrom, st.SessionID)
		out.RequestCount += st.RequestCount
		out.Counters.Merge(st.Counters)
		if st.CreatedAt.Before(out.CreatedAt) {
			out.CreatedAt = st.CreatedAt
		}
		if latest == nil || st.UpdatedAt.After(latest.UpdatedAt) {
			latest = st
		}
		for _, u := range st.Visited {
			visited.Add(u)
		}
		m.mergeRoots(st)
	}

	out.Backoff = latest.Backoff
	out.Visited = visited.Slice()
	out.Roots, out.Nodes = m.tree.Records()
	return out, nil
}

func (m *merger) mergeRoots(src *storage.SessionState) {
	existing := make(map[string]int)
	for _, r := range m.tree.Roots() {
		n, _ := m.tree.Node(r)
		existing[rootKey(n.Paper)] = r
	}
	for _, r := range src.Roots {
		key := rootKey(src.Nodes[r].Paper)
		if dst, ok := existing[key]; ok {
			m.mergeInto(dst, src, r)
			continue
		}
		existing[key] = m.copySubtree(storage.NoParent, src, r)
	}
}

func listingKey(p storage.Paper) string {
	if p.CitedByURL == "" {
		return ""
	}
	return memory.Key(p.CitedByURL)
}

// add inserts a copy of a source node, downgrading a second expansion of the
// same listing to a reference. It reports whether children should follow.
func (m *merger) add(parent int, n storage.TreeNode) (int, bool) {
	status := n.Status
	key := listingKey(n.Paper)
	if status == storage.StatusExpanded && key != "" && m.expanded[key] {
		status = storage.StatusReference
	}

	var id int
	if parent == storage.NoParent {
		id = m.tree.AddRoot(n.Paper, status)
	} else {
		id, _ = m.tree.AddChild(parent, n.Paper, status)
	}
	if status == storage.StatusFailed && n.Failure != nil {
		_ = m.tree.Fail(id, n.Failure.Kind, n.Failure.Message)
	}
	if status == storage.StatusExpanded && key != "" {
		m.expanded[key] = true
	}
	return id, status != storage.StatusReference
}

func (m *merger) copySubtree(parent int, src *storage.SessionState, srcID int) int {
	n := src.Nodes[srcID]
	id, descend := m.add(parent, n)
	if descend {
		for _, c := range n.Children {
			m.copySubtree(id, src, c)
		}
	}
	return id
}

// mergeInto folds the source subtree at srcID into the result node dstID.
func (m *merger) mergeInto(dstID int, src *storage.SessionState, srcID int) {
	dst, _ := m.tree.Node(dstID)
	n := src.Nodes[srcID]

	if statusRank[n.Status] > statusRank[dst.Status] {
		key := listingKey(n.Paper)
		if n.Status == storage.StatusExpanded && key != "" && m.expanded[key] {
			_ = m.tree.SetStatus(dstID, storage.StatusReference)
			return
		}
		_ = m.tree.SetStatus(dstID, n.Status)
		if n.Status == storage.StatusExpanded && key != "" {
			m.expanded[key] = true
		}
		// Source placeholders are replaced by parsed root papers.
		if dst.Paper.Title == storage.RootTitle && n.Paper.Title != storage.RootTitle {
			_ = m.tree.SetPaper(dstID, n.Paper)
		}
	}
	if dst.Status == storage.StatusReference && statusRank[n.Status] <= statusRank[dst.Status] {
		return
	}

	children := make(map[string]int, len(dst.Children))
	for _, c := range dst.Children {
		cn, _ := m.tree.Node(c)
		children[paperKey(cn.Paper)] = c
	}
	for _, c := range n.Children {
		key := paperKey(src.Nodes[c].Paper)
		if existing, ok := children[key]; ok {
			m.mergeInto(existing, src, c)
			continue
		}
		children[key] = m.copySubtree(dstID, src, c)
	}
}
