package storage

import "fmt"

var validStatuses = map[NodeStatus]bool{
	StatusPending:   true,
	StatusExpanded:  true,
	StatusLeaf:      true,
	StatusReference: true,
	StatusFailed:    true,
}

// checkVersion upgrades legacy records in place and rejects newer ones.
func checkVersion(state *SessionState) error {
	if state.Version == 0 {
		state.Version = 1
	}
	if state.Version > CurrentVersion {
		return fmt.Errorf("%w: %d (max %d)", ErrUnsupportedVersion, state.Version, CurrentVersion)
	}
	return nil
}

// ValidateState checks the structural invariants of a snapshot: node ids are
// table indices, parent and child links agree, and depth grows by one per edge.
func ValidateState(state *SessionState) error {
	if state == nil {
		return fmt.Errorf("%w: nil state", ErrCorrupt)
	}
	if err := ValidateSessionID(state.SessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(state.Nodes) > 0 && len(state.Roots) == 0 {
		return fmt.Errorf("%w: nodes without roots", ErrCorrupt)
	}

	for i, n := range state.Nodes {
		if n.ID != i {
			return fmt.Errorf("%w: node at index %d has id %d", ErrCorrupt, i, n.ID)
		}
		if !validStatuses[n.Status] {
			return fmt.Errorf("%w: node %d has status %q", ErrCorrupt, i, n.Status)
		}
		if n.Status == StatusFailed && n.Failure == nil {
			return fmt.Errorf("%w: failed node %d has no failure marker", ErrCorrupt, i)
		}
		if n.Parent == NoParent {
			if n.Depth != 0 {
				return fmt.Errorf("%w: root %d has depth %d", ErrCorrupt, i, n.Depth)
			}
		} else {
			if n.Parent < 0 || n.Parent >= len(state.Nodes) {
				return fmt.Errorf("%w: node %d has parent %d out of range", ErrCorrupt, i, n.Parent)
			}
			parent := state.Nodes[n.Parent]
			if parent.Depth+1 != n.Depth {
				return fmt.Errorf("%w: node %d depth %d under parent depth %d", ErrCorrupt, i, n.Depth, parent.Depth)
			}
			if n.Position < 0 || n.Position >= len(parent.Children) || parent.Children[n.Position] != i {
				return fmt.Errorf("%w: node %d missing from parent %d", ErrCorrupt, i, n.Parent)
			}
		}
		for pos, c := range n.Children {
			if c < 0 || c >= len(state.Nodes) {
				return fmt.Errorf("%w: node %d has child %d out of range", ErrCorrupt, i, c)
			}
			if state.Nodes[c].Parent != i || state.Nodes[c].Position != pos {
				return fmt.Errorf("%w: child %d does not point back to node %d", ErrCorrupt, c, i)
			}
		}
	}

	for pos, r := range state.Roots {
		if r < 0 || r >= len(state.Nodes) {
			return fmt.Errorf("%w: root %d out of range", ErrCorrupt, r)
		}
		if state.Nodes[r].Parent != NoParent || state.Nodes[r].Position != pos {
			return fmt.Errorf("%w: root %d is not a root record", ErrCorrupt, r)
		}
	}
	return nil
}
