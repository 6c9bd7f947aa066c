// Package stage models the staging area of an ingestion run: the scanned
// directory tree and the operator's file selection on top of it.
package stage

// Kind classifies a tree node.
type Kind string

const (
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
	KindBinary Kind = "binary"
)

// Node is one entry in a staged selection tree. RelPath is the
// slash-separated path relative to the scan root and is unique within a
// tree; the root carries an empty RelPath. Trees are treated as immutable:
// operations return a new tree and share untouched branches with the input.
type Node struct {
	Name     string  `json:"name"`
	RelPath  string  `json:"rel_path"`
	Kind     Kind    `json:"kind"`
	Checked  bool    `json:"checked"`
	Children []*Node `json:"children,omitempty"`
}

// Toggle returns a tree in which the node at relPath and every node below
// it carry Checked=checked. The value is written subtree-wide regardless of
// previous per-node state. The input tree is never modified; when relPath
// does not exist the original root pointer is returned unchanged.
func Toggle(root *Node, relPath string, checked bool) *Node {
	if root == nil {
		return nil
	}
	if root.RelPath == relPath {
		return setSubtree(root, checked)
	}
	for i, child := range root.Children {
		updated := Toggle(child, relPath, checked)
		if updated == child {
			continue
		}
		clone := *root
		clone.Children = make([]*Node, len(root.Children))
		copy(clone.Children, root.Children)
		clone.Children[i] = updated
		return &clone
	}
	return root
}

func setSubtree(n *Node, checked bool) *Node {
	clone := *n
	clone.Checked = checked
	if len(n.Children) > 0 {
		clone.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			clone.Children[i] = setSubtree(c, checked)
		}
	}
	return &clone
}

// SelectedFiles returns the rel paths of every checked file node in
// document order (depth-first, children in tree order). Folder and binary
// nodes never contribute, whatever their Checked flag says.
func SelectedFiles(root *Node) []string {
	var out []string
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.Kind == KindFile && n.Checked {
			out = append(out, n.RelPath)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return out
}

// Find returns the node with the given rel path, or nil.
func Find(root *Node, relPath string) *Node {
	if root == nil {
		return nil
	}
	if root.RelPath == relPath {
		return root
	}
	for _, c := range root.Children {
		if n := Find(c, relPath); n != nil {
			return n
		}
	}
	return nil
}

// CountFiles reports how many file nodes the subtree contains and how many
// of them are checked.
func CountFiles(root *Node) (total, selected int) {
	if root == nil {
		return 0, 0
	}
	if root.Kind == KindFile {
		total++
		if root.Checked {
			selected++
		}
	}
	for _, c := range root.Children {
		t, s := CountFiles(c)
		total += t
		selected += s
	}
	return total, selected
}

// CheckState is the display state of a node in the selection tree.
type CheckState int

const (
	StateUnchecked CheckState = iota
	StateChecked
	StatePartial
)

// State reports the display state of a node. Files and binaries answer from
// their own Checked flag. Folders derive theirs from their file
// descendants, so a folder whose child was re-toggled after the folder
// itself shows up as partial rather than lying in either direction.
func State(n *Node) CheckState {
	if n == nil {
		return StateUnchecked
	}
	if n.Kind != KindFolder {
		if n.Checked {
			return StateChecked
		}
		return StateUnchecked
	}
	total, selected := CountFiles(n)
	switch {
	case total == 0:
		if n.Checked {
			return StateChecked
		}
		return StateUnchecked
	case selected == 0:
		return StateUnchecked
	case selected == total:
		return StateChecked
	default:
		return StatePartial
	}
}
