// Package proptree implements the hierarchical property tree used to
// configure the Device launcher: a sideways binary tree (first-child,
// next-sibling) of named nodes carrying optional string values.
package proptree

import (
	"fmt"
	"io"
	"strings"
)

// Node is one element of the tree. Children are linked via Child (first
// child) and Sibling (next sibling); Parent is a non-owning back-reference
// used only during construction and traversal, never for ownership.
type Node struct {
	Name    string
	value   string
	hasVal  bool
	Child   *Node
	Sibling *Node
	Parent  *Node
}

// New creates a node named name. If parent is non-nil, the node is attached
// as the parent's last child, preserving document order.
func New(name string, parent *Node) *Node {
	n := &Node{Name: name, Parent: parent}
	if parent != nil {
		if parent.Child == nil {
			parent.Child = n
		} else {
			last := parent.Child
			for last.Sibling != nil {
				last = last.Sibling
			}
			last.Sibling = n
		}
	}
	return n
}

// SetString sets the node's value.
func (n *Node) SetString(value string) {
	n.value = value
	n.hasVal = true
}

// SetPrintf sets the node's value using fmt.Sprintf.
func (n *Node) SetPrintf(format string, args ...any) {
	n.SetString(fmt.Sprintf(format, args...))
}

// String returns the node's value, or "" if none was ever set.
func (n *Node) String() string {
	if !n.hasVal {
		return ""
	}
	return n.value
}

// HasValue reports whether SetString/SetPrintf has been called on this node.
func (n *Node) HasValue() bool {
	return n.hasVal
}

// AtDepth descends level times by repeatedly taking the last child,
// returning the deepest node found. It returns nil if the tree is shallower
// than level. Parsers use this to find the "current indentation parent"
// while reading a text-property file line by line.
func (n *Node) AtDepth(level int) *Node {
	cur := n
	for level > 0 {
		if cur.Child == nil {
			return nil
		}
		cur = cur.Child
		for cur.Sibling != nil {
			cur = cur.Sibling
		}
		level--
	}
	return cur
}

// Locate walks children matching each "/"-separated segment of path,
// starting from n's children. It returns the found node, or nil.
func (n *Node) Locate(path string) *Node {
	slash := strings.IndexByte(path, '/')
	segment := path
	rest := ""
	if slash >= 0 {
		segment = path[:slash]
		rest = path[slash+1:]
	}
	for child := n.Child; child != nil; child = child.Sibling {
		if child.Name == segment {
			if slash >= 0 {
				return child.Locate(rest)
			}
			return child
		}
	}
	return nil
}

// LocateFrom resolves path starting from an arbitrary node in the same
// tree rather than from n, letting a service sub-tree reference a sibling
// (e.g. a shared "context" block) without re-rooting the walk.
func (n *Node) LocateFrom(from *Node, path string) *Node {
	return from.Locate(path)
}

// Resolve returns the string value of the node at path, or def if no such
// node exists.
func (n *Node) Resolve(path string, def string) string {
	found := n.Locate(path)
	if found == nil {
		return def
	}
	return found.String()
}

// Visitor is called for each node during Execute. depth counts from 0 at
// the root. Returning a non-zero value short-circuits the walk and that
// value is propagated back out of Execute.
type Visitor func(n *Node, ctx any, depth int) int

// Execute performs a pre-order walk of the tree rooted at n, calling
// handler on every node including n itself.
func (n *Node) Execute(handler Visitor, ctx any) int {
	return n.execute(handler, ctx, 0)
}

func (n *Node) execute(handler Visitor, ctx any, depth int) int {
	if rc := handler(n, ctx, depth); rc != 0 {
		return rc
	}
	for child := n.Child; child != nil; child = child.Sibling {
		if rc := child.execute(handler, ctx, depth+1); rc != 0 {
			return rc
		}
	}
	return 0
}

// Clone deep-copies the subtree rooted at n (detached from any parent).
// Used by the Device launcher to snapshot a service's configuration before
// applying environment overrides to it.
func (n *Node) Clone() *Node {
	clone := &Node{Name: n.Name, value: n.value, hasVal: n.hasVal}
	var lastChild *Node
	for child := n.Child; child != nil; child = child.Sibling {
		childClone := child.Clone()
		childClone.Parent = clone
		if lastChild == nil {
			clone.Child = childClone
		} else {
			lastChild.Sibling = childClone
		}
		lastChild = childClone
	}
	return clone
}

// Dump pretty-prints the tree to w as indented name/value pairs, the
// canonical text-property rendering. The root node itself is not printed,
// only its descendants (mirroring the convention that a synthetic root
// carries no meaningful name or value of its own).
func (n *Node) Dump(w io.Writer) {
	n.Execute(func(node *Node, _ any, depth int) int {
		if depth == 0 {
			return 0
		}
		indent := strings.Repeat("    ", depth-1)
		if node.HasValue() {
			fmt.Fprintf(w, "%s%s = %s\n", indent, node.Name, node.String())
		} else {
			fmt.Fprintf(w, "%s%s\n", indent, node.Name)
		}
		return 0
	}, nil)
}
