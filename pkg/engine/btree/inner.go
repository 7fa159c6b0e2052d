package btree

import (
	"sort"
	"sync"

	"github.com/go-kvengine/kvengine/pkg/pmr"
)

// InnerKeys is the fan-out of one volatile inner node: up to InnerKeys
// separator keys and InnerKeys+1 children.
const InnerKeys = 4

// childKind distinguishes an inner node's two possible child payloads: a
// nested inner node, or a leaf living in the persistent region.
type childKind int

const (
	childInner childKind = iota
	childLeaf
)

// childRef is a tagged union over {*innerNode, pmr.Pointer}. Inner nodes
// themselves are purely volatile bookkeeping, rebuilt from the
// persistent leaf chain on every Open; only the leaf pointers they
// ultimately resolve to are durable.
type childRef struct {
	kind  childKind
	inner *innerNode
	leaf  pmr.Pointer
}

func leafRef(p pmr.Pointer) childRef { return childRef{kind: childLeaf, leaf: p} }
func innerRef(n *innerNode) childRef { return childRef{kind: childInner, inner: n} }

// innerNode is a volatile B+-tree interior node. keys[i] separates
// children[i] from children[i+1]: every key reachable through children[i]
// is < keys[i], and every key reachable through children[i+1] is >=
// keys[i]. It is rebuilt in full on recovery by replaying the persistent
// leaf chain, so it carries no on-disk representation of its own.
type innerNode struct {
	keys     [][]byte
	children []childRef
}

// index holds the arena of volatile inner nodes above the persistent
// leaf chain, plus the single-writer/multi-reader lock that guards
// mutation of that arena. Readers of the persistent leaves themselves
// are lock-free; this lock only serializes concurrent structural
// changes (leaf splits) made by writers.
type index struct {
	mu   sync.RWMutex
	root childRef
	cmp  func(a, b []byte) int
}

func newIndex(rootLeaf pmr.Pointer, cmp func(a, b []byte) int) *index {
	return &index{root: leafRef(rootLeaf), cmp: cmp}
}

// findLeaf walks the volatile index to the persistent leaf that should
// contain key. Caller must hold at least a read lock on idx.mu.
func (idx *index) findLeaf(key []byte) pmr.Pointer {
	ref := idx.root
	for ref.kind == childInner {
		n := ref.inner
		i := sort.Search(len(n.keys), func(i int) bool {
			return idx.cmp(key, n.keys[i]) < 0
		})
		ref = n.children[i]
	}
	return ref.leaf
}

// insertSeparator routes a newly split-off leaf (minKey, leafPtr) into
// the volatile index, descending by minKey and splitting inner nodes
// that overflow InnerKeys. It is the same primitive recovery uses to
// place every persistent leaf it discovers, so there is exactly one
// "teach the inner tree about this leaf" code path in the package.
// Caller must hold idx.mu for writing.
func (idx *index) insertSeparator(minKey []byte, leafPtr pmr.Pointer) {
	if idx.root.kind == childLeaf {
		// First split of a single-leaf tree: manufacture a two-child root.
		idx.root = innerRef(&innerNode{
			keys:     [][]byte{minKey},
			children: []childRef{idx.root, leafRef(leafPtr)},
		})
		return
	}
	if sep, right, split := idx.insertInto(idx.root.inner, minKey, leafRef(leafPtr)); split {
		idx.root = innerRef(&innerNode{
			keys:     [][]byte{sep},
			children: []childRef{idx.root, innerRef(right)},
		})
	}
}

// insertInto descends n looking for the child whose range minKey falls
// into, recurses or inserts directly into a leaf child, and splits n if
// that push left it over InnerKeys. It reports the promoted
// (separator, rightSibling) pair to its own caller when n split, so the
// split propagates up exactly one level per call — including, via
// insertSeparator, to a brand new root.
func (idx *index) insertInto(n *innerNode, minKey []byte, newChild childRef) (sep []byte, right *innerNode, split bool) {
	i := sort.Search(len(n.keys), func(i int) bool {
		return idx.cmp(minKey, n.keys[i]) < 0
	})
	child := n.children[i]
	if child.kind == childLeaf {
		n.insertAt(i+1, minKey, newChild)
	} else {
		if childSep, childRight, childSplit := idx.insertInto(child.inner, minKey, newChild); childSplit {
			n.insertAt(i+1, childSep, innerRef(childRight))
		}
	}
	if len(n.keys) > InnerKeys {
		sep, right = n.split()
		return sep, right, true
	}
	return nil, nil, false
}

// insertAt inserts newChild as children[pos] with separator key sep
// immediately before it.
func (n *innerNode) insertAt(pos int, sep []byte, newChild childRef) {
	n.keys = append(n.keys, nil)
	copy(n.keys[pos:], n.keys[pos-1:])
	n.keys[pos-1] = sep

	n.children = append(n.children, childRef{})
	copy(n.children[pos+1:], n.children[pos:])
	n.children[pos] = newChild
}

// split halves n in place and returns the separator key promoted to the
// parent along with the new right-hand sibling.
func (n *innerNode) split() ([]byte, *innerNode) {
	mid := len(n.keys) / 2
	sep := n.keys[mid]

	right := &innerNode{
		keys:     append([][]byte{}, n.keys[mid+1:]...),
		children: append([]childRef{}, n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	return sep, right
}
