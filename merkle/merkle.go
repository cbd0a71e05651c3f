// Package merkle commits a word memory to a 160-bit root. Nodes are the
// first 20 bytes of BLAKE3 over both children, computed natively here and
// in script by HashScript.
package merkle

import (
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/wide"
)

var (
	ErrDepth   = errors.New("tree depth out of range")
	ErrAddress = errors.New("address outside the tree")
)

// MaxDepth bounds a tree. Address bits are read from a committed u32.
const MaxDepth = 16

// Node is one 160-bit tree node, byte 0 deepest on the stack.
type Node [20]byte

func (n Node) String() string { return hex.EncodeToString(n[:]) }

// MarshalText encodes the node as hex.
func (n Node) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

// UnmarshalText decodes 40 hex digits.
func (n *Node) UnmarshalText(b []byte) error {
	d, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("node hex: %w", err)
	}
	if len(d) != len(n) {
		return fmt.Errorf("node is %d bytes, want %d", len(d), len(n))
	}
	copy(n[:], d)
	return nil
}

// Push pushes n with byte 19 on top.
func (n Node) Push() *script.Script { return wide.U160Push(n.String()) }

// Unlock pushes n as witness items for a script that takes the node
// from the witness rather than from a commitment.
func (n Node) Unlock() *script.Script {
	s := script.New()
	for _, b := range n {
		s.Num(int64(b))
	}
	return s
}

// Hash is the parent of left and right.
func Hash(left, right Node) Node {
	var b [40]byte
	copy(b[:20], left[:])
	copy(b[20:], right[:])
	sum := blake3.Sum256(b[:])
	var out Node
	copy(out[:], sum[:20])
	return out
}

// LeafNode is the node of a memory word: 16 zero bytes and v big endian.
func LeafNode(v uint32) Node {
	var n Node
	n[16], n[17], n[18], n[19] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	return n
}

// Tree is a complete binary tree over 2^depth words. Level 0 holds the
// leaves and level depth the root.
type Tree struct {
	depth  int
	values []uint32
	levels [][]Node
}

// NewTree commits mem, padded with zero words to 2^depth.
func NewTree(depth int, mem []uint32) (*Tree, error) {
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrDepth, depth)
	}
	size := 1 << uint(depth)
	if len(mem) > size {
		return nil, fmt.Errorf("%w: %d words in a depth %d tree", ErrAddress, len(mem), depth)
	}
	t := &Tree{depth: depth, values: make([]uint32, size), levels: make([][]Node, depth+1)}
	copy(t.values, mem)
	t.levels[0] = make([]Node, size)
	for i, v := range t.values {
		t.levels[0][i] = LeafNode(v)
	}
	for l := 1; l <= depth; l++ {
		below := t.levels[l-1]
		t.levels[l] = make([]Node, len(below)/2)
		for i := range t.levels[l] {
			t.levels[l][i] = Hash(below[2*i], below[2*i+1])
		}
	}
	return t, nil
}

func (t *Tree) Depth() int { return t.depth }

func (t *Tree) Root() Node { return t.levels[t.depth][0] }

// Size is the number of words.
func (t *Tree) Size() int { return len(t.values) }

func (t *Tree) check(addr uint32) error {
	if uint64(addr) >= uint64(len(t.values)) {
		return fmt.Errorf("%w: %d of %d", ErrAddress, addr, len(t.values))
	}
	return nil
}

// Value reads the word at addr.
func (t *Tree) Value(addr uint32) (uint32, error) {
	if err := t.check(addr); err != nil {
		return 0, err
	}
	return t.values[addr], nil
}

// Set writes v at addr and rehashes its path.
func (t *Tree) Set(addr, v uint32) error {
	if err := t.check(addr); err != nil {
		return err
	}
	t.values[addr] = v
	i := int(addr)
	t.levels[0][i] = LeafNode(v)
	for l := 1; l <= t.depth; l++ {
		i >>= 1
		t.levels[l][i] = Hash(t.levels[l-1][2*i], t.levels[l-1][2*i+1])
	}
	return nil
}

// Clone returns an independent copy.
func (t *Tree) Clone() *Tree {
	c := &Tree{depth: t.depth, values: append([]uint32(nil), t.values...), levels: make([][]Node, len(t.levels))}
	for l, nodes := range t.levels {
		c.levels[l] = append([]Node(nil), nodes...)
	}
	return c
}

// Path proves the word at Addr against a root.
type Path struct {
	Addr uint32
	// Nodes[0] is the leaf node and Nodes[depth] the root.
	Nodes []Node
	// Siblings[l] is the other child under Nodes[l+1].
	Siblings []Node
}

// Path returns the path of addr.
func (t *Tree) Path(addr uint32) (Path, error) {
	if err := t.check(addr); err != nil {
		return Path{}, err
	}
	p := Path{Addr: addr, Nodes: make([]Node, t.depth+1), Siblings: make([]Node, t.depth)}
	i := int(addr)
	for l := 0; l < t.depth; l++ {
		p.Nodes[l] = t.levels[l][i]
		p.Siblings[l] = t.levels[l][i^1]
		i >>= 1
	}
	p.Nodes[t.depth] = t.Root()
	return p, nil
}

// Bit is the address bit choosing the side of Nodes[level] under its
// parent: 0 for left.
func (p Path) Bit(level int) int { return int(p.Addr>>uint(level)) & 1 }

// Parent hashes child with the sibling at level in address order.
func (p Path) Parent(level int, child Node) Node {
	if p.Bit(level) == 0 {
		return Hash(child, p.Siblings[level])
	}
	return Hash(p.Siblings[level], child)
}

// Verify recomputes every node from the leaf up.
func (p Path) Verify() bool {
	if len(p.Nodes) != len(p.Siblings)+1 {
		return false
	}
	for l := range p.Siblings {
		if p.Parent(l, p.Nodes[l]) != p.Nodes[l+1] {
			return false
		}
	}
	return true
}
