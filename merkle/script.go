package merkle

import (
	"sync"

	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/u32"
)

// blake3 constants for a single 40-byte chunk that is both the first and
// the last block of the root.
var (
	iv = [8]uint32{
		0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
		0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
	}
	msgPermutation = [16]int{2, 6, 3, 10, 7, 0, 4, 13, 1, 11, 12, 5, 9, 14, 15, 8}
)

const (
	blockLen   = 40
	blockFlags = 1 | 2 | 8 // chunk start, chunk end, root
	msgWords   = 10
)

// bswap reverses the bytes of the top word.
func bswap() *script.Script {
	return script.New().Op(txscript.OP_SWAP, txscript.OP_2SWAP, txscript.OP_SWAP)
}

// compressor tracks which state word sits where above the lookup table
// while the compression rounds are emitted. Message words stay below the
// table.
type compressor struct {
	s     *script.Script
	stack []int
}

func (c *compressor) idx(word int) int {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i] == word {
			return len(c.stack) - 1 - i
		}
	}
	panic("merkle: state word not tracked")
}

func (c *compressor) msg(k int) int {
	return len(c.stack) + u32.TableSize/4 + (msgWords - 1 - k)
}

func (c *compressor) remove(word int) {
	i := len(c.stack) - 1 - c.idx(word)
	c.stack = append(c.stack[:i:i], c.stack[i+1:]...)
}

func (c *compressor) moveTop(word int) {
	c.remove(word)
	c.stack = append(c.stack, word)
}

// add leaves the sum in place of consume.
func (c *compressor) add(keep, consume int) {
	c.s.Append(u32.Add(c.idx(keep), c.idx(consume)))
	c.moveTop(consume)
}

func (c *compressor) addMsg(k int) {
	if k >= msgWords {
		return
	}
	c.s.Append(u32.Pick(c.msg(k)), u32.AddDrop(0, 1))
}

func (c *compressor) xor(keep, consume, rot int) {
	c.s.Append(u32.Xor(c.idx(keep), c.idx(consume), len(c.stack)))
	c.moveTop(consume)
	c.s.Append(u32.RRot(rot))
}

func (c *compressor) g(a, b, cc, d, mx, my int) {
	c.add(b, a)
	c.addMsg(mx)
	c.xor(a, d, 16)
	c.add(d, cc)
	c.xor(cc, b, 12)
	c.add(b, a)
	c.addMsg(my)
	c.xor(a, d, 8)
	c.add(d, cc)
	c.xor(cc, b, 7)
}

var hashScript = sync.OnceValue(func() *script.Script {
	c := &compressor{s: script.New()}
	c.s.Repeat(msgWords, func(int) *script.Script {
		return script.Concat(u32.Roll(msgWords-1), bswap())
	})
	c.s.Append(u32.PushTable())
	init := append(append(iv[:], iv[:4]...), 0, 0, blockLen, blockFlags)
	for i, v := range init {
		c.s.Append(u32.Push(v))
		c.stack = append(c.stack, i)
	}

	var sched [16]int
	for i := range sched {
		sched[i] = i
	}
	for r := 0; r < 7; r++ {
		c.g(0, 4, 8, 12, sched[0], sched[1])
		c.g(1, 5, 9, 13, sched[2], sched[3])
		c.g(2, 6, 10, 14, sched[4], sched[5])
		c.g(3, 7, 11, 15, sched[6], sched[7])
		c.g(0, 5, 10, 15, sched[8], sched[9])
		c.g(1, 6, 11, 12, sched[10], sched[11])
		c.g(2, 7, 8, 13, sched[12], sched[13])
		c.g(3, 4, 9, 14, sched[14], sched[15])
		var next [16]int
		for i, p := range msgPermutation {
			next[i] = sched[p]
		}
		sched = next
	}

	for i := 4; i >= 0; i-- {
		c.s.Append(u32.XorDrop(c.idx(i), c.idx(i+8), len(c.stack)), bswap(), u32.ToAltStack())
		c.remove(i)
		c.remove(i + 8)
	}
	c.s.Repeat(len(c.stack), func(int) *script.Script { return u32.Drop() })
	c.s.Append(u32.DropTable())
	c.s.Repeat(msgWords, func(int) *script.Script { return u32.Drop() })
	c.s.Repeat(5, func(int) *script.Script { return u32.FromAltStack() })
	return c.s
})

// HashScript replaces the two nodes on top, right child on top, with their
// parent. Every item must already be a byte.
func HashScript() *script.Script {
	return script.Concat(hashScript())
}

// LeafScript turns the word on top into its leaf node.
func LeafScript() *script.Script {
	return script.New().
		Repeat(16, func(int) *script.Script { return script.New().Num(0) }).
		Append(u32.Roll(4))
}

// CheckNode fails unless the 20 items on top are bytes, as a node taken
// from the witness has to be before it is hashed.
func CheckNode() *script.Script {
	return script.New().Repeat(20, func(int) *script.Script {
		return script.New().
			Int(19).Op(txscript.OP_ROLL, txscript.OP_DUP).
			Num(0).Num(256).Op(txscript.OP_WITHIN, txscript.OP_VERIFY)
	})
}
