package commit

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/u32"
)

// hashlock appends the digest for (id, index, value) to s.
func hashlock(s *script.Script, a Actor, id string, index, value int) *script.Script {
	d, err := a.Hashlock(id, index, value)
	if err != nil {
		return s.Fail(err)
	}
	return s.Data(d)
}

func preimage(a Actor, id string, index, value int) *script.Script {
	s := script.New()
	p, err := a.Preimage(id, index, value)
	if err != nil {
		return s.Fail(err)
	}
	return s.Data(p)
}

// PreimageVerify consumes a preimage and fails unless it opens value of
// stage index of id.
func PreimageVerify(a Actor, id string, index, value int) *script.Script {
	s := script.New().Op(txscript.OP_RIPEMD160)
	return hashlock(s, a, id, index, value).Op(txscript.OP_EQUALVERIFY)
}

// BitState reads a committed bit and leaves it on the stack.
func BitState(a Actor, id string, index int) *script.Script {
	s := script.New().Op(txscript.OP_RIPEMD160, txscript.OP_DUP)
	hashlock(s, a, id, index, 1).Op(txscript.OP_EQUAL, txscript.OP_DUP, txscript.OP_ROT)
	hashlock(s, a, id, index, 0).Op(txscript.OP_EQUAL, txscript.OP_BOOLOR, txscript.OP_VERIFY)
	return s
}

// BitStateCommit checks a committed bit without leaving it.
func BitStateCommit(a Actor, id string, index int) *script.Script {
	s := script.New().Op(txscript.OP_RIPEMD160, txscript.OP_DUP)
	hashlock(s, a, id, index, 1).Op(txscript.OP_EQUAL, txscript.OP_SWAP)
	hashlock(s, a, id, index, 0).Op(txscript.OP_EQUAL, txscript.OP_BOOLOR, txscript.OP_VERIFY)
	return s
}

// BitStateUnlock reveals value for a bit commitment.
func BitStateUnlock(a Actor, id string, value, index int) *script.Script {
	return preimage(a, id, index, value&1)
}

// u2Read is the 1-of-4 selector shared by the 2-bit readers. out maps the
// matched candidate to the value left on the stack.
func u2Read(a Actor, id string, index int, out [4]int64) *script.Script {
	s := script.New().Op(txscript.OP_RIPEMD160)
	for v := 3; v >= 1; v-- {
		s.Op(txscript.OP_DUP)
		hashlock(s, a, id, index, v).Op(txscript.OP_EQUAL, txscript.OP_IF, txscript.OP_DROP).
			Num(out[v]).
			Op(txscript.OP_ELSE)
	}
	hashlock(s, a, id, index, 0).Op(txscript.OP_EQUALVERIFY).Num(out[0])
	return s.Op(txscript.OP_ENDIF, txscript.OP_ENDIF, txscript.OP_ENDIF)
}

// U2State reads a committed 2-bit stage and leaves its value.
func U2State(a Actor, id string, index int) *script.Script {
	return u2Read(a, id, index, [4]int64{0, 1, 2, 3})
}

// U2StateCommit checks a committed 2-bit stage without leaving it.
func U2StateCommit(a Actor, id string, index int) *script.Script {
	s := script.New().Op(txscript.OP_RIPEMD160, txscript.OP_DUP)
	hashlock(s, a, id, index, 3).Op(txscript.OP_EQUAL)
	s.Op(txscript.OP_OVER)
	hashlock(s, a, id, index, 2).Op(txscript.OP_EQUAL, txscript.OP_BOOLOR)
	s.Op(txscript.OP_OVER)
	hashlock(s, a, id, index, 1).Op(txscript.OP_EQUAL, txscript.OP_BOOLOR)
	s.Op(txscript.OP_SWAP)
	hashlock(s, a, id, index, 0).Op(txscript.OP_EQUAL, txscript.OP_BOOLOR, txscript.OP_VERIFY)
	return s
}

// U2StateUnlock reveals value for a 2-bit stage.
func U2StateUnlock(a Actor, id string, value, index int) *script.Script {
	return preimage(a, id, index, value&3)
}

// U8State reads a committed byte. Stage 3 holds the two most significant
// bits and sits on top of the witness.
func U8State(a Actor, id string) *script.Script {
	return script.New().Repeat(4, func(i int) *script.Script {
		s := U2State(a, id, 3-i)
		switch i {
		case 0:
			s.Op(txscript.OP_TOALTSTACK)
		default:
			s.Op(txscript.OP_FROMALTSTACK,
				txscript.OP_DUP, txscript.OP_ADD, txscript.OP_DUP, txscript.OP_ADD,
				txscript.OP_ADD)
			if i != 3 {
				s.Op(txscript.OP_TOALTSTACK)
			}
		}
		return s
	})
}

// U8StateCommit checks a committed byte without leaving it.
func U8StateCommit(a Actor, id string) *script.Script {
	return script.New().Repeat(4, func(i int) *script.Script {
		return U2StateCommit(a, id, 3-i)
	})
}

// U8StateUnlock reveals the four stages of value, stage 3 last.
func U8StateUnlock(a Actor, id string, value uint8) *script.Script {
	return script.New().Repeat(4, func(i int) *script.Script {
		return U2StateUnlock(a, id, int(value>>(2*uint(i))&3), i)
	})
}

// U32State reads a committed word, least significant byte on top.
func U32State(a Actor, id string) *script.Script {
	return script.New().
		Append(U8State(a, ByteID(id, 0))).Op(txscript.OP_TOALTSTACK).
		Append(U8State(a, ByteID(id, 1))).Op(txscript.OP_TOALTSTACK).
		Append(U8State(a, ByteID(id, 2))).Op(txscript.OP_TOALTSTACK).
		Append(U8State(a, ByteID(id, 3))).
		Op(txscript.OP_FROMALTSTACK, txscript.OP_FROMALTSTACK, txscript.OP_FROMALTSTACK)
}

// U32StateCommit checks a committed word without leaving it.
func U32StateCommit(a Actor, id string) *script.Script {
	return script.New().Repeat(4, func(i int) *script.Script {
		return U8StateCommit(a, ByteID(id, i))
	})
}

// U32StateUnlock reveals value, most significant byte first.
func U32StateUnlock(a Actor, id string, value uint32) *script.Script {
	return script.New().Repeat(4, func(i int) *script.Script {
		b := 3 - i
		return U8StateUnlock(a, ByteID(id, b), uint8(value>>(8*uint(b))))
	})
}

// Words splits big-endian bytes into u32 words, most significant first.
func Words(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = uint32(b[4*i])<<24 | uint32(b[4*i+1])<<16 | uint32(b[4*i+2])<<8 | uint32(b[4*i+3])
	}
	return out
}

// wordsState reads n word commitments. The last word is on top of the
// witness, so it is read first and parked on the alt stack.
func wordsState(a Actor, id string, n int) *script.Script {
	s := script.New()
	for w := n - 1; w > 0; w-- {
		s.Append(U32State(a, WordID(id, w)), u32.ToAltStack())
	}
	s.Append(U32State(a, WordID(id, 0)))
	for w := 1; w < n; w++ {
		s.Append(u32.FromAltStack())
	}
	return s
}

func wordsCommit(a Actor, id string, n int) *script.Script {
	s := script.New()
	for w := n - 1; w >= 0; w-- {
		s.Append(U32StateCommit(a, WordID(id, w)))
	}
	return s
}

func wordsUnlock(op string, a Actor, id string, value []byte, n int) *script.Script {
	s := script.New()
	if len(value) != 4*n {
		return s.Fail(script.Errorf(op, script.ErrOutOfRange, "want %d bytes, got %d", 4*n, len(value)))
	}
	for w, v := range Words(value) {
		s.Append(U32StateUnlock(a, WordID(id, w), v))
	}
	return s
}

// U160State reads a committed 20-byte value, byte 19 on top.
func U160State(a Actor, id string) *script.Script { return wordsState(a, id, 5) }

// U160StateCommit checks a committed 20-byte value without leaving it.
func U160StateCommit(a Actor, id string) *script.Script { return wordsCommit(a, id, 5) }

// U160StateUnlock reveals a 20-byte value.
func U160StateUnlock(a Actor, id string, value []byte) *script.Script {
	return wordsUnlock("u160_state_unlock", a, id, value, 5)
}

// U256State reads a committed 32-byte value, byte 31 on top.
func U256State(a Actor, id string) *script.Script { return wordsState(a, id, 8) }

// U256StateCommit checks a committed 32-byte value without leaving it.
func U256StateCommit(a Actor, id string) *script.Script { return wordsCommit(a, id, 8) }

// U256StateUnlock reveals a 32-byte value.
func U256StateUnlock(a Actor, id string, value []byte) *script.Script {
	return wordsUnlock("u256_state_unlock", a, id, value, 8)
}
