// Package wide handles 160 and 256-bit values as runs of u32 words. Bytes
// sit in natural order, the last byte on top, so word 0 is the deepest.
package wide

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/u32"
)

const (
	U160Words = 5
	U256Words = 8
)

func pushBytes(op string, h string, size int) *script.Script {
	s := script.New()
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(h), "0x"))
	if err != nil {
		return s.Fail(script.Errorf(op, script.ErrMalformedHex, "%q", h))
	}
	if len(b) != size {
		return s.Fail(script.Errorf(op, script.ErrOutOfRange, "want %d bytes, got %d", size, len(b)))
	}
	for _, c := range b {
		s.Num(int64(c))
	}
	return s
}

// U160Push pushes the 20 bytes of h, given as 40 hex digits.
func U160Push(h string) *script.Script {
	return pushBytes("u160_push", h, 20)
}

// U160EqualVerify pops two u160 values and fails unless they are equal.
func U160EqualVerify() *script.Script {
	return script.New().Repeat(U160Words, func(i int) *script.Script {
		return script.Concat(u32.Roll(U160Words-i), u32.EqualVerify())
	})
}

// U160Equal pops two u160 values and pushes 1 if they are equal.
func U160Equal() *script.Script {
	return byteFold(20, txscript.OP_EQUAL, nil, txscript.OP_BOOLAND)
}

// U160NotEqual pops two u160 values and pushes 1 if they differ.
func U160NotEqual() *script.Script {
	return byteFold(20, txscript.OP_EQUAL, []byte{txscript.OP_NOT}, txscript.OP_BOOLOR)
}

// byteFold compares two n-byte values pairwise, byte by byte from the top,
// and folds the results with join.
func byteFold(n int, cmp byte, post []byte, join byte) *script.Script {
	return script.New().
		Repeat(n-1, func(i int) *script.Script {
			return script.New().Int(n - i).Op(txscript.OP_ROLL, cmp).Op(post...).Op(txscript.OP_TOALTSTACK)
		}).
		Op(cmp).Op(post...).
		Repeat(n-1, func(int) *script.Script {
			return script.New().Op(txscript.OP_FROMALTSTACK, join)
		})
}

// U160ToAltStack moves a u160 value to the alt stack.
func U160ToAltStack() *script.Script {
	return script.New().Repeat(20, func(int) *script.Script {
		return script.New().Op(txscript.OP_TOALTSTACK)
	})
}

// U160FromAltStack moves a u160 value back from the alt stack.
func U160FromAltStack() *script.Script {
	return script.New().Repeat(20, func(int) *script.Script {
		return script.New().Op(txscript.OP_FROMALTSTACK)
	})
}

// U160Roll moves u160 value n to the top.
func U160Roll(n int) *script.Script {
	return rollWide("u160_roll", n, U160Words)
}

// U160Pick copies u160 value n to the top.
func U160Pick(n int) *script.Script {
	if n < 0 {
		return script.New().Fail(script.Errorf("u160_pick", script.ErrOutOfRange, "index %d", n))
	}
	return script.New().Repeat(U160Words, func(int) *script.Script {
		return u32.Pick((n+1)*U160Words - 1)
	})
}

// U160Drop removes the top u160 value.
func U160Drop() *script.Script {
	return script.New().Repeat(10, func(int) *script.Script {
		return script.New().Op(txscript.OP_2DROP)
	})
}

func rollWide(op string, n, words int) *script.Script {
	if n < 0 {
		return script.New().Fail(script.Errorf(op, script.ErrOutOfRange, "index %d", n))
	}
	return script.New().Repeat(words, func(int) *script.Script {
		return u32.Roll((n+1)*words - 1)
	})
}
