// Package u32 compiles 32-bit word arithmetic into tapscript. A word is four
// byte items on the stack, most significant byte pushed first, least
// significant byte on top. Stack indices count words from the top, 0 being
// the topmost word.
package u32

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
)

// Push pushes v as four byte items.
func Push(v uint32) *script.Script {
	return script.New().Num(
		int64(v>>24),
		int64(v>>16&0xff),
		int64(v>>8&0xff),
		int64(v&0xff),
	)
}

// Bytes returns the four stack items Push(v) leaves, bottom first.
func Bytes(v uint32) [4]int64 {
	return [4]int64{int64(v >> 24), int64(v >> 16 & 0xff), int64(v >> 8 & 0xff), int64(v & 0xff)}
}

// EqualVerify pops two words and fails unless they are equal.
func EqualVerify() *script.Script {
	return script.New().
		Num(4).Op(txscript.OP_ROLL, txscript.OP_EQUALVERIFY).
		Num(3).Op(txscript.OP_ROLL, txscript.OP_EQUALVERIFY).
		Op(txscript.OP_ROT, txscript.OP_EQUALVERIFY).
		Op(txscript.OP_EQUALVERIFY)
}

// Equal pops two words and pushes 1 if they are equal, 0 otherwise.
func Equal() *script.Script {
	return script.New().
		Num(4).Op(txscript.OP_ROLL, txscript.OP_EQUAL, txscript.OP_TOALTSTACK).
		Num(3).Op(txscript.OP_ROLL, txscript.OP_EQUAL, txscript.OP_TOALTSTACK).
		Op(txscript.OP_ROT, txscript.OP_EQUAL, txscript.OP_TOALTSTACK).
		Op(txscript.OP_EQUAL).
		Repeat(3, func(int) *script.Script {
			return script.New().Op(txscript.OP_FROMALTSTACK, txscript.OP_BOOLAND)
		})
}

// NotEqual pops two words and pushes 1 if they differ.
func NotEqual() *script.Script {
	return script.New().
		Num(4).Op(txscript.OP_ROLL, txscript.OP_NUMNOTEQUAL, txscript.OP_TOALTSTACK).
		Num(3).Op(txscript.OP_ROLL, txscript.OP_NUMNOTEQUAL, txscript.OP_TOALTSTACK).
		Op(txscript.OP_ROT, txscript.OP_NUMNOTEQUAL, txscript.OP_TOALTSTACK).
		Op(txscript.OP_NUMNOTEQUAL).
		Repeat(3, func(int) *script.Script {
			return script.New().Op(txscript.OP_FROMALTSTACK, txscript.OP_BOOLOR)
		})
}

// Roll moves word n to the top.
func Roll(n int) *script.Script {
	return moveWord("roll", n, txscript.OP_ROLL)
}

// Pick copies word n to the top.
func Pick(n int) *script.Script {
	return moveWord("pick", n, txscript.OP_PICK)
}

func moveWord(op string, n int, code byte) *script.Script {
	s := script.New()
	if n < 0 {
		return s.Fail(script.Errorf(op, script.ErrOutOfRange, "word index %d", n))
	}
	depth := int64((n+1)*4 - 1)
	return s.Repeat(4, func(int) *script.Script {
		return script.New().Num(depth).Op(code)
	})
}

// Dup copies the top word.
func Dup() *script.Script {
	return Pick(0)
}

// Drop removes the top word.
func Drop() *script.Script {
	return script.New().Op(txscript.OP_2DROP, txscript.OP_2DROP)
}

// ToAltStack moves the top word to the alt stack.
func ToAltStack() *script.Script {
	return script.New().Repeat(4, func(int) *script.Script {
		return script.New().Op(txscript.OP_TOALTSTACK)
	})
}

// FromAltStack moves a word back from the alt stack.
func FromAltStack() *script.Script {
	return script.New().Repeat(4, func(int) *script.Script {
		return script.New().Op(txscript.OP_FROMALTSTACK)
	})
}
