package wide

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/u32"
)

// U256Push pushes the 32 bytes of h, given as 64 hex digits.
func U256Push(h string) *script.Script {
	return pushBytes("u256_push", h, 32)
}

// U256EqualVerify pops two u256 values and fails unless they are equal.
func U256EqualVerify() *script.Script {
	return script.New().Repeat(U256Words, func(i int) *script.Script {
		return script.Concat(u32.Roll(U256Words-i), u32.EqualVerify())
	})
}

// U256Equal pops two u256 values and pushes 1 if they are equal.
func U256Equal() *script.Script {
	return byteFold(32, txscript.OP_EQUAL, nil, txscript.OP_BOOLAND)
}

// U256NotEqual pops two u256 values and pushes 1 if they differ.
func U256NotEqual() *script.Script {
	return byteFold(32, txscript.OP_EQUAL, []byte{txscript.OP_NOT}, txscript.OP_BOOLOR)
}

// U256LessThan pops b and a (b on top) and pushes a < b. Words are compared
// from the least significant up; a higher word overrides the running result
// unless the two words are equal.
func U256LessThan() *script.Script {
	s := script.New().
		Append(u32.Roll(U256Words), u32.Roll(1), u32.LessThan(1, 0)).
		Op(txscript.OP_TOALTSTACK)
	for i := 1; i < U256Words; i++ {
		s.Append(u32.Roll(U256Words-i), u32.Roll(1), u32.Pick(1), u32.Pick(1), u32.LessThan(1, 0)).
			Op(txscript.OP_TOALTSTACK).
			Append(u32.Equal()).
			Op(txscript.OP_FROMALTSTACK, txscript.OP_SWAP, txscript.OP_FROMALTSTACK).
			Op(txscript.OP_BOOLAND, txscript.OP_BOOLOR, txscript.OP_TOALTSTACK)
	}
	return s.Op(txscript.OP_FROMALTSTACK)
}

// U256Roll moves u256 value n to the top.
func U256Roll(n int) *script.Script {
	return rollWide("u256_roll", n, U256Words)
}

// U256Drop removes the top u256 value.
func U256Drop() *script.Script {
	return script.New().Repeat(16, func(int) *script.Script {
		return script.New().Op(txscript.OP_2DROP)
	})
}

// U256ToAltStack moves a u256 value to the alt stack.
func U256ToAltStack() *script.Script {
	return script.New().Repeat(32, func(int) *script.Script {
		return script.New().Op(txscript.OP_TOALTSTACK)
	})
}

// U256FromAltStack moves a u256 value back from the alt stack.
func U256FromAltStack() *script.Script {
	return script.New().Repeat(32, func(int) *script.Script {
		return script.New().Op(txscript.OP_FROMALTSTACK)
	})
}
