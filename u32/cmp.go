package u32

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
)

// compare zips words a and b and folds the byte pairs from
// the least significant lane up. Each higher lane decides on its own unless
// its bytes are equal, in which case the lower result stands. Only the
// lowest lane uses op itself; higher lanes use the strict form.
func compare(a, b int, op, strict byte) *script.Script {
	return script.New().
		Append(Zip(a, b)).
		Op(op, txscript.OP_TOALTSTACK).
		Repeat(3, func(int) *script.Script {
			return script.New().
				Op(txscript.OP_2DUP, txscript.OP_EQUAL, txscript.OP_FROMALTSTACK, txscript.OP_BOOLAND).
				Op(txscript.OP_ROT, txscript.OP_ROT, strict, txscript.OP_BOOLOR, txscript.OP_TOALTSTACK)
		}).
		Op(txscript.OP_FROMALTSTACK)
}

// LessThan consumes words a and b and pushes value[a] < value[b].
func LessThan(a, b int) *script.Script {
	return compare(a, b, txscript.OP_LESSTHAN, txscript.OP_LESSTHAN)
}

// LessOrEqual consumes words a and b and pushes value[a] <= value[b].
func LessOrEqual(a, b int) *script.Script {
	return compare(a, b, txscript.OP_LESSTHANOREQUAL, txscript.OP_LESSTHAN)
}

// GreaterThan consumes words a and b and pushes value[a] > value[b].
func GreaterThan(a, b int) *script.Script {
	return compare(a, b, txscript.OP_GREATERTHAN, txscript.OP_GREATERTHAN)
}

// GreaterOrEqual consumes words a and b and pushes value[a] >= value[b].
func GreaterOrEqual(a, b int) *script.Script {
	return compare(a, b, txscript.OP_GREATERTHANOREQUAL, txscript.OP_GREATERTHAN)
}
