package u32

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
)

// TableSize is the number of stack items PushTable leaves.
const TableSize = 256

// tableValues holds f(x) = (x & 0xAA) >> 1 for every odd x, highest first.
// Pushing each twice yields a lookup table where the item at depth x (under
// the table top) is f(x) for every byte x.
var tableValues = func() []int64 {
	vals := make([]int64, 0, TableSize/2)
	for x := 255; x >= 1; x -= 2 {
		vals = append(vals, int64((x&0xAA)>>1))
	}
	return vals
}()

// PushTable pushes the bitwise lookup table. It has to sit below every
// operand of And, Or and Xor.
func PushTable() *script.Script {
	s := script.New()
	for _, v := range tableValues {
		s.Num(v).Op(txscript.OP_DUP)
	}
	return s
}

// DropTable removes the lookup table once it is on top of the stack.
func DropTable() *script.Script {
	return script.New().Repeat(TableSize/2, func(int) *script.Script {
		return script.New().Op(txscript.OP_2DROP)
	})
}

// splitPrefix separates both bytes of the top pair into even and odd bit
// halves through the table at offset i.
func splitPrefix(i int) *script.Script {
	return script.New().
		Op(txscript.OP_DUP).Int(i).Op(txscript.OP_ADD, txscript.OP_PICK).
		Op(txscript.OP_DUP, txscript.OP_DUP, txscript.OP_ADD, txscript.OP_ROT, txscript.OP_SWAP, txscript.OP_SUB).
		Op(txscript.OP_ROT, txscript.OP_DUP).Int(i+1).Op(txscript.OP_ADD, txscript.OP_PICK).
		Op(txscript.OP_DUP, txscript.OP_DUP, txscript.OP_ADD, txscript.OP_ROT, txscript.OP_SWAP, txscript.OP_SUB).
		Op(txscript.OP_SWAP).Num(3).Op(txscript.OP_ROLL, txscript.OP_ADD)
}

func u8Xor(i int) *script.Script {
	return script.New().Append(splitPrefix(i)).
		Op(txscript.OP_DUP).Int(i+1).Op(txscript.OP_ADD, txscript.OP_PICK).
		Op(txscript.OP_DUP, txscript.OP_ADD, txscript.OP_SUB).
		Op(txscript.OP_SWAP, txscript.OP_ROT, txscript.OP_ADD).
		Op(txscript.OP_DUP).Int(i).Op(txscript.OP_ADD, txscript.OP_PICK).
		Op(txscript.OP_DUP, txscript.OP_ADD, txscript.OP_SUB).
		Op(txscript.OP_OVER, txscript.OP_ADD, txscript.OP_ADD)
}

func u8And(i int) *script.Script {
	return script.New().Append(splitPrefix(i)).
		Int(i).Op(txscript.OP_ADD, txscript.OP_PICK).
		Op(txscript.OP_SWAP, txscript.OP_ROT, txscript.OP_ADD).
		Int(i-1).Op(txscript.OP_ADD, txscript.OP_PICK).
		Op(txscript.OP_OVER, txscript.OP_ADD, txscript.OP_ADD)
}

func u8Or(i int) *script.Script {
	return script.New().Append(splitPrefix(i)).
		Op(txscript.OP_DUP).Int(i+1).Op(txscript.OP_ADD, txscript.OP_PICK).
		Op(txscript.OP_SUB).
		Op(txscript.OP_SWAP, txscript.OP_ROT, txscript.OP_ADD).
		Op(txscript.OP_DUP).Int(i).Op(txscript.OP_ADD, txscript.OP_PICK).
		Op(txscript.OP_SUB).
		Op(txscript.OP_OVER, txscript.OP_ADD, txscript.OP_ADD)
}

// lanes applies g to the four zipped pairs on top of the stack, base being
// the number of items between the pairs and the table.
func lanes(g func(int) *script.Script, base int) *script.Script {
	return script.New().
		Append(g(8+base)).Op(txscript.OP_TOALTSTACK).
		Append(g(6+base)).Op(txscript.OP_TOALTSTACK).
		Append(g(4+base)).Op(txscript.OP_TOALTSTACK).
		Append(g(2+base)).
		Op(txscript.OP_FROMALTSTACK, txscript.OP_FROMALTSTACK, txscript.OP_FROMALTSTACK)
}

func bitwise(op string, g func(int) *script.Script, a, b, depth int, keep bool) *script.Script {
	if a >= depth || b >= depth {
		return script.New().Fail(script.Errorf(op, script.ErrOutOfRange,
			"operands %d,%d beyond depth %d", a, b, depth))
	}
	if keep {
		return script.Concat(CopyZip(a, b), lanes(g, (depth-1)*4))
	}
	return script.Concat(Zip(a, b), lanes(g, (depth-2)*4))
}

// And pushes value[a] & value[b], consuming b and keeping a. depth is the
// number of words between the table and the top of the stack.
func And(a, b, depth int) *script.Script { return bitwise("and", u8And, a, b, depth, true) }

// Or pushes value[a] | value[b], consuming b and keeping a.
func Or(a, b, depth int) *script.Script { return bitwise("or", u8Or, a, b, depth, true) }

// Xor pushes value[a] ^ value[b], consuming b and keeping a.
func Xor(a, b, depth int) *script.Script { return bitwise("xor", u8Xor, a, b, depth, true) }

// AndDrop is And consuming both operands.
func AndDrop(a, b, depth int) *script.Script { return bitwise("and", u8And, a, b, depth, false) }

// OrDrop is Or consuming both operands.
func OrDrop(a, b, depth int) *script.Script { return bitwise("or", u8Or, a, b, depth, false) }

// XorDrop is Xor consuming both operands.
func XorDrop(a, b, depth int) *script.Script { return bitwise("xor", u8Xor, a, b, depth, false) }
