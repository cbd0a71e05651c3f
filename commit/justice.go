package commit

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
)

// u2Any checks that the digest on top is one of the candidates in values,
// consuming it and leaving the result.
func u2Any(s *script.Script, a Actor, id string, index int, values [3]int) {
	s.Op(txscript.OP_DUP)
	hashlock(s, a, id, index, values[0]).Op(txscript.OP_EQUAL)
	s.Op(txscript.OP_OVER)
	hashlock(s, a, id, index, values[1]).Op(txscript.OP_EQUAL, txscript.OP_BOOLOR)
	s.Op(txscript.OP_SWAP)
	hashlock(s, a, id, index, values[2]).Op(txscript.OP_EQUAL, txscript.OP_BOOLOR)
}

// U2StateJustice accepts two different preimages of one 2-bit stage: the
// higher value on top, the lower below it. It leaves nothing.
func U2StateJustice(a Actor, id string, index int) *script.Script {
	s := script.New().Op(txscript.OP_2DUP, txscript.OP_EQUAL, txscript.OP_NOT, txscript.OP_VERIFY)
	s.Op(txscript.OP_RIPEMD160)
	u2Any(s, a, id, index, [3]int{3, 2, 1})
	s.Op(txscript.OP_SWAP, txscript.OP_RIPEMD160)
	u2Any(s, a, id, index, [3]int{2, 1, 0})
	return s.Op(txscript.OP_BOOLAND, txscript.OP_VERIFY)
}

// U2StateJusticeUnlock pushes the preimages of two distinct values of a
// stage in the order U2StateJustice expects.
func U2StateJusticeUnlock(a Actor, id string, index, v1, v2 int) *script.Script {
	if v1 == v2 {
		return script.New().Fail(script.Errorf("u2_state_justice_unlock", script.ErrInvalidOperands, "same value %d", v1))
	}
	if v1 > v2 {
		v1, v2 = v2, v1
	}
	return script.Concat(preimage(a, id, index, v1), preimage(a, id, index, v2))
}

// BitStateJustice accepts both preimages of a bit: 0 below, 1 on top.
func BitStateJustice(a Actor, id string, index int) *script.Script {
	s := script.New().Op(txscript.OP_RIPEMD160)
	hashlock(s, a, id, index, 1).Op(txscript.OP_EQUALVERIFY, txscript.OP_RIPEMD160)
	hashlock(s, a, id, index, 0).Op(txscript.OP_EQUALVERIFY)
	return s
}

// BitStateJusticeUnlock pushes both preimages of a bit.
func BitStateJusticeUnlock(a Actor, id string, index int) *script.Script {
	return script.Concat(preimage(a, id, index, 0), preimage(a, id, index, 1))
}

// StageJustice returns the justice check for st, 1-bit or 2-bit.
func StageJustice(a Actor, st Stage) *script.Script {
	if st.Values == 2 {
		return BitStateJustice(a, st.ID, st.Index)
	}
	return U2StateJustice(a, st.ID, st.Index)
}

// EquivocationUnlock turns a detected equivocation into the witness items
// StageJustice expects.
func EquivocationUnlock(e *Equivocation) *script.Script {
	s := script.New()
	for _, item := range e.Unlock() {
		s.Data(item)
	}
	return s
}
