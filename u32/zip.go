package u32

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
)

func checkOperands(op string, a, b int) error {
	if a == b {
		return script.Errorf(op, script.ErrInvalidOperands, "a == b == %d", a)
	}
	if a < 0 || b < 0 {
		return script.Errorf(op, script.ErrOutOfRange, "a=%d b=%d", a, b)
	}
	return nil
}

// Zip consumes words a and b and leaves four byte pairs (a_i, b_i) on top,
// the most significant pair deepest and b_i above a_i in every pair.
func Zip(a, b int) *script.Script {
	s := script.New()
	if err := checkOperands("zip", a, b); err != nil {
		return s.Fail(err)
	}
	a = (a+1)*4 - 1
	b = (b+1)*4 - 1
	return s.Repeat(4, func(i int) *script.Script {
		if a < b {
			return script.New().Int(a + i).Op(txscript.OP_ROLL).Int(b).Op(txscript.OP_ROLL)
		}
		return script.New().Int(a).Op(txscript.OP_ROLL).Int(b + i + 1).Op(txscript.OP_ROLL)
	})
}

// CopyZip is Zip that leaves word a in place and zips a copy of it.
func CopyZip(a, b int) *script.Script {
	s := script.New()
	if err := checkOperands("copy_zip", a, b); err != nil {
		return s.Fail(err)
	}
	a = (a+1)*4 - 1
	b = (b+1)*4 - 1
	return s.Repeat(4, func(i int) *script.Script {
		if a < b {
			return script.New().Int(a + i).Op(txscript.OP_PICK).Int(b + 1 + i).Op(txscript.OP_ROLL)
		}
		return script.New().Int(a).Op(txscript.OP_PICK).Int(b + 1 + i).Op(txscript.OP_ROLL)
	})
}
