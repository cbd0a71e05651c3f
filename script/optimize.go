package script

import "github.com/btcsuite/btcd/txscript"

type rewrite struct {
	num int64
	op  byte
	out []byte
}

// Pairs of (number push, opcode) that collapse into a shorter form. An empty
// out removes both instructions.
var numRewrites = []rewrite{
	{1, txscript.OP_ADD, []byte{txscript.OP_1ADD}},
	{1, txscript.OP_SUB, []byte{txscript.OP_1SUB}},
	{0, txscript.OP_ROLL, nil},
	{1, txscript.OP_ROLL, []byte{txscript.OP_SWAP}},
	{2, txscript.OP_ROLL, []byte{txscript.OP_ROT}},
	{0, txscript.OP_PICK, []byte{txscript.OP_DUP}},
	{1, txscript.OP_PICK, []byte{txscript.OP_OVER}},
}

// Optimize runs a single left-to-right peephole pass over s and returns the
// rewritten script. The input is not modified.
func Optimize(s *Script) *Script {
	in := s.instrs
	out := New()
	out.err = s.err
	out.instrs = make([]Instr, 0, len(in))

	for i := 0; i < len(in); i++ {
		if i+1 < len(in) {
			cur, next := in[i], in[i+1]
			if cur.isOp(txscript.OP_DROP) && next.isOp(txscript.OP_DROP) {
				out.Op(txscript.OP_2DROP)
				i++
				continue
			}
			if r, ok := matchRewrite(cur, next); ok {
				out.Op(r.out...)
				i++
				continue
			}
		}
		out.instrs = append(out.instrs, in[i])
	}
	return out
}

func matchRewrite(cur, next Instr) (rewrite, bool) {
	if cur.Kind != KindNum || next.Kind != KindOp {
		return rewrite{}, false
	}
	for _, r := range numRewrites {
		if cur.isNum(r.num) && next.isOp(r.op) {
			return r, true
		}
	}
	return rewrite{}, false
}
