package script

import (
	"github.com/btcsuite/btcd/txscript"
)

// isSuccessOp reports whether op is one of the OP_SUCCESSx opcodes of
// BIP342. Any of them makes a tapscript unconditionally valid.
func isSuccessOp(op byte) bool {
	switch {
	case op == 80, op == 98:
		return true
	case op >= 126 && op <= 129:
		return true
	case op >= 131 && op <= 134:
		return true
	case op == 137, op == 138:
		return true
	case op == 141, op == 142:
		return true
	case op >= 149 && op <= 153:
		return true
	case op >= 187 && op <= 254:
		return true
	}
	return false
}

// Compile optimizes s and assembles it into tapscript bytes.
func Compile(s *Script) ([]byte, error) {
	return Assemble(Optimize(s))
}

// MustCompile is Compile for scripts built from constants.
func MustCompile(s *Script) []byte {
	b, err := Compile(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Assemble encodes s without optimizing it. Pushes use the minimal
// encodings txscript's builder emits. There is no overall size limit since
// tapscript has none.
func Assemble(s *Script) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]byte, 0, len(s.instrs)*2)
	for _, in := range s.instrs {
		switch in.Kind {
		case KindOp:
			if isSuccessOp(in.Op) {
				return nil, Errorf("assemble", ErrInvalidOpcode, "%s", OpName(in.Op))
			}
			out = append(out, in.Op)
		case KindNum:
			b, err := txscript.NewScriptBuilder().AddInt64(in.Num).Script()
			if err != nil {
				return nil, Errorf("assemble", ErrOutOfRange, "push %d: %v", in.Num, err)
			}
			out = append(out, b...)
		case KindData:
			if len(in.Data) > txscript.MaxScriptElementSize {
				return nil, Errorf("assemble", ErrPushTooLarge, "%d bytes", len(in.Data))
			}
			b, err := txscript.NewScriptBuilder().AddData(in.Data).Script()
			if err != nil {
				return nil, Errorf("assemble", ErrPushTooLarge, "%v", err)
			}
			out = append(out, b...)
		}
	}
	return out, nil
}

// Witness converts a push-only script into witness stack items, first
// instruction first.
func Witness(s *Script) ([][]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	items := make([][]byte, 0, len(s.instrs))
	for _, in := range s.instrs {
		switch in.Kind {
		case KindNum:
			items = append(items, EncodeNum(in.Num))
		case KindData:
			if len(in.Data) > txscript.MaxScriptElementSize {
				return nil, Errorf("witness", ErrPushTooLarge, "%d bytes", len(in.Data))
			}
			d := make([]byte, len(in.Data))
			copy(d, in.Data)
			items = append(items, d)
		default:
			return nil, Errorf("witness", ErrNotPushOnly, "found %s", OpName(in.Op))
		}
	}
	return items, nil
}

// EncodeNum returns the minimal little-endian sign-magnitude encoding of n,
// the form script numbers take on the stack. Zero encodes as an empty item.
func EncodeNum(n int64) []byte {
	if n == 0 {
		return []byte{}
	}
	neg := n < 0
	abs := uint64(n)
	if neg {
		abs = uint64(-n)
	}
	var out []byte
	for abs > 0 {
		out = append(out, byte(abs&0xff))
		abs >>= 8
	}
	if out[len(out)-1]&0x80 != 0 {
		extra := byte(0x00)
		if neg {
			extra = 0x80
		}
		out = append(out, extra)
	} else if neg {
		out[len(out)-1] |= 0x80
	}
	return out
}

// Disasm renders s in txscript's one-line disassembly format.
func Disasm(s *Script) (string, error) {
	b, err := Assemble(s)
	if err != nil {
		return "", err
	}
	return txscript.DisasmString(b)
}

// DecodeNum is the inverse of EncodeNum. It does not enforce minimality.
func DecodeNum(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var n int64
	for i, c := range b {
		n |= int64(c) << (8 * uint(i))
	}
	if b[len(b)-1]&0x80 != 0 {
		n &^= int64(0x80) << (8 * uint(len(b)-1))
		return -n
	}
	return n
}
