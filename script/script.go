// Package script is the instruction model used by every gadget in this
// module: a flat, append-only instruction vector with a sticky build error,
// a peephole optimizer and a tapscript assembler.
package script

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/txscript"
)

// Kind tells which field of an Instr is meaningful.
type Kind uint8

const (
	KindOp Kind = iota
	KindNum
	KindData
)

// Instr is a single instruction: an opcode, a number push or a data push.
type Instr struct {
	Kind Kind
	Op   byte
	Num  int64
	Data []byte
}

// IsPush reports whether the instruction only pushes a value.
func (in Instr) IsPush() bool {
	return in.Kind == KindNum || in.Kind == KindData
}

func (in Instr) isOp(op byte) bool {
	return in.Kind == KindOp && in.Op == op
}

func (in Instr) isNum(n int64) bool {
	return in.Kind == KindNum && in.Num == n
}

func (in Instr) String() string {
	switch in.Kind {
	case KindNum:
		return fmt.Sprintf("%d", in.Num)
	case KindData:
		return "<" + hex.EncodeToString(in.Data) + ">"
	default:
		return OpName(in.Op)
	}
}

// Script is a flat instruction vector. The first build error is kept and
// reported by Err, so gadget constructors can be chained without checking
// every step, the same way txscript.ScriptBuilder works.
type Script struct {
	instrs []Instr
	err    error
}

// New returns an empty script.
func New() *Script {
	return &Script{}
}

// Concat flattens parts into a single script.
func Concat(parts ...*Script) *Script {
	return New().Append(parts...)
}

// Op appends opcodes.
func (s *Script) Op(ops ...byte) *Script {
	for _, op := range ops {
		s.instrs = append(s.instrs, Instr{Kind: KindOp, Op: op})
	}
	return s
}

// Num appends number pushes.
func (s *Script) Num(nums ...int64) *Script {
	for _, n := range nums {
		s.instrs = append(s.instrs, Instr{Kind: KindNum, Num: n})
	}
	return s
}

// Int is Num for the int loop variables used throughout the gadgets.
func (s *Script) Int(n int) *Script {
	return s.Num(int64(n))
}

// Data appends a data push. The slice is copied.
func (s *Script) Data(d []byte) *Script {
	if len(d) > txscript.MaxScriptElementSize {
		return s.Fail(Errorf("data", ErrPushTooLarge, "%d bytes", len(d)))
	}
	b := make([]byte, len(d))
	copy(b, d)
	s.instrs = append(s.instrs, Instr{Kind: KindData, Data: b})
	return s
}

// Hex appends a data push decoded from a hex string.
func (s *Script) Hex(h string) *Script {
	b, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return s.Fail(Errorf("hex", ErrMalformedHex, "%q", h))
	}
	return s.Data(b)
}

// Append flattens other scripts into s, carrying over their build errors.
func (s *Script) Append(parts ...*Script) *Script {
	for _, p := range parts {
		if p == nil {
			continue
		}
		if p.err != nil && s.err == nil {
			s.err = p.err
		}
		s.instrs = append(s.instrs, p.instrs...)
	}
	return s
}

// Repeat unrolls f n times. This is the only repetition construct.
func (s *Script) Repeat(n int, f func(i int) *Script) *Script {
	for i := 0; i < n; i++ {
		s.Append(f(i))
	}
	return s
}

// Fail records err as the build error unless one is already set.
func (s *Script) Fail(err error) *Script {
	if s.err == nil {
		s.err = err
	}
	return s
}

// Err returns the first build error.
func (s *Script) Err() error {
	return s.err
}

// Len returns the number of instructions.
func (s *Script) Len() int {
	return len(s.instrs)
}

// Instrs returns a copy of the instruction vector.
func (s *Script) Instrs() []Instr {
	out := make([]Instr, len(s.instrs))
	copy(out, s.instrs)
	return out
}

func (s *Script) String() string {
	parts := make([]string, len(s.instrs))
	for i, in := range s.instrs {
		parts[i] = in.String()
	}
	return strings.Join(parts, " ")
}

// FromInstrs wraps an instruction vector.
func FromInstrs(instrs []Instr) *Script {
	s := New()
	s.instrs = append(s.instrs, instrs...)
	return s
}

var opNames = func() map[byte]string {
	names := make([]string, 0, len(txscript.OpcodeByName))
	for name := range txscript.OpcodeByName {
		names = append(names, name)
	}
	sort.Strings(names)
	m := make(map[byte]string, 256)
	for _, name := range names {
		op := txscript.OpcodeByName[name]
		if cur, ok := m[op]; !ok || len(name) > len(cur) {
			m[op] = name
		}
	}
	return m
}()

// OpName returns the canonical name of op.
func OpName(op byte) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP_UNKNOWN%d", op)
}
