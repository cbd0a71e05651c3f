// Package vm is a minimal register-free machine over a Merkle committed
// memory of 32-bit words, together with the scripts that let a verifier
// bisect its trace and challenge one executed instruction on chain.
package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BitVM/BitVM-sub000/bisect"
	"github.com/BitVM/BitVM-sub000/merkle"
)

// Op is an instruction type. The numeric value is what the prover commits.
type Op uint8

const (
	Add Op = 42
	Sub Op = 43
	Jmp Op = 45
	Beq Op = 46
	And Op = 48
	Or  Op = 49
	Xor Op = 50
)

// Ops lists every supported instruction type.
var Ops = []Op{Add, Sub, Jmp, Beq, And, Or, Xor}

var opNames = map[Op]string{
	Add: "ADD",
	Sub: "SUB",
	Jmp: "JMP",
	Beq: "BEQ",
	And: "AND",
	Or:  "OR",
	Xor: "XOR",
}

var (
	ErrUnknownOp = errors.New("unknown instruction")
	ErrAddress   = errors.New("address out of range")
	ErrStepLimit = errors.New("step limit reached")
	ErrPC        = errors.New("pc past the halt instruction")
)

// MaxSteps bounds a run.
const MaxSteps = 1 << 16

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("OP(%d)", uint8(o))
}

// MarshalText encodes the op by name.
func (o Op) MarshalText() ([]byte, error) {
	if _, ok := opNames[o]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, uint8(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText decodes an op name, case insensitive.
func (o *Op) UnmarshalText(b []byte) error {
	name := strings.ToUpper(string(b))
	for op, n := range opNames {
		if n == name {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, b)
}

// Instruction is one program line. For ALU ops C is the destination, for
// BEQ the branch target. JMP jumps to the value stored at A and ignores B
// and C.
type Instruction struct {
	Op Op     `json:"op"`
	A  uint32 `json:"a"`
	B  uint32 `json:"b"`
	C  uint32 `json:"c"`
}

func (in Instruction) String() string {
	return fmt.Sprintf("%s %d %d %d", in.Op, in.A, in.B, in.C)
}

// Halt is the instruction at pc len(program): a branch to itself, so a
// finished program keeps stepping without changing its state.
func Halt(program []Instruction) Instruction {
	return Instruction{Op: Beq, A: 0, B: 0, C: uint32(len(program))}
}

// Fetch returns the instruction at pc, the halt instruction just past the
// end.
func Fetch(program []Instruction, pc uint32) (Instruction, error) {
	switch {
	case int64(pc) < int64(len(program)):
		return program[pc], nil
	case int64(pc) == int64(len(program)):
		return Halt(program), nil
	}
	return Instruction{}, fmt.Errorf("%w: %d", ErrPC, pc)
}

// Snapshot is one executed step: the instruction at PC, the values it read
// and wrote, the resulting program counter and the memory roots around it.
// Branches write nothing and report ValueC as zero.
type Snapshot struct {
	PC          uint32      `json:"pc"`
	Instruction Instruction `json:"instruction"`
	AddrA       uint32      `json:"addr_a"`
	ValueA      uint32      `json:"value_a"`
	AddrB       uint32      `json:"addr_b"`
	ValueB      uint32      `json:"value_b"`
	AddrC       uint32      `json:"addr_c"`
	ValueC      uint32      `json:"value_c"`
	NextPC      uint32      `json:"next_pc"`
	RootBefore  merkle.Node `json:"root_before"`
	RootAfter   merkle.Node `json:"root_after"`
}

// StateOf is the trace state of a machine at pc over a memory with root.
func StateOf(pc uint32, root merkle.Node) bisect.State {
	return bisect.State(merkle.Hash(merkle.LeafNode(pc), root))
}

// Before is the trace state the step starts from.
func (s Snapshot) Before() bisect.State { return StateOf(s.PC, s.RootBefore) }

// After is the trace state the step ends in.
func (s Snapshot) After() bisect.State { return StateOf(s.NextPC, s.RootAfter) }

// Machine steps a program over a memory tree. It is not safe for
// concurrent use.
type Machine struct {
	program []Instruction
	mem     *merkle.Tree
	pc      uint32
}

// NewMachine starts program at pc 0 over mem padded to 2^depth words.
func NewMachine(program []Instruction, mem []uint32, depth int) (*Machine, error) {
	t, err := merkle.NewTree(depth, mem)
	if err != nil {
		return nil, err
	}
	return &Machine{program: program, mem: t}, nil
}

// PC is the next instruction to execute.
func (m *Machine) PC() uint32 { return m.pc }

// Memory is the current memory tree.
func (m *Machine) Memory() *merkle.Tree { return m.mem }

// State is the current trace state.
func (m *Machine) State() bisect.State { return StateOf(m.pc, m.mem.Root()) }

// Halted reports whether the pc reached the halt instruction.
func (m *Machine) Halted() bool { return int64(m.pc) == int64(len(m.program)) }

func (m *Machine) read(addr uint32) (uint32, error) {
	v, err := m.mem.Value(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: read %d", ErrAddress, addr)
	}
	return v, nil
}

// Step executes one instruction.
func (m *Machine) Step() (Snapshot, error) {
	in, err := Fetch(m.program, m.pc)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		PC: m.pc, Instruction: in, AddrA: in.A, AddrB: in.B, AddrC: in.C,
		NextPC: m.pc + 1, RootBefore: m.mem.Root(),
	}
	if s.ValueA, err = m.read(in.A); err != nil {
		return s, err
	}
	if s.ValueB, err = m.read(in.B); err != nil {
		return s, err
	}
	switch in.Op {
	case Add:
		s.ValueC = s.ValueA + s.ValueB
	case Sub:
		s.ValueC = s.ValueA - s.ValueB
	case And:
		s.ValueC = s.ValueA & s.ValueB
	case Or:
		s.ValueC = s.ValueA | s.ValueB
	case Xor:
		s.ValueC = s.ValueA ^ s.ValueB
	case Jmp:
		s.NextPC = s.ValueA
	case Beq:
		if s.ValueA == s.ValueB {
			s.NextPC = in.C
		}
	default:
		return s, fmt.Errorf("%w: %d at pc %d", ErrUnknownOp, uint8(in.Op), m.pc)
	}
	if in.Op != Jmp && in.Op != Beq {
		if err := m.mem.Set(in.C, s.ValueC); err != nil {
			return s, fmt.Errorf("%w: write %d", ErrAddress, in.C)
		}
	}
	s.RootAfter = m.mem.Root()
	m.pc = s.NextPC
	return s, nil
}

// Run executes program from pc 0 until it halts. It returns one snapshot
// per executed step and the final memory. The input memory is not
// modified.
func Run(program []Instruction, mem []uint32, depth int) ([]Snapshot, []uint32, error) {
	m, err := NewMachine(program, mem, depth)
	if err != nil {
		return nil, nil, err
	}
	var trace []Snapshot
	for !m.Halted() {
		if len(trace) == MaxSteps {
			return trace, m.words(), ErrStepLimit
		}
		s, err := m.Step()
		if err != nil {
			return trace, m.words(), err
		}
		trace = append(trace, s)
	}
	return trace, m.words(), nil
}

func (m *Machine) words() []uint32 {
	out := make([]uint32, m.mem.Size())
	for i := range out {
		out[i], _ = m.mem.Value(uint32(i))
	}
	return out
}

// Trace is the first 2^H steps of a run, the part a dispute bisects. A
// program that halts earlier keeps executing the halt instruction.
type Trace struct {
	Program []Instruction
	Memory  []uint32
	Depth   int
	H       int
	// Steps[k] goes from States[k] to States[k+1].
	Steps  []Snapshot
	States []bisect.State
}

// NewTrace runs program over mem for 2^h steps.
func NewTrace(program []Instruction, mem []uint32, depth, h int) (*Trace, error) {
	if h < 1 || h > 16 {
		return nil, fmt.Errorf("%w: h=%d", ErrStepLimit, h)
	}
	m, err := NewMachine(program, mem, depth)
	if err != nil {
		return nil, err
	}
	n := 1 << uint(h)
	t := &Trace{
		Program: program, Memory: append([]uint32(nil), mem...), Depth: depth, H: h,
		Steps: make([]Snapshot, n), States: make([]bisect.State, n+1),
	}
	for k := 0; k < n; k++ {
		t.States[k] = m.State()
		if t.Steps[k], err = m.Step(); err != nil {
			return nil, fmt.Errorf("step %d: %w", k, err)
		}
	}
	t.States[n] = m.State()
	return t, nil
}

// Final is the claimed result s_N.
func (t *Trace) Final() bisect.State { return t.States[len(t.States)-1] }

// MemoryAt replays the trace up to step k and returns the memory step k
// starts from.
func (t *Trace) MemoryAt(k int) (*merkle.Tree, error) {
	if k < 0 || k > len(t.Steps) {
		return nil, fmt.Errorf("%w: step %d of %d", ErrStepLimit, k, len(t.Steps))
	}
	m, err := NewMachine(t.Program, t.Memory, t.Depth)
	if err != nil {
		return nil, err
	}
	for i := 0; i < k; i++ {
		if _, err := m.Step(); err != nil {
			return nil, err
		}
	}
	return m.mem, nil
}
