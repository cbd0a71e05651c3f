package u32

import (
	"errors"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/scripttest"
)

var edgeValues = []uint32{
	0, 1, 0xff, 0x100, 0x7fffffff, 0x80000000, 0xffffffff, 0x44332211, 0x33557744,
}

func testPairs(n int) [][2]uint32 {
	r := rand.New(rand.NewSource(1))
	var pairs [][2]uint32
	for _, x := range edgeValues {
		for _, y := range edgeValues {
			pairs = append(pairs, [2]uint32{x, y})
		}
	}
	for i := 0; i < n; i++ {
		pairs = append(pairs, [2]uint32{r.Uint32(), r.Uint32()})
	}
	return pairs
}

// expectWord checks that the top word equals v and removes it.
func expectWord(v uint32) *script.Script {
	return script.Concat(Push(v), EqualVerify())
}

func mustPass(t *testing.T, s *script.Script) {
	t.Helper()
	s = script.Concat(s, script.New().Op(txscript.OP_TRUE))
	require.NoError(t, scripttest.Execute(s, nil))
}

func TestAddScenario(t *testing.T) {
	prog := func(want uint32) *script.Script {
		return script.Concat(
			Push(0x44332211), Push(0x33557744), AddDrop(1, 0),
			expectWord(want),
			script.New().Op(txscript.OP_TRUE),
		)
	}
	require.NoError(t, scripttest.Execute(prog(0x77889955), nil))
	assert.Error(t, scripttest.Execute(prog(0x77889956), nil))
	assert.Error(t, scripttest.Execute(prog(0x77889954), nil))
}

func TestAddSub(t *testing.T) {
	s := script.New()
	for _, p := range testPairs(150) {
		x, y := p[0], p[1]
		s.Append(Push(x), Push(y), Add(1, 0), expectWord(x+y), expectWord(x))
		s.Append(Push(x), Push(y), Add(0, 1), expectWord(x+y), expectWord(y))
		s.Append(Push(x), Push(y), AddDrop(0, 1), expectWord(x+y))
		s.Append(Push(x), Push(y), Sub(1, 0), expectWord(x-y), expectWord(x))
		s.Append(Push(x), Push(y), SubDrop(1, 0), expectWord(x-y))
		s.Append(Push(x), Push(y), SubDrop(0, 1), expectWord(y-x))
		s.Append(Push(x), Push(y), Push(7), AddDrop(2, 0), expectWord(x+7), expectWord(y))
	}
	mustPass(t, s)
}

func TestRotations(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	values := append([]uint32{}, edgeValues...)
	for i := 0; i < 40; i++ {
		values = append(values, r.Uint32())
	}
	for n := 0; n < 32; n++ {
		s := script.New()
		for _, x := range values {
			// A word below the operand must be left untouched.
			s.Append(Push(5), Push(x), RRot(n), expectWord(bits.RotateLeft32(x, -n)), expectWord(5))
		}
		mustPass(t, s)
	}
}

func TestNamedRotations(t *testing.T) {
	x := uint32(0xdeadbeef)
	mustPass(t, script.Concat(Push(x), RRot7(), expectWord(bits.RotateLeft32(x, -7))))
	mustPass(t, script.Concat(Push(x), RRot8(), expectWord(bits.RotateLeft32(x, -8))))
	mustPass(t, script.Concat(Push(x), RRot12(), expectWord(bits.RotateLeft32(x, -12))))
	mustPass(t, script.Concat(Push(x), RRot16(), expectWord(bits.RotateLeft32(x, -16))))
}

func TestByteOpsExhaustive(t *testing.T) {
	ops := []struct {
		name string
		g    func(int) *script.Script
		f    func(a, b int64) int64
	}{
		{"xor", u8Xor, func(a, b int64) int64 { return a ^ b }},
		{"and", u8And, func(a, b int64) int64 { return a & b }},
		{"or", u8Or, func(a, b int64) int64 { return a | b }},
	}
	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			for a := int64(0); a < 256; a++ {
				s := PushTable()
				for b := int64(0); b < 256; b++ {
					s.Num(a, b).Append(op.g(2)).Num(op.f(a, b)).Op(txscript.OP_EQUALVERIFY)
				}
				mustPass(t, s.Append(DropTable()))
			}
		})
	}
}

func TestWordBitwise(t *testing.T) {
	ops := []struct {
		name       string
		keep, drop func(a, b, depth int) *script.Script
		f          func(a, b uint32) uint32
	}{
		{"xor", Xor, XorDrop, func(a, b uint32) uint32 { return a ^ b }},
		{"and", And, AndDrop, func(a, b uint32) uint32 { return a & b }},
		{"or", Or, OrDrop, func(a, b uint32) uint32 { return a | b }},
	}
	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			s := PushTable()
			for _, p := range testPairs(60) {
				x, y := p[0], p[1]
				s.Append(Push(x), Push(y), op.keep(1, 0, 2), expectWord(op.f(x, y)), expectWord(x))
				s.Append(Push(9), Push(x), Push(y), op.keep(0, 1, 3), expectWord(op.f(x, y)), expectWord(y), expectWord(9))
				s.Append(Push(9), Push(x), Push(y), op.drop(0, 1, 3), expectWord(op.f(x, y)), expectWord(9))
			}
			mustPass(t, s.Append(DropTable()))
		})
	}
}

func TestComparators(t *testing.T) {
	ops := []struct {
		name string
		g    func(a, b int) *script.Script
		f    func(a, b uint32) bool
	}{
		{"lt", LessThan, func(a, b uint32) bool { return a < b }},
		{"lte", LessOrEqual, func(a, b uint32) bool { return a <= b }},
		{"gt", GreaterThan, func(a, b uint32) bool { return a > b }},
		{"gte", GreaterOrEqual, func(a, b uint32) bool { return a >= b }},
	}
	pairs := testPairs(100)
	for _, x := range edgeValues {
		pairs = append(pairs, [2]uint32{x, x})
	}
	b2i := func(b bool) int64 {
		if b {
			return 1
		}
		return 0
	}
	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			s := script.New()
			for _, p := range pairs {
				x, y := p[0], p[1]
				s.Append(Push(x), Push(y), op.g(1, 0)).Num(b2i(op.f(x, y))).Op(txscript.OP_EQUALVERIFY)
				s.Append(Push(x), Push(y), op.g(0, 1)).Num(b2i(op.f(y, x))).Op(txscript.OP_EQUALVERIFY)
			}
			mustPass(t, s)
		})
	}
}

func TestStdHelpers(t *testing.T) {
	mustPass(t, script.Concat(
		Push(1), Push(2), Push(3),
		Roll(2), expectWord(1), expectWord(3), expectWord(2),
	))
	mustPass(t, script.Concat(
		Push(1), Push(2),
		Pick(1), expectWord(1), Dup(), expectWord(2), expectWord(2), expectWord(1),
	))
	mustPass(t, script.Concat(
		Push(0x01020304), ToAltStack(), Push(9), Drop(), FromAltStack(), expectWord(0x01020304),
	))
	s := script.Concat(
		Push(0xabcdef01), Push(0xabcdef01), Equal(), script.New().Op(txscript.OP_VERIFY),
		Push(0xabcdef01), Push(0xabcdef00), Equal(), script.New().Op(txscript.OP_NOT, txscript.OP_VERIFY),
		Push(0xabcdef01), Push(0xbbcdef01), NotEqual(), script.New().Op(txscript.OP_VERIFY),
		Push(5), Push(5), NotEqual(), script.New().Op(txscript.OP_NOT, txscript.OP_VERIFY),
	)
	mustPass(t, s)

	err := scripttest.Execute(script.Concat(Push(1), Push(2), EqualVerify(), script.New().Op(txscript.OP_TRUE)), nil)
	assert.Error(t, err)
}

func TestStackItemsStayBytes(t *testing.T) {
	prog := script.Concat(
		Push(0xffffffff), Push(0xffffffff), Add(1, 0),
		Push(0), Push(1), SubDrop(1, 0),
		Push(0x80000000), RRot(13),
	)
	stack, err := scripttest.Eval(prog, nil)
	require.NoError(t, err)
	require.Len(t, stack, 16)
	for i, item := range stack {
		v := script.DecodeNum(item)
		if v < 0 || v > 255 {
			t.Fatalf("item %d out of byte range: %d", i, v)
		}
	}
}

func TestOptimizerPreservesSemantics(t *testing.T) {
	progs := map[string]*script.Script{
		"add":  script.Concat(Push(0x44332211), Push(0x33557744), Add(1, 0)),
		"rrot": script.Concat(Push(0x12345678), RRot7(), RRot(3), RRot(21)),
		"cmp":  script.Concat(Push(3), Push(0x100), LessThan(1, 0)),
		"xor":  script.Concat(PushTable(), Push(0xf0f0f0f0), Push(0x0ff00ff0), Xor(1, 0, 2), ToAltStack(), Drop(), DropTable(), FromAltStack()),
	}
	for name, prog := range progs {
		t.Run(name, func(t *testing.T) {
			raw, err := script.Assemble(prog)
			require.NoError(t, err)
			opt, err := script.Compile(prog)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(opt), len(raw))

			want, err := scripttest.EvalBytes(raw, nil)
			require.NoError(t, err)
			got, err := scripttest.EvalBytes(opt, nil)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		s    *script.Script
		want error
	}{
		{"zip same", Zip(1, 1), script.ErrInvalidOperands},
		{"copy zip same", CopyZip(0, 0), script.ErrInvalidOperands},
		{"add same", Add(2, 2), script.ErrInvalidOperands},
		{"negative", Zip(-1, 0), script.ErrOutOfRange},
		{"rrot 32", RRot(32), script.ErrOutOfRange},
		{"bitwise depth", Xor(2, 0, 2), script.ErrOutOfRange},
		{"roll negative", Roll(-1), script.ErrOutOfRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := script.Compile(tc.s)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}
