package commit

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/scripttest"
	"github.com/BitVM/BitVM-sub000/u32"
	"github.com/BitVM/BitVM-sub000/wide"
)

func equalsNum(v int64) *script.Script {
	return script.New().Num(v).Op(txscript.OP_EQUAL)
}

func TestU8Scenario(t *testing.T) {
	p := NewPlayer([]byte("s"))
	const want = 0b11100100
	lock := script.Concat(U8State(p, "my_varA"), equalsNum(want))

	require.NoError(t, scripttest.Execute(lock, U8StateUnlock(p, "my_varA", want)))
	for v := 0; v < 256; v++ {
		if v == want {
			continue
		}
		if err := scripttest.Execute(lock, U8StateUnlock(p, "my_varA", uint8(v))); err == nil {
			t.Fatalf("candidate %08b accepted", v)
		}
	}
}

func TestBitAndU2RoundTrip(t *testing.T) {
	p := NewPlayer([]byte("secret"))
	for v := 0; v < 2; v++ {
		lock := script.Concat(BitState(p, "b", 3), equalsNum(int64(v)))
		require.NoError(t, scripttest.Execute(lock, BitStateUnlock(p, "b", v, 3)))
		assert.Error(t, scripttest.Execute(lock, BitStateUnlock(p, "b", 1-v, 3)))
	}
	for v := 0; v < 4; v++ {
		lock := script.Concat(U2State(p, "c", 1), equalsNum(int64(v)))
		require.NoError(t, scripttest.Execute(lock, U2StateUnlock(p, "c", v, 1)))
		assert.Error(t, scripttest.Execute(lock, U2StateUnlock(p, "c", (v+1)%4, 1)))
		// A preimage of another stage matches none of the digests.
		assert.Error(t, scripttest.Execute(lock, U2StateUnlock(p, "c", v, 0)))
	}
}

func TestU32RoundTrip(t *testing.T) {
	p := NewPlayer([]byte("secret"))
	for _, v := range []uint32{0, 1, 0x80000000, 0xffffffff, 0x44332211} {
		lock := script.Concat(U32State(p, "w"), u32.Push(v), u32.EqualVerify(), script.New().Op(txscript.OP_TRUE))
		require.NoError(t, scripttest.Execute(lock, U32StateUnlock(p, "w", v)))
		assert.Error(t, scripttest.Execute(lock, U32StateUnlock(p, "w", v^0x100)))
	}
}

func TestWideRoundTrip(t *testing.T) {
	p := NewPlayer([]byte("secret"))
	r := rand.New(rand.NewSource(4))

	v160 := make([]byte, 20)
	r.Read(v160)
	lock := script.Concat(U160State(p, "h"), wide.U160Push(hex.EncodeToString(v160)), wide.U160EqualVerify(), script.New().Op(txscript.OP_TRUE))
	require.NoError(t, scripttest.Execute(lock, U160StateUnlock(p, "h", v160)))
	other := append([]byte(nil), v160...)
	other[19] ^= 1
	assert.Error(t, scripttest.Execute(lock, U160StateUnlock(p, "h", other)))

	v256 := make([]byte, 32)
	r.Read(v256)
	lock = script.Concat(U256State(p, "k"), wide.U256Push(hex.EncodeToString(v256)), wide.U256EqualVerify(), script.New().Op(txscript.OP_TRUE))
	require.NoError(t, scripttest.Execute(lock, U256StateUnlock(p, "k", v256)))

	_, err := script.Witness(U160StateUnlock(p, "h", v256))
	assert.True(t, errors.Is(err, script.ErrOutOfRange))
}

func TestCommitOnly(t *testing.T) {
	p := NewPlayer([]byte("secret"))
	q := NewPlayer([]byte("other"))
	tests := []struct {
		name   string
		lock   *script.Script
		unlock *script.Script
		ok     bool
	}{
		{"bit", BitStateCommit(p, "b", 0), BitStateUnlock(p, "b", 1, 0), true},
		{"bit foreign", BitStateCommit(p, "b", 0), BitStateUnlock(q, "b", 1, 0), false},
		{"u2", U2StateCommit(p, "c", 2), U2StateUnlock(p, "c", 2, 2), true},
		{"u8", U8StateCommit(p, "d"), U8StateUnlock(p, "d", 0xa5), true},
		{"u8 wrong id", U8StateCommit(p, "d"), U8StateUnlock(p, "e", 0xa5), false},
		{"u32", U32StateCommit(p, "w"), U32StateUnlock(p, "w", 0xdeadbeef), true},
		{"u160", U160StateCommit(p, "h"), U160StateUnlock(p, "h", bytes.Repeat([]byte{7}, 20)), true},
		{"u256", U256StateCommit(p, "k"), U256StateUnlock(p, "k", bytes.Repeat([]byte{9}, 32)), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lock := script.Concat(tc.lock, script.New().Op(txscript.OP_TRUE))
			err := scripttest.Execute(lock, tc.unlock)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestStateBits(t *testing.T) {
	p := NewPlayer([]byte("secret"))
	const v = uint32(0xa5c3_1e0f)
	for bit := 0; bit < 32; bit++ {
		want := int64(v >> uint(bit) & 1)
		lock := script.Concat(U32StateBit(p, "w", bit), equalsNum(want))
		require.NoError(t, scripttest.Execute(lock, U32StateBitUnlock(p, "w", v, bit)), "bit %d", bit)
	}
	_, err := script.Compile(U8StateBit(p, "x", 8))
	assert.True(t, errors.Is(err, script.ErrOutOfRange))
}

func TestJustice(t *testing.T) {
	p := NewPlayer([]byte("secret"))
	lock := script.Concat(U2StateJustice(p, "r", 2), script.New().Op(txscript.OP_TRUE))
	for v1 := 0; v1 < 4; v1++ {
		for v2 := 0; v2 < 4; v2++ {
			if v1 == v2 {
				continue
			}
			require.NoError(t, scripttest.Execute(lock, U2StateJusticeUnlock(p, "r", 2, v1, v2)))
		}
		same := script.Concat(U2StateUnlock(p, "r", v1, 2), U2StateUnlock(p, "r", v1, 2))
		assert.Error(t, scripttest.Execute(lock, same))
	}

	bitLock := script.Concat(BitStateJustice(p, "b", 0), script.New().Op(txscript.OP_TRUE))
	require.NoError(t, scripttest.Execute(bitLock, BitStateJusticeUnlock(p, "b", 0)))
	one := BitStateUnlock(p, "b", 1, 0)
	assert.Error(t, scripttest.Execute(bitLock, script.Concat(one, one)))
}

func TestOpponentLearnsAndDetectsEquivocation(t *testing.T) {
	p := NewPlayer([]byte("prover"))
	field := Field{ID: "resp", Width: U8}
	table, err := p.Table(field)
	require.NoError(t, err)
	assert.Len(t, table, 16)

	o := NewOpponent(table)

	// Scripts built from the published table match the committer's own.
	mine, err := script.Compile(U8State(p, "resp"))
	require.NoError(t, err)
	theirs, err := script.Compile(U8State(o, "resp"))
	require.NoError(t, err)
	assert.Equal(t, mine, theirs)

	_, err = o.Preimage("resp", 1, 2)
	assert.True(t, errors.Is(err, ErrUnknownPreimage))

	items, err := script.Witness(U8StateUnlock(p, "resp", 0b10_01_11_00))
	require.NoError(t, err)
	for _, item := range items {
		id, err := o.Learn(item)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}
	v, ok := o.Value("resp", 1)
	require.True(t, ok)
	assert.Equal(t, 3, v)

	pre, err := o.Preimage("resp", 1, 3)
	require.NoError(t, err)
	want, _ := p.Preimage("resp", 1, 3)
	assert.Equal(t, want, pre)

	// Unrelated data is ignored.
	id, err := o.Learn([]byte("not a preimage"))
	require.NoError(t, err)
	assert.Empty(t, id)

	// A second value for stage 1 is an equivocation.
	bad, _ := p.Preimage("resp", 1, 0)
	_, err = o.Learn(bad)
	require.True(t, errors.Is(err, ErrEquivocation))
	var eq *Equivocation
	require.True(t, errors.As(err, &eq))
	assert.Equal(t, "resp", eq.ID)
	assert.Equal(t, 1, eq.Index)

	// The evidence satisfies the justice check built from the table.
	lock := script.Concat(StageJustice(o, Stage{ID: "resp", Index: 1, Values: 4}), script.New().Op(txscript.OP_TRUE))
	require.NoError(t, scripttest.Execute(lock, EquivocationUnlock(eq)))
}

func TestOpponentValues(t *testing.T) {
	p := NewPlayer([]byte("prover"))
	table, err := p.Table(Field{ID: "word", Width: U32}, Field{ID: "byte", Width: U8}, Field{ID: "node", Width: U160})
	require.NoError(t, err)
	o := NewOpponent(table)

	_, ok := o.U32Value("word")
	assert.False(t, ok)
	_, ok = o.U160Value("node")
	assert.False(t, ok)

	var node [20]byte
	for i := range node {
		node[i] = byte(3*i + 1)
	}
	items, err := script.Witness(script.Concat(
		U32StateUnlock(p, "word", 0xdeadbeef),
		U8StateUnlock(p, "byte", 0x5a),
		U160StateUnlock(p, "node", node[:]),
	))
	require.NoError(t, err)
	for _, item := range items {
		_, err := o.Learn(item)
		require.NoError(t, err)
	}
	w, ok := o.U32Value("word")
	require.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), w)
	b, ok := o.U8Value("byte")
	require.True(t, ok)
	assert.Equal(t, uint8(0x5a), b)
	n, ok := o.U160Value("node")
	require.True(t, ok)
	assert.Equal(t, node, n)
}

func TestDigestTableJSON(t *testing.T) {
	p := NewPlayer([]byte("x"))
	table, err := p.Table(Field{ID: "a", Width: Bit, Index: 2}, Field{ID: "w", Width: U32})
	require.NoError(t, err)
	assert.Len(t, table, 2+64)

	b, err := json.Marshal(table)
	require.NoError(t, err)
	var back DigestTable
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, table, back)

	assert.Error(t, json.Unmarshal([]byte(`{"nounderscore":"00"}`), &back))
}

func TestParseHashID(t *testing.T) {
	id, index, value, err := ParseHashID(HashID("TRACE_RESPONSE_3_byte2", 1, 3))
	require.NoError(t, err)
	assert.Equal(t, "TRACE_RESPONSE_3_byte2", id)
	assert.Equal(t, 1, index)
	assert.Equal(t, 3, value)

	_, _, _, err = ParseHashID("a_b_c")
	assert.True(t, errors.Is(err, ErrBadHashID))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(Field{ID: "x", Width: U32}))
	require.NoError(t, r.Add(Field{ID: "x", Width: U32}))
	require.NoError(t, r.Add(Field{ID: "c", Width: Bit, Index: 0}))
	require.NoError(t, r.Add(Field{ID: "c", Width: Bit, Index: 1}))

	err := r.Add(Field{ID: "x", Width: U8})
	assert.True(t, errors.Is(err, ErrDuplicateIdentifier))
	// A byte field colliding with the bytes of a word.
	err = r.Add(Field{ID: "x_byte1", Width: U8})
	assert.True(t, errors.Is(err, ErrDuplicateIdentifier))

	assert.Len(t, r.Fields(), 3)
}
