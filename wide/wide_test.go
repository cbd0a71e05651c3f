package wide

import (
	"encoding/hex"
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"

	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/scripttest"
)

func pass(t *testing.T, parts ...*script.Script) {
	t.Helper()
	s := script.Concat(parts...).Op(txscript.OP_TRUE)
	require.NoError(t, scripttest.Execute(s, nil))
}

func fail(t *testing.T, parts ...*script.Script) {
	t.Helper()
	s := script.Concat(parts...).Op(txscript.OP_TRUE)
	require.Error(t, scripttest.Execute(s, nil))
}

func verify() *script.Script { return script.New().Op(txscript.OP_VERIFY) }

func notVerify() *script.Script { return script.New().Op(txscript.OP_NOT, txscript.OP_VERIFY) }

const (
	h160a = "0123456789abcdef0123456789abcdef01234567"
	h160b = "0123456789abcdef0123456789abcdef01234568"
)

func TestU160Equality(t *testing.T) {
	pass(t, U160Push(h160a), U160Push(h160a), U160EqualVerify())
	fail(t, U160Push(h160a), U160Push(h160b), U160EqualVerify())
	pass(t, U160Push(h160a), U160Push(h160a), U160Equal(), verify())
	pass(t, U160Push(h160a), U160Push(h160b), U160Equal(), notVerify())
	pass(t, U160Push(h160a), U160Push(h160b), U160NotEqual(), verify())
	pass(t, U160Push(h160b), U160Push(h160b), U160NotEqual(), notVerify())
}

func TestU160Moves(t *testing.T) {
	pass(t,
		U160Push(h160a), U160Push(h160b),
		U160Roll(1), U160Push(h160a), U160EqualVerify(),
		U160Push(h160b), U160EqualVerify(),
	)
	pass(t,
		U160Push(h160a), U160Push(h160b),
		U160Pick(1), U160Push(h160a), U160EqualVerify(),
		U160Drop(), U160Push(h160a), U160EqualVerify(),
	)
	pass(t,
		U160Push(h160a), U160ToAltStack(), U160Push(h160b), U160Drop(),
		U160FromAltStack(), U160Push(h160a), U160EqualVerify(),
	)
}

func hex256(v *big.Int) string {
	b := make([]byte, 32)
	v.FillBytes(b)
	return hex.EncodeToString(b)
}

func TestU256LessThan(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	vals := []*big.Int{big.NewInt(0), big.NewInt(1), new(big.Int).Lsh(big.NewInt(1), 255), max}
	for i := 0; i < 6; i++ {
		b := make([]byte, 32)
		r.Read(b)
		vals = append(vals, new(big.Int).SetBytes(b))
	}
	// Values differing only in a low word.
	vals = append(vals, new(big.Int).Add(vals[len(vals)-1], big.NewInt(1)))

	s := script.New()
	for _, a := range vals {
		for _, b := range vals {
			want := int64(0)
			if a.Cmp(b) < 0 {
				want = 1
			}
			s.Append(U256Push(hex256(a)), U256Push(hex256(b)), U256LessThan()).
				Num(want).Op(txscript.OP_EQUALVERIFY)
		}
	}
	pass(t, s)
}

func TestU256Equality(t *testing.T) {
	a := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	b := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeefe"
	pass(t, U256Push(a), U256Push(a), U256EqualVerify())
	fail(t, U256Push(a), U256Push(b), U256EqualVerify())
	pass(t, U256Push(a), U256Push(b), U256Equal(), notVerify())
	pass(t, U256Push(a), U256Push(b), U256NotEqual(), verify())
	pass(t,
		U256Push(a), U256Push(b), U256Roll(1), U256Push(a), U256EqualVerify(),
		U256ToAltStack(), script.New().Num(1).Op(txscript.OP_DROP), U256FromAltStack(),
		U256Push(b), U256EqualVerify(),
	)
	pass(t, U256Push(a), U256Drop())
}

func TestPushErrors(t *testing.T) {
	_, err := script.Compile(U160Push("abcd"))
	require.True(t, errors.Is(err, script.ErrOutOfRange))
	_, err = script.Compile(U256Push("xyz"))
	require.True(t, errors.Is(err, script.ErrMalformedHex))
}
