package commit

import (
	"github.com/BitVM/BitVM-sub000/script"
)

// U2StateBit reads one bit of a committed 2-bit stage: bit 0 is the low bit.
// Only the stage's preimage is consumed.
func U2StateBit(a Actor, id string, index, bit int) *script.Script {
	if bit == 0 {
		return u2Read(a, id, index, [4]int64{0, 1, 0, 1})
	}
	return u2Read(a, id, index, [4]int64{0, 0, 1, 1})
}

// U8StateBit reads bit (0 = least significant) of a committed byte.
func U8StateBit(a Actor, id string, bit int) *script.Script {
	if bit < 0 || bit > 7 {
		return script.New().Fail(script.Errorf("u8_state_bit", script.ErrOutOfRange, "bit %d", bit))
	}
	return U2StateBit(a, id, bit>>1, bit&1)
}

// U8StateBitUnlock reveals the stage of value holding bit.
func U8StateBitUnlock(a Actor, id string, value uint8, bit int) *script.Script {
	if bit < 0 || bit > 7 {
		return script.New().Fail(script.Errorf("u8_state_bit_unlock", script.ErrOutOfRange, "bit %d", bit))
	}
	index := bit >> 1
	return U2StateUnlock(a, id, int(value>>(2*uint(index))&3), index)
}

// U32StateBit reads bit (0 = least significant) of a committed word.
func U32StateBit(a Actor, id string, bit int) *script.Script {
	if bit < 0 || bit > 31 {
		return script.New().Fail(script.Errorf("u32_state_bit", script.ErrOutOfRange, "bit %d", bit))
	}
	return U8StateBit(a, ByteID(id, bit>>3), bit&7)
}

// U32StateBitUnlock reveals the stage of value holding bit.
func U32StateBitUnlock(a Actor, id string, value uint32, bit int) *script.Script {
	if bit < 0 || bit > 31 {
		return script.New().Fail(script.Errorf("u32_state_bit_unlock", script.ErrOutOfRange, "bit %d", bit))
	}
	b := bit >> 3
	return U8StateBitUnlock(a, ByteID(id, b), uint8(value>>(8*uint(b))), bit&7)
}
