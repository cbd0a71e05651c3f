// Package commit implements hash-locked value commitments. A committer
// derives one preimage per (identifier, stage, candidate value) from a
// secret; locking scripts embed only the digests, and revealing the preimage
// for one candidate binds the committer to that value.
package commit

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ripemd160"
)

var (
	ErrUnknownHashlock     = errors.New("unknown hashlock")
	ErrUnknownPreimage     = errors.New("preimage not known")
	ErrEquivocation        = errors.New("equivocation")
	ErrDuplicateIdentifier = errors.New("identifier already committed")
	ErrBadHashID           = errors.New("malformed hash id")
)

// Actor derives hashlocks and, when it can, preimages for a committer.
type Actor interface {
	Hashlock(id string, index, value int) ([]byte, error)
	Preimage(id string, index, value int) ([]byte, error)
}

func ripemd(parts ...[]byte) []byte {
	h := ripemd160.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Hash160 is the in-script hash OP_RIPEMD160 computes.
func Hash160(b []byte) []byte {
	return ripemd(b)
}

// HashID names one candidate value of one stage of an identifier.
func HashID(id string, index, value int) string {
	return fmt.Sprintf("%s_%d_%d", id, index, value)
}

// ParseHashID is the inverse of HashID.
func ParseHashID(hashID string) (id string, index, value int, err error) {
	vi := strings.LastIndexByte(hashID, '_')
	if vi <= 0 {
		return "", 0, 0, fmt.Errorf("%w: %q", ErrBadHashID, hashID)
	}
	ii := strings.LastIndexByte(hashID[:vi], '_')
	if ii <= 0 {
		return "", 0, 0, fmt.Errorf("%w: %q", ErrBadHashID, hashID)
	}
	if index, err = strconv.Atoi(hashID[ii+1 : vi]); err != nil {
		return "", 0, 0, fmt.Errorf("%w: %q", ErrBadHashID, hashID)
	}
	if value, err = strconv.Atoi(hashID[vi+1:]); err != nil {
		return "", 0, 0, fmt.Errorf("%w: %q", ErrBadHashID, hashID)
	}
	return hashID[:ii], index, value, nil
}

// Player is the committer. It owns the secret and can derive everything.
type Player struct {
	secret []byte
}

// NewPlayer returns a Player for secret. The secret never leaves it.
func NewPlayer(secret []byte) *Player {
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Player{secret: s}
}

// Preimage returns H(secret || id || "index:i,value:v").
func (p *Player) Preimage(id string, index, value int) ([]byte, error) {
	tag := fmt.Sprintf("index:%d,value:%d", index, value)
	return ripemd(p.secret, []byte(id), []byte(tag)), nil
}

// Hashlock returns the digest embedded in locking scripts.
func (p *Player) Hashlock(id string, index, value int) ([]byte, error) {
	pre, _ := p.Preimage(id, index, value)
	return ripemd(pre), nil
}

// Table publishes the digests of every stage of fields.
func (p *Player) Table(fields ...Field) (DigestTable, error) {
	return NewDigestTable(p, fields...)
}

type learned struct {
	value    int
	preimage []byte
}

// Opponent is the peer's view of a committer: the published digest table
// plus every preimage seen on chain so far.
type Opponent struct {
	mu       sync.Mutex
	table    DigestTable
	byDigest map[string]string
	learned  map[string]learned // id_index -> first revealed value
}

// NewOpponent wraps the digest table received from the committer.
func NewOpponent(table DigestTable) *Opponent {
	o := &Opponent{
		table:    make(DigestTable, len(table)),
		byDigest: make(map[string]string, len(table)),
		learned:  make(map[string]learned),
	}
	for k, v := range table {
		o.table[k] = v
		o.byDigest[hex.EncodeToString(v)] = k
	}
	return o
}

// Hashlock returns the digest published for the hash id.
func (o *Opponent) Hashlock(id string, index, value int) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.table[HashID(id, index, value)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHashlock, HashID(id, index, value))
	}
	return d, nil
}

// Preimage returns a preimage previously revealed on chain.
func (o *Opponent) Preimage(id string, index, value int) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.learned[stageKey(id, index)]
	if !ok || l.value != value {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreimage, HashID(id, index, value))
	}
	return l.preimage, nil
}

// Value returns the value revealed for a stage, if any.
func (o *Opponent) Value(id string, index int) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.learned[stageKey(id, index)]
	return l.value, ok
}

// U8Value assembles a committed byte from its four learned stages.
func (o *Opponent) U8Value(id string) (uint8, bool) {
	var v uint8
	for i := 0; i < 4; i++ {
		s, ok := o.Value(id, i)
		if !ok {
			return 0, false
		}
		v |= uint8(s) << (2 * uint(i))
	}
	return v, true
}

// U32Value assembles a committed word from its four learned bytes.
func (o *Opponent) U32Value(id string) (uint32, bool) {
	var v uint32
	for b := 0; b < 4; b++ {
		x, ok := o.U8Value(ByteID(id, b))
		if !ok {
			return 0, false
		}
		v |= uint32(x) << (8 * uint(b))
	}
	return v, true
}

// U160Value rebuilds a learned 20-byte value, word 0 most significant.
func (o *Opponent) U160Value(id string) ([20]byte, bool) {
	var out [20]byte
	for w := 0; w < 5; w++ {
		v, ok := o.U32Value(WordID(id, w))
		if !ok {
			return [20]byte{}, false
		}
		out[4*w], out[4*w+1], out[4*w+2], out[4*w+3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	}
	return out, true
}

// Learn records item if it is a preimage of a published digest. It returns
// the matched hash id, or "" when item matches nothing. Revealing a second,
// different value for a stage yields an *Equivocation error.
func (o *Opponent) Learn(item []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	hashID, ok := o.byDigest[hex.EncodeToString(ripemd(item))]
	if !ok {
		return "", nil
	}
	id, index, value, err := ParseHashID(hashID)
	if err != nil {
		return "", err
	}
	key := stageKey(id, index)
	prev, seen := o.learned[key]
	if !seen {
		pre := make([]byte, len(item))
		copy(pre, item)
		o.learned[key] = learned{value: value, preimage: pre}
		return hashID, nil
	}
	if prev.value == value || bytes.Equal(prev.preimage, item) {
		return hashID, nil
	}
	return hashID, &Equivocation{
		ID:        id,
		Index:     index,
		Values:    [2]int{prev.value, value},
		Preimages: [2][]byte{prev.preimage, append([]byte(nil), item...)},
	}
}

func stageKey(id string, index int) string {
	return id + "#" + strconv.Itoa(index)
}

// Equivocation proves the committer revealed two values for one stage.
type Equivocation struct {
	ID        string
	Index     int
	Values    [2]int
	Preimages [2][]byte
}

func (e *Equivocation) Error() string {
	return fmt.Sprintf("equivocation on %s stage %d: values %d and %d",
		e.ID, e.Index, e.Values[0], e.Values[1])
}

func (e *Equivocation) Is(target error) bool { return target == ErrEquivocation }

// Unlock returns the justice witness for the equivocated stage: the
// preimage of the lower value first and the higher value on top.
func (e *Equivocation) Unlock() [][]byte {
	lo, hi := 0, 1
	if e.Values[0] > e.Values[1] {
		lo, hi = 1, 0
	}
	return [][]byte{e.Preimages[lo], e.Preimages[hi]}
}
