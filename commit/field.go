package commit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Width is the size of a committed field.
type Width int

const (
	Bit Width = iota + 1
	U2
	U8
	U32
	U160
	U256
)

func (w Width) String() string {
	switch w {
	case Bit:
		return "bit"
	case U2:
		return "u2"
	case U8:
		return "u8"
	case U32:
		return "u32"
	case U160:
		return "u160"
	case U256:
		return "u256"
	}
	return fmt.Sprintf("width(%d)", int(w))
}

// Field is one logical committed variable.
type Field struct {
	ID    string
	Width Width
	// Index is the stage of Bit and U2 fields.
	Index int
}

// Stage is one digest group: a single bit or a single 2-bit chunk.
type Stage struct {
	ID    string
	Index int
	// Values is 2 for bit stages and 4 for 2-bit stages.
	Values int
}

// ByteID names byte i (0 = least significant) of a u32 commitment.
func ByteID(id string, i int) string {
	return fmt.Sprintf("%s_byte%d", id, i)
}

// WordID names word i (0 = most significant) of a u160 or u256 commitment.
func WordID(id string, i int) string {
	return fmt.Sprintf("%s_%d", id, i)
}

func u8Stages(id string) []Stage {
	out := make([]Stage, 4)
	for i := range out {
		out[i] = Stage{ID: id, Index: i, Values: 4}
	}
	return out
}

func u32Stages(id string) []Stage {
	var out []Stage
	for b := 0; b < 4; b++ {
		out = append(out, u8Stages(ByteID(id, b))...)
	}
	return out
}

func wordsStages(id string, words int) []Stage {
	var out []Stage
	for w := 0; w < words; w++ {
		out = append(out, u32Stages(WordID(id, w))...)
	}
	return out
}

// Stages enumerates every digest group of f.
func (f Field) Stages() []Stage {
	switch f.Width {
	case Bit:
		return []Stage{{ID: f.ID, Index: f.Index, Values: 2}}
	case U2:
		return []Stage{{ID: f.ID, Index: f.Index, Values: 4}}
	case U8:
		return u8Stages(f.ID)
	case U32:
		return u32Stages(f.ID)
	case U160:
		return wordsStages(f.ID, 5)
	case U256:
		return wordsStages(f.ID, 8)
	}
	return nil
}

// JusticeStages lists the stages a justice leaf has to cover for f.
func JusticeStages(f Field) []Stage {
	return f.Stages()
}

// DigestTable maps hash ids to digests. It is what a committer publishes to
// its opponent before any script is built.
type DigestTable map[string][]byte

// NewDigestTable collects the digest of every candidate value of every
// stage of fields.
func NewDigestTable(a Actor, fields ...Field) (DigestTable, error) {
	t := make(DigestTable)
	for _, f := range fields {
		stages := f.Stages()
		if stages == nil {
			return nil, fmt.Errorf("field %q: unknown width %v", f.ID, f.Width)
		}
		for _, st := range stages {
			for v := 0; v < st.Values; v++ {
				d, err := a.Hashlock(st.ID, st.Index, v)
				if err != nil {
					return nil, err
				}
				t[HashID(st.ID, st.Index, v)] = d
			}
		}
	}
	return t, nil
}

// Merge adds every entry of other to t.
func (t DigestTable) Merge(other DigestTable) {
	for k, v := range other {
		t[k] = v
	}
}

// MarshalJSON encodes digests as hex.
func (t DigestTable) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(t))
	for k, v := range t {
		m[k] = hex.EncodeToString(v)
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes hex digests.
func (t *DigestTable) UnmarshalJSON(b []byte) error {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	out := make(DigestTable, len(m))
	for k, v := range m {
		if _, _, _, err := ParseHashID(k); err != nil {
			return err
		}
		d, err := hex.DecodeString(v)
		if err != nil {
			return fmt.Errorf("digest %s: %w", k, err)
		}
		if len(d) != 20 {
			return fmt.Errorf("digest %s: want 20 bytes, got %d", k, len(d))
		}
		out[k] = d
	}
	*t = out
	return nil
}

// Registry records the identifiers a session commits to and rejects any
// stage claimed by two distinct fields.
type Registry struct {
	mu     sync.Mutex
	fields map[string]Field
	owner  map[string]string // stage key -> field id
}

func NewRegistry() *Registry {
	return &Registry{
		fields: make(map[string]Field),
		owner:  make(map[string]string),
	}
}

// Add registers f. Registering the same field twice is allowed.
func (r *Registry) Add(f Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fieldKey(f)
	if prev, ok := r.fields[key]; ok {
		if prev == f {
			return nil
		}
		return fmt.Errorf("%w: %s as %v and %v", ErrDuplicateIdentifier, key, prev.Width, f.Width)
	}
	for _, st := range f.Stages() {
		if other, ok := r.owner[stageKey(st.ID, st.Index)]; ok && other != key {
			return fmt.Errorf("%w: %s stage %d used by %s and %s",
				ErrDuplicateIdentifier, st.ID, st.Index, other, key)
		}
	}
	r.fields[key] = f
	for _, st := range f.Stages() {
		r.owner[stageKey(st.ID, st.Index)] = key
	}
	return nil
}

// Fields returns every registered field sorted by id.
func (r *Registry) Fields() []Field {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Field, 0, len(r.fields))
	for _, f := range r.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID == out[j].ID {
			return out[i].Index < out[j].Index
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func fieldKey(f Field) string {
	if f.Width == Bit || f.Width == U2 {
		return fmt.Sprintf("%s#%d", f.ID, f.Index)
	}
	return f.ID
}
