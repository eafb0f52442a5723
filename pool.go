package eminor

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Constant is one typed entry of the constant pool. Exactly one of the
// payload fields is meaningful, selected by Kind: Int for INT, HEX and
// DURATION, Str for STRING, Bool for BOOL. The struct is comparable so
// it doubles as the pool's deduplication key.
type Constant struct {
	Kind ConstKind
	Int  int64
	Str  string
	Bool bool
}

// MarshalJSON emits the sidecar shape {"kind":..., "value":...}.
func (c Constant) MarshalJSON() ([]byte, error) {
	var value any
	switch c.Kind {
	case KindString:
		value = c.Str
	case KindBool:
		value = c.Bool
	default:
		value = c.Int
	}
	return json.Marshal(struct {
		Kind  ConstKind `json:"kind"`
		Value any       `json:"value"`
	}{c.Kind, value})
}

// UnmarshalJSON reads the sidecar shape back, for tools that consume
// emitted artifacts.
func (c *Constant) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind  ConstKind       `json:"kind"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Kind = raw.Kind
	switch raw.Kind {
	case KindString:
		return json.Unmarshal(raw.Value, &c.Str)
	case KindBool:
		return json.Unmarshal(raw.Value, &c.Bool)
	default:
		return json.Unmarshal(raw.Value, &c.Int)
	}
}

// String renders the constant for listings, e.g. INT(7) or STRING("x").
func (c Constant) String() string {
	switch c.Kind {
	case KindString:
		return fmt.Sprintf("%s(%q)", c.Kind, c.Str)
	case KindBool:
		return fmt.Sprintf("%s(%t)", c.Kind, c.Bool)
	default:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Int)
	}
}

// ConstPool is an ordered, deduplicated sequence of constants. The
// dedup key is (kind, value); insertion assigns dense indices from 0
// and an index never changes once assigned.
type ConstPool struct {
	items []Constant
	index map[Constant]uint16
}

// NewConstPool returns an empty pool.
func NewConstPool() *ConstPool {
	return &ConstPool{index: make(map[Constant]uint16)}
}

// Intern returns the pool index for c, inserting it on first sight.
func (p *ConstPool) Intern(c Constant) uint16 {
	if idx, ok := p.index[c]; ok {
		return idx
	}
	idx := uint16(len(p.items))
	p.items = append(p.items, c)
	p.index[c] = idx
	return idx
}

// Items returns the pool contents in index order.
func (p *ConstPool) Items() []Constant { return p.items }

// Len returns the number of pooled constants.
func (p *ConstPool) Len() int { return len(p.items) }

// maxFuncs bounds the function table; indices are u16 operands.
const maxFuncs = 1 << 16

// Symtab holds the function index and label tables built during one
// emission.
type Symtab struct {
	Funcs  map[string]uint16 // function name -> dense index, first reference wins
	Labels map[string]int    // label name -> absolute byte offset
}

// NewSymtab returns an empty symbol table.
func NewSymtab() *Symtab {
	return &Symtab{
		Funcs:  make(map[string]uint16),
		Labels: make(map[string]int),
	}
}

// FuncIdx returns the dense index for a function name, assigning the
// next index on first reference (declaration or call).
func (s *Symtab) FuncIdx(name string) (uint16, error) {
	if idx, ok := s.Funcs[name]; ok {
		return idx, nil
	}
	if len(s.Funcs) >= maxFuncs {
		return 0, errors.Errorf("function table full: cannot index %q", name)
	}
	idx := uint16(len(s.Funcs))
	s.Funcs[name] = idx
	return idx, nil
}
