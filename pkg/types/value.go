package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// AttrKind discriminates the variants of an AttrValue.
type AttrKind string

const (
	// KindText holds a free-form string.
	KindText AttrKind = "text"

	// KindNumber holds a float64.
	KindNumber AttrKind = "number"

	// KindBool holds a boolean flag.
	KindBool AttrKind = "bool"

	// KindList holds a small ordered list of strings.
	KindList AttrKind = "list"
)

// AttrValue is a tagged-variant attribute value. Attribute bags are
// schema-light by design, but a closed set of variants keeps merge and
// serialization logic exhaustive instead of reflecting over interface{}.
type AttrValue struct {
	Kind AttrKind `json:"kind"`
	Text string   `json:"text,omitempty"`
	Num  float64  `json:"num,omitempty"`
	Bool bool     `json:"bool,omitempty"`
	List []string `json:"list,omitempty"`
}

// Text returns a text-valued AttrValue.
func Text(s string) AttrValue { return AttrValue{Kind: KindText, Text: s} }

// Number returns a number-valued AttrValue.
func Number(f float64) AttrValue { return AttrValue{Kind: KindNumber, Num: f} }

// Bool returns a bool-valued AttrValue.
func Bool(b bool) AttrValue { return AttrValue{Kind: KindBool, Bool: b} }

// List returns a list-valued AttrValue.
func List(items ...string) AttrValue { return AttrValue{Kind: KindList, List: items} }

// String renders the value for display and summarization prompts.
func (v AttrValue) String() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindList:
		b, _ := json.Marshal(v.List)
		return string(b)
	}
	return ""
}

// Equal reports whether two values have the same kind and payload.
func (v AttrValue) Equal(o AttrValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindText:
		return v.Text == o.Text
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if v.List[i] != o.List[i] {
				return false
			}
		}
		return true
	}
	return false
}

// Validate checks that the variant tag is known.
func (v AttrValue) Validate() error {
	switch v.Kind {
	case KindText, KindNumber, KindBool, KindList:
		return nil
	}
	return fmt.Errorf("unknown attribute kind %q", v.Kind)
}

// Attrs is the free-form attribute bag attached to nodes and edges.
type Attrs map[string]AttrValue

// Clone returns a deep copy of the bag.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		if v.Kind == KindList {
			v.List = append([]string(nil), v.List...)
		}
		out[k] = v
	}
	return out
}

// Merge overlays other onto a copy of the bag. Keys present in other win;
// keys only in the receiver are preserved. Neither input is mutated.
func (a Attrs) Merge(other Attrs) Attrs {
	out := a.Clone()
	if out == nil {
		out = make(Attrs, len(other))
	}
	for k, v := range other {
		if v.Kind == KindList {
			v.List = append([]string(nil), v.List...)
		}
		out[k] = v
	}
	return out
}

// Equal reports whether both bags hold the same keys and values.
func (a Attrs) Equal(other Attrs) bool {
	if len(a) != len(other) {
		return false
	}
	for k, v := range a {
		o, ok := other[k]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}
