// Package task defines the labelling data model: typed field tuples with
// content-addressed identities, worker answers and submissions, replication
// targets, and the evaluation records produced by cross-checking.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Kind is the type of a single field value.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindLabel  Kind = "label"
	KindMedia  Kind = "media" // URL of an attachment
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindString, KindNumber, KindBool, KindLabel, KindMedia:
		return true
	}
	return false
}

// Value is a typed scalar. Only the member matching Kind is meaningful.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
}

func String(s string) Value     { return Value{Kind: KindString, Str: s} }
func Number(f float64) Value    { return Value{Kind: KindNumber, Num: f} }
func Bool(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func LabelValue(s string) Value { return Value{Kind: KindLabel, Str: s} }
func Media(url string) Value    { return Value{Kind: KindMedia, Str: url} }

// Key renders the value as the string used for label comparison and
// canonical encoding.
func (v Value) Key() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && v.Key() == o.Key()
}

type valueJSON struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.Kind {
	case KindNumber:
		payload = v.Num
	case KindBool:
		payload = v.Bool
	default:
		payload = v.Str
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON decodes the {"kind": ..., "value": ...} form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("unknown value kind %q", in.Kind)
	}
	out := Value{Kind: in.Kind}
	var err error
	switch in.Kind {
	case KindNumber:
		err = json.Unmarshal(in.Value, &out.Num)
	case KindBool:
		err = json.Unmarshal(in.Value, &out.Bool)
	default:
		err = json.Unmarshal(in.Value, &out.Str)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", in.Kind, err)
	}
	*v = out
	return nil
}

// Field is one named element of a tuple.
type Field struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Item is an ordered, fixed-arity tuple of typed fields.
type Item struct {
	Fields []Field `json:"fields"`
}

// NewItem builds an item from fields in order.
func NewItem(fields ...Field) Item {
	return Item{Fields: fields}
}

// F is shorthand for constructing a Field.
func F(name string, v Value) Field {
	return Field{Name: name, Value: v}
}

// Get returns the named field value.
func (it Item) Get(name string) (Value, bool) {
	return lookup(it.Fields, name)
}

func lookup(fields []Field, name string) (Value, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

var (
	itemNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("crowdloop.item"))
)

// canonical serialises fields as [[name, kind, key], ...]. The encoding
// depends only on field order and values, never on process state.
func canonical(fields []Field) []byte {
	triples := make([][3]string, len(fields))
	for i, f := range fields {
		triples[i] = [3]string{f.Name, string(f.Value.Kind), f.Value.Key()}
	}
	// Marshalling [][3]string cannot fail.
	b, _ := json.Marshal(triples)
	return b
}

// ID returns the deterministic content-addressed identity of the item.
func (it Item) ID() string {
	return uuid.NewSHA1(itemNamespace, canonical(it.Fields)).String()
}

// CheckItem builds the verification input for an answer to item: the input
// fields followed by the answer fields.
func CheckItem(item Item, answer Answer) Item {
	fields := make([]Field, 0, len(item.Fields)+len(answer.Fields))
	fields = append(fields, item.Fields...)
	fields = append(fields, answer.Fields...)
	return Item{Fields: fields}
}

// SolutionID is the deterministic identity of (input, answer), independent
// of which worker produced the answer. It equals the ID of CheckItem.
func SolutionID(item Item, answer Answer) string {
	return CheckItem(item, answer).ID()
}
