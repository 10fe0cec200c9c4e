package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UdcKind identifies which variant of the Udc value tree is populated.
type UdcKind uint8

const (
	KindNull UdcKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindList
	KindNode
)

// pair preserves insertion order for a Node's fields, since a plain Go
// map does not and JSON consumers of this wire format rely on it.
type pair struct {
	key   string
	value *Udc
}

// Udc is the tagged payload value tree carried inside frames and
// handler messages: null, string, int, float, bool, list or node.
// A node is an ordered map of name to Udc, a list an ordered sequence.
type Udc struct {
	kind  UdcKind
	str   string
	num   int64
	flt   float64
	bl    bool
	list  []*Udc
	nodes []pair
}

func Null() *Udc                { return &Udc{kind: KindNull} }
func String(v string) *Udc      { return &Udc{kind: KindString, str: v} }
func Int(v int64) *Udc          { return &Udc{kind: KindInt, num: v} }
func Float(v float64) *Udc      { return &Udc{kind: KindFloat, flt: v} }
func Bool(v bool) *Udc          { return &Udc{kind: KindBool, bl: v} }
func List(items ...*Udc) *Udc   { return &Udc{kind: KindList, list: items} }
func Node() *Udc                { return &Udc{kind: KindNode} }

func (u *Udc) Kind() UdcKind {
	if u == nil {
		return KindNull
	}
	return u.kind
}

func (u *Udc) IsNull() bool { return u == nil || u.kind == KindNull }

func (u *Udc) StringValue() (string, bool) {
	if u == nil || u.kind != KindString {
		return "", false
	}
	return u.str, true
}

func (u *Udc) IntValue() (int64, bool) {
	if u == nil || u.kind != KindInt {
		return 0, false
	}
	return u.num, true
}

func (u *Udc) FloatValue() (float64, bool) {
	if u == nil || u.kind != KindFloat {
		return 0, false
	}
	return u.flt, true
}

func (u *Udc) BoolValue() (bool, bool) {
	if u == nil || u.kind != KindBool {
		return false, false
	}
	return u.bl, true
}

func (u *Udc) ListValue() ([]*Udc, bool) {
	if u == nil || u.kind != KindList {
		return nil, false
	}
	return u.list, true
}

// Append pushes v onto a list node, turning a fresh Udc{} (zero Kind
// is KindNull) into a list on first use.
func (u *Udc) Append(v *Udc) *Udc {
	if u.kind == KindNull && len(u.list) == 0 {
		u.kind = KindList
	}
	u.list = append(u.list, v)
	return u
}

// Set inserts or replaces a named field on a node, turning a fresh
// Udc{} into a node on first use. Order of first insertion is kept.
func (u *Udc) Set(name string, v *Udc) *Udc {
	if u.kind == KindNull && len(u.nodes) == 0 {
		u.kind = KindNode
	}
	for i := range u.nodes {
		if u.nodes[i].key == name {
			u.nodes[i].value = v
			return u
		}
	}
	u.nodes = append(u.nodes, pair{key: name, value: v})
	return u
}

// Get looks up a named field on a node; returns nil, false if absent
// or if u is not a node.
func (u *Udc) Get(name string) (*Udc, bool) {
	if u == nil || u.kind != KindNode {
		return nil, false
	}
	for _, p := range u.nodes {
		if p.key == name {
			return p.value, true
		}
	}
	return nil, false
}

// Keys returns the node's field names in insertion order.
func (u *Udc) Keys() []string {
	if u == nil || u.kind != KindNode {
		return nil
	}
	keys := make([]string, len(u.nodes))
	for i, p := range u.nodes {
		keys[i] = p.key
	}
	return keys
}

// MarshalJSON implements conventional JSON encoding, distinguishing
// NUMBER from FLOAT by the presence of a decimal point.
func (u *Udc) MarshalJSON() ([]byte, error) {
	if u == nil || u.kind == KindNull {
		return []byte("null"), nil
	}
	switch u.kind {
	case KindString:
		return json.Marshal(u.str)
	case KindInt:
		return json.Marshal(u.num)
	case KindFloat:
		b, err := json.Marshal(u.flt)
		if err != nil {
			return nil, err
		}
		if !bytes.ContainsRune(b, '.') && !bytes.ContainsAny(b, "eE") {
			b = append(b, '.', '0')
		}
		return b, nil
	case KindBool:
		return json.Marshal(u.bl)
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range u.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindNode:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, p := range u.nodes {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(p.key)
			if err != nil {
				return nil, err
			}
			buf.Write(k)
			buf.WriteByte(':')
			v, err := p.value.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(v)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("qbus: unknown udc kind %d", u.kind)
	}
}

// UnmarshalJSON decodes a JSON document into the tagged union,
// preserving node field order by walking the token stream directly
// rather than routing through map[string]interface{} (which Go's
// encoding/json does not order), and distinguishing ints from floats
// by the presence of a decimal point or exponent in the source text.
func (u *Udc) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*u = *v
	return nil
}

func decodeValue(dec *json.Decoder) (*Udc, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (*Udc, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '[':
			out := List()
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				out.Append(v)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return out, nil
		case '{':
			out := Node()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("qbus: object key is not a string: %v", keyTok)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				out.Set(key, v)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return out, nil
		default:
			return nil, fmt.Errorf("qbus: unexpected json delimiter %q", t)
		}
	default:
		return nil, fmt.Errorf("qbus: unsupported json token %T", tok)
	}
}
