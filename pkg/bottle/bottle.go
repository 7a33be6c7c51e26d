// Package bottle implements the order-preserving structured list exchanged
// on the administrative channel of a port and with name services.
//
// A Bottle is a list of Value. A Value is a string, an integer, a float, a
// vocab (short command tag, rendered as `[tag]`) or a nested list.
package bottle

import (
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindInt
	KindFloat
	KindVocab
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindVocab:
		return "vocab"
	case KindList:
		return "list"
	default:
		return "none"
	}
}

// Value is a single element of a Bottle. The zero Value is the null value
// returned when looking up something which does not exist.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	l    Bottle
}

// Bottle is an ordered list of values.
type Bottle []Value

func String(s string) Value {
	return Value{kind: KindString, s: s}
}

func Int(i int64) Value {
	return Value{kind: KindInt, i: i}
}

func Float(f float64) Value {
	return Value{kind: KindFloat, f: f}
}

func Vocab(tag string) Value {
	return Value{kind: KindVocab, s: tag}
}

func List(vals ...Value) Value {
	l := make(Bottle, len(vals))
	copy(l, vals)
	return Value{kind: KindList, l: l}
}

// Pair is a shorthand for the `(key value)` idiom used in replies.
func Pair(key string, val Value) Value {
	return List(String(key), val)
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNone }
func (v Value) IsString() bool { return v.kind == KindString }
func (v Value) IsInt() bool    { return v.kind == KindInt }
func (v Value) IsFloat() bool  { return v.kind == KindFloat }
func (v Value) IsVocab() bool  { return v.kind == KindVocab }
func (v Value) IsList() bool   { return v.kind == KindList }

// AsString returns the textual content of strings and vocabs, and the text
// rendering of anything else.
func (v Value) AsString() string {
	switch v.kind {
	case KindString, KindVocab:
		return v.s
	case KindNone:
		return ""
	default:
		return v.String()
	}
}

func (v Value) AsInt() int64 {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return int64(v.f)
	case KindString:
		i, err := strconv.ParseInt(v.s, 10, 64)
		if err == nil {
			return i
		}
	}
	return 0
}

func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return float64(v.i)
	case KindString:
		f, err := strconv.ParseFloat(v.s, 64)
		if err == nil {
			return f
		}
	}
	return 0
}

// AsList returns the nested list, or nil if the value is not a list.
func (v Value) AsList() Bottle {
	if v.kind != KindList {
		return nil
	}
	return v.l
}

// Tag returns the command tag carried by a vocab or a string, which is how
// commands are matched whatever the peer used to encode them.
func (v Value) Tag() string {
	if v.kind == KindVocab || v.kind == KindString {
		return v.s
	}
	return ""
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString, KindVocab:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindList:
		return v.l.Equal(o.l)
	}
	return true
}

func (v Value) String() string {
	var sb strings.Builder
	v.writeTo(&sb)
	return sb.String()
}

func (v Value) writeTo(sb *strings.Builder) {
	switch v.kind {
	case KindString:
		if v.s == "" || strings.ContainsAny(v.s, " \t\n\"()[]\\") || looksNumeric(v.s) {
			sb.WriteString(strconv.Quote(v.s))
		} else {
			sb.WriteString(v.s)
		}
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		sb.WriteString(s)
	case KindVocab:
		sb.WriteByte('[')
		sb.WriteString(v.s)
		sb.WriteByte(']')
	case KindList:
		sb.WriteByte('(')
		v.l.writeTo(sb)
		sb.WriteByte(')')
	}
}

func looksNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// Get returns the i-th value or the null value.
func (b Bottle) Get(i int) Value {
	if i < 0 || i >= len(b) {
		return Value{}
	}
	return b[i]
}

// Tail returns everything but the first element.
func (b Bottle) Tail() Bottle {
	if len(b) <= 1 {
		return nil
	}
	return b[1:]
}

// Find looks for key either as the head of a nested `(key value)` list or
// as a flat `key value` sequence, and returns the associated value.
func (b Bottle) Find(key string) Value {
	for i, v := range b {
		if v.kind == KindList && len(v.l) > 0 && v.l[0].Tag() == key {
			if len(v.l) == 2 {
				return v.l[1]
			}
			return List(v.l[1:]...)
		}
		if v.Tag() == key && i+1 < len(b) {
			return b[i+1]
		}
	}
	return Value{}
}

// Check reports whether key can be found with Find.
func (b Bottle) Check(key string) bool {
	return !b.Find(key).IsNull()
}

func (b Bottle) Equal(o Bottle) bool {
	if len(b) != len(o) {
		return false
	}
	for i := range b {
		if !b[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (b Bottle) String() string {
	var sb strings.Builder
	b.writeTo(&sb)
	return sb.String()
}

func (b Bottle) writeTo(sb *strings.Builder) {
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		v.writeTo(sb)
	}
}

// Strings converts a list of strings to a Bottle of string values.
func Strings(ss ...string) Bottle {
	b := make(Bottle, len(ss))
	for i, s := range ss {
		b[i] = String(s)
	}
	return b
}

// FromArgs builds a command from command-line words: integers and floats
// are recognised, `[tag]` becomes a vocab, anything else is a string.
func FromArgs(args []string) Bottle {
	b := make(Bottle, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '[' && arg[len(arg)-1] == ']' {
			b = append(b, Vocab(arg[1:len(arg)-1]))
			continue
		}
		if i, err := strconv.ParseInt(arg, 10, 64); err == nil {
			b = append(b, Int(i))
			continue
		}
		if f, err := strconv.ParseFloat(arg, 64); err == nil {
			b = append(b, Float(f))
			continue
		}
		b = append(b, String(arg))
	}
	return b
}
