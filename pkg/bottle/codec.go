package bottle

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("bottle: malformed encoding")

// Field numbers, one per kind, so a Bottle is a repeated oneof on the wire.
const (
	fieldString protowire.Number = 1
	fieldInt    protowire.Number = 2
	fieldFloat  protowire.Number = 3
	fieldVocab  protowire.Number = 4
	fieldList   protowire.Number = 5
	fieldNull   protowire.Number = 6
)

// Marshal encodes b with the protobuf wire format.
func Marshal(b Bottle) []byte {
	return b.appendTo(nil)
}

func (b Bottle) appendTo(buf []byte) []byte {
	for _, v := range b {
		switch v.kind {
		case KindString:
			buf = protowire.AppendTag(buf, fieldString, protowire.BytesType)
			buf = protowire.AppendString(buf, v.s)
		case KindInt:
			buf = protowire.AppendTag(buf, fieldInt, protowire.VarintType)
			buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v.i))
		case KindFloat:
			buf = protowire.AppendTag(buf, fieldFloat, protowire.Fixed64Type)
			buf = protowire.AppendFixed64(buf, math.Float64bits(v.f))
		case KindVocab:
			buf = protowire.AppendTag(buf, fieldVocab, protowire.BytesType)
			buf = protowire.AppendString(buf, v.s)
		case KindList:
			buf = protowire.AppendTag(buf, fieldList, protowire.BytesType)
			buf = protowire.AppendBytes(buf, v.l.appendTo(nil))
		default:
			buf = protowire.AppendTag(buf, fieldNull, protowire.VarintType)
			buf = protowire.AppendVarint(buf, 0)
		}
	}
	return buf
}

// Unmarshal decodes what Marshal produced.
func Unmarshal(buf []byte) (Bottle, error) {
	var b Bottle
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		buf = buf[n:]

		switch {
		case (num == fieldString || num == fieldVocab || num == fieldList) && typ == protowire.BytesType:
			raw, m := protowire.ConsumeBytes(buf)
			if err := protowire.ParseError(m); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			buf = buf[m:]
			switch num {
			case fieldString:
				b = append(b, String(string(raw)))
			case fieldVocab:
				b = append(b, Vocab(string(raw)))
			default:
				nested, err := Unmarshal(raw)
				if err != nil {
					return nil, err
				}
				b = append(b, Value{kind: KindList, l: nested})
			}
		case num == fieldInt && typ == protowire.VarintType:
			raw, m := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(m); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			buf = buf[m:]
			b = append(b, Int(protowire.DecodeZigZag(raw)))
		case num == fieldFloat && typ == protowire.Fixed64Type:
			raw, m := protowire.ConsumeFixed64(buf)
			if err := protowire.ParseError(m); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			buf = buf[m:]
			b = append(b, Float(math.Float64frombits(raw)))
		case num == fieldNull && typ == protowire.VarintType:
			_, m := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(m); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			buf = buf[m:]
			b = append(b, Value{})
		default:
			return nil, fmt.Errorf("%w: unexpected field %d of type %d", ErrMalformed, num, typ)
		}
	}
	return b, nil
}
