package porta

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 64 << 20

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameData
	frameReply
	framePull
	frameClose
)

func (k frameKind) String() string {
	switch k {
	case frameHello:
		return "hello"
	case frameData:
		return "data"
	case frameReply:
		return "reply"
	case framePull:
		return "pull"
	case frameClose:
		return "close"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

type helloFlag uint32

const (
	// helloAdmin opens an administrative channel.
	helloAdmin helloFlag = 1 << iota
	// helloReverse asks the acceptor to become the data source: the dialer
	// is the sink and grants credits with Pull frames.
	helloReverse
	// helloWake only unblocks the listener.
	helloWake
)

// frame is the unit of exchange on a connection. Only the fields relevant
// to its kind are encoded.
type frame struct {
	kind      frameKind
	route     Route
	flags     helloFlag
	mode      string
	payload   []byte
	envelope  string
	wantReply bool
	noReply   bool
	reason    string
}

const (
	fieldKind      protowire.Number = 1
	fieldFrom      protowire.Number = 2
	fieldTo        protowire.Number = 3
	fieldCarrier   protowire.Number = 4
	fieldFlags     protowire.Number = 5
	fieldMode      protowire.Number = 6
	fieldPayload   protowire.Number = 7
	fieldEnvelope  protowire.Number = 8
	fieldWantReply protowire.Number = 9
	fieldNoReply   protowire.Number = 10
	fieldReason    protowire.Number = 11
)

func appendString(buf []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func appendBool(buf []byte, num protowire.Number, b bool) []byte {
	if !b {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, 1)
}

func (f *frame) marshal() []byte {
	buf := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.kind))
	switch f.kind {
	case frameHello:
		buf = appendString(buf, fieldFrom, f.route.From)
		buf = appendString(buf, fieldTo, f.route.To)
		buf = appendString(buf, fieldCarrier, f.route.Carrier)
		if f.flags != 0 {
			buf = protowire.AppendTag(buf, fieldFlags, protowire.VarintType)
			buf = protowire.AppendVarint(buf, uint64(f.flags))
		}
		buf = appendString(buf, fieldMode, f.mode)
	case frameData:
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, f.payload)
		buf = appendString(buf, fieldEnvelope, f.envelope)
		buf = appendBool(buf, fieldWantReply, f.wantReply)
	case frameReply:
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, f.payload)
		buf = appendBool(buf, fieldNoReply, f.noReply)
	case frameClose:
		buf = appendString(buf, fieldReason, f.reason)
	}
	return buf
}

func unmarshalFrame(buf []byte) (*frame, error) {
	f := &frame{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(m); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			buf = buf[m:]
			switch num {
			case fieldKind:
				f.kind = frameKind(v)
			case fieldFlags:
				f.flags = helloFlag(v)
			case fieldWantReply:
				f.wantReply = v != 0
			case fieldNoReply:
				f.noReply = v != 0
			}
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(buf)
			if err := protowire.ParseError(m); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			buf = buf[m:]
			switch num {
			case fieldFrom:
				f.route.From = string(v)
			case fieldTo:
				f.route.To = string(v)
			case fieldCarrier:
				f.route.Carrier = string(v)
			case fieldMode:
				f.mode = string(v)
			case fieldPayload:
				f.payload = append([]byte{}, v...)
			case fieldEnvelope:
				f.envelope = string(v)
			case fieldReason:
				f.reason = string(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, buf)
			if err := protowire.ParseError(m); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			buf = buf[m:]
		}
	}
	if f.kind < frameHello || f.kind > frameClose {
		return nil, fmt.Errorf("%w: unknown frame kind %d", ErrProtocolViolation, f.kind)
	}
	return f, nil
}

// writeFrame writes f prefixed by its varint encoded length.
func writeFrame(w io.Writer, f *frame) error {
	body := f.marshal()
	buf := protowire.AppendVarint(make([]byte, 0, len(body)+binary.MaxVarintLen64), uint64(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader) (*frame, error) {
	prefix := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, b)
		if b < 0x80 {
			break
		}
		if len(prefix) == binary.MaxVarintLen64 {
			return nil, fmt.Errorf("%w: length prefix overflow", ErrProtocolViolation)
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if err := protowire.ParseError(n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return unmarshalFrame(body)
}
