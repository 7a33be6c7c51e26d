package porta

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrame_Stream(t *testing.T) {
	var buf bytes.Buffer
	hello := &frame{
		kind:  frameHello,
		route: Route{From: "/a", To: "/b", Carrier: "tcp"},
		flags: helloReverse,
		mode:  ModeLog,
	}
	data := &frame{kind: frameData, payload: []byte("hello"), envelope: "stamp 1", wantReply: true}
	reply := &frame{kind: frameReply, payload: []byte{}, noReply: true}

	for _, f := range []*frame{hello, data, reply} {
		require.NoError(t, writeFrame(&buf, f))
	}

	r := bufio.NewReader(&buf)
	got, err := readFrame(r)
	require.NoError(t, err)
	require.Equal(t, hello, got)

	got, err = readFrame(r)
	require.NoError(t, err)
	require.Equal(t, data, got)

	got, err = readFrame(r)
	require.NoError(t, err)
	require.Equal(t, reply, got)
}

func TestFrame_Invalid(t *testing.T) {
	_, err := unmarshalFrame(protowire.AppendVarint(protowire.AppendTag(nil, fieldKind, protowire.VarintType), 42))
	require.ErrorIs(t, err, ErrProtocolViolation)

	_, err = unmarshalFrame([]byte{0xff})
	require.ErrorIs(t, err, ErrProtocolViolation)

	huge := protowire.AppendVarint(nil, MaxFrameSize+1)
	_, err = readFrame(bufio.NewReader(bytes.NewReader(huge)))
	require.ErrorIs(t, err, ErrTooLargeFrame)
}
