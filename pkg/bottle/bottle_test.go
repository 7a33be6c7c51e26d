package bottle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBottle_Codec(t *testing.T) {
	b := Bottle{
		Vocab("list"),
		String("out"),
		Int(-42),
		Float(1.5),
		List(Pair("from", String("/a")), Pair("to", String("/b"))),
		Value{},
	}

	decoded, err := Unmarshal(Marshal(b))
	require.NoError(t, err)
	require.True(t, b.Equal(decoded), "decoded %s, expected %s", decoded, b)

	_, err = Unmarshal([]byte{0xFF})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestBottle_Find(t *testing.T) {
	detail := Bottle{
		Pair("from", String("/a")),
		Pair("to", String("/b")),
		Pair("carrier", String("tcp")),
	}
	require.Equal(t, "/a", detail.Find("from").AsString())
	require.Equal(t, "tcp", detail.Find("carrier").AsString())
	require.True(t, detail.Find("push").IsNull())

	flat := Strings("tos", "12", "priority", "3")
	require.Equal(t, int64(12), flat.Find("tos").AsInt())
	require.True(t, flat.Check("priority"))
	require.False(t, flat.Check("missing"))
}

func TestBottle_String(t *testing.T) {
	b := Bottle{Vocab("ver"), Int(1), Int(2), Int(3)}
	require.Equal(t, "[ver] 1 2 3", b.String())

	b = Bottle{Int(0), String("Added connection from /a to /b")}
	require.Equal(t, `0 "Added connection from /a to /b"`, b.String())

	b = Bottle{List(String("from"), String("/a"))}
	require.Equal(t, "(from /a)", b.String())
}

func TestBottle_FromArgs(t *testing.T) {
	b := FromArgs([]string{"[list]", "out", "3", "2.5", "/b"})
	require.True(t, b.Get(0).IsVocab())
	require.Equal(t, "list", b.Get(0).Tag())
	require.Equal(t, "out", b.Get(1).Tag())
	require.Equal(t, int64(3), b.Get(2).AsInt())
	require.Equal(t, 2.5, b.Get(3).AsFloat())
	require.Equal(t, "/b", b.Get(4).AsString())
	require.True(t, b.Get(5).IsNull())
	require.Equal(t, 4, len(b.Tail()))
}
