package carrier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContact(t *testing.T) {
	c, err := ParseContact("tcp://127.0.0.1:10002/a")
	require.NoError(t, err)
	require.Equal(t, Contact{Name: "/a", Host: "127.0.0.1", Port: 10002, Carrier: "tcp"}, c)
	require.Equal(t, "tcp://127.0.0.1:10002/a", c.String())
	require.True(t, c.IsValid())

	_, err = ParseContact("127.0.0.1:10002")
	require.ErrorIs(t, err, ErrInvalidContact)

	partial := Contact{Name: "/a", Carrier: "tcp"}
	require.False(t, partial.IsValid())
	done := partial.Complete(Contact{Host: "localhost", Port: 42, Carrier: "udp"})
	require.Equal(t, Contact{Name: "/a", Host: "localhost", Port: 42, Carrier: "tcp"}, done)
}

func TestSet(t *testing.T) {
	s := NewSet()
	_, err := s.Get("tcp")
	require.ErrorIs(t, err, ErrUnknownCarrier)
	require.Empty(t, s.Names())
}
