package porta

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoute_Match(t *testing.T) {
	r := Route{From: "/a", To: "/b", Carrier: "tcp"}

	require.True(t, r.Matches(Route{From: Wildcard, To: "/b", Carrier: Wildcard}))
	require.True(t, r.Matches(Route{From: "/a", To: Wildcard, Carrier: Wildcard}))
	require.False(t, r.Matches(Route{From: Wildcard, To: "/c", Carrier: Wildcard}))
	require.False(t, r.Matches(Route{From: "/a", To: "/b", Carrier: "udp"}))

	matched, kept := r.match(Route{From: "/a", To: "/b", Carrier: "tcp"}, true)
	require.False(t, matched, "same carrier should be kept")
	require.True(t, kept)

	matched, kept = r.match(Route{From: "/a", To: "/b", Carrier: "udp"}, true)
	require.True(t, matched, "other carriers should be replaced")
	require.False(t, kept)

	require.Equal(t, Route{From: "/b", To: "/a", Carrier: "tcp"}, r.Swap())
}
