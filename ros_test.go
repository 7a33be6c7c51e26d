package porta

import (
	"context"
	"fmt"
	"testing"

	"github.com/raskyld/porta/pkg/bottle"
	"github.com/stretchr/testify/require"
)

func publisherUpdate(topic string, pubs ...string) bottle.Bottle {
	list := make([]bottle.Value, 0, len(pubs))
	for _, pub := range pubs {
		list = append(list, bottle.String(pub))
	}
	return bottle.Bottle{
		bottle.String("publisherUpdate"),
		bottle.String("/master"),
		bottle.String(topic),
		bottle.List(list...),
	}
}

// dataUnits leaves out administrative connections still winding down.
func dataUnits(p *Port) []UnitInfo {
	var infos []UnitInfo
	for _, info := range p.Units() {
		if info.Mode != modeAdmin {
			infos = append(infos, info)
		}
	}
	return infos
}

func TestROS_RequestTopic(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	pub := n.port(t, "/talker")

	reply := pub.Admin(ctx, bottle.Bottle{
		bottle.String("requestTopic"),
		bottle.String("/listener"),
		bottle.String("/chatter"),
		bottle.List(bottle.List(bottle.String("TCPROS"))),
	})
	require.Equal(t, fmt.Sprintf(`1 "" (TCPROS mem %d)`, pub.Contact().Port), reply.String())

	reply = pub.Admin(ctx, bottle.Bottle{bottle.String("getPid")})
	require.Equal(t, int64(1), reply.Get(0).AsInt())
	require.NotZero(t, reply.Get(2).AsInt())
}

func TestROS_PublisherUpdate(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	pub := n.port(t, "/talker")
	sub, bufSub := n.buffered(t, "/listener")

	reply, err := WriteAdmin(ctx, n.carriers, sub.Contact(), publisherUpdate("/chatter", "/talker"))
	require.NoError(t, err)
	require.Equal(t, `1 "" 0`, reply.String())
	waitCounts(t, sub, 1, 0)
	waitCounts(t, pub, 0, 1)

	units := dataUnits(sub)
	require.Len(t, units, 1)
	require.True(t, units[0].Pupped)
	require.Equal(t, Route{From: "/talker", To: "/listener", Carrier: "mem"}, units[0].Route)

	_, err = pub.Send(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(next(t, bufSub).Payload))

	// Publishers already subscribed to are kept.
	reply = sub.Admin(ctx, publisherUpdate("/chatter", "/talker"))
	require.Equal(t, `1 "" 0`, reply.String())
	require.Equal(t, units[0].Index, dataUnits(sub)[0].Index)

	busInfo := sub.Admin(ctx, bottle.Bottle{bottle.String("getBusInfo")})
	require.Equal(t, int64(1), busInfo.Get(0).AsInt())
	conns := busInfo.Get(2).AsList()
	require.Len(t, conns, 1)
	require.Equal(t, "/talker", conns[0].AsList().Get(1).AsString())
	require.Equal(t, "i", conns[0].AsList().Get(2).AsString())

	reply = sub.Admin(ctx, publisherUpdate("/chatter"))
	require.Equal(t, `1 "" 0`, reply.String())
	waitCounts(t, sub, 0, 0)
	waitCounts(t, pub, 0, 0)
}

func TestROS_PublisherUpdateIgnoresDataConnections(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	pub := n.port(t, "/talker")
	sub := n.port(t, "/listener")

	require.NoError(t, pub.AddOutput(ctx, "/listener"))
	waitCounts(t, sub, 1, 0)

	sub.Admin(ctx, publisherUpdate("/chatter"))
	waitCounts(t, sub, 1, 0)
	require.Equal(t, 1, pub.OutputCount())
}
