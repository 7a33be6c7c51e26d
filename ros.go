package porta

import (
	"context"
	"os"

	"github.com/raskyld/porta/pkg/bottle"
)

// rosProtocol is the transport name ROS peers expect in negotiations.
const rosProtocol = "TCPROS"

func rosReply(val bottle.Value) bottle.Bottle {
	return bottle.Bottle{bottle.Int(1), bottle.String(""), val}
}

// adminROS answers the subset of the ROS slave API a port can honour.
func (p *Port) adminROS(ctx context.Context, tag string, cmd bottle.Bottle) (bottle.Bottle, bool) {
	switch tag {
	case "publisherUpdate":
		return p.publisherUpdate(ctx, cmd.Get(2).AsString(), cmd.Get(3).AsList()), true
	case "requestTopic":
		contact := p.Contact()
		return rosReply(bottle.List(
			bottle.String(rosProtocol),
			bottle.String(contact.Host),
			bottle.Int(int64(contact.Port)),
		)), true
	case "getPid":
		return rosReply(bottle.Int(int64(os.Getpid()))), true
	case "getBusInfo":
		return p.busInfo(), true
	}
	return nil, false
}

func (p *Port) busInfo() bottle.Bottle {
	topic := p.Name()
	var conns []bottle.Value
	for _, info := range p.Units() {
		if info.Mode == modeAdmin || info.Doomed || info.Finished {
			continue
		}
		peer, way := info.Route.From, "i"
		if info.Output {
			peer, way = info.Route.To, "o"
		}
		conns = append(conns, bottle.List(
			bottle.Int(int64(info.Index)),
			bottle.String(peer),
			bottle.String(way),
			bottle.String(rosProtocol),
			bottle.String(topic),
			bottle.Int(1),
		))
	}
	return rosReply(bottle.List(conns...))
}

// publisherUpdate reconciles the subscriptions of the port with the
// publishers a ROS master currently knows for topic.
func (p *Port) publisherUpdate(ctx context.Context, topic string, pubs bottle.Bottle) bottle.Bottle {
	wanted := make(map[string]bool, len(pubs))
	for _, pub := range pubs {
		if s := pub.AsString(); s != "" {
			wanted[s] = true
		}
	}

	p.stateMu.Lock()
	present := make(map[string]bool)
	doomed := 0
	for _, u := range p.units {
		if u.doomed || u.finished.Load() {
			continue
		}
		u.lk.Lock()
		pupped, pup := u.pupped, u.pupString
		u.lk.Unlock()
		if !pupped {
			continue
		}
		if wanted[pup] {
			present[pup] = true
			continue
		}
		u.doomed = true
		doomed++
	}
	name := p.name
	p.stateMu.Unlock()

	if doomed > 0 {
		p.logger.Debug("dropping stale publishers", "topic", topic, "count", doomed)
		p.triggerReap()
	}

	for _, pub := range pubs {
		s := pub.AsString()
		if s == "" || present[s] {
			continue
		}
		present[s] = true
		if err := p.subscribe(ctx, name, topic, s); err != nil {
			p.logger.Warn("could not subscribe to publisher", LabelPeerName.L(s), LabelError.L(err))
		}
	}
	return rosReply(bottle.Int(0))
}

// subscribe asks pub where it publishes topic and dials it as a sink.
func (p *Port) subscribe(ctx context.Context, self, topic, pub string) error {
	contact, err := p.resolve(ctx, pub)
	if err != nil {
		return err
	}
	c, err := p.cfg.carriers.Get(contact.Carrier)
	if err != nil {
		return err
	}

	reply, err := p.WriteAdminTo(ctx, pub, bottle.Bottle{
		bottle.Vocab("requestTopic"),
		bottle.String(self),
		bottle.String(topic),
		bottle.List(bottle.List(bottle.String(rosProtocol))),
	})
	if err != nil {
		return err
	}
	if reply.Get(0).AsInt() != 1 {
		return ErrAdminFailed
	}
	proto := reply.Get(2).AsList()
	if proto.Get(0).AsString() != rosProtocol {
		return ErrAdminFailed
	}
	if host := proto.Get(1).AsString(); host != "" {
		contact.Host = host
	}
	if port := proto.Get(2).AsInt(); port > 0 {
		contact.Port = int(port)
	}

	route := Route{From: contact.Name, To: self, Carrier: c.Name()}
	_, err = p.dial(ctx, c, contact, route, helloReverse, "", pub)
	return err
}
