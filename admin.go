package porta

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/raskyld/porta/pkg/bottle"
	"github.com/raskyld/porta/pkg/carrier"
)

const adminSource = "/porta/admin"

var adminHelp = []string{
	"[help]                  # give this help",
	"[ver]                   # report protocol version information",
	"[add] $portname         # add an output connection",
	"[add] $portname $car    # add an output with a given protocol",
	"[del] $portname         # remove an input or output connection",
	"[list] [in]             # list input connections",
	"[list] [out]            # list output connections",
	"[list] [in] $portname   # give details for input",
	"[list] [out] $portname  # give details for output",
	"[set] [in] $portname (property value) # set carrier properties",
	"[set] [out] $portname (property value) # set carrier properties",
	"[get] [in] $portname    # get carrier properties",
	"[get] [out] $portname   # get carrier properties",
	"[prop] [get]            # get all user-defined port properties",
	"[prop] [get] $prop      # get a user-defined port property",
	"[prop] [set] $prop $val # set a user-defined port property",
	"[atch] [in] (prop val)  # attach a monitor to the input path",
	"[atch] [out] (prop val) # attach a monitor to the output path",
	"[dtch] [in]             # detach the input monitor",
	"[dtch] [out]            # detach the output monitor",
}

func replyOK() bottle.Bottle {
	return bottle.Bottle{bottle.Vocab("ok")}
}

func replyFail(format string, args ...any) bottle.Bottle {
	return bottle.Bottle{bottle.Vocab("fail"), bottle.String(fmt.Sprintf(format, args...))}
}

// Admin executes an administrative command against the port, as if a
// peer had sent it over an administrative connection.
func (p *Port) Admin(ctx context.Context, cmd bottle.Bottle) bottle.Bottle {
	tag := cmd.Get(0).Tag()
	p.sink.IncrCounterWithLabels(MetricAdminCommandCount, 1, p.withLabels(LabelCommand.M(tag)))
	p.logger.Debug("administrative command", LabelCommand.L(tag))

	switch tag {
	case "help":
		reply := bottle.Bottle{bottle.Vocab("many")}
		for _, line := range adminHelp {
			reply = append(reply, bottle.String(line))
		}
		return reply
	case "ver":
		return bottle.Bottle{bottle.Vocab("ver"), bottle.Int(1), bottle.Int(2), bottle.Int(3)}
	case "add":
		return p.adminAdd(ctx, cmd.Tail())
	case "del":
		return p.adminDel(cmd.Get(1).AsString())
	case "list":
		return p.adminList(cmd.Tail())
	case "set":
		return p.adminSet(cmd.Tail())
	case "get":
		return p.adminGet(cmd.Tail())
	case "prop":
		return p.adminProp(cmd.Tail())
	case "atch":
		return p.adminAttach(cmd.Tail())
	case "dtch":
		return p.adminDetach(cmd.Get(1).Tag())
	}

	if reply, handled := p.adminROS(ctx, tag, cmd); handled {
		return reply
	}

	if r := p.cb.Load().adminReader; r != nil {
		reply, err := r.ReadAdmin(ctx, cmd)
		if err != nil {
			return replyFail("%s", err)
		}
		return reply
	}
	return replyFail("send [help] for list of valid commands")
}

// adminFromWire decodes and executes a command received on an
// administrative connection.
func (p *Port) adminFromWire(payload []byte) bottle.Bottle {
	cmd, err := bottle.Unmarshal(payload)
	if err != nil {
		p.logger.Warn("malformed administrative command", LabelError.L(err))
		return replyFail("%s", err)
	}
	return p.Admin(p.ctx, cmd)
}

func (p *Port) adminAdd(ctx context.Context, args bottle.Bottle) bottle.Bottle {
	var diag bytes.Buffer
	opts := []ConnectOption{WithDiagnostics(&diag)}
	if c := args.Get(1).AsString(); c != "" {
		opts = append(opts, WithCarrier(c))
	}
	if err := p.AddOutput(ctx, args.Get(0).AsString(), opts...); err != nil {
		return bottle.Bottle{bottle.Int(-1), bottle.String(diag.String())}
	}
	return bottle.Bottle{bottle.Int(0), bottle.String(diag.String())}
}

func (p *Port) adminDel(target string) bottle.Bottle {
	name := p.Name()
	out := p.RemoveOutput(target)
	in := p.RemoveInput(target)
	switch {
	case out && in:
		return bottle.Bottle{bottle.Int(0), bottle.String(fmt.Sprintf("Removed connections from %s to %s and back", name, target))}
	case out:
		return bottle.Bottle{bottle.Int(0), bottle.String(fmt.Sprintf("Removed connection from %s to %s", name, target))}
	case in:
		return bottle.Bottle{bottle.Int(0), bottle.String(fmt.Sprintf("Removed connection from %s to %s", target, name))}
	}
	return bottle.Bottle{bottle.Int(-1), bottle.String(fmt.Sprintf("Could not find an incoming or outgoing connection to %s", target))}
}

func parseDirection(v bottle.Value) (direction, bool) {
	switch v.Tag() {
	case "in":
		return dirInput, true
	case "out":
		return dirOutput, true
	}
	return dirInput, false
}

// findUnit returns the live data or log unit exchanging with peer.
func (p *Port) findUnit(dir direction, peer string) *unit {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	for _, u := range p.units {
		if u.doomed || u.finished.Load() || !u.ready.Load() {
			continue
		}
		d, mode := u.kind()
		if d == dir && mode != modeAdmin && u.peer() == peer {
			return u
		}
	}
	return nil
}

func (p *Port) adminList(args bottle.Bottle) bottle.Bottle {
	dir, valid := parseDirection(args.Get(0))
	if !valid {
		return replyFail("list needs [in] or [out]")
	}

	if args.Get(1).IsNull() {
		var reply bottle.Bottle
		for _, info := range p.Units() {
			if info.Mode == modeAdmin || info.Doomed || info.Finished || info.Output != (dir == dirOutput) {
				continue
			}
			if info.Output {
				reply = append(reply, bottle.String(info.Route.To))
			} else {
				reply = append(reply, bottle.String(info.Route.From))
			}
		}
		return reply
	}

	u := p.findUnit(dir, args.Get(1).AsString())
	if u == nil {
		return bottle.Bottle{}
	}
	u.lk.Lock()
	route, mode, c := u.route, u.mode, u.carrier
	u.lk.Unlock()

	reply := bottle.Bottle{
		bottle.Pair("from", bottle.String(route.From)),
		bottle.Pair("to", bottle.String(route.To)),
		bottle.Pair("carrier", bottle.String(route.Carrier)),
	}
	if c != nil && c.IsConnectionless() {
		reply = append(reply, bottle.Pair("connectionless", bottle.Int(1)))
	}
	if c != nil && !c.IsPush() {
		reply = append(reply, bottle.Pair("push", bottle.Int(0)))
	}
	if mode != "" {
		reply = append(reply, bottle.Pair("mode", bottle.String(mode)))
	}
	return reply
}

func (p *Port) monitor(dir direction) Monitor {
	cb := p.cb.Load()
	if dir == dirInput {
		return cb.inMonitor
	}
	return cb.outMonitor
}

func (p *Port) adminSet(args bottle.Bottle) bottle.Bottle {
	dir, valid := parseDirection(args.Get(0))
	if !valid {
		return replyFail("set needs [in] or [out]")
	}
	target := args.Get(1).AsString()
	params := args[min(2, len(args)):]

	if target == p.Name() {
		mon := p.monitor(dir)
		if mon == nil {
			return replyFail("no monitor attached to the %s path", dir)
		}
		if err := mon.SetParams(params); err != nil {
			return replyFail("%s", err)
		}
		return replyOK()
	}

	u := p.findUnit(dir, target)
	if u == nil {
		return replyFail("could not find an %s connection with %s", dir, target)
	}
	u.lk.Lock()
	for _, param := range params {
		kv := param.AsList()
		if len(kv) < 2 {
			continue
		}
		u.params = setParam(u.params, kv[0].Tag(), kv[1])
	}
	u.lk.Unlock()
	return replyOK()
}

func setParam(params bottle.Bottle, key string, val bottle.Value) bottle.Bottle {
	for i, param := range params {
		if kv := param.AsList(); len(kv) > 0 && kv[0].Tag() == key {
			params[i] = bottle.Pair(key, val)
			return params
		}
	}
	return append(params, bottle.Pair(key, val))
}

func (p *Port) adminGet(args bottle.Bottle) bottle.Bottle {
	dir, valid := parseDirection(args.Get(0))
	if !valid {
		return replyFail("get needs [in] or [out]")
	}
	target := args.Get(1).AsString()

	if target == p.Name() {
		mon := p.monitor(dir)
		if mon == nil {
			return replyFail("no monitor attached to the %s path", dir)
		}
		return mon.Params()
	}

	u := p.findUnit(dir, target)
	if u == nil {
		return replyFail("could not find an %s connection with %s", dir, target)
	}
	u.lk.Lock()
	defer u.lk.Unlock()
	return append(bottle.Bottle{}, u.params...)
}

func (p *Port) adminProp(args bottle.Bottle) bottle.Bottle {
	switch args.Get(0).Tag() {
	case "get":
		if args.Get(1).IsNull() {
			p.stateMu.Lock()
			reply := make(bottle.Bottle, 0, len(p.props))
			for k, v := range p.props {
				reply = append(reply, bottle.Pair(k, v))
			}
			p.stateMu.Unlock()
			return reply
		}
		return p.propGet(args.Get(1).AsString())
	case "set":
		return p.propSet(args.Get(1).AsString(), args.Get(2))
	}
	return replyFail("prop needs [get] or [set]")
}

func (p *Port) propGet(key string) bottle.Bottle {
	if key == p.Name() {
		hostname, _ := os.Hostname()
		return bottle.Bottle{
			bottle.Pair("process", bottle.List(
				bottle.Pair("pid", bottle.Int(int64(os.Getpid()))),
				bottle.Pair("hostname", bottle.String(hostname)),
				bottle.Pair("os", bottle.String(runtime.GOOS)),
				bottle.Pair("arch", bottle.String(runtime.GOARCH)),
				bottle.Pair("goroutines", bottle.Int(int64(runtime.NumGoroutine()))),
			)),
			bottle.Pair("sched", bottle.List(
				bottle.Pair("maxprocs", bottle.Int(int64(runtime.GOMAXPROCS(0)))),
			)),
		}
	}

	if u := p.findPeer(key); u != nil {
		tos, err := u.tos()
		if err != nil {
			return replyFail("%s", err)
		}
		return bottle.Bottle{bottle.Pair("qos", bottle.List(
			bottle.Pair("tos", bottle.Int(int64(tos))),
			bottle.Pair("dscp", bottle.Int(int64(tos>>2))),
		))}
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if v, found := p.props[key]; found {
		return bottle.Bottle{v}
	}
	return bottle.Bottle{}
}

func (p *Port) propSet(key string, val bottle.Value) bottle.Bottle {
	if key == "" {
		return replyFail("prop set needs a key")
	}

	if key == p.Name() {
		props := val.AsList()
		if !props.Check("sched") {
			return replyFail("only sched properties can be set on the process")
		}
		maxprocs := props.Find("sched").AsList().Find("maxprocs").AsInt()
		if maxprocs <= 0 {
			return replyFail("invalid maxprocs")
		}
		runtime.GOMAXPROCS(int(maxprocs))
		return replyOK()
	}

	if u := p.findPeer(key); u != nil {
		qos := val.AsList()
		if qos.Check("qos") {
			qos = qos.Find("qos").AsList()
		}
		var tos int
		switch {
		case qos.Check("tos"):
			tos = int(qos.Find("tos").AsInt())
		case qos.Check("dscp"):
			tos = int(qos.Find("dscp").AsInt()) << 2
		default:
			return replyFail("expected (qos ((tos N))) or (qos ((dscp N)))")
		}
		if err := u.setTOS(tos); err != nil {
			return replyFail("%s", err)
		}
		return replyOK()
	}

	p.stateMu.Lock()
	p.props[key] = val
	p.stateMu.Unlock()
	return replyOK()
}

// findPeer returns a connection exchanging with peer in either direction.
func (p *Port) findPeer(peer string) *unit {
	if u := p.findUnit(dirOutput, peer); u != nil {
		return u
	}
	return p.findUnit(dirInput, peer)
}

var errNoQoS = errors.New("carrier does not support packet priority")

func (u *unit) tos() (int, error) {
	u.lk.Lock()
	c := u.carrier
	u.lk.Unlock()
	q, ok := c.(carrier.QoS)
	if !ok {
		return 0, errNoQoS
	}
	return q.TOS(u.conn)
}

func (u *unit) setTOS(tos int) error {
	u.lk.Lock()
	c := u.carrier
	u.lk.Unlock()
	q, ok := c.(carrier.QoS)
	if !ok {
		return errNoQoS
	}
	return q.SetTOS(u.conn, tos)
}

func (p *Port) adminAttach(args bottle.Bottle) bottle.Bottle {
	dir, valid := parseDirection(args.Get(0))
	if !valid {
		return replyFail("atch needs [in] or [out]")
	}
	props := args.Tail()
	if len(props) == 1 && props[0].IsList() {
		props = props[0].AsList()
	}
	mon, err := createMonitor(props)
	if err != nil {
		return replyFail("%s", err)
	}
	p.SetMonitor(dir == dirInput, mon)
	return replyOK()
}

func (p *Port) adminDetach(tag string) bottle.Bottle {
	dir, valid := parseDirection(bottle.Vocab(tag))
	if !valid {
		return replyFail("dtch needs [in] or [out]")
	}
	if p.monitor(dir) == nil {
		return replyFail("no monitor attached to the %s path", dir)
	}
	p.SetMonitor(dir == dirInput, nil)
	return replyOK()
}

// SetMonitor attaches m to the input or the output path. A nil monitor
// detaches the current one.
func (p *Port) SetMonitor(input bool, m Monitor) {
	p.updateCallbacks(func(cb *callbacks) {
		if input {
			cb.inMonitor = m
		} else {
			cb.outMonitor = m
		}
	})
}

// WriteAdmin sends cmd over an administrative connection to the port at
// contact and returns its reply.
func WriteAdmin(ctx context.Context, carriers *carrier.Set, contact carrier.Contact, cmd bottle.Bottle) (bottle.Bottle, error) {
	c, err := carriers.Get(contact.Carrier)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdminFailed, err)
	}
	conn, err := c.Connect(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdminFailed, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	route := Route{From: adminSource, To: contact.Name, Carrier: c.Name()}
	if err := writeFrame(conn, &frame{kind: frameHello, route: route, flags: helloAdmin}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdminFailed, err)
	}
	if err := writeFrame(conn, &frame{kind: frameData, payload: bottle.Marshal(cmd), wantReply: true}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdminFailed, err)
	}

	f, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrAdminFailed, err)
	}
	switch f.kind {
	case frameReply:
	case frameClose:
		return nil, fmt.Errorf("%w: %s", ErrAdminFailed, f.reason)
	default:
		return nil, fmt.Errorf("%w: %w", ErrAdminFailed, ErrProtocolViolation)
	}
	reply, err := bottle.Unmarshal(f.payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdminFailed, err)
	}
	return reply, nil
}

// WriteAdminTo resolves dest and sends it cmd over an administrative
// connection.
func (p *Port) WriteAdminTo(ctx context.Context, dest string, cmd bottle.Bottle) (bottle.Bottle, error) {
	contact, err := p.resolve(ctx, dest)
	if err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	timeout := p.timeout
	p.stateMu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return WriteAdmin(ctx, p.cfg.carriers, contact, cmd)
}
