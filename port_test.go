package porta

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/porta/pkg/bottle"
	"github.com/raskyld/porta/pkg/carrier"
	"github.com/raskyld/porta/pkg/carrier/mem"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// testNet is a set of ports sharing an in-memory network and a registry.
type testNet struct {
	hub      *mem.Hub
	reg      *LocalRegistry
	carriers *carrier.Set
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	leaks := goleak.IgnoreCurrent()
	t.Cleanup(func() {
		goleak.VerifyNone(t, leaks)
	})

	hub := mem.NewHub()
	return &testNet{
		hub: hub,
		reg: NewLocalRegistry(testHandler("registry")),
		carriers: carrier.NewSet(
			mem.New(hub),
			mem.New(hub, mem.WithName("memb")),
			mem.New(hub, mem.WithName("mempull"), mem.WithPull()),
		),
	}
}

func (n *testNet) options(name string, opts ...Option) []Option {
	return append([]Option{
		WithLog(testHandler(name)),
		WithMetricSink(&metrics.BlackholeSink{}),
		WithNameService(n.reg),
		WithCarriers(n.carriers),
		WithDisconnectGrace(time.Second),
	}, opts...)
}

func (n *testNet) port(t *testing.T, name string, opts ...Option) *Port {
	t.Helper()
	p, err := New(name, n.options(name, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
	})
	require.NoError(t, p.Listen(context.Background(), carrier.Contact{Name: name, Carrier: "mem"}, true))
	require.NoError(t, p.Start())
	return p
}

func (n *testNet) buffered(t *testing.T, name string, opts ...Option) (*Port, *Buffer) {
	t.Helper()
	p := n.port(t, name, opts...)
	b := NewBuffer(16)
	t.Cleanup(b.Close)
	p.SetReader(b)
	return p, b
}

func waitCounts(t *testing.T, p *Port, in, out int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.InputCount() == in && p.OutputCount() == out
	}, waitFor, tick, "%s should have %d inputs and %d outputs", p.Name(), in, out)
}

func next(t *testing.T, b *Buffer) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg, err := b.Next(ctx)
	require.NoError(t, err)
	return msg
}

func requireEmpty(t *testing.T, b *Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type eventLog struct {
	lk     sync.Mutex
	events []PortInfo
}

func (l *eventLog) Report(info PortInfo) {
	l.lk.Lock()
	l.events = append(l.events, info)
	l.lk.Unlock()
}

func (l *eventLog) messages() []string {
	l.lk.Lock()
	defer l.lk.Unlock()
	msgs := make([]string, 0, len(l.events))
	for _, e := range l.events {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func TestPort_Lifecycle(t *testing.T) {
	n := newTestNet(t)

	_, err := New("no-slash")
	require.ErrorIs(t, err, ErrNameInvalid)

	p, err := New("", n.options("anonymous")...)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p.Name(), "/tmp/port/"))
	require.ErrorIs(t, p.Start(), ErrNotListening)
	require.NoError(t, p.Close())

	a := n.port(t, "/a")
	require.ErrorIs(t, a.Listen(context.Background(), carrier.Contact{Carrier: "mem"}, false), ErrAlreadyListening)
	require.Panics(t, func() { a.Start() }, "starting twice is a programming error")

	contact, err := n.reg.QueryName(context.Background(), "/a")
	require.NoError(t, err)
	require.Equal(t, a.Contact(), contact)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "close should be idempotent")
	_, err = n.reg.QueryName(context.Background(), "/a")
	require.ErrorIs(t, err, ErrNameResolution, "close should unregister the name")

	_, err = a.Send(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrClosing)
}

func TestPort_CloseTerminates(t *testing.T) {
	n := newTestNet(t)
	a := n.port(t, "/a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Close()
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("close did not unblock the listener")
	}

	// Concurrent closes are no-ops.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Close()
		}()
	}
	wg.Wait()
}

func TestPort_SendFanOut(t *testing.T) {
	n := newTestNet(t)
	a := n.port(t, "/a", WithWaitAfterSend(true))
	b, bufB := n.buffered(t, "/b")
	c, bufC := n.buffered(t, "/c")

	ctx := context.Background()
	require.NoError(t, a.AddOutput(ctx, "/b"))
	require.NoError(t, a.AddOutput(ctx, "/c"))
	waitCounts(t, a, 0, 2)
	waitCounts(t, b, 1, 0)
	waitCounts(t, c, 1, 0)

	completed := make(chan struct{})
	_, err := a.Send(ctx, []byte("hello"), OnComplete(func() { close(completed) }))
	require.NoError(t, err)

	for dest, buf := range map[string]*Buffer{b.Name(): bufB, c.Name(): bufC} {
		msg := next(t, buf)
		require.Equal(t, []byte("hello"), msg.Payload)
		require.Equal(t, Route{From: "/a", To: dest, Carrier: "mem"}, msg.Route)
		requireEmpty(t, buf)
	}

	select {
	case <-completed:
	case <-time.After(waitFor):
		t.Fatal("tracker was never released")
	}
	require.Equal(t, 0, a.PendingPackets())
}

func TestPort_Reply(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	b := n.port(t, "/b")

	b.SetReader(ReaderFunc(func(msg *Message) error {
		if string(msg.Payload) == "ping" {
			return msg.Reply([]byte("pong"))
		}
		return nil
	}))

	require.NoError(t, a.AddOutput(ctx, "/b"))
	waitCounts(t, b, 1, 0)

	reply, err := a.Send(ctx, []byte("ping"), WithReply())
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), reply)

	_, err = a.Send(ctx, []byte("silence"), WithReply())
	require.ErrorIs(t, err, ErrNoReply, "a reader which does not answer releases the sender")

	require.Equal(t, 0, a.PendingPackets())
}

func TestPort_AtMostOneRoute(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	b := n.port(t, "/b")

	for i := 0; i < 3; i++ {
		require.NoError(t, a.AddOutput(ctx, "/b"))
	}
	waitCounts(t, a, 0, 1)
	waitCounts(t, b, 1, 0)

	require.NoError(t, a.AddOutput(ctx, "/b", WithCarrier("memb")))
	waitCounts(t, a, 0, 1)
	units := a.Units()
	require.Len(t, units, 1)
	require.Equal(t, "memb", units[0].Route.Carrier)
}

func TestPort_IdempotentConnect(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	b := n.port(t, "/b")

	var diag strings.Builder
	require.NoError(t, a.AddOutput(ctx, "/b", OnlyIfNeeded(), WithDiagnostics(&diag)))
	require.Equal(t, "Added connection from /a to /b", diag.String())
	waitCounts(t, b, 1, 0)
	require.Eventually(t, func() bool { return b.EventCount() == 1 }, waitFor, tick)
	first := a.Units()[0].Index

	diag.Reset()
	require.NoError(t, a.AddOutput(ctx, "/b", OnlyIfNeeded(), WithDiagnostics(&diag)))
	require.Equal(t, "Desired connection already present from /a to /b", diag.String())

	units := a.Units()
	require.Len(t, units, 1)
	require.Equal(t, first, units[0].Index, "existing connection should be kept")
	require.Equal(t, 1, b.EventCount(), "peer should have seen a single connection")
}

func TestPort_UnknownDestination(t *testing.T) {
	n := newTestNet(t)
	a := n.port(t, "/a")

	var diag strings.Builder
	err := a.AddOutput(context.Background(), "/nowhere", WithDiagnostics(&diag))
	require.ErrorIs(t, err, ErrNameResolution)
	require.Equal(t, "Do not know how to connect to /nowhere", diag.String())
}

func TestPort_RemoveWildcard(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	n.port(t, "/b")
	n.port(t, "/c")
	n.port(t, "/d")

	require.NoError(t, a.AddOutput(ctx, "/b"))
	require.NoError(t, a.AddOutput(ctx, "/c"))
	require.NoError(t, a.AddOutput(ctx, "/d", WithCarrier("memb")))
	waitCounts(t, a, 0, 3)

	removed, kept := a.removeUnit(Route{From: "/a", To: Wildcard, Carrier: "mem"}, true, false)
	require.True(t, removed)
	require.False(t, kept)

	// Synchronous removal returns once the units left the port.
	units := a.Units()
	require.Len(t, units, 1)
	require.Equal(t, Route{From: "/a", To: "/d", Carrier: "memb"}, units[0].Route)
	require.False(t, units[0].Doomed)
	waitCounts(t, a, 0, 1)

	require.True(t, a.RemoveOutput("/d"))
	require.False(t, a.RemoveOutput("/d"), "nothing left to remove")
	waitCounts(t, a, 0, 0)
}

func TestPort_CountsMatchUnits(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	b := n.port(t, "/b")
	c := n.port(t, "/c")

	require.NoError(t, a.AddOutput(ctx, "/b"))
	require.NoError(t, a.AddOutput(ctx, "/c", WithConnectMode(ModeLog)))
	require.NoError(t, c.AddOutput(ctx, "/a"))
	require.NoError(t, b.AddOutput(ctx, "/a"))

	require.Eventually(t, func() bool {
		var in, out int
		for _, u := range a.Units() {
			if u.Doomed || u.Finished || u.Mode != "" {
				continue
			}
			if u.Output {
				out++
			} else {
				in++
			}
		}
		return a.InputCount() == in && a.OutputCount() == out && in == 2 && out == 1
	}, waitFor, tick)
	require.Equal(t, 1, a.DataOutputCount(), "log connections are not data outputs")
}

func TestPort_RPC(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a", WithFlags(DefaultFlags|FlagRPC))
	n.port(t, "/x")
	n.port(t, "/y")

	var diag strings.Builder
	require.NoError(t, a.AddOutput(ctx, "/x"))
	err := a.AddOutput(ctx, "/y", WithDiagnostics(&diag))
	require.ErrorIs(t, err, ErrRPCAlreadyConnected)
	require.Equal(t, "RPC output already connected", diag.String())

	require.NoError(t, a.AddOutput(ctx, "/y", WithConnectMode(ModeLog)), "log connections are exempt")

	logFirst := n.port(t, "/l", WithFlags(DefaultFlags|FlagRPC))
	require.NoError(t, logFirst.AddOutput(ctx, "/x", WithConnectMode(ModeLog)))
	require.NoError(t, logFirst.AddOutput(ctx, "/y"))
}

func TestPort_AccessControl(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	inOnly := n.port(t, "/in-only", WithFlags(FlagInput))
	outOnly := n.port(t, "/out-only", WithFlags(FlagOutput))
	other := n.port(t, "/other")

	require.ErrorIs(t, inOnly.AddOutput(ctx, "/out-only"), ErrOutputsNotAllowed)
	require.ErrorIs(t, outOnly.AddOutput(ctx, "/in-only", WithCarrier("mempull")), ErrInputsNotAllowed)

	require.NoError(t, outOnly.AddOutput(ctx, "/in-only"))
	waitCounts(t, outOnly, 0, 1)
	waitCounts(t, inOnly, 1, 0)

	// The acceptor refuses what its flags forbid and hangs up.
	require.NoError(t, other.AddOutput(ctx, "/out-only"))
	require.NoError(t, other.AddOutput(ctx, "/in-only", WithCarrier("mempull")))
	waitCounts(t, other, 0, 0)
	waitCounts(t, outOnly, 0, 1)
	waitCounts(t, inOnly, 1, 0)
}

func TestPort_PullInversion(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a, bufA := n.buffered(t, "/a")
	b := n.port(t, "/b")

	var diag strings.Builder
	require.NoError(t, a.AddOutput(ctx, "/b", WithCarrier("mempull"), WithDiagnostics(&diag)))
	require.Equal(t, "Added connection from /a to /b", diag.String())

	// The sink dialed, so the route is inverted.
	waitCounts(t, a, 1, 0)
	waitCounts(t, b, 0, 1)
	units := a.Units()
	require.Len(t, units, 1)
	require.True(t, units[0].Reversed)
	require.Equal(t, Route{From: "/b", To: "/a", Carrier: "mempull"}, units[0].Route)

	for _, payload := range []string{"one", "two", "three"} {
		_, err := b.Send(ctx, []byte(payload))
		require.NoError(t, err)
	}
	for _, payload := range []string{"one", "two", "three"} {
		require.Equal(t, payload, string(next(t, bufA).Payload))
	}

	reply := b.Admin(ctx, bottle.Bottle{bottle.Vocab("list"), bottle.Vocab("out"), bottle.String("/a")})
	require.Equal(t, "(from /b) (to /a) (carrier mempull) (push 0)", reply.String())
}

func TestPort_Interrupt(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	b, bufB := n.buffered(t, "/b")

	require.NoError(t, a.AddOutput(ctx, "/b"))
	waitCounts(t, b, 1, 0)

	woken := make(chan *Message, 1)
	go func() {
		msg, err := bufB.Next(ctx)
		if err == nil {
			woken <- msg
		}
		close(woken)
	}()
	require.Eventually(t, bufB.Waiting, waitFor, tick)

	b.Interrupt()
	select {
	case msg := <-woken:
		require.NotNil(t, msg)
		require.True(t, msg.Sentinel)
	case <-time.After(waitFor):
		t.Fatal("blocked reader was not woken")
	}

	_, err := b.Send(ctx, []byte("nope"))
	require.ErrorIs(t, err, ErrInterrupted)

	// The sender is released once the interrupted port dropped the data.
	_, err = a.Send(ctx, []byte("dropped"), WithReply())
	require.ErrorIs(t, err, ErrNoReply)
	requireEmpty(t, bufB)

	b.Resume()
	_, err = a.Send(ctx, []byte("delivered"))
	require.NoError(t, err)
	require.Equal(t, "delivered", string(next(t, bufB).Payload))

	b.SetInterruptible(false)
	b.Interrupt()
	_, err = a.Send(ctx, []byte("still delivered"))
	require.NoError(t, err)
	require.Equal(t, "still delivered", string(next(t, bufB).Payload))
}

func TestPort_Envelope(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	b, bufB := n.buffered(t, "/b")

	a.SetEnvelope("stamp 42\x01garbage")
	require.Equal(t, "stamp 42", a.Envelope())

	require.NoError(t, a.AddOutput(ctx, "/b"))
	waitCounts(t, b, 1, 0)
	_, err := a.Send(ctx, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "stamp 42", next(t, bufB).Envelope)
}

func TestPort_GracefulClose(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	b := n.port(t, "/b")
	events := &eventLog{}
	a.SetReporter(events)

	require.NoError(t, a.AddOutput(ctx, "/b"))
	waitCounts(t, a, 0, 1)
	waitCounts(t, b, 1, 0)

	start := time.Now()
	require.NoError(t, b.Close())
	require.Less(t, time.Since(start), time.Second, "peer should hang up before the grace period")

	waitCounts(t, a, 0, 0)
	require.Eventually(t, func() bool {
		for _, msg := range events.messages() {
			if msg == "Removing output from /a to /b" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestPort_ReaderCreator(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	c := n.port(t, "/c")
	b := n.port(t, "/b")

	var lk sync.Mutex
	perConn := map[string]int{}
	b.SetReaderCreator(creatorFunc(func() Reader {
		return ReaderFunc(func(msg *Message) error {
			lk.Lock()
			perConn[msg.Route.From]++
			lk.Unlock()
			return nil
		})
	}))

	require.NoError(t, a.AddOutput(ctx, "/b"))
	require.NoError(t, c.AddOutput(ctx, "/b"))
	waitCounts(t, b, 2, 0)

	for _, p := range []*Port{a, c, a} {
		_, err := p.Send(ctx, []byte("x"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		lk.Lock()
		defer lk.Unlock()
		return perConn["/a"] == 2 && perConn["/c"] == 1
	}, waitFor, tick)
}

type creatorFunc func() Reader

func (f creatorFunc) CreateReader() Reader {
	return f()
}

func TestPort_Describe(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	n.port(t, "/b")

	events := &eventLog{}
	a.Describe(events)
	msgs := events.messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "This is /a at "+a.Contact().String(), msgs[0])
	require.Equal(t, "There are no outgoing connections", msgs[1])
	require.Equal(t, "There are no incoming connections", msgs[2])

	require.NoError(t, a.AddOutput(ctx, "/b"))
	events = &eventLog{}
	a.Describe(events)
	require.Contains(t, events.messages(), "There is an output connection from /a to /b using mem")
}

func TestPort_CloseWithFullBuffer(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	b := n.port(t, "/b")
	buf := NewBuffer(1)
	t.Cleanup(buf.Close)
	b.SetReader(buf)

	require.NoError(t, a.AddOutput(ctx, "/b"))
	waitCounts(t, b, 1, 0)

	// Nobody calls Next: the input goroutine ends up blocked in Read.
	for _, payload := range []string{"one", "two", "three"} {
		_, err := a.Send(ctx, []byte(payload))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return buf.Len() == 1 }, waitFor, tick)

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close blocked on a full reader")
	}
	require.Equal(t, 1, buf.Len())
}

func TestPort_WaitBeforeSend(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a", WithWaitBeforeSend(true), WithQueueSize(1))
	b := n.port(t, "/b")
	buf := NewBuffer(1)
	t.Cleanup(buf.Close)
	b.SetReader(buf)

	require.NoError(t, a.AddOutput(ctx, "/b"))
	waitCounts(t, b, 1, 0)

	// The first sends fill the reader, the pipe and the queue, then a
	// send has to wait and gives up with its context.
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		sendCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		start := time.Now()
		_, err = a.Send(sendCtx, []byte("data"))
		cancel()
		require.Less(t, time.Since(start), waitFor)
	}
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "/a", a.Name())

	// A send waiting without deadline is released by Close.
	sent := make(chan error, 1)
	go func() {
		_, err := a.Send(ctx, []byte("stuck"))
		sent <- err
	}()
	require.NoError(t, a.Close())
	select {
	case err := <-sent:
		require.ErrorIs(t, err, ErrClosing)
	case <-time.After(waitFor):
		t.Fatal("Send still blocked after Close")
	}
}

func TestPort_ManualStart(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	_, bufB := n.buffered(t, "/b")

	m, err := New("", n.options("manual")...)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close()
	})
	m.ManualStart("/manual")
	require.Equal(t, "/manual", m.Name())
	require.ErrorIs(t, m.Listen(ctx, carrier.Contact{Carrier: "mem"}, false), ErrManualPort)
	require.ErrorIs(t, m.Start(), ErrManualPort)

	require.NoError(t, m.AddOutput(ctx, "/b"))
	require.Equal(t, 1, m.OutputCount())
	_, err = m.Send(ctx, []byte("from a manual port"))
	require.NoError(t, err)

	msg := next(t, bufB)
	require.Equal(t, "from a manual port", string(msg.Payload))
	require.Equal(t, "/manual", msg.Route.From)

	require.NoError(t, m.Close())
	require.Zero(t, m.OutputCount())
}

func TestPort_Timeout(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()

	_, err := New("/bad", WithTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidCfg)

	a := n.port(t, "/a", WithTimeout(time.Minute))
	n.port(t, "/b")
	n.port(t, "/c")

	require.NoError(t, a.AddOutput(ctx, "/b"))
	a.SetTimeout(2 * time.Minute)
	require.NoError(t, a.AddOutput(ctx, "/c"))

	// Existing connections keep the timeout they were created with.
	timeouts := map[string]time.Duration{}
	for _, info := range a.Units() {
		if info.Output {
			timeouts[info.Route.To] = info.Timeout
		}
	}
	require.Equal(t, map[string]time.Duration{"/b": time.Minute, "/c": 2 * time.Minute}, timeouts)
}

type dropMonitor struct{}

func (dropMonitor) Process(*Message) bool                { return false }
func (dropMonitor) SetParams(params bottle.Bottle) error { return nil }
func (dropMonitor) Params() bottle.Bottle                { return nil }

func TestPort_SendFilteredCompletes(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	a := n.port(t, "/a")
	_, bufB := n.buffered(t, "/b")
	require.NoError(t, a.AddOutput(ctx, "/b"))

	a.SetMonitor(false, dropMonitor{})
	completed := false
	reply, err := a.Send(ctx, []byte("filtered"), OnComplete(func() { completed = true }))
	require.NoError(t, err)
	require.Nil(t, reply)
	require.True(t, completed)
	requireEmpty(t, bufB)
}
