package porta

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/porta/pkg/bottle"
	"github.com/raskyld/porta/pkg/carrier"
)

type direction uint8

const (
	dirInput direction = iota
	dirOutput
)

func (d direction) String() string {
	if d == dirOutput {
		return "output"
	}
	return "input"
}

const (
	// ModeLog marks connections mirroring the traffic of a port.
	ModeLog = "log"

	modeAdmin = "admin"
)

const refuseTimeout = 100 * time.Millisecond

var errDisconnectTimeout = errors.New("port: peer did not hang up in time")

// unit owns one connection and the goroutine pumping it.
type unit struct {
	port     *Port
	index    int
	conn     net.Conn
	br       *bufio.Reader
	accepted bool
	timeout  time.Duration

	lk        sync.Mutex
	carrier   carrier.Carrier
	dir       direction
	route     Route
	mode      string
	reversed  bool
	pull      bool
	pupString string
	pupped    bool
	params    bottle.Bottle
	reader    Reader
	logger    *slog.Logger

	// guarded by port.stateMu
	doomed     bool
	reaped     bool
	sendClosed bool
	graceTried bool

	ready    atomic.Bool
	finished atomic.Bool

	writeLk sync.Mutex
	queue   chan *tracker
	credits chan struct{}
	replies chan *frame
	doneCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newUnit(p *Port, conn net.Conn, c carrier.Carrier, dir direction, route Route, mode string, timeout time.Duration) *unit {
	return &unit{
		port:    p,
		conn:    conn,
		br:      bufio.NewReader(conn),
		timeout: timeout,
		carrier: c,
		dir:     dir,
		route:   route,
		mode:    mode,
		logger:  p.logger,
		queue:   make(chan *tracker, p.cfg.queueSize),
		credits: make(chan struct{}, 16),
		replies: make(chan *frame, 1),
		doneCh:  make(chan struct{}),
	}
}

func (u *unit) kind() (direction, string) {
	u.lk.Lock()
	defer u.lk.Unlock()
	return u.dir, u.mode
}

func (u *unit) getRoute() Route {
	u.lk.Lock()
	defer u.lk.Unlock()
	return u.route
}

// peer is the name of the other end of the connection.
func (u *unit) peer() string {
	u.lk.Lock()
	defer u.lk.Unlock()
	if u.dir == dirOutput {
		return u.route.To
	}
	return u.route.From
}

func (u *unit) log() *slog.Logger {
	u.lk.Lock()
	defer u.lk.Unlock()
	return u.logger
}

func (u *unit) start() {
	u.lk.Lock()
	u.logger = u.port.logger.With(
		LabelUnitIndex.L(u.index),
		LabelDirection.L(u.dir.String()),
		LabelCarrier.L(u.route.Carrier),
	)
	u.lk.Unlock()

	u.wg.Add(1)
	go u.run()
}

func (u *unit) run() {
	defer u.exit()

	if u.accepted {
		if !u.handshake() {
			return
		}
	}
	u.ready.Store(true)
	u.port.unitReady(u)

	dir, _ := u.kind()
	if dir == dirOutput {
		ctl := make(chan struct{})
		go func() {
			defer close(ctl)
			u.recvControl()
		}()
		u.writeLoop()
		u.close()
		<-ctl
		return
	}
	u.readLoop()
}

// handshake reads the Hello of an accepted connection and settles the
// role of the unit. It returns false when the unit must finish at once.
func (u *unit) handshake() bool {
	if u.timeout > 0 {
		u.conn.SetReadDeadline(time.Now().Add(u.timeout))
	}
	f, err := readFrame(u.br)
	if err != nil {
		u.log().Debug("connection dropped before hello", LabelError.L(err))
		return false
	}
	u.conn.SetReadDeadline(time.Time{})

	if f.kind != frameHello {
		u.log().Warn("expected hello", LabelError.L(ErrProtocolViolation), "frame", f.kind.String())
		return false
	}
	if f.flags&helloWake != 0 {
		return false
	}

	p := u.port
	route := f.route
	if route.Carrier == "" {
		route.Carrier = u.carrier.Name()
	}

	u.lk.Lock()
	if c, err := p.cfg.carriers.Get(route.Carrier); err == nil {
		u.carrier = c
	}
	switch {
	case f.flags&helloAdmin != 0:
		u.mode = modeAdmin
	case f.flags&helloReverse != 0:
		u.dir = dirOutput
		u.pull = true
		u.mode = f.mode
	default:
		u.mode = f.mode
	}
	u.route = route
	dir, mode := u.dir, u.mode
	u.logger = p.logger.With(
		LabelUnitIndex.L(u.index),
		LabelDirection.L(dir.String()),
		LabelCarrier.L(route.Carrier),
		LabelPeerName.L(route.From),
	)
	u.lk.Unlock()

	if err := p.admitAccepted(dir, mode); err != nil {
		u.log().Warn("connection refused", LabelError.L(err))
		// the dialer may be writing too, do not wait for it to read.
		u.writeLk.Lock()
		u.conn.SetWriteDeadline(time.Now().Add(refuseTimeout))
		writeFrame(u.conn, &frame{kind: frameClose, reason: err.Error()})
		u.writeLk.Unlock()
		return false
	}
	return true
}

func (u *unit) writeFrame(f *frame) error {
	u.writeLk.Lock()
	defer u.writeLk.Unlock()
	if u.timeout > 0 {
		u.conn.SetWriteDeadline(time.Now().Add(u.timeout))
	}
	return writeFrame(u.conn, f)
}

func (u *unit) grantCredit() error {
	return u.writeFrame(&frame{kind: framePull})
}

func (u *unit) readLoop() {
	u.lk.Lock()
	reversed := u.reversed
	u.lk.Unlock()

	if reversed {
		if err := u.grantCredit(); err != nil {
			return
		}
	}
	for {
		if u.timeout > 0 {
			u.conn.SetReadDeadline(time.Now().Add(u.timeout))
		}
		f, err := readFrame(u.br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				u.log().Debug("read failed", LabelError.L(err))
			}
			return
		}

		switch f.kind {
		case frameData:
			u.deliver(f)
			if reversed {
				if err := u.grantCredit(); err != nil {
					return
				}
			}
		case frameClose:
			u.log().Debug("peer asked to disconnect", "reason", f.reason)
			return
		default:
			u.log().Warn("unexpected frame", LabelError.L(ErrProtocolViolation), "frame", f.kind.String())
			return
		}
	}
}

func (u *unit) deliver(f *frame) {
	p := u.port
	u.lk.Lock()
	route, mode, reader := u.route, u.mode, u.reader
	u.lk.Unlock()

	p.sink.IncrCounterWithLabels(MetricRecvBytes, float32(len(f.payload)), p.labels)

	if mode == modeAdmin {
		reply := p.adminFromWire(f.payload)
		if err := u.writeFrame(&frame{kind: frameReply, payload: bottle.Marshal(reply)}); err != nil {
			u.log().Debug("failed to answer administrative command", LabelError.L(err))
		}
		return
	}

	msg := &Message{
		Payload:   f.payload,
		Envelope:  f.envelope,
		Route:     route,
		ctx:       p.ctx,
		wantReply: f.wantReply,
	}
	if f.wantReply {
		msg.replyFn = func(payload []byte) error {
			return u.writeFrame(&frame{kind: frameReply, payload: payload})
		}
	}

	if !p.interrupted.Load() && p.ctx.Err() == nil {
		cb := p.cb.Load()
		keep := true
		if cb.inMonitor != nil {
			keep = cb.inMonitor.Process(msg)
		}
		if reader == nil {
			reader = cb.reader
		}
		if keep && reader != nil {
			if err := reader.Read(msg); err != nil && p.ctx.Err() == nil {
				u.log().Warn("reader failed", LabelError.L(err))
			}
		}
	}

	if f.wantReply && msg.seal() {
		if err := u.writeFrame(&frame{kind: frameReply, noReply: true}); err != nil {
			u.log().Debug("failed to release the sender", LabelError.L(err))
		}
	}
}

// send hands t to the unit goroutine. With wait, it blocks while the queue
// is full until ctx is done or the port closes. It returns false if the
// unit did not take t, in which case the caller keeps its reference.
func (u *unit) send(ctx context.Context, t *tracker, wait bool) bool {
	select {
	case <-u.doneCh:
		return false
	default:
	}
	select {
	case u.queue <- t:
		return true
	default:
	}
	if !wait {
		return false
	}
	select {
	case u.queue <- t:
		return true
	case <-u.doneCh:
		return false
	case <-ctx.Done():
		return false
	case <-u.port.ctx.Done():
		return false
	}
}

func (u *unit) writeLoop() {
	p := u.port
	for {
		var t *tracker
		select {
		case t = <-u.queue:
		case <-u.doneCh:
			return
		}

		if u.pull {
			select {
			case <-u.credits:
			case <-u.doneCh:
				p.fail(t)
				p.release(t)
				return
			}
		}

		err := u.writeFrame(&frame{
			kind:      frameData,
			payload:   t.payload,
			envelope:  t.envelope,
			wantReply: t.wantReply,
		})
		if err != nil {
			u.log().Debug("write failed", LabelError.L(err))
			p.sink.IncrCounterWithLabels(MetricSendErrorCount, 1, p.labels)
			p.fail(t)
			p.release(t)
			return
		}
		p.sink.IncrCounterWithLabels(MetricSendBytes, float32(len(t.payload)), p.labels)

		if t.wantReply {
			select {
			case f := <-u.replies:
				if !f.noReply {
					p.recordReply(t, f.payload)
				}
			case <-u.doneCh:
				p.release(t)
				return
			}
		}
		p.release(t)
	}
}

// recvControl reads what the reader end of an output connection sends
// back: replies, pull credits and hang up requests.
func (u *unit) recvControl() {
	defer u.close()
	for {
		f, err := readFrame(u.br)
		if err != nil {
			return
		}
		switch f.kind {
		case framePull:
			select {
			case u.credits <- struct{}{}:
			default:
			}
		case frameReply:
			select {
			case u.replies <- f:
			case <-u.doneCh:
				return
			}
		case frameClose:
			u.log().Debug("peer hung up", "reason", f.reason)
			return
		default:
			u.log().Warn("unexpected frame", LabelError.L(ErrProtocolViolation), "frame", f.kind.String())
			return
		}
	}
}

// requestDisconnect asks the peer to hang up and waits for it to do so.
func (u *unit) requestDisconnect(grace time.Duration, reason string) error {
	u.writeLk.Lock()
	u.conn.SetWriteDeadline(time.Now().Add(grace))
	err := writeFrame(u.conn, &frame{kind: frameClose, reason: reason})
	u.conn.SetWriteDeadline(time.Time{})
	u.writeLk.Unlock()
	if err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-u.doneCh:
		return nil
	case <-timer.C:
		return errDisconnectTimeout
	}
}

func (u *unit) close() {
	u.once.Do(func() {
		close(u.doneCh)
		u.conn.Close()
	})
}

func (u *unit) exit() {
	u.close()

	p := u.port
	p.stateMu.Lock()
	u.sendClosed = true
	// a unit leaves the port only once doomed, even when the peer hung up.
	u.doomed = true
	p.stateMu.Unlock()

drain:
	for {
		select {
		case t := <-u.queue:
			p.fail(t)
			p.release(t)
		default:
			break drain
		}
	}

	if u.ready.Load() {
		p.unitGone(u)
	}
	u.finished.Store(true)
	p.kickCleaner()
	u.wg.Done()
}

// labels returns the metric labels describing u.
func (u *unit) labels() []metrics.Label {
	u.lk.Lock()
	defer u.lk.Unlock()
	labels := make([]metrics.Label, 0, len(u.port.labels)+2)
	labels = append(labels, u.port.labels...)
	return append(labels, LabelDirection.M(u.dir.String()), LabelCarrier.M(u.route.Carrier))
}
