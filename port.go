package porta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/porta/pkg/bottle"
	"github.com/raskyld/porta/pkg/carrier"
	"golang.org/x/sync/errgroup"
)

// MaxNameLength bounds the length of port names.
const MaxNameLength = 255

const wakeTimeout = 5 * time.Second

// Port is a named endpoint accepting connections from peers, connecting to
// peers and broadcasting messages to every output connection.
type Port struct {
	cfg    config
	logger *slog.Logger
	sink   metrics.MetricSink
	labels []metrics.Label
	ns     NameService
	ctx    context.Context
	cancel context.CancelFunc

	// stateMu guards the structure of the port: units, flags and the
	// fields below. When packetMu is needed too, stateMu is taken first.
	stateMu     sync.Mutex
	cond        *sync.Cond
	name        string
	contact     carrier.Contact
	face        carrier.Face
	faceCarrier carrier.Carrier
	faceClosed  bool
	units       []*unit
	counter     int
	timeout     time.Duration
	envelope    string
	props       map[string]bottle.Value

	listening     bool
	running       bool
	starting      bool
	closing       bool
	finished      bool
	finishing     bool
	manual        bool
	announced     bool
	interruptible bool
	listenerWg    sync.WaitGroup

	interrupted atomic.Bool
	cb          atomic.Pointer[callbacks]

	// packetMu guards the cached counts and the trackers.
	packetMu        sync.Mutex
	inputCount      int
	outputCount     int
	dataOutputCount int
	events          int
	inflight        int

	cleanCh   chan struct{}
	dropCh    chan struct{}
	cleanerWg sync.WaitGroup
}

// callbacks are borrowed from the application and replaced as a whole.
type callbacks struct {
	reader      Reader
	adminReader AdminReader
	creator     ReaderCreator
	reporter    Reporter
	inMonitor   Monitor
	outMonitor  Monitor
}

// ValidateName reports whether name can name a port.
func ValidateName(name string) bool {
	return strings.HasPrefix(name, "/") &&
		len(name) <= MaxNameLength &&
		!strings.ContainsAny(name, " \t\r\n")
}

// New creates a port. An empty name gives the port a unique anonymous
// name.
func New(name string, opts ...Option) (*Port, error) {
	if name == "" {
		name = "/tmp/port/" + uuid.NewString()
	}
	if !ValidateName(name) {
		return nil, ErrNameInvalid
	}

	p := &Port{
		cfg:           defaultConfig(),
		name:          name,
		props:         make(map[string]bottle.Value),
		interruptible: true,
		cleanCh:       make(chan struct{}, 1),
		dropCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&p.cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if p.cfg.logHandler != nil {
		p.logger = slog.New(p.cfg.logHandler)
	} else {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With(LabelPortName.L(name))

	if p.cfg.msink == nil {
		p.cfg.msink = metrics.Default()
	}
	p.sink = p.cfg.msink
	p.labels = append(append([]metrics.Label{}, p.cfg.metricLabels...), LabelPortName.M(name))

	p.ns = p.cfg.ns
	if p.ns == nil {
		p.ns = defaultRegistry
	}

	p.timeout = p.cfg.timeout
	p.cond = sync.NewCond(&p.stateMu)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.cb.Store(&callbacks{})

	p.cleanerWg.Add(1)
	go p.cleaner()

	return p, nil
}

// Name of the port, possibly rewritten by the name service on Listen.
func (p *Port) Name() string {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.name
}

// Contact is where the port listens, once Listen succeeded.
func (p *Port) Contact() carrier.Contact {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.contact
}

// Listen binds the port on contact. Unspecified fields of contact are
// filled from what the carrier actually bound. With announce, the port is
// registered in the name service.
func (p *Port) Listen(ctx context.Context, contact carrier.Contact, announce bool) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.finishing || p.finished {
		return ErrClosing
	}
	if p.manual {
		return ErrManualPort
	}
	if p.listening {
		return ErrAlreadyListening
	}

	if contact.Name == "" {
		contact.Name = p.name
	} else if !ValidateName(contact.Name) {
		return ErrNameInvalid
	}
	if contact.Carrier == "" {
		contact.Carrier = "tcp"
	}

	c, err := p.cfg.carriers.Get(contact.Carrier)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrListen, err)
	}
	face, err := c.Listen(ctx, contact)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrListen, err)
	}
	if p.timeout > 0 {
		face.SetTimeout(p.timeout)
	}

	bound := contact.Complete(face.Contact())
	bound.Name = contact.Name
	if announce {
		registered, err := p.ns.RegisterName(ctx, bound.Name, bound)
		if err != nil {
			face.Close()
			return fmt.Errorf("%w: %w", ErrListen, err)
		}
		bound = registered
		p.announced = true
	}

	p.name = bound.Name
	p.contact = bound
	p.face = face
	p.faceCarrier = c
	p.faceClosed = false
	p.listening = true
	p.logger.Info("port listening", "contact", bound.String())
	return nil
}

// Start spawns the listener goroutine and returns once it runs. Starting
// a port twice is a programming error.
func (p *Port) Start() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.running || p.starting {
		panic("porta: listener started twice")
	}
	if p.manual {
		return ErrManualPort
	}
	if !p.listening {
		return ErrNotListening
	}

	p.starting = true
	p.listenerWg.Add(1)
	go p.run()
	for !p.running {
		p.cond.Wait()
	}
	return nil
}

// ManualStart names a port which never listens and is only driven as an
// output. Listen and Start fail on it afterwards. It has no effect on a
// port already listening.
func (p *Port) ManualStart(sourceName string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.listening {
		return
	}
	p.manual = true
	if ValidateName(sourceName) {
		p.name = sourceName
	}
}

func (p *Port) run() {
	defer p.listenerWg.Done()

	p.stateMu.Lock()
	p.running = true
	p.starting = false
	face := p.face
	p.cond.Broadcast()
	p.stateMu.Unlock()

	p.logger.Debug("listener running")
	for {
		conn, err := face.Accept()

		p.stateMu.Lock()
		closing := p.closing
		p.stateMu.Unlock()
		if closing {
			if conn != nil {
				conn.Close()
			}
			break
		}

		if err != nil {
			if carrier.IsTimeout(err) {
				p.reapUnits()
				continue
			}
			if errors.Is(err, carrier.ErrFaceClosed) || errors.Is(err, net.ErrClosed) {
				p.logger.Debug("listening face closed")
				break
			}
			p.logger.Warn("accept failed", LabelError.L(err))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-p.ctx.Done():
			}
			continue
		}

		p.sink.IncrCounterWithLabels(MetricListenerAccepts, 1, p.labels)
		p.acceptUnit(conn)
		p.reapUnits()
	}

	p.stateMu.Lock()
	p.running = false
	p.cond.Broadcast()
	p.stateMu.Unlock()
	p.logger.Debug("listener stopped")
}

func (p *Port) acceptUnit(conn net.Conn) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.finishing {
		conn.Close()
		return
	}
	u := newUnit(p, conn, p.faceCarrier, dirInput, Route{To: p.name, Carrier: p.faceCarrier.Name()}, "", p.timeout)
	u.accepted = true
	p.insert(u)
}

// insert must be called with stateMu held.
func (p *Port) insert(u *unit) {
	if p.counter >= math.MaxInt32 {
		p.counter = 0
	}
	p.counter++
	u.index = p.counter
	p.units = append(p.units, u)
	u.start()
}

// wake unblocks the listener with a connection to ourselves.
func (p *Port) wake() error {
	p.stateMu.Lock()
	c, contact, name, listening := p.faceCarrier, p.contact, p.name, p.listening
	p.stateMu.Unlock()
	if !listening {
		return ErrNotListening
	}

	ctx, cancel := context.WithTimeout(context.Background(), wakeTimeout)
	defer cancel()
	conn, err := c.Connect(ctx, contact)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(wakeTimeout))
	err = writeFrame(conn, &frame{
		kind:  frameHello,
		route: Route{From: name, To: name, Carrier: c.Name()},
		flags: helloWake,
	})
	if err != nil {
		// the listener may drop the connection without reading it.
		p.logger.Debug("wake connection dropped", LabelError.L(err))
	}
	return nil
}

// triggerReap gets doomed units closed: by the listener when it runs,
// inline otherwise.
func (p *Port) triggerReap() {
	p.stateMu.Lock()
	running := p.running && !p.closing
	p.stateMu.Unlock()
	if running {
		if err := p.wake(); err == nil {
			return
		}
	}
	p.reapUnits()
}

// reapUnits closes and joins every doomed unit, then sweeps.
func (p *Port) reapUnits() {
	p.stateMu.Lock()
	var doomed []*unit
	for _, u := range p.units {
		if u.doomed && !u.reaped {
			u.reaped = true
			doomed = append(doomed, u)
		}
	}
	p.stateMu.Unlock()

	if len(doomed) > 0 {
		for _, u := range doomed {
			u.close()
		}
		for _, u := range doomed {
			u.wg.Wait()
		}
		p.sink.IncrCounterWithLabels(MetricReapCount, float32(len(doomed)), p.labels)
	}
	p.cleanUnits(true)
}

// cleanUnits removes finished units and refreshes the cached counts.
// Without blocking, the sweep is skipped when stateMu is contended.
func (p *Port) cleanUnits(blocking bool) {
	if blocking {
		p.stateMu.Lock()
	} else if !p.stateMu.TryLock() {
		return
	}
	defer p.stateMu.Unlock()

	live := p.units[:0]
	for _, u := range p.units {
		if u.finished.Load() {
			u.wg.Wait()
			continue
		}
		live = append(live, u)
	}
	for i := len(live); i < len(p.units); i++ {
		p.units[i] = nil
	}
	p.units = live

	var in, out, data int
	for _, u := range p.units {
		if !u.ready.Load() {
			continue
		}
		dir, mode := u.kind()
		if mode != "" {
			continue
		}
		if dir == dirOutput {
			data++
		}
		if u.doomed {
			continue
		}
		if dir == dirInput {
			in++
		} else {
			out++
		}
	}

	p.packetMu.Lock()
	p.inputCount = in
	p.outputCount = out
	p.dataOutputCount = data
	p.packetMu.Unlock()

	p.sink.SetGaugeWithLabels(MetricUnits, float32(len(p.units)), p.labels)
	p.cond.Broadcast()
}

func (p *Port) cleaner() {
	defer p.cleanerWg.Done()
	for {
		select {
		case <-p.cleanCh:
			p.cleanUnits(true)
		case <-p.dropCh:
			return
		}
	}
}

func (p *Port) kickCleaner() {
	select {
	case p.cleanCh <- struct{}{}:
	default:
	}
}

// removeUnit dooms every unit whose route matches pattern. With
// keepCarrier, units using the pattern carrier are spared and reported as
// kept. With synch, it returns once the doomed units left the port.
func (p *Port) removeUnit(pattern Route, synch, keepCarrier bool) (removed, kept bool) {
	p.stateMu.Lock()
	var targets []*unit
	for _, u := range p.units {
		if u.doomed || u.finished.Load() || !u.ready.Load() {
			continue
		}
		if _, mode := u.kind(); mode == modeAdmin {
			continue
		}
		m, k := u.getRoute().match(pattern, keepCarrier)
		if k {
			kept = true
		}
		if m {
			u.doomed = true
			targets = append(targets, u)
		}
	}
	p.stateMu.Unlock()

	if len(targets) == 0 {
		return false, kept
	}
	for _, u := range targets {
		u.log().Debug("connection doomed", "pattern", pattern.String())
		p.sink.IncrCounterWithLabels(MetricUnitRemovedCount, 1, u.labels())
	}

	p.triggerReap()
	if synch {
		p.stateMu.Lock()
		for p.present(targets) {
			p.cond.Wait()
		}
		p.stateMu.Unlock()
	}
	return true, kept
}

// present must be called with stateMu held.
func (p *Port) present(targets []*unit) bool {
	for _, t := range targets {
		for _, u := range p.units {
			if u == t {
				return true
			}
		}
	}
	return false
}

// RemoveOutput disconnects every connection towards dest.
func (p *Port) RemoveOutput(dest string) bool {
	removed, _ := p.removeUnit(Route{From: Wildcard, To: dest, Carrier: Wildcard}, true, false)
	return removed
}

// RemoveInput disconnects every connection from src.
func (p *Port) RemoveInput(src string) bool {
	removed, _ := p.removeUnit(Route{From: src, To: Wildcard, Carrier: Wildcard}, true, false)
	return removed
}

// resolve turns a port name or a contact string into a dialable contact.
func (p *Port) resolve(ctx context.Context, dest string) (carrier.Contact, error) {
	if strings.Contains(dest, "://") {
		contact, err := carrier.ParseContact(dest)
		if err != nil {
			return contact, fmt.Errorf("%w: %w", ErrNameResolution, err)
		}
		if contact.Name == "" {
			contact.Name = dest
		}
		return contact, nil
	}
	contact, err := p.ns.QueryName(ctx, dest)
	if err != nil {
		return contact, err
	}
	if !contact.IsValid() {
		return contact, fmt.Errorf("%w: %s", ErrNameResolution, dest)
	}
	if contact.Name == "" {
		contact.Name = dest
	}
	return contact, nil
}

// AddOutput connects the port to dest. Any previous connection to dest is
// replaced, unless `OnlyIfNeeded` finds one using the same carrier.
func (p *Port) AddOutput(ctx context.Context, dest string, opts ...ConnectOption) error {
	var cc connectConfig
	for _, opt := range opts {
		opt(&cc)
	}
	diag := func(format string, args ...any) {
		if cc.diag != nil {
			fmt.Fprintf(cc.diag, format, args...)
		}
	}

	p.stateMu.Lock()
	name, closing := p.name, p.finishing || p.finished
	p.stateMu.Unlock()
	if closing {
		diag("Port %s is closing", name)
		return ErrClosing
	}

	contact, err := p.resolve(ctx, dest)
	if err != nil {
		diag("Do not know how to connect to %s", dest)
		return err
	}
	destName := contact.Name

	carrierName := cc.carrier
	if carrierName == "" {
		carrierName = contact.Carrier
	}
	c, err := p.cfg.carriers.Get(carrierName)
	if err != nil {
		diag("Do not know how to connect to %s using %s", dest, carrierName)
		return err
	}

	route := Route{From: name, To: destName, Carrier: c.Name()}
	push := c.IsPush()
	if !push {
		route = route.Swap()
	}

	if cc.onlyIfNeeded {
		_, kept := p.removeUnit(route, true, true)
		if kept {
			diag("Desired connection already present from %s to %s", name, destName)
			return nil
		}
	} else {
		p.removeUnit(Route{From: route.From, To: route.To, Carrier: Wildcard}, true, false)
	}

	p.stateMu.Lock()
	err = p.admit(push, cc.mode)
	p.stateMu.Unlock()
	if err != nil {
		diag("%s", accessDiagnostic(err))
		return err
	}

	var flags helloFlag
	if !push {
		flags = helloReverse
	}
	if _, err := p.dial(ctx, c, contact, route, flags, cc.mode, ""); err != nil {
		if errors.Is(err, ErrRPCAlreadyConnected) {
			diag("%s", accessDiagnostic(err))
		} else {
			diag("Cannot connect to %s", dest)
		}
		return err
	}

	diag("Added connection from %s to %s", name, destName)
	return nil
}

func accessDiagnostic(err error) string {
	switch {
	case errors.Is(err, ErrOutputsNotAllowed):
		return "Outputs not allowed"
	case errors.Is(err, ErrInputsNotAllowed):
		return "Inputs not allowed"
	case errors.Is(err, ErrRPCAlreadyConnected):
		return "RPC output already connected"
	}
	return err.Error()
}

// admit enforces the access policy on an outbound connection. It must be
// called with stateMu held.
func (p *Port) admit(push bool, mode string) error {
	if push && p.cfg.flags&FlagOutput == 0 {
		return ErrOutputsNotAllowed
	}
	if !push && p.cfg.flags&FlagInput == 0 {
		return ErrInputsNotAllowed
	}
	if push && mode == "" && p.cfg.flags&FlagRPC != 0 && p.liveDataOutputs() > 0 {
		return ErrRPCAlreadyConnected
	}
	return nil
}

// admitAccepted enforces the access policy on an inbound connection once
// its role is known.
func (p *Port) admitAccepted(dir direction, mode string) error {
	if mode == modeAdmin {
		return nil
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if dir == dirOutput {
		if p.cfg.flags&FlagOutput == 0 {
			return ErrOutputsNotAllowed
		}
		if mode == "" && p.cfg.flags&FlagRPC != 0 && p.liveDataOutputs() > 0 {
			return ErrRPCAlreadyConnected
		}
		return nil
	}
	if p.cfg.flags&FlagInput == 0 {
		return ErrInputsNotAllowed
	}
	return nil
}

// liveDataOutputs must be called with stateMu held.
func (p *Port) liveDataOutputs() int {
	n := 0
	for _, u := range p.units {
		if u.doomed || u.finished.Load() || !u.ready.Load() {
			continue
		}
		if dir, mode := u.kind(); dir == dirOutput && mode == "" {
			n++
		}
	}
	return n
}

// dial opens a connection to contact and registers the resulting unit.
func (p *Port) dial(ctx context.Context, c carrier.Carrier, contact carrier.Contact, route Route, flags helloFlag, mode, pup string) (*unit, error) {
	p.stateMu.Lock()
	timeout := p.timeout
	p.stateMu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := c.Connect(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	dir := dirOutput
	if flags&helloReverse != 0 {
		dir = dirInput
	}
	u := newUnit(p, conn, c, dir, route, mode, timeout)
	u.reversed = dir == dirInput
	if pup != "" {
		u.pupString = pup
		u.pupped = true
	}
	// the role of a dialed unit is known, it can carry messages as soon
	// as it is registered.
	u.ready.Store(true)

	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	}
	err = writeFrame(conn, &frame{kind: frameHello, route: route, flags: flags, mode: mode})
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.finishing || p.finished {
		conn.Close()
		return nil, ErrClosing
	}
	if dir == dirOutput && mode == "" && p.cfg.flags&FlagRPC != 0 && p.liveDataOutputs() > 0 {
		conn.Close()
		return nil, ErrRPCAlreadyConnected
	}
	p.insert(u)
	return u, nil
}

// unitReady is called by a unit goroutine once its role is settled.
func (p *Port) unitReady(u *unit) {
	dir, mode := u.kind()
	route := u.getRoute()

	cb := p.cb.Load()
	if dir == dirInput && mode != modeAdmin && cb.creator != nil {
		u.lk.Lock()
		u.reader = cb.creator.CreateReader()
		u.lk.Unlock()
	}

	if mode != modeAdmin {
		verb := "Receiving"
		if dir == dirOutput {
			verb = "Sending"
		}
		p.sink.IncrCounterWithLabels(MetricUnitCreatedCount, 1, u.labels())
		u.log().Debug("connection established", "route", route.String(), LabelMode.L(mode))
		p.report(PortInfo{
			Tag:         InfoConnection,
			Incoming:    dir == dirInput,
			Created:     true,
			PortName:    p.Name(),
			SourceName:  route.From,
			TargetName:  route.To,
			CarrierName: route.Carrier,
			Message:     fmt.Sprintf("%s %s from %s to %s using %s", verb, dir, route.From, route.To, route.Carrier),
		})
	}
	p.cleanUnits(false)
}

// unitGone is called by a unit goroutine when it exits.
func (p *Port) unitGone(u *unit) {
	dir, mode := u.kind()
	if mode == modeAdmin {
		return
	}
	route := u.getRoute()
	p.sink.IncrCounterWithLabels(MetricDisconnectCount, 1, u.labels())
	u.log().Debug("connection finished", "route", route.String())
	p.report(PortInfo{
		Tag:         InfoConnection,
		Incoming:    dir == dirInput,
		Created:     false,
		PortName:    p.Name(),
		SourceName:  route.From,
		TargetName:  route.To,
		CarrierName: route.Carrier,
		Message:     fmt.Sprintf("Removing %s from %s to %s", dir, route.From, route.To),
	})
}

// withLabels returns the port labels followed by extra, in a fresh slice.
func (p *Port) withLabels(extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(p.labels)+len(extra))
	labels = append(labels, p.labels...)
	return append(labels, extra...)
}

func (p *Port) report(info PortInfo) {
	p.packetMu.Lock()
	p.events++
	p.packetMu.Unlock()
	if r := p.cb.Load().reporter; r != nil {
		r.Report(info)
	}
}

// Send broadcasts payload to every output connection of the requested
// mode. Delivery is best effort unless the port waits after sending or a
// reply is requested.
func (p *Port) Send(ctx context.Context, payload []byte, opts ...SendOption) ([]byte, error) {
	var sc sendConfig
	for _, opt := range opts {
		opt(&sc)
	}

	p.stateMu.Lock()
	if p.finishing || p.finished {
		p.stateMu.Unlock()
		return nil, ErrClosing
	}
	if p.interrupted.Load() {
		p.stateMu.Unlock()
		return nil, ErrInterrupted
	}

	if mon := p.cb.Load().outMonitor; mon != nil && sc.mode == "" {
		msg := &Message{Payload: payload, Envelope: p.envelope, Route: Route{From: p.name, To: Wildcard}}
		if !mon.Process(msg) {
			p.stateMu.Unlock()
			if sc.onComplete != nil {
				sc.onComplete()
			}
			return nil, nil
		}
		payload = msg.Payload
	}

	t := p.newTracker(payload, p.envelope, sc.mode, sc.wantReply, sc.onComplete)
	settled := t.settled
	// hold a second reference while dispatching so that a fast unit
	// cannot settle t before every unit got it.
	p.acquire(t)
	targets, dropped := 0, 0
	for _, u := range p.units {
		if u.doomed || u.sendClosed || u.finished.Load() || !u.ready.Load() {
			continue
		}
		if dir, mode := u.kind(); dir != dirOutput || mode != sc.mode {
			continue
		}
		p.acquire(t)
		if u.send(ctx, t, p.cfg.waitBeforeSend) {
			targets++
		} else {
			dropped++
			p.release(t)
		}
	}
	p.stateMu.Unlock()
	p.release(t)

	p.sink.IncrCounterWithLabels(MetricSendCount, 1, p.labels)
	if dropped > 0 {
		p.sink.IncrCounterWithLabels(MetricSendDropCount, float32(dropped), p.labels)
	}

	if dropped > 0 && p.cfg.waitBeforeSend {
		var err error
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case p.ctx.Err() != nil:
			err = ErrClosing
		}
		if err != nil {
			p.release(t)
			return nil, err
		}
	}

	wait := sc.wantReply || p.cfg.waitAfterSend
	if wait && targets > 0 {
		select {
		case <-settled:
		case <-ctx.Done():
			p.release(t)
			return nil, ctx.Err()
		}
	}

	p.packetMu.Lock()
	reply, replied, failed := t.reply, t.replied, t.failed
	p.packetMu.Unlock()
	p.release(t)

	if sc.wantReply {
		if !replied {
			return nil, ErrNoReply
		}
		return reply, nil
	}
	if p.cfg.waitAfterSend && (failed > 0 || dropped > 0) {
		return nil, fmt.Errorf("%w: %d of %d failed", ErrSendIncomplete, failed+dropped, targets+dropped)
	}
	return nil, nil
}

// Close tears the port down. It is idempotent and safe to call
// concurrently.
func (p *Port) Close() error {
	// wakes a Send blocked on a full queue while holding stateMu.
	p.cancel()

	p.stateMu.Lock()
	if p.finishing || p.finished {
		p.stateMu.Unlock()
		return nil
	}
	p.finishing = true
	name, announced := p.name, p.announced
	p.stateMu.Unlock()

	start := time.Now()
	p.logger.Info("shutting down...")

	p.logger.Debug("shutdown: ask peers to disconnect inputs")
	p.disconnectInputs()

	p.logger.Debug("shutdown: drop outputs")
	p.stateMu.Lock()
	for _, u := range p.units {
		if dir, _ := u.kind(); dir == dirOutput {
			u.doomed = true
		}
	}
	p.stateMu.Unlock()
	p.reapUnits()

	p.stateMu.Lock()
	running := p.running
	if running {
		p.closing = true
	}
	p.stateMu.Unlock()
	if running {
		p.logger.Debug("shutdown: stop listener")
		if err := p.wake(); err != nil {
			p.logger.Warn("could not wake listener, closing its face", LabelError.L(err))
			p.closeFace()
		}
		p.listenerWg.Wait()
	}

	p.logger.Debug("shutdown: release remaining connections")
	p.stateMu.Lock()
	remaining := append([]*unit(nil), p.units...)
	for _, u := range remaining {
		u.doomed = true
		u.reaped = true
	}
	p.stateMu.Unlock()
	var g errgroup.Group
	for _, u := range remaining {
		u := u
		g.Go(func() error {
			u.close()
			u.wg.Wait()
			return nil
		})
	}
	g.Wait()
	p.cleanUnits(true)

	p.closeFace()
	p.wakeReader()

	if announced {
		ctx, cancel := context.WithTimeout(context.Background(), wakeTimeout)
		if err := p.ns.UnregisterName(ctx, name); err != nil {
			p.logger.Warn("could not unregister name", LabelError.L(err))
		}
		cancel()
	}

	close(p.dropCh)
	p.cleanerWg.Wait()

	p.stateMu.Lock()
	p.finished = true
	p.closing = false
	p.listening = false
	p.announced = false
	p.cb.Store(&callbacks{})
	p.stateMu.Unlock()

	p.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

// disconnectInputs asks, one at a time, the peer of every input to hang
// up, and tears the connection down locally when it does not.
func (p *Port) disconnectInputs() {
	for {
		p.stateMu.Lock()
		var target *unit
		for _, u := range p.units {
			if u.graceTried || u.doomed || u.finished.Load() || !u.ready.Load() {
				continue
			}
			if dir, mode := u.kind(); dir == dirInput && mode != modeAdmin {
				target = u
				break
			}
		}
		if target != nil {
			target.graceTried = true
		}
		p.stateMu.Unlock()

		if target == nil {
			return
		}
		if err := target.requestDisconnect(p.cfg.disconnectGrace, "port closing"); err != nil {
			target.log().Debug("graceful disconnection failed, forcing", LabelError.L(err))
			p.stateMu.Lock()
			target.doomed = true
			p.stateMu.Unlock()
			target.close()
		}
	}
}

func (p *Port) closeFace() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.face == nil || p.faceClosed {
		return
	}
	p.faceClosed = true
	if err := p.face.Close(); err != nil {
		p.logger.Debug("failed to close face", LabelError.L(err))
	}
}

// wakeReader hands the sentinel message to a reader an application
// goroutine is blocked on.
func (p *Port) wakeReader() {
	r := p.cb.Load().reader
	if w, ok := r.(waitingReader); ok && w.Waiting() {
		r.Read(&Message{Sentinel: true, Route: Route{To: p.Name()}})
	}
}

// Interrupt stops delivering data to the readers and wakes a blocked one.
// Sending fails until Resume.
func (p *Port) Interrupt() {
	p.stateMu.Lock()
	interruptible := p.interruptible
	p.stateMu.Unlock()
	if !interruptible {
		return
	}
	p.interrupted.Store(true)
	p.wakeReader()
}

// Resume undoes Interrupt.
func (p *Port) Resume() {
	p.interrupted.Store(false)
}

// SetInterruptible controls whether Interrupt has any effect.
func (p *Port) SetInterruptible(interruptible bool) {
	p.stateMu.Lock()
	p.interruptible = interruptible
	p.stateMu.Unlock()
}

// SetTimeout sets the I/O timeout of connections created from now on.
func (p *Port) SetTimeout(timeout time.Duration) {
	p.stateMu.Lock()
	p.timeout = timeout
	p.stateMu.Unlock()
}

// SetEnvelope attaches s to outgoing messages, cut at its first non
// printable byte.
func (p *Port) SetEnvelope(s string) {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			s = s[:i]
			break
		}
	}
	p.stateMu.Lock()
	p.envelope = s
	p.stateMu.Unlock()
}

// Envelope attached to outgoing messages.
func (p *Port) Envelope() string {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.envelope
}

func (p *Port) updateCallbacks(fn func(cb *callbacks)) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	cb := *p.cb.Load()
	fn(&cb)
	p.cb.Store(&cb)
}

// SetReader sets the reader of inbound data.
func (p *Port) SetReader(r Reader) {
	p.updateCallbacks(func(cb *callbacks) { cb.reader = r })
}

// SetAdminReader sets the handler of unknown administrative commands.
func (p *Port) SetAdminReader(r AdminReader) {
	p.updateCallbacks(func(cb *callbacks) { cb.adminReader = r })
}

// SetReaderCreator gives every inbound connection created from now on a
// reader of its own.
func (p *Port) SetReaderCreator(c ReaderCreator) {
	p.updateCallbacks(func(cb *callbacks) { cb.creator = c })
}

// SetReporter sets the observer of connection events.
func (p *Port) SetReporter(r Reporter) {
	p.updateCallbacks(func(cb *callbacks) { cb.reporter = r })
}

// InputCount is the number of live data inputs. The count may lag when
// the port is busy.
func (p *Port) InputCount() int {
	p.cleanUnits(false)
	p.packetMu.Lock()
	defer p.packetMu.Unlock()
	return p.inputCount
}

// OutputCount is the number of live data outputs.
func (p *Port) OutputCount() int {
	p.cleanUnits(false)
	p.packetMu.Lock()
	defer p.packetMu.Unlock()
	return p.outputCount
}

// DataOutputCount also counts doomed outputs still draining.
func (p *Port) DataOutputCount() int {
	p.cleanUnits(false)
	p.packetMu.Lock()
	defer p.packetMu.Unlock()
	return p.dataOutputCount
}

// EventCount is the number of connection events since creation.
func (p *Port) EventCount() int {
	p.cleanUnits(false)
	p.packetMu.Lock()
	defer p.packetMu.Unlock()
	return p.events
}

// UnitInfo describes a connection of a port.
type UnitInfo struct {
	Index    int
	Output   bool
	Route    Route
	Mode     string
	Doomed   bool
	Finished bool
	Reversed bool
	Pupped   bool
	Timeout  time.Duration
}

// Units returns a snapshot of the connections of the port.
func (p *Port) Units() []UnitInfo {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	infos := make([]UnitInfo, 0, len(p.units))
	for _, u := range p.units {
		if !u.ready.Load() {
			continue
		}
		u.lk.Lock()
		infos = append(infos, UnitInfo{
			Index:    u.index,
			Output:   u.dir == dirOutput,
			Route:    u.route,
			Mode:     u.mode,
			Doomed:   u.doomed,
			Finished: u.finished.Load(),
			Reversed: u.reversed,
			Pupped:   u.pupped,
			Timeout:  u.timeout,
		})
		u.lk.Unlock()
	}
	return infos
}

// Describe reports the state of the port to r, or to the port reporter
// when r is nil.
func (p *Port) Describe(r Reporter) {
	if r == nil {
		r = p.cb.Load().reporter
	}
	if r == nil {
		return
	}

	p.stateMu.Lock()
	name, contact := p.name, p.contact
	var outputs, inputs []Route
	for _, u := range p.units {
		if u.doomed || !u.ready.Load() || u.finished.Load() {
			continue
		}
		dir, mode := u.kind()
		if mode == modeAdmin {
			continue
		}
		if dir == dirOutput {
			outputs = append(outputs, u.getRoute())
		} else {
			inputs = append(inputs, u.getRoute())
		}
	}
	p.stateMu.Unlock()

	misc := func(format string, args ...any) {
		r.Report(PortInfo{Tag: InfoMisc, PortName: name, Message: fmt.Sprintf(format, args...)})
	}
	misc("This is %s at %s", name, contact.String())
	if len(outputs) == 0 {
		misc("There are no outgoing connections")
	}
	for _, route := range outputs {
		r.Report(PortInfo{
			Tag:         InfoConnection,
			PortName:    name,
			SourceName:  route.From,
			TargetName:  route.To,
			CarrierName: route.Carrier,
			Message:     fmt.Sprintf("There is an output connection from %s to %s using %s", route.From, route.To, route.Carrier),
		})
	}
	if len(inputs) == 0 {
		misc("There are no incoming connections")
	}
	for _, route := range inputs {
		r.Report(PortInfo{
			Tag:         InfoConnection,
			Incoming:    true,
			PortName:    name,
			SourceName:  route.From,
			TargetName:  route.To,
			CarrierName: route.Carrier,
			Message:     fmt.Sprintf("There is an input connection from %s to %s using %s", route.From, route.To, route.Carrier),
		})
	}
}
