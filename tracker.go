package porta

import (
	"sync"
)

// tracker reference-counts one in-flight message across every unit
// carrying it. All fields are guarded by the port's packetMu.
type tracker struct {
	refs      int
	payload   []byte
	envelope  string
	mode      string
	wantReply bool

	reply   []byte
	replied bool
	failed  int

	// settled is closed when only the sender still holds a reference.
	settled       chan struct{}
	settledClosed bool

	onComplete func()
}

var trackerPool = sync.Pool{
	New: func() any {
		return &tracker{}
	},
}

// newTracker returns a tracker holding one reference for the sender.
func (p *Port) newTracker(payload []byte, envelope, mode string, wantReply bool, onComplete func()) *tracker {
	t := trackerPool.Get().(*tracker)
	t.refs = 1
	t.payload = payload
	t.envelope = envelope
	t.mode = mode
	t.wantReply = wantReply
	t.settled = make(chan struct{})
	t.onComplete = onComplete

	p.packetMu.Lock()
	p.inflight++
	inflight := p.inflight
	p.packetMu.Unlock()
	p.sink.SetGaugeWithLabels(MetricInflightPackets, float32(inflight), p.labels)
	return t
}

func (p *Port) acquire(t *tracker) {
	p.packetMu.Lock()
	t.refs++
	p.packetMu.Unlock()
}

// release drops one reference. The tracker is recycled once the count
// reaches zero and must not be used by the caller afterwards.
func (p *Port) release(t *tracker) {
	p.packetMu.Lock()
	t.refs--
	if t.refs < 0 {
		p.packetMu.Unlock()
		panic("porta: tracker released more times than acquired")
	}
	if t.refs > 0 {
		p.settle(t)
		p.packetMu.Unlock()
		return
	}
	p.inflight--
	inflight := p.inflight
	onComplete := t.onComplete
	if !t.settledClosed {
		close(t.settled)
	}
	*t = tracker{}
	p.packetMu.Unlock()

	trackerPool.Put(t)
	p.sink.SetGaugeWithLabels(MetricInflightPackets, float32(inflight), p.labels)
	if onComplete != nil {
		onComplete()
	}
}

// settle must be called with packetMu held.
func (p *Port) settle(t *tracker) {
	if t.refs == 1 && !t.settledClosed {
		t.settledClosed = true
		close(t.settled)
	}
}

// recordReply keeps the first reply received for t.
func (p *Port) recordReply(t *tracker, payload []byte) {
	p.packetMu.Lock()
	defer p.packetMu.Unlock()
	if !t.replied {
		t.replied = true
		t.reply = payload
	}
}

// fail records that a unit could not deliver t.
func (p *Port) fail(t *tracker) {
	p.packetMu.Lock()
	t.failed++
	p.packetMu.Unlock()
}

// PendingPackets is the number of messages still being transmitted.
func (p *Port) PendingPackets() int {
	p.packetMu.Lock()
	defer p.packetMu.Unlock()
	return p.inflight
}
