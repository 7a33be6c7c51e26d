package porta

import (
	"fmt"
	"sync"

	"github.com/raskyld/porta/pkg/bottle"
)

// Monitor is a message transformation stage attached to the input or the
// output path of a port.
type Monitor interface {
	// Process may rewrite msg in place. Returning false drops it.
	Process(msg *Message) bool
	SetParams(params bottle.Bottle) error
	Params() bottle.Bottle
}

// MonitorFactory builds a Monitor from the property list given to `atch`.
type MonitorFactory func(props bottle.Bottle) (Monitor, error)

var (
	monitorsLk sync.RWMutex
	monitors   = map[string]MonitorFactory{
		"counter": newCounterMonitor,
		"prefix":  newPrefixMonitor,
	}
)

// RegisterMonitor makes a monitor available to `atch` under name.
func RegisterMonitor(name string, factory MonitorFactory) {
	monitorsLk.Lock()
	defer monitorsLk.Unlock()
	monitors[name] = factory
}

func createMonitor(props bottle.Bottle) (Monitor, error) {
	name := props.Find("monitor").AsString()
	monitorsLk.RLock()
	factory, ok := monitors[name]
	monitorsLk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMonitor, name)
	}
	return factory(props)
}

// counterMonitor counts what flows through it.
type counterMonitor struct {
	lk    sync.Mutex
	count int64
}

func newCounterMonitor(bottle.Bottle) (Monitor, error) {
	return &counterMonitor{}, nil
}

func (m *counterMonitor) Process(*Message) bool {
	m.lk.Lock()
	m.count++
	m.lk.Unlock()
	return true
}

func (m *counterMonitor) SetParams(params bottle.Bottle) error {
	if params.Check("count") {
		m.lk.Lock()
		m.count = params.Find("count").AsInt()
		m.lk.Unlock()
	}
	return nil
}

func (m *counterMonitor) Params() bottle.Bottle {
	m.lk.Lock()
	defer m.lk.Unlock()
	return bottle.Bottle{bottle.Pair("count", bottle.Int(m.count))}
}

// prefixMonitor prepends a fixed string to every payload.
type prefixMonitor struct {
	lk     sync.RWMutex
	prefix []byte
}

func newPrefixMonitor(props bottle.Bottle) (Monitor, error) {
	m := &prefixMonitor{}
	return m, m.SetParams(props)
}

func (m *prefixMonitor) Process(msg *Message) bool {
	m.lk.RLock()
	defer m.lk.RUnlock()
	if len(m.prefix) == 0 {
		return true
	}
	payload := make([]byte, 0, len(m.prefix)+len(msg.Payload))
	payload = append(payload, m.prefix...)
	msg.Payload = append(payload, msg.Payload...)
	return true
}

func (m *prefixMonitor) SetParams(params bottle.Bottle) error {
	if params.Check("prefix") {
		m.lk.Lock()
		m.prefix = []byte(params.Find("prefix").AsString())
		m.lk.Unlock()
	}
	return nil
}

func (m *prefixMonitor) Params() bottle.Bottle {
	m.lk.RLock()
	defer m.lk.RUnlock()
	return bottle.Bottle{bottle.Pair("prefix", bottle.String(string(m.prefix)))}
}
