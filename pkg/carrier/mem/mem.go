// Package mem is an in-process carrier. Faces live on a Hub and
// connections are synchronous `net.Pipe` pairs, so a whole topology of
// ports can run inside one process without sockets.
package mem

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/raskyld/porta/pkg/carrier"
)

const Host = "mem"

// Hub is a namespace of in-process faces.
type Hub struct {
	lk       sync.Mutex
	faces    map[int]*face
	nextPort int
}

func NewHub() *Hub {
	return &Hub{
		faces:    make(map[int]*face),
		nextPort: 10000,
	}
}

type Option func(*Carrier)

// WithName registers the carrier under another name than "mem".
func WithName(name string) Option {
	return func(c *Carrier) {
		c.name = name
	}
}

// WithPull makes the carrier a pull carrier: the data sink drives transfers.
func WithPull() Option {
	return func(c *Carrier) {
		c.push = false
	}
}

// WithConnectionless flags the carrier as best-effort.
func WithConnectionless() Option {
	return func(c *Carrier) {
		c.connectionless = true
	}
}

// Carrier dials and listens on a Hub.
type Carrier struct {
	hub            *Hub
	name           string
	push           bool
	connectionless bool
}

var _ carrier.Carrier = (*Carrier)(nil)

func New(hub *Hub, opts ...Option) *Carrier {
	c := &Carrier{
		hub:  hub,
		name: "mem",
		push: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Carrier) Name() string           { return c.name }
func (c *Carrier) IsPush() bool           { return c.push }
func (c *Carrier) IsConnectionless() bool { return c.connectionless }

func (c *Carrier) Listen(_ context.Context, addr carrier.Contact) (carrier.Face, error) {
	if addr.Host != "" && addr.Host != Host {
		return nil, fmt.Errorf("%w: mem carrier only binds %q", carrier.ErrInvalidContact, Host)
	}

	c.hub.lk.Lock()
	defer c.hub.lk.Unlock()
	port := addr.Port
	if port == 0 {
		for {
			c.hub.nextPort++
			if _, used := c.hub.faces[c.hub.nextPort]; !used {
				break
			}
		}
		port = c.hub.nextPort
	}
	if _, used := c.hub.faces[port]; used {
		return nil, fmt.Errorf("mem: port %d already bound", port)
	}

	f := &face{
		hub:     c.hub,
		connCh:  make(chan net.Conn),
		closeCh: make(chan struct{}),
		contact: carrier.Contact{
			Name:    addr.Name,
			Host:    Host,
			Port:    port,
			Carrier: c.name,
		},
	}
	c.hub.faces[port] = f
	return f, nil
}

func (c *Carrier) Connect(ctx context.Context, addr carrier.Contact) (net.Conn, error) {
	c.hub.lk.Lock()
	f, ok := c.hub.faces[addr.Port]
	c.hub.lk.Unlock()
	if !ok || addr.Host != Host {
		return nil, fmt.Errorf("mem: connection refused by %s", addr.Addr())
	}

	client, server := net.Pipe()
	select {
	case f.connCh <- server:
		return client, nil
	case <-f.closeCh:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("mem: connection refused by %s", addr.Addr())
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

type face struct {
	hub     *Hub
	contact carrier.Contact
	connCh  chan net.Conn

	lk      sync.Mutex
	timeout time.Duration
	closed  bool
	closeCh chan struct{}
}

func (f *face) Accept() (net.Conn, error) {
	f.lk.Lock()
	timeout := f.timeout
	f.lk.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case conn := <-f.connCh:
		return conn, nil
	case <-f.closeCh:
		return nil, carrier.ErrFaceClosed
	case <-expired:
		return nil, timeoutError{}
	}
}

func (f *face) Contact() carrier.Contact {
	return f.contact
}

func (f *face) SetTimeout(timeout time.Duration) {
	f.lk.Lock()
	f.timeout = timeout
	f.lk.Unlock()
}

func (f *face) Close() error {
	f.lk.Lock()
	if f.closed {
		f.lk.Unlock()
		return nil
	}
	f.closed = true
	close(f.closeCh)
	f.lk.Unlock()

	f.hub.lk.Lock()
	if f.hub.faces[f.contact.Port] == f {
		delete(f.hub.faces, f.contact.Port)
	}
	f.hub.lk.Unlock()
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "mem: accept timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
