// Package tcp is the default stream carrier.
package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/raskyld/porta/pkg/carrier"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const Name = "tcp"

// Carrier dials and listens with TCP. The zero value is ready to use.
type Carrier struct {
	// KeepAlive period of dialed and accepted connections, zero keeps the
	// Go default.
	KeepAlive time.Duration
}

var (
	_ carrier.Carrier = (*Carrier)(nil)
	_ carrier.QoS     = (*Carrier)(nil)
)

func New() *Carrier {
	return &Carrier{}
}

func (c *Carrier) Name() string           { return Name }
func (c *Carrier) IsPush() bool           { return true }
func (c *Carrier) IsConnectionless() bool { return false }

func (c *Carrier) Listen(ctx context.Context, addr carrier.Contact) (carrier.Face, error) {
	lc := net.ListenConfig{KeepAlive: c.KeepAlive}
	host := addr.Host
	if host == "..." {
		host = ""
	}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(addr.Port)))
	if err != nil {
		return nil, err
	}

	bound := ln.Addr().(*net.TCPAddr)
	boundHost := bound.IP.String()
	if bound.IP.IsUnspecified() {
		boundHost = "127.0.0.1"
		if host != "" {
			boundHost = host
		}
	}

	return &face{
		ln: ln.(*net.TCPListener),
		contact: carrier.Contact{
			Name:    addr.Name,
			Host:    boundHost,
			Port:    bound.Port,
			Carrier: Name,
		},
	}, nil
}

func (c *Carrier) Connect(ctx context.Context, addr carrier.Contact) (net.Conn, error) {
	d := net.Dialer{KeepAlive: c.KeepAlive}
	return d.DialContext(ctx, "tcp", addr.Addr())
}

// SetTOS sets the IP type-of-service (or IPv6 traffic class) byte.
func (c *Carrier) SetTOS(conn net.Conn, tos int) error {
	if tos < 0 || tos > 255 {
		return fmt.Errorf("tcp: invalid tos %d", tos)
	}
	if isIPv6(conn) {
		return ipv6.NewConn(conn).SetTrafficClass(tos)
	}
	return ipv4.NewConn(conn).SetTOS(tos)
}

func (c *Carrier) TOS(conn net.Conn) (int, error) {
	if isIPv6(conn) {
		return ipv6.NewConn(conn).TrafficClass()
	}
	return ipv4.NewConn(conn).TOS()
}

func isIPv6(conn net.Conn) bool {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	return ok && addr.IP.To4() == nil
}

type face struct {
	ln      *net.TCPListener
	contact carrier.Contact

	lk      sync.Mutex
	timeout time.Duration
}

func (f *face) Accept() (net.Conn, error) {
	f.lk.Lock()
	timeout := f.timeout
	f.lk.Unlock()

	if timeout > 0 {
		f.ln.SetDeadline(time.Now().Add(timeout))
	} else {
		f.ln.SetDeadline(time.Time{})
	}
	return f.ln.Accept()
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
	return f.ln.Close()
}
