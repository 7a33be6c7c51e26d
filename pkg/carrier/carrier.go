// Package carrier defines the capability set a transport must provide so a
// port can listen on it, dial peers with it and negotiate connection
// direction. Implementations live in sub-packages and register into a Set
// without any change to the port engine.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownCarrier = errors.New("carrier: unknown carrier")
	ErrInvalidContact = errors.New("carrier: invalid contact")
	ErrFaceClosed     = errors.New("carrier: face closed")
)

// Carrier is a pluggable transport, the analogue of an URI scheme.
type Carrier interface {
	// Name under which the carrier is registered (e.g. "tcp").
	Name() string

	// IsPush reports whether the data sender initiates the transport
	// connection. Pull carriers require the data sink to drive transfers.
	IsPush() bool

	// IsConnectionless reports whether delivery is best-effort.
	IsConnectionless() bool

	// Listen binds the carrier on addr. Unspecified fields of addr are
	// chosen by the carrier and reported by `Face.Contact`.
	Listen(ctx context.Context, addr Contact) (Face, error)

	// Connect opens a bidirectional byte stream to addr.
	Connect(ctx context.Context, addr Contact) (net.Conn, error)
}

// Face is a listening socket.
type Face interface {
	// Accept blocks until a peer connects, the timeout set with
	// SetTimeout expires or the face is closed.
	Accept() (net.Conn, error)

	// Contact returns where the face is actually bound.
	Contact() Contact

	// SetTimeout bounds every subsequent Accept. Zero means no bound.
	SetTimeout(time.Duration)

	Close() error
}

// QoS is implemented by carriers able to tune packet priority of a
// connection they produced.
type QoS interface {
	SetTOS(conn net.Conn, tos int) error
	TOS(conn net.Conn) (int, error)
}

// IsTimeout reports whether err is a deadline expiration, which Accept
// and Read return when a timeout was configured.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Contact is a resolved network location of a port.
type Contact struct {
	Name    string
	Host    string
	Port    int
	Carrier string
}

// IsValid reports whether the contact can be dialed.
func (c Contact) IsValid() bool {
	return c.Host != "" && c.Carrier != ""
}

// Addr returns the `host:port` part.
func (c Contact) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Complete fills the unspecified fields of c from bound.
func (c Contact) Complete(bound Contact) Contact {
	if c.Host == "" || c.Host == "..." {
		c.Host = bound.Host
	}
	if c.Port == 0 {
		c.Port = bound.Port
	}
	if c.Carrier == "" {
		c.Carrier = bound.Carrier
	}
	if c.Name == "" {
		c.Name = bound.Name
	}
	return c
}

func (c Contact) String() string {
	if !c.IsValid() {
		return c.Name
	}
	return fmt.Sprintf("%s://%s%s", c.Carrier, c.Addr(), c.Name)
}

// ParseContact parses `carrier://host:port/name`; the name part is optional.
func ParseContact(s string) (Contact, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return Contact{}, fmt.Errorf("%w: %q", ErrInvalidContact, s)
	}
	hostPort, name := rest, ""
	if i := strings.Index(rest, "/"); i >= 0 {
		hostPort, name = rest[:i], rest[i:]
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %w", ErrInvalidContact, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %w", ErrInvalidContact, err)
	}
	return Contact{Name: name, Host: host, Port: port, Carrier: scheme}, nil
}

// Set is a registry of carriers indexed by name. It is safe for
// concurrent use.
type Set struct {
	lk       sync.RWMutex
	carriers map[string]Carrier
}

func NewSet(carriers ...Carrier) *Set {
	s := &Set{carriers: make(map[string]Carrier, len(carriers))}
	for _, c := range carriers {
		s.carriers[c.Name()] = c
	}
	return s
}

// Add registers c, replacing any carrier with the same name.
func (s *Set) Add(c Carrier) {
	s.lk.Lock()
	s.carriers[c.Name()] = c
	s.lk.Unlock()
}

func (s *Set) Get(name string) (Carrier, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	c, ok := s.carriers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCarrier, name)
	}
	return c, nil
}

// Names returns the registered carrier names in no particular order.
func (s *Set) Names() []string {
	s.lk.RLock()
	defer s.lk.RUnlock()
	names := make([]string, 0, len(s.carriers))
	for name := range s.carriers {
		names = append(names, name)
	}
	return names
}
