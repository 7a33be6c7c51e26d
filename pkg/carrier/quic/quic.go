// Package quic carries port connections over QUIC. Every port connection
// is a QUIC connection holding a single bidirectional stream, authenticated
// with mutual TLS.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/porta/pkg/carrier"
)

const (
	Name = "quic"
	ALPN = "porta"
)

var (
	ErrNoTLSConfig     = errors.New("quic: TlsConfig is required")
	ErrPeerIdentity = errors.New("quic: could not identify peer")
)

var (
	MetricConnEstCount   = []string{"porta", "quic", "connection", "established", "count"}
	MetricConnErrorCount = []string{"porta", "quic", "connection", "error", "count"}
	MetricStreamInCount  = []string{"porta", "quic", "stream", "in", "count"}
)

var (
	QErrClosed   = quic.ApplicationErrorCode(0x0)
	QErrIdentity = quic.ApplicationErrorCode(0x2)
)

// Config of the QUIC carrier.
type Config struct {
	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// IdentifyPeer names peers from their certificates, default to
	// IdentifyByCommonName.
	IdentifyPeer PeerIdentifier

	// MaxIdleTimeout of QUIC connections, default to 1 minute.
	MaxIdleTimeout time.Duration

	// Linger is how long a closed connection waits for its peer to hang
	// up before being torn down, default to 2 seconds.
	Linger time.Duration

	// MetricsLabels to add to every metrics emitted by the carrier.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Carrier is the QUIC carrier.
type Carrier struct {
	cfg     Config
	tlsConf *tls.Config
	qConf   *quic.Config
	logger  *slog.Logger
	msink   metrics.MetricSink
}

var _ carrier.Carrier = (*Carrier)(nil)

func New(cfg Config) (*Carrier, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	c := &Carrier{cfg: cfg}
	c.tlsConf = cfg.TlsConfig.Clone()
	if len(c.tlsConf.NextProtos) == 0 {
		c.tlsConf.NextProtos = []string{ALPN}
	}

	if cfg.LogHandler == nil {
		c.logger = slog.Default()
	} else {
		c.logger = slog.New(cfg.LogHandler)
	}
	c.logger = c.logger.With("carrier", Name)

	if cfg.MetricSink == nil {
		c.msink = metrics.Default()
	} else {
		c.msink = cfg.MetricSink
	}

	if c.cfg.MaxIdleTimeout == 0 {
		c.cfg.MaxIdleTimeout = 1 * time.Minute
	}
	if c.cfg.Linger == 0 {
		c.cfg.Linger = 2 * time.Second
	}
	if c.cfg.IdentifyPeer == nil {
		c.cfg.IdentifyPeer = IdentifyByCommonName
	}

	c.qConf = &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  c.cfg.MaxIdleTimeout,
		KeepAlivePeriod: c.cfg.MaxIdleTimeout / 3,
	}
	return c, nil
}

func (c *Carrier) Name() string           { return Name }
func (c *Carrier) IsPush() bool           { return true }
func (c *Carrier) IsConnectionless() bool { return false }

func (c *Carrier) Listen(_ context.Context, addr carrier.Contact) (carrier.Face, error) {
	ip := net.ParseIP(addr.Host)
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1)
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: addr.Port})
	if err != nil {
		return nil, fmt.Errorf("quic: failed to allocate UDP listener: %w", err)
	}

	tr := &quic.Transport{Conn: udpLn}
	ln, err := tr.Listen(c.tlsConf, c.qConf)
	if err != nil {
		tr.Close()
		udpLn.Close()
		return nil, fmt.Errorf("quic: failed to allocate QUIC listener: %w", err)
	}

	bound := udpLn.LocalAddr().(*net.UDPAddr)
	ctx, cancel := context.WithCancel(context.Background())
	f := &face{
		c:        c,
		udpLn:    udpLn,
		tr:       tr,
		ln:       ln,
		streamCh: make(chan net.Conn),
		ctx:      ctx,
		cancel:   cancel,
		contact: carrier.Contact{
			Name:    addr.Name,
			Host:    bound.IP.String(),
			Port:    bound.Port,
			Carrier: Name,
		},
	}

	f.wg.Add(1)
	go f.acceptCx()
	return f, nil
}

func (c *Carrier) Connect(ctx context.Context, addr carrier.Contact) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)), c.tlsConf, c.qConf)
	if err != nil {
		c.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(c.cfg.MetricLabels, metrics.Label{Name: "error", Value: "dial"}),
		)
		return nil, err
	}

	peer, err := c.resolvePeer(conn)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(QErrClosed, "cannot open stream")
		return nil, err
	}

	return &streamWrapper{
		conn:     conn,
		peerName: peer,
		linger:   c.cfg.Linger,
		Stream:   stream,
	}, nil
}

func (c *Carrier) resolvePeer(conn quic.Connection) (string, error) {
	peer := conn.RemoteAddr().String()
	mLabels := append(c.cfg.MetricLabels, metrics.Label{Name: "peer_addr", Value: peer})

	name, err := c.cfg.IdentifyPeer(conn.ConnectionState().TLS)
	if err != nil {
		c.logger.Error("failed to identify peer", "peer_addr", peer, "error", err)
		c.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, metrics.Label{Name: "error", Value: "identity"}),
		)
		conn.CloseWithError(QErrIdentity, rejectReason(err))
		return "", fmt.Errorf("%w: %w", ErrPeerIdentity, err)
	}

	c.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		append(mLabels, metrics.Label{Name: "peer_name", Value: name}),
	)
	return name, nil
}

type face struct {
	c       *Carrier
	contact carrier.Contact

	udpLn *net.UDPConn
	tr    *quic.Transport
	ln    *quic.Listener

	streamCh chan net.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	lk      sync.Mutex
	timeout time.Duration
}

func (f *face) acceptCx() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept(f.ctx)
		if err != nil {
			if f.ctx.Err() == nil {
				f.c.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}

		f.wg.Add(1)
		go f.handleConn(conn)
	}
}

func (f *face) handleConn(conn quic.Connection) {
	defer f.wg.Done()
	peer, err := f.c.resolvePeer(conn)
	if err != nil {
		return
	}

	// A port connection is a single stream, the first one is all we need.
	stream, err := conn.AcceptStream(f.ctx)
	if err != nil {
		if f.ctx.Err() == nil {
			f.c.logger.Warn("error accepting stream", "peer_name", peer, "error", err)
		}
		conn.CloseWithError(QErrClosed, "no stream")
		return
	}

	f.c.msink.IncrCounterWithLabels(
		MetricStreamInCount,
		1.0,
		append(f.c.cfg.MetricLabels, metrics.Label{Name: "peer_name", Value: string(peer)}),
	)

	swrap := &streamWrapper{
		conn:     conn,
		peerName: peer,
		linger:   f.c.cfg.Linger,
		Stream:   stream,
	}

	select {
	case f.streamCh <- swrap:
	case <-f.ctx.Done():
		swrap.Close()
	}
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
	case conn := <-f.streamCh:
		return conn, nil
	case <-f.ctx.Done():
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
	if f.ctx.Err() != nil {
		return nil
	}
	f.cancel()
	err := f.ln.Close()
	f.wg.Wait()
	f.tr.Close()
	f.udpLn.Close()
	return err
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "quic: accept timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
