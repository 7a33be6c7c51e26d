package quic

import (
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// streamWrapper exposes a QUIC stream as a `net.Conn` and owns the QUIC
// connection it belongs to.
type streamWrapper struct {
	conn      quic.Connection
	peerName  string
	linger    time.Duration
	closeOnce sync.Once

	// NB(raskyld): It is not clear from the go-quic docs and interface comments
	// whether the stream is thread-safe, it states that Close MUST NOT
	// be called concurrently with write, but looking at the implementation,
	// it does use a mutex to sync Write/Close/Read operations, so I don't
	// think we need to make it thread-safe ourselves.
	quic.Stream
}

var _ net.Conn = (*streamWrapper)(nil)

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.conn.LocalAddr()
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.conn.RemoteAddr()
}

// PeerName is the name the carrier gave to the peer.
func (gs *streamWrapper) PeerName() string {
	return gs.peerName
}

// Close sends a FIN on the stream then tears the connection down once the
// peer hung up or the linger period expired, so queued frames are not cut.
func (gs *streamWrapper) Close() error {
	var err error
	gs.closeOnce.Do(func() {
		err = gs.Stream.Close()
		gs.Stream.CancelRead(quic.StreamErrorCode(QErrClosed))
		go func() {
			timer := time.NewTimer(gs.linger)
			defer timer.Stop()
			select {
			case <-gs.conn.Context().Done():
			case <-timer.C:
			}
			gs.conn.CloseWithError(QErrClosed, "bye")
		}()
	})
	return err
}
