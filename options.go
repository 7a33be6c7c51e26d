package porta

import (
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/porta/pkg/carrier"
	"github.com/raskyld/porta/pkg/carrier/tcp"
)

// Flags restrict what a port may do.
type Flags uint8

const (
	// FlagInput allows connections carrying data into the port.
	FlagInput Flags = 1 << iota
	// FlagOutput allows connections carrying data out of the port.
	FlagOutput
	// FlagRPC allows at most one data output at a time.
	FlagRPC

	DefaultFlags = FlagInput | FlagOutput
)

type config struct {
	logHandler      slog.Handler
	msink           metrics.MetricSink
	metricLabels    []metrics.Label
	ns              NameService
	carriers        *carrier.Set
	flags           Flags
	timeout         time.Duration
	queueSize       int
	waitBeforeSend  bool
	waitAfterSend   bool
	disconnectGrace time.Duration
}

// Option to pass to `New`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Port`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Port.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithNameService sets where names are resolved and announced. Ports of
// the same process share a `LocalRegistry` by default.
func WithNameService(ns NameService) Option {
	return func(c *config) error {
		if ns == nil {
			return ErrInvalidCfg
		}
		c.ns = ns
		return nil
	}
}

// WithCarriers replaces the carriers the port can listen and dial with.
// Only tcp is available by default.
func WithCarriers(set *carrier.Set) Option {
	return func(c *config) error {
		if set == nil {
			return ErrInvalidCfg
		}
		c.carriers = set
		return nil
	}
}

// WithFlags restricts the port, see `Flags`.
func WithFlags(flags Flags) Option {
	return func(c *config) error {
		c.flags = flags
		return nil
	}
}

// WithTimeout sets the I/O timeout of the listening face and of every
// connection created afterwards. Zero disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidCfg
		}
		c.timeout = timeout
		return nil
	}
}

// WithQueueSize bounds how many messages an output connection buffers.
func WithQueueSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			size = 16
		}
		c.queueSize = size
		return nil
	}
}

// WithWaitBeforeSend makes `Send` block while an output queue is full
// instead of dropping the message for that connection. The wait ends with
// the context given to `Send` or when the port closes.
func WithWaitBeforeSend(wait bool) Option {
	return func(c *config) error {
		c.waitBeforeSend = wait
		return nil
	}
}

// WithWaitAfterSend makes `Send` return only once every connection wrote
// the message.
func WithWaitAfterSend(wait bool) Option {
	return func(c *config) error {
		c.waitAfterSend = wait
		return nil
	}
}

// WithDisconnectGrace controls how long `Close` waits for a peer to hang up
// an input connection before tearing it down locally.
func WithDisconnectGrace(grace time.Duration) Option {
	return func(c *config) error {
		if grace <= 0 {
			grace = time.Second
		}
		c.disconnectGrace = grace
		return nil
	}
}

type connectConfig struct {
	carrier      string
	onlyIfNeeded bool
	mode         string
	diag         io.Writer
}

// ConnectOption to pass to `Port.AddOutput`.
type ConnectOption func(*connectConfig)

// WithCarrier overrides the carrier the destination registered with.
func WithCarrier(name string) ConnectOption {
	return func(c *connectConfig) {
		c.carrier = name
	}
}

// OnlyIfNeeded keeps an existing connection using the same carrier.
func OnlyIfNeeded() ConnectOption {
	return func(c *connectConfig) {
		c.onlyIfNeeded = true
	}
}

// WithConnectMode opens a special purpose connection, such as "log".
func WithConnectMode(mode string) ConnectOption {
	return func(c *connectConfig) {
		c.mode = mode
	}
}

// WithDiagnostics receives a human readable account of the operation.
func WithDiagnostics(w io.Writer) ConnectOption {
	return func(c *connectConfig) {
		c.diag = w
	}
}

type sendConfig struct {
	wantReply  bool
	mode       string
	onComplete func()
}

// SendOption to pass to `Port.Send`.
type SendOption func(*sendConfig)

// WithReply waits for the first answer of the peers.
func WithReply() SendOption {
	return func(c *sendConfig) {
		c.wantReply = true
	}
}

// WithSendMode targets connections opened with `WithConnectMode`.
func WithSendMode(mode string) SendOption {
	return func(c *sendConfig) {
		c.mode = mode
	}
}

// OnComplete is called once no connection uses the payload anymore.
func OnComplete(fn func()) SendOption {
	return func(c *sendConfig) {
		c.onComplete = fn
	}
}

func defaultConfig() config {
	return config{
		carriers:        carrier.NewSet(tcp.New()),
		flags:           DefaultFlags,
		queueSize:       16,
		disconnectGrace: time.Second,
	}
}
