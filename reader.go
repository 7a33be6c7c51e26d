package porta

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/raskyld/porta/pkg/bottle"
)

var ErrReplied = errors.New("port: message already replied")

// Message is one inbound message as handed to a Reader.
type Message struct {
	Payload  []byte
	Envelope string
	Route    Route

	// Sentinel is set on the empty message delivered to wake a blocked
	// reader when the port is interrupted or closed.
	Sentinel bool

	ctx       context.Context
	wantReply bool
	replyLk   sync.Mutex
	replied   bool
	replyFn   func(payload []byte) error
}

// Context is done once the receiving port starts closing. Readers which
// block must give up when it is.
func (m *Message) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// WantReply reports whether the sender waits for an answer.
func (m *Message) WantReply() bool {
	return m.wantReply
}

// Reply answers the sender. It may be called at most once, and only
// before the Reader returns.
func (m *Message) Reply(payload []byte) error {
	m.replyLk.Lock()
	defer m.replyLk.Unlock()
	if !m.wantReply || m.replyFn == nil {
		return ErrNoReply
	}
	if m.replied {
		return ErrReplied
	}
	m.replied = true
	return m.replyFn(payload)
}

// seal forbids any further Reply and reports whether none was sent.
func (m *Message) seal() bool {
	m.replyLk.Lock()
	defer m.replyLk.Unlock()
	if m.replied {
		return false
	}
	m.replied = true
	return true
}

// Reader receives the data delivered to a port. Implementations are
// borrowed: the port never calls them after Close returned.
type Reader interface {
	Read(msg *Message) error
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(msg *Message) error

func (f ReaderFunc) Read(msg *Message) error {
	return f(msg)
}

// ReaderCreator builds one Reader per inbound connection.
type ReaderCreator interface {
	CreateReader() Reader
}

// AdminReader handles administrative commands the port does not know.
type AdminReader interface {
	ReadAdmin(ctx context.Context, cmd bottle.Bottle) (bottle.Bottle, error)
}

// waitingReader is implemented by readers which can tell whether an
// application goroutine is blocked on them.
type waitingReader interface {
	Waiting() bool
}

// Buffer is a Reader queueing messages for an application goroutine
// calling Next. It does not answer messages expecting a reply.
type Buffer struct {
	ch      chan *Message
	closeCh chan struct{}
	once    sync.Once
	waiting atomic.Int32
}

var _ Reader = (*Buffer)(nil)

// NewBuffer returns a Buffer queueing up to size messages.
func NewBuffer(size int) *Buffer {
	return &Buffer{
		ch:      make(chan *Message, size),
		closeCh: make(chan struct{}),
	}
}

// Read queues msg, blocking while the buffer is full and the receiving
// port is not closing.
func (b *Buffer) Read(msg *Message) error {
	cp := &Message{
		Payload:  msg.Payload,
		Envelope: msg.Envelope,
		Route:    msg.Route,
		Sentinel: msg.Sentinel,
	}
	if msg.Sentinel {
		select {
		case b.ch <- cp:
		default:
		}
		return nil
	}
	select {
	case b.ch <- cp:
		return nil
	case <-msg.Context().Done():
		return ErrClosing
	case <-b.closeCh:
		return ErrClosing
	}
}

// Next returns the oldest queued message.
func (b *Buffer) Next(ctx context.Context) (*Message, error) {
	b.waiting.Add(1)
	defer b.waiting.Add(-1)
	select {
	case msg := <-b.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closeCh:
		return nil, ErrClosing
	}
}

// Waiting reports whether a goroutine is blocked in Next.
func (b *Buffer) Waiting() bool {
	return b.waiting.Load() > 0
}

// Len is the number of queued messages.
func (b *Buffer) Len() int {
	return len(b.ch)
}

// Close unblocks every pending Read and Next.
func (b *Buffer) Close() {
	b.once.Do(func() {
		close(b.closeCh)
	})
}
