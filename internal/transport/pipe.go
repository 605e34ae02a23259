package transport

import (
	"sync"

	"github.com/sportlevel/messenger/internal/protocol"
)

// Pipe is an in-memory Transport for tests and local tooling. Frames pushed
// with Inject come out of Receive; everything sent is recorded and also
// available on Out for assertions.
type Pipe struct {
	Stats Stats

	in  chan []byte
	out chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
	reason    string
	sent      []*protocol.ServerUpdate
}

var _ Transport = (*Pipe)(nil)

func NewPipe() *Pipe {
	return &Pipe{
		in:  make(chan []byte, 64),
		out: make(chan []byte, 64),
	}
}

// Inject queues an inbound frame for the next Receive call.
func (p *Pipe) Inject(frame []byte) { p.in <- frame }

// InjectCommand encodes and queues a client command.
func (p *Pipe) InjectCommand(c *protocol.ClientCommand) error {
	frame, err := protocol.EncodeCommand(c)
	if err != nil {
		return err
	}
	p.Inject(frame)
	return nil
}

// Out exposes raw sent frames in order.
func (p *Pipe) Out() <-chan []byte { return p.out }

// Sent returns a copy of every decoded update sent so far.
func (p *Pipe) Sent() []*protocol.ServerUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.ServerUpdate, len(p.sent))
	copy(out, p.sent)
	return out
}

// CloseInfo returns the close code and reason once the pipe is closed.
func (p *Pipe) CloseInfo() (int, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode, p.reason, p.closed
}

func (p *Pipe) Send(u *protocol.ServerUpdate) error {
	frame, err := protocol.EncodeUpdate(u)
	if err != nil {
		return err
	}
	return p.SendRaw(frame)
}

func (p *Pipe) SendRaw(frame []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if u, err := protocol.DecodeUpdate(frame); err == nil {
		p.sent = append(p.sent, u)
	}
	p.mu.Unlock()
	p.Stats.onSent(len(frame))
	select {
	case p.out <- frame:
	default:
	}
	return nil
}

func (p *Pipe) Receive() ([]byte, error) {
	frame, ok := <-p.in
	if !ok {
		return nil, ErrClosed
	}
	p.Stats.onReceived(len(frame))
	return frame, nil
}

func (p *Pipe) OnClientError() { p.Stats.OnClientError() }
func (p *Pipe) OnServerError() { p.Stats.OnServerError() }

func (p *Pipe) Close(code int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.closeCode = code
	p.reason = reason
	close(p.in)
	return nil
}
