// ABOUTME: In-memory Dialer and Conn for tests and offline demos.
// ABOUTME: The peer side of a Pipe pushes frames, fails or hangs up the connection.

package transport

import (
	"context"
	"fmt"
	"sync"
)

const pipeBufferSize = 64

// Pipe is an in-memory Conn. The client uses the Conn methods; the test acts
// as the remote peer through Push, Fail, Hangup and Sent.
type Pipe struct {
	URL string

	in     chan []byte
	out    chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

// NewPipe creates an open pipe.
func NewPipe(url string) *Pipe {
	return &Pipe{
		URL:    url,
		in:     make(chan []byte, pipeBufferSize),
		out:    make(chan []byte, pipeBufferSize),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// ReadMessage implements Conn.
func (p *Pipe) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case err := <-p.errs:
		return nil, err
	case <-p.closed:
		return nil, ErrClosed
	}
}

// WriteMessage implements Conn.
func (p *Pipe) WriteMessage(data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

// Close implements Conn.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// IsClosed reports whether the client side closed the pipe.
func (p *Pipe) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Push delivers a message to the client.
func (p *Pipe) Push(data []byte) {
	p.in <- data
}

// Fail makes the client's next read return err.
func (p *Pipe) Fail(err error) {
	p.errs <- err
}

// Hangup simulates a normal close from the peer.
func (p *Pipe) Hangup() {
	p.errs <- fmt.Errorf("%w: closed by peer", ErrClosed)
}

// Sent returns the messages written by the client.
func (p *Pipe) Sent() <-chan []byte {
	return p.out
}

// MemDialer hands out Pipes and remembers them per URL.
type MemDialer struct {
	mu      sync.Mutex
	pipes   map[string][]*Pipe
	refused map[string]error
}

// NewMemDialer creates an empty MemDialer.
func NewMemDialer() *MemDialer {
	return &MemDialer{
		pipes:   make(map[string][]*Pipe),
		refused: make(map[string]error),
	}
}

// Refuse makes every later Dial to url fail with err.
func (d *MemDialer) Refuse(url string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refused[url] = err
}

// Dial implements Dialer.
func (d *MemDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err, ok := d.refused[url]; ok {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	p := NewPipe(url)
	d.pipes[url] = append(d.pipes[url], p)
	return p, nil
}

// Last returns the most recent pipe dialed to url, or nil.
func (d *MemDialer) Last(url string) *Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()

	pipes := d.pipes[url]
	if len(pipes) == 0 {
		return nil
	}
	return pipes[len(pipes)-1]
}

// Count returns how many times url was dialed.
func (d *MemDialer) Count(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pipes[url])
}
