// Package capture abstracts raw frame capture and injection behind a small
// port interface so the dispatcher and its tests never touch pcap directly.
package capture

import (
	"sync"

	"LanLink/internal/model"
)

// Port is the frame I/O boundary of the agent. Receive blocks until a frame
// is available and returns model.ErrAdapterClosed once the port is closed.
type Port interface {
	Receive() (*model.Frame, error)
	Transmit(*model.Frame) error
	Close() error
}

// ChanPort is an in-memory Port backed by channels, used in tests and by
// the offline replay tool. Frames pushed with Inject appear on Receive;
// frames passed to Transmit are collected on the Sent channel.
type ChanPort struct {
	in   chan *model.Frame
	Sent chan *model.Frame

	mu       sync.Mutex
	closed   bool
	txErr    error
	closeOne sync.Once
}

// NewChanPort creates a ChanPort with the given queue capacity per side.
func NewChanPort(capacity int) *ChanPort {
	if capacity <= 0 {
		capacity = 64
	}
	return &ChanPort{
		in:   make(chan *model.Frame, capacity),
		Sent: make(chan *model.Frame, capacity),
	}
}

// Inject queues a frame for the next Receive call. It reports false when
// the port is closed or the queue is full.
func (p *ChanPort) Inject(f *model.Frame) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()
	select {
	case p.in <- f:
		return true
	default:
		return false
	}
}

// Receive returns the next injected frame, blocking until one arrives or
// the port is closed.
func (p *ChanPort) Receive() (*model.Frame, error) {
	f, ok := <-p.in
	if !ok {
		return nil, model.ErrAdapterClosed
	}
	return f, nil
}

// Transmit records the frame on the Sent channel. A configured error (see
// FailTransmit) is returned instead, and a full Sent channel reports the
// port as unable to accept the frame.
func (p *ChanPort) Transmit(f *model.Frame) error {
	p.mu.Lock()
	err := p.txErr
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return model.ErrAdapterClosed
	}
	if err != nil {
		return err
	}
	select {
	case p.Sent <- f:
		return nil
	default:
		return model.ErrAdapterClosed
	}
}

// FailTransmit makes every subsequent Transmit return err. Passing nil
// restores normal behavior.
func (p *ChanPort) FailTransmit(err error) {
	p.mu.Lock()
	p.txErr = err
	p.mu.Unlock()
}

// Close unblocks any pending Receive.
func (p *ChanPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.closeOne.Do(func() { close(p.in) })
	return nil
}
