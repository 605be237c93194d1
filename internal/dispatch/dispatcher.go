// Package dispatch drives the two traffic directions of the agent: frames
// captured from the adapter flow through the LAN responder toward the
// tunnel, and frames arriving from the relay are injected back onto the
// adapter. Neither direction may starve the other.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"LanLink/internal/capture"
	"LanLink/internal/lan"
	"LanLink/internal/model"
	"LanLink/internal/relay"
)

// Tunnel is the dispatcher's view of the relay session.
type Tunnel interface {
	Send(*model.Frame) error
	Inbound() <-chan relay.Inbound
	StateChanges() <-chan relay.State
	State() relay.State
	Close()
}

// TraceSink optionally records frames crossing the tunnel boundary.
type TraceSink interface {
	Record(*model.Frame)
}

// Config sizes the dispatcher's internal queues. Both queues are bounded;
// overflow drops the newest frame so already-queued frames keep their
// per-source order.
type Config struct {
	CaptureQueueSize  int
	TransmitQueueSize int
}

const (
	defaultCaptureQueue  = 256
	defaultTransmitQueue = 64
)

// Dispatcher owns the capture/responder/tunnel wiring and the shared host
// table reference. One Run call services both directions until shutdown.
type Dispatcher struct {
	port     capture.Port
	resp     *lan.Responder
	tunnel   Tunnel
	trace    TraceSink
	counters *model.Counters

	captureQ   chan *model.Frame
	transmitQ  chan *model.Frame
	forwarding bool
}

// New creates a dispatcher. trace may be nil.
func New(cfg Config, port capture.Port, resp *lan.Responder, tunnel Tunnel, trace TraceSink, counters *model.Counters) *Dispatcher {
	if cfg.CaptureQueueSize <= 0 {
		cfg.CaptureQueueSize = defaultCaptureQueue
	}
	if cfg.TransmitQueueSize <= 0 {
		cfg.TransmitQueueSize = defaultTransmitQueue
	}
	return &Dispatcher{
		port:      port,
		resp:      resp,
		tunnel:    tunnel,
		trace:     trace,
		counters:  counters,
		captureQ:  make(chan *model.Frame, cfg.CaptureQueueSize),
		transmitQ: make(chan *model.Frame, cfg.TransmitQueueSize),
	}
}

// Run services both directions until the context is cancelled or the
// adapter fails fatally. On return the tunnel is closed (best-effort Bye)
// and the port released.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.forwarding = d.tunnel.State() == relay.StateConnected

	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readErr <- d.captureLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.transmitLoop(ctx)
	}()

	defer func() {
		d.tunnel.Close()
		d.port.Close()
		close(d.transmitQ) // main loop is done; unblocks the injector
		wg.Wait()
	}()

	// Main loop: one unit of work per wakeup, chosen uniformly among the
	// ready sources, so a burst on either side cannot monopolize the loop.
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil && !errors.Is(err, model.ErrAdapterClosed) {
				return fmt.Errorf("adapter failure: %w", err)
			}
			return err
		case frame, ok := <-d.captureQ:
			if !ok {
				return nil
			}
			d.handleLocal(frame)
		case in, ok := <-d.tunnel.Inbound():
			if !ok {
				return nil
			}
			d.handleInbound(in)
		case state := <-d.tunnel.StateChanges():
			d.handleState(state)
		}
	}
}

// captureLoop pulls frames off the adapter into the bounded capture queue.
// Per-frame validation errors are counted and skipped; only adapter-level
// failures end the loop.
func (d *Dispatcher) captureLoop(ctx context.Context) error {
	defer close(d.captureQ)
	for {
		frame, err := d.port.Receive()
		if err != nil {
			if errors.Is(err, model.ErrMalformedFrame) {
				d.counters.MalformedFrames.Add(1)
				continue
			}
			return err
		}
		select {
		case d.captureQ <- frame:
		case <-ctx.Done():
			return nil
		default:
			d.counters.DroppedFrames.Add(1)
		}
	}
}

// transmitLoop feeds the adapter from the bounded transmit queue so a slow
// adapter back-pressures into frame drops instead of unbounded buffering.
func (d *Dispatcher) transmitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-d.transmitQ:
			if !ok {
				return
			}
			if err := d.port.Transmit(frame); err != nil {
				if errors.Is(err, model.ErrAdapterClosed) {
					return
				}
				d.counters.DroppedFrames.Add(1)
				log.Printf("Inject failed, frame dropped: %v", err)
			}
		}
	}
}

// handleLocal runs one captured frame through the responder and acts on
// the verdict.
func (d *Dispatcher) handleLocal(frame *model.Frame) {
	verdict, reply, err := d.resp.Classify(frame)
	if err != nil {
		// Malformed frames are counted by the responder; nothing to do.
		return
	}
	switch verdict {
	case lan.VerdictLocalReply:
		d.enqueueTransmit(reply)
	case lan.VerdictForward:
		if !d.forwarding {
			d.counters.DroppedFrames.Add(1)
			return
		}
		if d.trace != nil {
			d.trace.Record(frame)
		}
		if err := d.tunnel.Send(frame); err != nil {
			if !errors.Is(err, model.ErrNotConnected) {
				log.Printf("Tunnel send failed: %v", err)
			}
			d.counters.DroppedFrames.Add(1)
		}
	case lan.VerdictDrop:
		// Already counted where relevant.
	}
}

// handleInbound injects one peer frame onto the local segment.
func (d *Dispatcher) handleInbound(in relay.Inbound) {
	if d.trace != nil {
		d.trace.Record(in.Frame)
	}
	d.enqueueTransmit(in.Frame)
}

// handleState reacts to session transitions: forwarding halts the moment
// the relay is gone and resumes on reconnect. Local LAN emulation (ARP,
// DHCP) keeps answering throughout.
func (d *Dispatcher) handleState(state relay.State) {
	switch state {
	case relay.StateConnected:
		if !d.forwarding {
			log.Printf("Relay connected, tunnel forwarding enabled")
		}
		d.forwarding = true
	case relay.StateDisconnected, relay.StateConnecting, relay.StateClosed:
		if d.forwarding {
			log.Printf("Relay %s, tunnel forwarding halted (LAN emulation continues)", state)
		}
		d.forwarding = false
	}
}

func (d *Dispatcher) enqueueTransmit(frame *model.Frame) {
	select {
	case d.transmitQ <- frame:
	default:
		// Queue full: drop the newest to preserve the order of what is
		// already queued.
		d.counters.DroppedFrames.Add(1)
	}
}
