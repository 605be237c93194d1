package capture

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"

	"LanLink/internal/model"
)

const (
	snapshotLen int32 = 1600
	promiscuous       = true
	// readTimeout bounds each pcap read so Close can unblock a pending
	// Receive within one poll interval even if the adapter goes quiet.
	readTimeout = 200 * time.Millisecond
)

// PcapPort is the live-adapter implementation of Port on top of libpcap.
type PcapPort struct {
	handle *pcap.Handle

	mu     sync.Mutex
	closed bool
}

// OpenPcapPort opens the named interface for promiscuous capture. The BPF
// filter excludes the agent's own tunnel flow to the relay so re-reading
// our own UDP datagrams cannot loop frames back into the tunnel.
func OpenPcapPort(iface, relayFilter string) (*PcapPort, error) {
	handle, err := pcap.OpenLive(iface, snapshotLen, promiscuous, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", iface, err)
	}
	if relayFilter != "" {
		if err := handle.SetBPFFilter(relayFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set capture filter %q: %w", relayFilter, err)
		}
	}
	log.Printf("Capture opened on %s (snaplen %d, promiscuous)", iface, snapshotLen)
	return &PcapPort{handle: handle}, nil
}

// Receive returns the next captured frame. Capture timeouts are retried
// internally; a closed port surfaces model.ErrAdapterClosed. Frames that
// fail basic validation (runt or oversize) are skipped and counted by the
// caller via the returned error.
func (p *PcapPort) Receive() (*model.Frame, error) {
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, model.ErrAdapterClosed
		}

		data, _, err := p.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil, model.ErrAdapterClosed
			}
			return nil, fmt.Errorf("adapter read: %w", err)
		}
		frame, err := model.NewFrame(data)
		if err != nil {
			return nil, err
		}
		return frame, nil
	}
}

// Transmit injects the frame onto the adapter.
func (p *PcapPort) Transmit(f *model.Frame) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return model.ErrAdapterClosed
	}
	if err := p.handle.WritePacketData(f.Bytes()); err != nil {
		return fmt.Errorf("adapter write: %w", err)
	}
	return nil
}

// Close releases the adapter. Any Receive blocked in a poll returns
// model.ErrAdapterClosed within one read timeout.
func (p *PcapPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.handle.Close()
	return nil
}
