package dispatch

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"LanLink/internal/capture"
	"LanLink/internal/lan"
	"LanLink/internal/model"
	"LanLink/internal/relay"
)

// fakeTunnel stands in for the relay session so dispatcher behavior can be
// tested without a network.
type fakeTunnel struct {
	mu      sync.Mutex
	sent    []*model.Frame
	sendErr error
	state   relay.State

	inbound chan relay.Inbound
	states  chan relay.State
}

func newFakeTunnel(state relay.State) *fakeTunnel {
	return &fakeTunnel{
		state:   state,
		inbound: make(chan relay.Inbound, 8),
		states:  make(chan relay.State, 8),
	}
}

func (f *fakeTunnel) Send(frame *model.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTunnel) Inbound() <-chan relay.Inbound    { return f.inbound }
func (f *fakeTunnel) StateChanges() <-chan relay.State { return f.states }
func (f *fakeTunnel) Close()                           {}
func (f *fakeTunnel) State() relay.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTunnel) setState(s relay.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.states <- s
}

func (f *fakeTunnel) sentFrames() []*model.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func startDispatcher(t *testing.T, tun *fakeTunnel) (*capture.ChanPort, *model.Counters, chan error, context.CancelFunc) {
	t.Helper()
	hosts, err := lan.NewHostTable(net.IPv4(10, 13, 37, 1), net.CIDRMask(16, 32))
	if err != nil {
		t.Fatalf("NewHostTable failed: %v", err)
	}
	counters := &model.Counters{}
	resp := lan.NewResponder(hosts, time.Hour, counters)
	port := capture.NewChanPort(64)

	d := New(Config{}, port, resp, tun, nil, counters)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()
	t.Cleanup(cancel)
	return port, counters, runErr, cancel
}

func testMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("bad MAC %q: %v", s, err)
	}
	return mac
}

// broadcastFrame builds a broadcast frame with an opaque payload, the kind a
// console discovery scan puts on the wire.
func broadcastFrame(t *testing.T, src net.HardwareAddr) *model.Frame {
	t.Helper()
	raw := make([]byte, 60)
	copy(raw[0:6], model.EthernetBroadcast)
	copy(raw[6:12], src)
	raw[12], raw[13] = 0x08, 0x00
	raw[14] = 0xde
	frame, err := model.NewFrame(raw)
	if err != nil {
		t.Fatalf("building broadcast frame: %v", err)
	}
	return frame
}

func gatewayARPRequest(t *testing.T, src net.HardwareAddr, srcIP net.IP) *model.Frame {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       model.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   src,
		SourceProtAddress: srcIP.To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    net.IPv4(10, 13, 37, 1).To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		t.Fatalf("serializing ARP request: %v", err)
	}
	frame, err := model.NewFrame(buf.Bytes())
	if err != nil {
		t.Fatalf("building ARP frame: %v", err)
	}
	return frame
}

func waitFrame(t *testing.T, ch <-chan *model.Frame) *model.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestForwardsBroadcastWhenConnected(t *testing.T) {
	tun := newFakeTunnel(relay.StateConnected)
	port, _, _, _ := startDispatcher(t, tun)

	src := testMAC(t, "aa:bb:cc:00:00:01")
	frame := broadcastFrame(t, src)
	if !port.Inject(frame) {
		t.Fatal("inject failed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(tun.sentFrames()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sent := tun.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("tunnel received %d frames, want 1", len(sent))
	}
	if !bytes.Equal(sent[0].Bytes(), frame.Bytes()) {
		t.Fatal("forwarded frame does not match the captured bytes")
	}
}

func TestAnswersARPWithoutRelay(t *testing.T) {
	tun := newFakeTunnel(relay.StateDisconnected)
	port, counters, _, _ := startDispatcher(t, tun)

	src := testMAC(t, "aa:bb:cc:00:00:02")
	// The broadcast has nowhere to go without the relay; the ARP query must
	// still be answered locally.
	if !port.Inject(broadcastFrame(t, src)) {
		t.Fatal("inject failed")
	}
	if !port.Inject(gatewayARPRequest(t, src, net.IPv4(10, 13, 37, 50))) {
		t.Fatal("inject failed")
	}

	reply := waitFrame(t, port.Sent)
	if reply.EtherType() != 0x0806 {
		t.Fatalf("reply EtherType = %#04x, want ARP", reply.EtherType())
	}
	if !bytes.Equal(reply.SrcMAC(), lan.GatewayMAC) {
		t.Fatalf("reply source MAC = %s, want gateway", reply.SrcMAC())
	}
	if !bytes.Equal(reply.DstMAC(), src) {
		t.Fatalf("reply destination MAC = %s, want %s", reply.DstMAC(), src)
	}

	// The reply arriving proves the earlier broadcast was already handled.
	if got := len(tun.sentFrames()); got != 0 {
		t.Fatalf("tunnel received %d frames while disconnected, want 0", got)
	}
	if counters.DroppedFrames.Load() == 0 {
		t.Fatal("undeliverable broadcast was not counted as dropped")
	}
}

func TestInboundFrameReachesAdapter(t *testing.T) {
	tun := newFakeTunnel(relay.StateConnected)
	port, _, _, _ := startDispatcher(t, tun)

	frame := broadcastFrame(t, testMAC(t, "aa:bb:cc:00:00:03"))
	tun.inbound <- relay.Inbound{PeerID: 9, Frame: frame}

	got := waitFrame(t, port.Sent)
	if !bytes.Equal(got.Bytes(), frame.Bytes()) {
		t.Fatal("injected frame does not match the peer frame")
	}
}

func TestForwardingHaltsOnDisconnect(t *testing.T) {
	tun := newFakeTunnel(relay.StateConnected)
	port, counters, _, _ := startDispatcher(t, tun)

	src := testMAC(t, "aa:bb:cc:00:00:04")
	if !port.Inject(broadcastFrame(t, src)) {
		t.Fatal("inject failed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(tun.sentFrames()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(tun.sentFrames()) != 1 {
		t.Fatal("frame was not forwarded while connected")
	}

	tun.setState(relay.StateDisconnected)
	deadline = time.Now().Add(2 * time.Second)
	for len(tun.states) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(tun.states) > 0 {
		t.Fatal("state change was never consumed")
	}

	if !port.Inject(broadcastFrame(t, src)) {
		t.Fatal("inject failed")
	}
	if !port.Inject(gatewayARPRequest(t, src, net.IPv4(10, 13, 37, 60))) {
		t.Fatal("inject failed")
	}
	waitFrame(t, port.Sent)

	if got := len(tun.sentFrames()); got != 1 {
		t.Fatalf("tunnel received %d frames after disconnect, want 1", got)
	}
	if counters.DroppedFrames.Load() == 0 {
		t.Fatal("halted forward was not counted as dropped")
	}
}

func TestTransmitQueueDropsNewestOnOverflow(t *testing.T) {
	hosts, err := lan.NewHostTable(net.IPv4(10, 13, 37, 1), net.CIDRMask(16, 32))
	if err != nil {
		t.Fatalf("NewHostTable failed: %v", err)
	}
	counters := &model.Counters{}
	resp := lan.NewResponder(hosts, time.Hour, counters)
	port := capture.NewChanPort(8)
	d := New(Config{TransmitQueueSize: 2}, port, resp, newFakeTunnel(relay.StateConnected), nil, counters)

	first := broadcastFrame(t, testMAC(t, "aa:bb:cc:00:00:05"))
	second := broadcastFrame(t, testMAC(t, "aa:bb:cc:00:00:06"))
	third := broadcastFrame(t, testMAC(t, "aa:bb:cc:00:00:07"))
	d.enqueueTransmit(first)
	d.enqueueTransmit(second)
	d.enqueueTransmit(third)

	if got := counters.DroppedFrames.Load(); got != 1 {
		t.Fatalf("DroppedFrames = %d, want 1", got)
	}
	if got := <-d.transmitQ; !bytes.Equal(got.Bytes(), first.Bytes()) {
		t.Fatal("first queued frame was not preserved in order")
	}
	if got := <-d.transmitQ; !bytes.Equal(got.Bytes(), second.Bytes()) {
		t.Fatal("second queued frame was not preserved in order")
	}
}

func TestRunReturnsOnAdapterClose(t *testing.T) {
	tun := newFakeTunnel(relay.StateConnected)
	port, _, runErr, _ := startDispatcher(t, tun)

	port.Close()
	select {
	case err := <-runErr:
		if !errors.Is(err, model.ErrAdapterClosed) {
			t.Fatalf("Run returned %v, want adapter-closed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the adapter closed")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tun := newFakeTunnel(relay.StateConnected)
	_, _, runErr, cancel := startDispatcher(t, tun)

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v on cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
