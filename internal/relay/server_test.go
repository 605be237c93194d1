package relay

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"LanLink/internal/model"
)

// testClient is a bare UDP endpoint speaking the wire protocol directly.
type testClient struct {
	t    *testing.T
	conn *net.UDPConn
	id   uint32

	mu   sync.Mutex
	msgs []Message
}

func newTestClient(t *testing.T, serverAddr net.Addr) *testClient {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", serverAddr.String())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{t: t, conn: conn}
	go c.collect()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) collect() {
	buf := make([]byte, 65535)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
	}
}

func (c *testClient) send(msg Message) {
	c.t.Helper()
	buf, err := Encode(msg)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

// waitFor polls the received messages until pred finds a match.
func (c *testClient) waitFor(timeout time.Duration, pred func(Message) bool) (Message, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, m := range c.msgs {
			if pred(m) {
				c.mu.Unlock()
				return m, true
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil, false
}

func (c *testClient) join(t *testing.T, name string) {
	t.Helper()
	c.send(Handshake{ClientName: name, Version: ProtoVersion})
	msg, ok := c.waitFor(5*time.Second, func(m Message) bool {
		_, isAck := m.(HandshakeAck)
		return isAck
	})
	if !ok {
		t.Fatalf("client %q never got a handshake ack", name)
	}
	c.id = msg.(HandshakeAck).SessionID
}

type capturedEvents struct {
	mu     sync.Mutex
	events []Event
}

func (c *capturedEvents) Publish(evt Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *capturedEvents) byType(typ string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func startTestServer(t *testing.T, cfg ServerConfig, events EventSink) *Server {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	srv := NewServer(cfg, events, nil, &model.Counters{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never started listening")
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

// ethFrame builds a minimal Ethernet/IPv4 frame with the given inner
// addresses for fan-out tests.
func ethFrame(srcIP, dstIP net.IP) []byte {
	frame := make([]byte, 60)
	copy(frame[0:6], model.EthernetBroadcast)
	copy(frame[6:12], []byte{0xaa, 0xbb, 0xcc, 0, 0, 1})
	frame[12], frame[13] = 0x08, 0x00
	frame[14] = 0x45
	copy(frame[26:30], srcIP.To4())
	copy(frame[30:34], dstIP.To4())
	return frame
}

func TestServerHandshakeAndRoster(t *testing.T) {
	events := &capturedEvents{}
	srv := startTestServer(t, ServerConfig{}, events)

	a := newTestClient(t, srv.Addr())
	a.join(t, "alpha")
	b := newTestClient(t, srv.Addr())
	b.join(t, "beta")

	if a.id == b.id {
		t.Fatalf("both clients got session id %d", a.id)
	}

	// The earlier client learns about the later one.
	if _, ok := a.waitFor(5*time.Second, func(m Message) bool {
		pj, isJoin := m.(PeerJoined)
		return isJoin && pj.PeerID == b.id
	}); !ok {
		t.Error("first client never saw PeerJoined for the second")
	}

	info := srv.Info()
	if info.Online != 2 {
		t.Errorf("online = %d, want 2", info.Online)
	}
	if got := len(events.byType("session_open")); got != 2 {
		t.Errorf("session_open events = %d, want 2", got)
	}
}

func TestServerBroadcastFanOut(t *testing.T) {
	srv := startTestServer(t, ServerConfig{}, nil)

	a := newTestClient(t, srv.Addr())
	a.join(t, "alpha")
	b := newTestClient(t, srv.Addr())
	b.join(t, "beta")
	c := newTestClient(t, srv.Addr())
	c.join(t, "gamma")

	frame := ethFrame(net.IPv4(10, 13, 37, 2), net.IPv4(10, 13, 255, 255))
	a.send(Data{SessionID: a.id, FrameData: frame})

	for _, other := range []*testClient{b, c} {
		msg, ok := other.waitFor(5*time.Second, func(m Message) bool {
			_, isData := m.(Data)
			return isData
		})
		if !ok {
			t.Fatal("broadcast did not reach every other client")
		}
		data := msg.(Data)
		if data.PeerID != a.id {
			t.Errorf("relayed frame attributed to peer %d, want %d", data.PeerID, a.id)
		}
		if string(data.FrameData) != string(frame) {
			t.Error("relayed frame bytes differ from the original")
		}
	}

	// The sender must not receive its own broadcast back.
	if _, ok := a.waitFor(200*time.Millisecond, func(m Message) bool {
		_, isData := m.(Data)
		return isData
	}); ok {
		t.Error("sender received its own broadcast")
	}
}

func TestServerLearnedUnicast(t *testing.T) {
	srv := startTestServer(t, ServerConfig{}, nil)

	a := newTestClient(t, srv.Addr())
	a.join(t, "alpha")
	b := newTestClient(t, srv.Addr())
	b.join(t, "beta")
	c := newTestClient(t, srv.Addr())
	c.join(t, "gamma")

	ipA := net.IPv4(10, 13, 37, 2)
	ipB := net.IPv4(10, 13, 37, 3)

	// Teach the server B's inner address, then send A->B unicast.
	b.send(Data{SessionID: b.id, FrameData: ethFrame(ipB, net.IPv4(10, 13, 255, 255))})
	time.Sleep(50 * time.Millisecond)
	a.send(Data{SessionID: a.id, FrameData: ethFrame(ipA, ipB)})

	if _, ok := b.waitFor(5*time.Second, func(m Message) bool {
		d, isData := m.(Data)
		return isData && d.PeerID == a.id
	}); !ok {
		t.Fatal("unicast to a learned address never reached its owner")
	}
	// Bystander must not see the unicast.
	if _, ok := c.waitFor(200*time.Millisecond, func(m Message) bool {
		d, isData := m.(Data)
		return isData && d.PeerID == a.id
	}); ok {
		t.Error("unicast leaked to a third session")
	}
}

func TestServerRejectsWhenFull(t *testing.T) {
	srv := startTestServer(t, ServerConfig{MaxSessions: 1}, nil)

	a := newTestClient(t, srv.Addr())
	a.join(t, "alpha")

	b := newTestClient(t, srv.Addr())
	b.send(Handshake{ClientName: "beta", Version: ProtoVersion})
	msg, ok := b.waitFor(5*time.Second, func(m Message) bool {
		_, isReject := m.(Reject)
		return isReject
	})
	if !ok {
		t.Fatal("over-capacity handshake was not rejected")
	}
	if reason := msg.(Reject).Reason; reason != "room full" {
		t.Errorf("reject reason = %q, want \"room full\"", reason)
	}
}

func TestServerRejectsVersionMismatch(t *testing.T) {
	srv := startTestServer(t, ServerConfig{}, nil)
	c := newTestClient(t, srv.Addr())
	c.send(Handshake{ClientName: "old", Version: ProtoVersion + 1})
	if _, ok := c.waitFor(5*time.Second, func(m Message) bool {
		_, isReject := m.(Reject)
		return isReject
	}); !ok {
		t.Error("incompatible protocol version was not rejected")
	}
}

func TestServerByeAndIdleExpiry(t *testing.T) {
	events := &capturedEvents{}
	srv := startTestServer(t, ServerConfig{IdleTimeout: 200 * time.Millisecond}, events)

	a := newTestClient(t, srv.Addr())
	a.join(t, "alpha")
	b := newTestClient(t, srv.Addr())
	b.join(t, "beta")

	// Explicit goodbye notifies the survivor immediately.
	b.send(Bye{SessionID: b.id})
	if _, ok := a.waitFor(5*time.Second, func(m Message) bool {
		pl, isLeft := m.(PeerLeft)
		return isLeft && pl.PeerID == b.id
	}); !ok {
		t.Fatal("survivor never saw PeerLeft after Bye")
	}

	// The remaining client goes quiet and must be expired; nothing keeps
	// its session alive.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && srv.Info().Online > 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if online := srv.Info().Online; online != 0 {
		t.Fatalf("online = %d after idle timeout, want 0", online)
	}
	if got := len(events.byType("session_expire")); got != 1 {
		t.Errorf("session_expire events = %d, want 1", got)
	}
}

func TestInnerIPv4RequiresPlainHeader(t *testing.T) {
	srcIP := net.IPv4(10, 13, 37, 2)
	plain := ethFrame(srcIP, net.IPv4(10, 13, 37, 3))

	withOptions := ethFrame(srcIP, net.IPv4(10, 13, 37, 3))
	withOptions[14] = 0x46 // IHL 6: the fixed offsets no longer hold

	notIPv4 := ethFrame(srcIP, net.IPv4(10, 13, 37, 3))
	notIPv4[12], notIPv4[13] = 0x08, 0x06

	cases := []struct {
		name   string
		frame  []byte
		wantOK bool
	}{
		{"plain header", plain, true},
		{"header with options", withOptions, false},
		{"non-ipv4 ethertype", notIPv4, false},
		{"truncated", plain[:20], false},
	}
	for _, tc := range cases {
		ip, ok := innerIPv4(tc.frame, 26)
		if ok != tc.wantOK {
			t.Errorf("%s: ok = %v, want %v", tc.name, ok, tc.wantOK)
			continue
		}
		if tc.wantOK && ip != binary.BigEndian.Uint32(srcIP.To4()) {
			t.Errorf("%s: extracted %08x, want the inner source", tc.name, ip)
		}
	}
}
