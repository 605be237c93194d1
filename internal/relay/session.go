package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"LanLink/internal/model"
)

// State is the client session's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Inbound is one decoded frame from a remote peer.
type Inbound struct {
	PeerID uint32
	Frame  *model.Frame
}

// SessionConfig holds the tunable parameters of a client session.
type SessionConfig struct {
	ServerAddr        string
	ClientName        string
	KeepaliveInterval time.Duration
	TimeoutMultiple   int
	MaxRetries        int
	InboundQueueSize  int
}

const (
	defaultKeepalive   = 10 * time.Second
	defaultTimeoutMult = 3
	defaultMaxRetries  = 5
	defaultInboundSize = 256
	handshakeTimeout   = 3 * time.Second
	readPollInterval   = 500 * time.Millisecond
	backoffBase        = time.Second
	backoffCap         = 30 * time.Second
)

// Session manages the client's relationship with the relay server: the
// handshake, the keepalive heartbeat, reconnection with bounded backoff,
// and the roster of remote peers. Exactly one Session exists per agent.
type Session struct {
	cfg      SessionConfig
	counters *model.Counters

	mu        sync.RWMutex
	state     State
	sessionID uint32
	conn      *net.UDPConn
	peers     map[uint32]*model.PeerEntry

	lastRecv atomic.Int64 // unix nanos of the last datagram from the server

	inbound   chan Inbound
	stateCh   chan State
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session in StateIdle. Run drives it.
func NewSession(cfg SessionConfig, counters *model.Counters) *Session {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepalive
	}
	if cfg.TimeoutMultiple <= 0 {
		cfg.TimeoutMultiple = defaultTimeoutMult
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InboundQueueSize <= 0 {
		cfg.InboundQueueSize = defaultInboundSize
	}
	if cfg.ClientName == "" {
		host, _ := os.Hostname()
		cfg.ClientName = host
	}
	return &Session{
		cfg:      cfg,
		counters: counters,
		state:    StateIdle,
		peers:    make(map[uint32]*model.PeerEntry),
		inbound:  make(chan Inbound, cfg.InboundQueueSize),
		stateCh:  make(chan State, 8),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionID returns the server-assigned identifier, zero before the first
// successful handshake.
func (s *Session) SessionID() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Inbound returns the stream of decoded peer frames. The channel is closed
// when Run returns.
func (s *Session) Inbound() <-chan Inbound { return s.inbound }

// StateChanges returns a notification channel of state transitions. Sends
// are non-blocking; a slow consumer misses intermediate states, never the
// stream itself.
func (s *Session) StateChanges() <-chan State { return s.stateCh }

// Peers returns a snapshot of the current roster. The MAC sets are copied
// so callers can iterate them while the receive loop keeps observing.
func (s *Session) Peers() []model.PeerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PeerEntry, 0, len(s.peers))
	for _, p := range s.peers {
		entry := *p
		entry.MACs = make(map[string]struct{}, len(p.MACs))
		for mac := range p.MACs {
			entry.MACs[mac] = struct{}{}
		}
		out = append(out, entry)
	}
	return out
}

// Send hands one tunnel-eligible frame to the transport, tagged with the
// session identifier. Fire-and-forget: the transport guarantees neither
// delivery nor ordering and no per-frame retry is attempted.
func (s *Session) Send(frame *model.Frame) error {
	s.mu.RLock()
	conn, state, sid := s.conn, s.state, s.sessionID
	s.mu.RUnlock()
	if state != StateConnected || conn == nil {
		return model.ErrNotConnected
	}
	buf, err := EncodeFrame(frame, sid)
	if err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("tunnel send: %w", err)
	}
	return nil
}

// Run drives the session until Close is called, the context is cancelled,
// or connecting fails fatally (retries exhausted or an explicit reject).
// After a keepalive starvation the session transitions to Disconnected and
// Run schedules a fresh Connecting attempt under the backoff policy.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.inbound)
	defer s.closeConn()

	for {
		if err := s.connect(ctx); err != nil {
			if s.State() != StateClosed {
				s.setState(StateClosed)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		s.readLoop(ctx)
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.done:
			s.shutdown()
			return nil
		default:
			// Disconnected; loop back into Connecting.
		}
	}
}

// Close terminates the session. A best-effort Bye tells the server not to
// wait for the idle timeout.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) shutdown() {
	s.mu.RLock()
	sid := s.sessionID
	s.mu.RUnlock()
	s.setState(StateClosed)
	log.Printf("Relay session closed (id %d)", sid)
}

// sendBye notifies the server of a clean departure so it need not wait for
// the idle timeout. Best effort: the datagram may be lost, and a session
// already Disconnected has nothing to say goodbye to.
func (s *Session) sendBye() {
	s.mu.RLock()
	conn, sid, state := s.conn, s.sessionID, s.state
	s.mu.RUnlock()
	if conn == nil || state != StateConnected {
		return
	}
	if buf, err := Encode(Bye{SessionID: sid}); err == nil {
		conn.Write(buf)
	}
}

// connect performs the handshake exchange with exponential backoff. It
// returns model.ErrRelayUnreachable once the bounded retry budget is spent
// and model.ErrRelayRejected (without retry) when the server declines.
func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)
	backoff := backoffBase

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return context.Canceled
		default:
		}

		err := s.attemptHandshake()
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrRelayRejected) {
			log.Printf("Relay handshake rejected: %v", err)
			return err
		}
		log.Printf("Relay handshake attempt %d/%d failed: %v", attempt, s.cfg.MaxRetries, err)
		if attempt >= s.cfg.MaxRetries {
			return fmt.Errorf("%w: %d handshake attempts to %s failed", model.ErrRelayUnreachable, attempt, s.cfg.ServerAddr)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return context.Canceled
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func (s *Session) attemptHandshake() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("resolve relay address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	hs, err := Encode(Handshake{ClientName: s.cfg.ClientName, Version: ProtoVersion})
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.Write(hs); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	buf := make([]byte, 65535)
	deadline := time.Now().Add(handshakeTimeout)
	for {
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if err != nil {
			conn.Close()
			return fmt.Errorf("await handshake ack: %w", err)
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			s.counters.MalformedMessages.Add(1)
			continue
		}
		switch m := msg.(type) {
		case HandshakeAck:
			s.mu.Lock()
			s.conn = conn
			s.sessionID = m.SessionID
			s.peers = make(map[uint32]*model.PeerEntry)
			for _, id := range m.Roster {
				s.peers[id] = model.NewPeerEntry(id)
			}
			s.mu.Unlock()
			s.lastRecv.Store(time.Now().UnixNano())
			s.setState(StateConnected)
			log.Printf("Relay session established: id %d, %d peers in room", m.SessionID, len(m.Roster))
			return nil
		case Reject:
			conn.Close()
			return fmt.Errorf("%w: %s", model.ErrRelayRejected, m.Reason)
		default:
			// Stray message from an earlier incarnation; keep waiting.
		}
	}
}

// readLoop consumes server datagrams until disconnect or shutdown. The
// keepalive heartbeat runs on its own timer so it fires even under heavy
// local traffic; it also enforces the liveness deadline.
func (s *Session) readLoop(ctx context.Context) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepaliveLoop(conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
		// Still Connected here means a clean exit (ctx or Close), not a
		// keepalive starvation; tell the server before tearing down.
		s.sendBye()
		s.closeConn()
	}()

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}
		if s.State() != StateConnected {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Closed by the keepalive watchdog or the OS.
			if s.State() == StateConnected {
				s.setState(StateDisconnected)
			}
			return
		}
		s.lastRecv.Store(time.Now().UnixNano())
		s.handleMessage(buf[:n])
	}
}

func (s *Session) handleMessage(datagram []byte) {
	msg, err := Decode(datagram)
	if err != nil {
		s.counters.MalformedMessages.Add(1)
		return
	}
	switch m := msg.(type) {
	case Keepalive:
		// Liveness only; lastRecv already updated.
	case PeerJoined:
		s.mu.Lock()
		if _, ok := s.peers[m.PeerID]; !ok {
			s.peers[m.PeerID] = model.NewPeerEntry(m.PeerID)
		}
		s.mu.Unlock()
		log.Printf("Peer %d joined the room", m.PeerID)
	case PeerLeft:
		s.mu.Lock()
		delete(s.peers, m.PeerID)
		s.mu.Unlock()
		log.Printf("Peer %d left the room", m.PeerID)
	case Data:
		s.handleData(m)
	default:
		// Handshake traffic outside the handshake phase; ignore.
	}
}

// handleData validates an inbound frame and queues it for the dispatcher.
// Frames from a peer not in the roster are dropped and logged: a PeerLeft
// must never be silently undone by a late in-flight frame.
func (s *Session) handleData(m Data) {
	frame, err := model.NewFrame(m.FrameData)
	if err != nil {
		s.counters.MalformedFrames.Add(1)
		return
	}

	s.mu.Lock()
	peer, known := s.peers[m.PeerID]
	if known {
		peer.ObserveMAC(frame.SrcMAC())
	}
	s.mu.Unlock()
	if !known {
		s.counters.UnknownPeerFrames.Add(1)
		log.Printf("Dropping frame from unknown peer %d", m.PeerID)
		return
	}

	select {
	case s.inbound <- Inbound{PeerID: m.PeerID, Frame: frame}:
	default:
		// Queue full: drop the newest frame so the queued ones keep
		// their order.
		s.counters.DroppedFrames.Add(1)
	}
}

// keepaliveLoop sends the heartbeat every interval and watches for
// starvation: no server traffic within TimeoutMultiple intervals drops the
// session to Disconnected and closes the socket to unblock the read loop.
func (s *Session) keepaliveLoop(conn *net.UDPConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	deadline := time.Duration(s.cfg.TimeoutMultiple) * s.cfg.KeepaliveInterval
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		idle := time.Since(time.Unix(0, s.lastRecv.Load()))
		if idle > deadline {
			log.Printf("Relay silent for %s (limit %s), reconnecting", idle.Round(time.Millisecond), deadline)
			s.setState(StateDisconnected)
			conn.Close()
			return
		}

		s.mu.RLock()
		sid := s.sessionID
		s.mu.RUnlock()
		if buf, err := Encode(Keepalive{SessionID: sid}); err == nil {
			if _, err := conn.Write(buf); err != nil && s.State() == StateConnected {
				log.Printf("Keepalive send failed: %v", err)
			}
		}
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	select {
	case s.stateCh <- next:
	default:
	}
}

func (s *Session) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
