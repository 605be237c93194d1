package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"LanLink/internal/model"
)

// Event is a session lifecycle notification emitted by the server for
// external monitoring.
type Event struct {
	Type      string    `json:"type"` // session_open, session_expire, peer_joined, peer_left
	SessionID uint32    `json:"session_id"`
	Name      string    `json:"name,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	Time      time.Time `json:"time"`
}

// EventSink receives server events. Implementations must not block.
type EventSink interface {
	Publish(Event)
}

// TrafficRecorder accumulates per-session relay traffic for the stats sink.
type TrafficRecorder interface {
	Record(sessionID uint32, frameBytes int, broadcast bool)
}

// ServerConfig holds the relay server parameters.
type ServerConfig struct {
	ListenAddr  string
	MaxSessions int
	IdleTimeout time.Duration
}

// ServerInfo is the summary served by the admin API.
type ServerInfo struct {
	Online int    `json:"online"`
	Idle   int    `json:"idle"`
	Uptime string `json:"uptime"`
}

// PeerInfo describes one connected session for the admin API.
type PeerInfo struct {
	SessionID  uint32    `json:"session_id"`
	Name       string    `json:"name"`
	Addr       string    `json:"addr"`
	LastActive time.Time `json:"last_active"`
	FramesIn   uint64    `json:"frames_in"`
	BytesIn    uint64    `json:"bytes_in"`
}

const (
	defaultMaxSessions = 64
	defaultIdleTimeout = 30 * time.Second
	serverPollInterval = 500 * time.Millisecond
	// idleDataAge marks a session idle (but alive) when it has sent no
	// data frames for this long; keepalives alone keep it registered.
	idleDataAge = 30 * time.Second
)

type serverSession struct {
	id         uint32
	name       string
	addr       *net.UDPAddr
	lastActive time.Time // any datagram
	lastData   time.Time // data frames only
	framesIn   uint64
	bytesIn    uint64
}

// Server is the relay rendezvous point: it registers client sessions over
// UDP, learns which virtual IP belongs to which session from tunneled
// frames, and fans broadcast traffic out to every other participant.
type Server struct {
	cfg      ServerConfig
	events   EventSink
	stats    TrafficRecorder
	counters *model.Counters

	conn    *net.UDPConn
	started time.Time
	ready   chan struct{}

	mu       sync.RWMutex
	sessions map[string]*serverSession // keyed by remote address
	byID     map[uint32]*serverSession
	ipOwner  map[uint32]uint32 // virtual IPv4 -> session id
	nextID   uint32
}

// NewServer creates a relay server. events and stats may be nil when the
// corresponding sinks are not configured.
func NewServer(cfg ServerConfig, events EventSink, stats TrafficRecorder, counters *model.Counters) *Server {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Server{
		cfg:      cfg,
		events:   events,
		stats:    stats,
		counters: counters,
		sessions: make(map[string]*serverSession),
		byID:     make(map[uint32]*serverSession),
		ipOwner:  make(map[uint32]uint32),
		ready:    make(chan struct{}),
	}
}

// Run listens for client datagrams until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.conn = conn
	s.started = time.Now()
	close(s.ready)
	defer conn.Close()
	log.Printf("Relay listening on %s (max %d sessions, idle timeout %s)",
		conn.LocalAddr(), s.cfg.MaxSessions, s.cfg.IdleTimeout)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.janitor(ctx)
	}()
	defer wg.Wait()

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(serverPollInterval))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("relay read: %w", err)
		}
		s.handleDatagram(buf[:n], from)
	}
}

// Ready is closed once the UDP listener is bound; Addr is valid after it.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address, nil before Ready.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.conn.LocalAddr()
	default:
		return nil
	}
}

// Info returns the admin summary.
func (s *Server) Info() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idle := 0
	cutoff := time.Now().Add(-idleDataAge)
	for _, sess := range s.sessions {
		if sess.lastData.Before(cutoff) {
			idle++
		}
	}
	return ServerInfo{
		Online: len(s.sessions),
		Idle:   idle,
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
}

// PeerList returns the current roster for the admin API.
func (s *Server) PeerList() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, PeerInfo{
			SessionID:  sess.id,
			Name:       sess.name,
			Addr:       sess.addr.String(),
			LastActive: sess.lastActive,
			FramesIn:   sess.framesIn,
			BytesIn:    sess.bytesIn,
		})
	}
	return out
}

func (s *Server) handleDatagram(datagram []byte, from *net.UDPAddr) {
	msg, err := Decode(datagram)
	if err != nil {
		s.counters.MalformedMessages.Add(1)
		return
	}
	switch m := msg.(type) {
	case Handshake:
		s.handleHandshake(m, from)
	case Keepalive:
		s.handleKeepalive(from)
	case Data:
		s.handleData(m, from)
	case Bye:
		s.removeSession(from.String(), "peer_left")
	default:
		// Server-to-client message types arriving here are bogus.
		s.counters.MalformedMessages.Add(1)
	}
}

func (s *Server) handleHandshake(m Handshake, from *net.UDPAddr) {
	if m.Version != ProtoVersion {
		s.reply(from, Reject{Reason: fmt.Sprintf("incompatible protocol version %d", m.Version)})
		return
	}

	s.mu.Lock()
	key := from.String()
	if sess, ok := s.sessions[key]; ok {
		// Retransmitted handshake; repeat the ack with the same identity.
		roster := s.rosterLocked(sess.id)
		s.mu.Unlock()
		s.reply(from, HandshakeAck{SessionID: sess.id, Roster: roster})
		return
	}
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		s.reply(from, Reject{Reason: "room full"})
		return
	}
	s.nextID++
	sess := &serverSession{
		id:         s.nextID,
		name:       m.ClientName,
		addr:       from,
		lastActive: time.Now(),
		lastData:   time.Now(),
	}
	s.sessions[key] = sess
	s.byID[sess.id] = sess
	roster := s.rosterLocked(sess.id)
	others := s.addrsLocked(sess.id)
	s.mu.Unlock()

	s.reply(from, HandshakeAck{SessionID: sess.id, Roster: roster})
	s.fanOut(PeerJoined{PeerID: sess.id}, others)
	s.emit(Event{Type: "session_open", SessionID: sess.id, Name: sess.name, Addr: key, Time: time.Now()})
	log.Printf("Session %d opened for %q at %s (%d online)", sess.id, sess.name, key, len(roster)+1)
}

func (s *Server) handleKeepalive(from *net.UDPAddr) {
	s.mu.Lock()
	sess, ok := s.sessions[from.String()]
	if ok {
		sess.lastActive = time.Now()
	}
	var sid uint32
	if ok {
		sid = sess.id
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	// Echo so the client's liveness clock sees server traffic.
	s.reply(from, Keepalive{SessionID: sid})
}

// handleData relays one tunneled frame. A frame whose inner destination IP
// is already mapped to a session goes only there; everything else fans out
// to every session except the sender, exactly like a broadcast segment.
func (s *Server) handleData(m Data, from *net.UDPAddr) {
	s.mu.Lock()
	sess, ok := s.sessions[from.String()]
	if !ok {
		s.mu.Unlock()
		// Data before handshake; the client will retry its handshake.
		return
	}
	now := time.Now()
	sess.lastActive = now
	sess.lastData = now
	sess.framesIn++
	sess.bytesIn += uint64(len(m.FrameData))

	if srcIP, ok := innerIPv4(m.FrameData, 26); ok {
		s.ipOwner[srcIP] = sess.id
	}

	var targets []*net.UDPAddr
	broadcast := true
	if dstIP, ok := innerIPv4(m.FrameData, 30); ok {
		if ownerID, ok := s.ipOwner[dstIP]; ok && ownerID != sess.id {
			if owner, ok := s.byID[ownerID]; ok {
				targets = []*net.UDPAddr{owner.addr}
				broadcast = false
			}
		}
	}
	if broadcast {
		targets = s.addrsLocked(sess.id)
	}
	senderID := sess.id
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.Record(senderID, len(m.FrameData), broadcast)
	}
	s.fanOut(Data{SessionID: senderID, PeerID: senderID, FrameData: m.FrameData}, targets)
}

// janitor expires sessions that stopped talking entirely; survivors learn
// about it through PeerLeft.
func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-s.cfg.IdleTimeout)
		s.mu.RLock()
		var stale []string
		for key, sess := range s.sessions {
			if sess.lastActive.Before(cutoff) {
				stale = append(stale, key)
			}
		}
		s.mu.RUnlock()
		for _, key := range stale {
			s.removeSession(key, "session_expire")
		}
	}
}

func (s *Server) removeSession(key, reason string) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, key)
	delete(s.byID, sess.id)
	for ip, owner := range s.ipOwner {
		if owner == sess.id {
			delete(s.ipOwner, ip)
		}
	}
	others := s.addrsLocked(sess.id)
	s.mu.Unlock()

	s.fanOut(PeerLeft{PeerID: sess.id}, others)
	s.emit(Event{Type: reason, SessionID: sess.id, Name: sess.name, Addr: key, Time: time.Now()})
	log.Printf("Session %d (%q) removed: %s", sess.id, sess.name, reason)
}

// rosterLocked returns every session id except self. Callers hold mu.
func (s *Server) rosterLocked(self uint32) []uint32 {
	roster := make([]uint32, 0, len(s.byID))
	for id := range s.byID {
		if id != self {
			roster = append(roster, id)
		}
	}
	return roster
}

// addrsLocked returns every session address except self's. Callers hold mu.
func (s *Server) addrsLocked(self uint32) []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, 0, len(s.byID))
	for id, sess := range s.byID {
		if id != self {
			addrs = append(addrs, sess.addr)
		}
	}
	return addrs
}

func (s *Server) reply(to *net.UDPAddr, msg Message) {
	buf, err := Encode(msg)
	if err != nil {
		log.Printf("Failed to encode %T reply: %v", msg, err)
		return
	}
	if _, err := s.conn.WriteToUDP(buf, to); err != nil {
		log.Printf("Failed to send %T to %s: %v", msg, to, err)
	}
}

func (s *Server) fanOut(msg Message, targets []*net.UDPAddr) {
	if len(targets) == 0 {
		return
	}
	buf, err := Encode(msg)
	if err != nil {
		log.Printf("Failed to encode %T fan-out: %v", msg, err)
		return
	}
	for _, addr := range targets {
		if _, err := s.conn.WriteToUDP(buf, addr); err != nil {
			log.Printf("Failed to relay %T to %s: %v", msg, addr, err)
		}
	}
}

func (s *Server) emit(evt Event) {
	if s.events != nil {
		s.events.Publish(evt)
	}
}

// innerIPv4 pulls a 4-byte address out of an Ethernet/IPv4 frame at the
// given offset (26 for source, 30 for destination). The offsets only hold
// for an option-less header (IHL 5); anything else, like non-IPv4 frames,
// reports false and fans out as broadcast rather than polluting the
// learned ownership map.
func innerIPv4(frame []byte, offset int) (uint32, bool) {
	if len(frame) < offset+4 || len(frame) < 34 {
		return 0, false
	}
	if frame[12] != 0x08 || frame[13] != 0x00 {
		return 0, false
	}
	if frame[14] != 0x45 {
		return 0, false
	}
	return binary.BigEndian.Uint32(frame[offset : offset+4]), true
}
