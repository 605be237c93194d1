// Package lan implements the virtual LAN emulation layer: a host table
// assigning virtual IPs to locally observed consoles, and a responder that
// answers ARP and DHCP locally so a console believes it joined a real LAN.
package lan

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"LanLink/internal/model"
)

// HostTable maps link addresses to VirtualHost entries. The mapping is a
// bijection at any instant: one MAC owns exactly one virtual IP and no IP
// is handed to two MACs. Writes are serialized behind one mutex; both
// traffic directions may read concurrently.
type HostTable struct {
	mu    sync.RWMutex
	hosts map[string]*model.VirtualHost
	byIP  map[uint32]string // v4 address -> hosts key

	network   uint32
	hostSpan  uint32
	gatewayV4 uint32
	gatewayIP net.IP
	mask      net.IPMask
}

// NewHostTable creates a table allocating from the subnet defined by the
// gateway address and mask. The network, broadcast and gateway addresses
// are never handed out.
func NewHostTable(gatewayIP net.IP, mask net.IPMask) (*HostTable, error) {
	gw4 := gatewayIP.To4()
	if gw4 == nil {
		return nil, fmt.Errorf("gateway %s is not an IPv4 address", gatewayIP)
	}
	ones, bits := mask.Size()
	if bits != 32 || ones < 8 || ones > 30 {
		return nil, fmt.Errorf("unusable subnet mask %s", mask)
	}
	gwVal := binary.BigEndian.Uint32(gw4)
	span := uint32(1)<<(32-ones) - 2 // host addresses between network and broadcast
	return &HostTable{
		hosts:     make(map[string]*model.VirtualHost),
		byIP:      make(map[uint32]string),
		network:   gwVal &^ (uint32(1)<<(32-ones) - 1),
		hostSpan:  span,
		gatewayV4: gwVal,
		gatewayIP: gw4,
		mask:      mask,
	}, nil
}

// GatewayIP returns the virtual gateway address.
func (t *HostTable) GatewayIP() net.IP { return t.gatewayIP }

// Mask returns the subnet mask of the emulated LAN.
func (t *HostTable) Mask() net.IPMask { return t.mask }

// Observe returns the VirtualHost for mac, allocating one on first sight,
// and refreshes its last-seen timestamp. The assigned IP is a deterministic
// hash of the link address into the host range with linear probing, so the
// same console gets the same virtual IP across process restarts.
func (t *HostTable) Observe(mac net.HardwareAddr) (*model.VirtualHost, error) {
	key := mac.String()
	t.mu.Lock()
	defer t.mu.Unlock()

	if host, ok := t.hosts[key]; ok {
		host.LastSeen = time.Now()
		return host, nil
	}

	ip, err := t.allocIPLocked(mac, key)
	if err != nil {
		return nil, err
	}
	host := &model.VirtualHost{
		MAC:      append(net.HardwareAddr(nil), mac...),
		IP:       ip,
		LastSeen: time.Now(),
	}
	t.hosts[key] = host
	t.byIP[binary.BigEndian.Uint32(ip)] = key
	return host, nil
}

// Lookup returns the host for mac without refreshing it.
func (t *HostTable) Lookup(mac net.HardwareAddr) (*model.VirtualHost, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	host, ok := t.hosts[mac.String()]
	return host, ok
}

// Len returns the number of tracked hosts.
func (t *HostTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hosts)
}

// Prune removes hosts idle for longer than maxAge and returns how many
// entries were dropped.
func (t *HostTable) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, host := range t.hosts {
		if host.LastSeen.Before(cutoff) {
			delete(t.byIP, binary.BigEndian.Uint32(host.IP))
			delete(t.hosts, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns a copy of all current hosts.
func (t *HostTable) Snapshot() []model.VirtualHost {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.VirtualHost, 0, len(t.hosts))
	for _, h := range t.hosts {
		out = append(out, *h)
	}
	return out
}

func (t *HostTable) allocIPLocked(mac net.HardwareAddr, key string) (net.IP, error) {
	h := fnv.New32a()
	h.Write(mac)
	start := h.Sum32() % t.hostSpan
	for i := uint32(0); i < t.hostSpan; i++ {
		candidate := t.network + 1 + (start+i)%t.hostSpan
		if candidate == t.gatewayV4 {
			continue
		}
		if _, taken := t.byIP[candidate]; taken {
			continue
		}
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, candidate)
		return ip, nil
	}
	return nil, fmt.Errorf("virtual IP pool exhausted for %s", key)
}
