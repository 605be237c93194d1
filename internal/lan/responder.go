package lan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"LanLink/internal/model"
)

// GatewayMAC is the fixed, process-wide link address of the virtual
// gateway. Locally administered so it can never collide with real silicon.
var GatewayMAC = net.HardwareAddr{0x02, 0x4c, 0x4c, 0x00, 0x00, 0x01}

// Verdict is the classification result for one captured frame.
type Verdict int

const (
	// VerdictLocalReply means the responder synthesized a reply frame to
	// transmit on the local segment; the original frame goes no further.
	VerdictLocalReply Verdict = iota
	// VerdictForward means the frame is tunnel-eligible and must be sent
	// to the relay unchanged.
	VerdictForward
	// VerdictDrop means the frame is neither answerable nor tunnelable.
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictLocalReply:
		return "local-reply"
	case VerdictForward:
		return "forward"
	case VerdictDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// frame categories, decided once per frame and dispatched by switch.
type category int

const (
	catMalformed category = iota
	catOwnTraffic
	catARPQuery     // ARP addressed to the virtual gateway
	catARPOther     // ARP for some other host
	catDHCPRequest  // DHCP discover/request from a console
	catBroadcast    // broadcast or multicast application traffic
	catUnicastGW    // unicast to the virtual gateway MAC
	catUnicastOther // unicast to anything else
)

// Responder answers LAN-administrative traffic locally and classifies
// everything else as tunnel-eligible or droppable. It owns no goroutines;
// Classify is called synchronously from the dispatcher.
type Responder struct {
	hosts    *HostTable
	lease    time.Duration
	counters *model.Counters
}

// NewResponder creates a responder over the given host table.
func NewResponder(hosts *HostTable, lease time.Duration, counters *model.Counters) *Responder {
	if lease <= 0 {
		lease = time.Hour
	}
	return &Responder{hosts: hosts, lease: lease, counters: counters}
}

// Classify inspects one captured frame and returns the verdict, plus the
// synthesized reply frame for VerdictLocalReply. A malformed frame yields
// VerdictDrop with model.ErrMalformedFrame; this is countable, not fatal.
// Every well-formed frame from a console refreshes its VirtualHost entry.
func (r *Responder) Classify(f *model.Frame) (Verdict, *model.Frame, error) {
	if f == nil || f.Len() < model.MinFrameSize {
		r.counters.MalformedFrames.Add(1)
		return VerdictDrop, nil, model.ErrMalformedFrame
	}

	pkt := gopacket.NewPacket(f.Bytes(), layers.LayerTypeEthernet, gopacket.Default)

	switch cat := r.categorize(f, pkt); cat {
	case catMalformed:
		r.counters.MalformedFrames.Add(1)
		return VerdictDrop, nil, model.ErrMalformedFrame

	case catOwnTraffic:
		// Echo of a frame we injected ourselves; silently ignore.
		return VerdictDrop, nil, nil

	case catARPQuery:
		if _, err := r.hosts.Observe(f.SrcMAC()); err != nil {
			return VerdictDrop, nil, err
		}
		arp := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
		reply, err := r.arpReply(arp)
		if err != nil {
			return VerdictDrop, nil, err
		}
		return VerdictLocalReply, reply, nil

	case catDHCPRequest:
		host, err := r.hosts.Observe(f.SrcMAC())
		if err != nil {
			return VerdictDrop, nil, err
		}
		req := pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
		reply, err := r.dhcpReply(host, req)
		if err != nil {
			return VerdictDrop, nil, err
		}
		if reply == nil {
			return VerdictDrop, nil, nil
		}
		return VerdictLocalReply, reply, nil

	case catARPOther, catBroadcast, catUnicastGW:
		if _, err := r.hosts.Observe(f.SrcMAC()); err != nil {
			return VerdictDrop, nil, err
		}
		return VerdictForward, nil, nil

	case catUnicastOther:
		// No real routing exists; unicast to an unknown destination has
		// nowhere to go.
		if _, err := r.hosts.Observe(f.SrcMAC()); err != nil {
			return VerdictDrop, nil, err
		}
		r.counters.DroppedFrames.Add(1)
		return VerdictDrop, nil, nil

	default:
		return VerdictDrop, nil, nil
	}
}

func (r *Responder) categorize(f *model.Frame, pkt gopacket.Packet) category {
	if pkt.Layer(layers.LayerTypeEthernet) == nil {
		return catMalformed
	}
	src := f.SrcMAC()
	if bytes.Equal(src, GatewayMAC) || src[0]&0x01 != 0 {
		return catOwnTraffic
	}

	if l := pkt.Layer(layers.LayerTypeARP); l != nil {
		arp := l.(*layers.ARP)
		if arp.Operation == layers.ARPRequest &&
			net.IP(arp.DstProtAddress).Equal(r.hosts.GatewayIP()) {
			return catARPQuery
		}
		return catARPOther
	}

	if l := pkt.Layer(layers.LayerTypeDHCPv4); l != nil {
		if dhcp := l.(*layers.DHCPv4); dhcp.Operation == layers.DHCPOpRequest {
			return catDHCPRequest
		}
		return catOwnTraffic // replies on the wire are ours
	}

	if f.IsMulticast() {
		return catBroadcast
	}
	if bytes.Equal(f.DstMAC(), GatewayMAC) {
		return catUnicastGW
	}
	return catUnicastOther
}

// arpReply synthesizes a who-has answer for the virtual gateway. This never
// touches the network and works with the relay session in any state.
func (r *Responder) arpReply(req *layers.ARP) (*model.Frame, error) {
	eth := layers.Ethernet{
		SrcMAC:       GatewayMAC,
		DstMAC:       net.HardwareAddr(req.SourceHwAddress),
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   GatewayMAC,
		SourceProtAddress: r.hosts.GatewayIP().To4(),
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	return serialize(&eth, &arp)
}

// dhcpReply answers DISCOVER with OFFER and REQUEST with ACK, carrying the
// host's stable virtual IP, the configured lease and the virtual gateway as
// router and server identity. Other DHCP message types are ignored.
func (r *Responder) dhcpReply(host *model.VirtualHost, req *layers.DHCPv4) (*model.Frame, error) {
	var replyType layers.DHCPMsgType
	switch requestType(req) {
	case layers.DHCPMsgTypeDiscover:
		replyType = layers.DHCPMsgTypeOffer
	case layers.DHCPMsgTypeRequest:
		replyType = layers.DHCPMsgTypeAck
	default:
		return nil, nil
	}

	gw := r.hosts.GatewayIP().To4()
	leaseSecs := make([]byte, 4)
	binary.BigEndian.PutUint32(leaseSecs, uint32(r.lease/time.Second))

	eth := layers.Ethernet{
		SrcMAC:       GatewayMAC,
		DstMAC:       append(net.HardwareAddr(nil), host.MAC...),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    gw,
		DstIP:    net.IPv4bcast.To4(),
	}
	udp := layers.UDP{SrcPort: 67, DstPort: 68}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, fmt.Errorf("dhcp reply checksum setup: %w", err)
	}
	dhcp := layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          req.Xid,
		YourClientIP: host.IP,
		NextServerIP: gw,
		ClientHWAddr: append(net.HardwareAddr(nil), host.MAC...),
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(replyType)}),
			layers.NewDHCPOption(layers.DHCPOptSubnetMask, r.hosts.Mask()),
			layers.NewDHCPOption(layers.DHCPOptRouter, gw),
			layers.NewDHCPOption(layers.DHCPOptServerID, gw),
			layers.NewDHCPOption(layers.DHCPOptLeaseTime, leaseSecs),
		},
	}
	return serialize(&eth, &ip, &udp, &dhcp)
}

func requestType(req *layers.DHCPv4) layers.DHCPMsgType {
	for _, opt := range req.Options {
		if opt.Type == layers.DHCPOptMessageType && len(opt.Data) == 1 {
			return layers.DHCPMsgType(opt.Data[0])
		}
	}
	return layers.DHCPMsgTypeUnspecified
}

func serialize(ls ...gopacket.SerializableLayer) (*model.Frame, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize reply frame: %w", err)
	}
	return model.NewFrame(buf.Bytes())
}
