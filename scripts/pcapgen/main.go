package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Generates a synthetic capture of console LAN traffic (ARP queries for the
// gateway, DHCP discovers and broadcast discovery probes) for feeding the
// offline classifier.
func main() {
	outputFile := flag.String("o", "lan.pcap", "Output pcap file path")
	frameCount := flag.Int("c", 200, "Number of frames to generate")
	hostCount := flag.Int("hosts", 4, "Number of distinct console MACs")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	macs := make([]net.HardwareAddr, *hostCount)
	for i := range macs {
		macs[i] = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x01, byte(i + 1)}
	}
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	gatewayIP := net.IPv4(10, 13, 37, 1)

	log.Printf("Generating %d frames into %s...", *frameCount, *outputFile)

	ts := time.Now()
	for i := 0; i < *frameCount; i++ {
		src := macs[rand.Intn(len(macs))]
		srcIP := net.IPv4(10, 13, 37, byte(rand.Intn(200)+10))

		var frameLayers []gopacket.SerializableLayer
		switch rand.Intn(3) {
		case 0: // ARP query for the virtual gateway
			frameLayers = []gopacket.SerializableLayer{
				&layers.Ethernet{SrcMAC: src, DstMAC: broadcast, EthernetType: layers.EthernetTypeARP},
				&layers.ARP{
					AddrType:          layers.LinkTypeEthernet,
					Protocol:          layers.EthernetTypeIPv4,
					HwAddressSize:     6,
					ProtAddressSize:   4,
					Operation:         layers.ARPRequest,
					SourceHwAddress:   src,
					SourceProtAddress: srcIP.To4(),
					DstHwAddress:      make([]byte, 6),
					DstProtAddress:    gatewayIP.To4(),
				},
			}
		case 1: // DHCP discover
			ip := &layers.IPv4{
				Version:  4,
				TTL:      64,
				Protocol: layers.IPProtocolUDP,
				SrcIP:    net.IPv4zero.To4(),
				DstIP:    net.IPv4bcast.To4(),
			}
			udp := &layers.UDP{SrcPort: 68, DstPort: 67}
			udp.SetNetworkLayerForChecksum(ip)
			frameLayers = []gopacket.SerializableLayer{
				&layers.Ethernet{SrcMAC: src, DstMAC: broadcast, EthernetType: layers.EthernetTypeIPv4},
				ip, udp,
				&layers.DHCPv4{
					Operation:    layers.DHCPOpRequest,
					HardwareType: layers.LinkTypeEthernet,
					HardwareLen:  6,
					Xid:          rand.Uint32(),
					ClientHWAddr: src,
					Options: layers.DHCPOptions{
						layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeDiscover)}),
					},
				},
			}
		default: // broadcast discovery probe
			ip := &layers.IPv4{
				Version:  4,
				TTL:      64,
				Protocol: layers.IPProtocolUDP,
				SrcIP:    srcIP.To4(),
				DstIP:    net.IPv4bcast.To4(),
			}
			udp := &layers.UDP{SrcPort: 11452, DstPort: 11452}
			udp.SetNetworkLayerForChecksum(ip)
			payload := make([]byte, rand.Intn(64)+16)
			rand.Read(payload)
			frameLayers = []gopacket.SerializableLayer{
				&layers.Ethernet{SrcMAC: src, DstMAC: broadcast, EthernetType: layers.EthernetTypeIPv4},
				ip, udp, gopacket.Payload(payload),
			}
		}

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
		if err := gopacket.SerializeLayers(buf, opts, frameLayers...); err != nil {
			log.Fatalf("Failed to serialize layers: %v", err)
		}

		ts = ts.Add(time.Duration(rand.Intn(50)) * time.Millisecond)
		ci := gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := pcapWriter.WritePacket(ci, buf.Bytes()); err != nil {
			log.Fatalf("Failed to write frame: %v", err)
		}
	}

	log.Printf("Successfully generated %d frames into %s.", *frameCount, *outputFile)
}
