// Package pcap reads recorded capture files back as frames, for feeding
// the classifier offline.
package pcap

import (
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"LanLink/internal/model"
)

// Reader reads frames from a pcap file.
type Reader struct {
	handle *pcap.Handle
}

// NewReader creates a new pcap reader for the given file path.
func NewReader(filePath string) (*Reader, error) {
	handle, err := pcap.OpenOffline(filePath)
	if err != nil {
		return nil, err
	}
	return &Reader{handle: handle}, nil
}

// Close closes the pcap handle.
func (r *Reader) Close() {
	r.handle.Close()
}

// ReadFrames reads all frames from the pcap file and sends them to the
// provided channel. It closes the channel when done. Frames that fail
// validation (runt or oversize) are logged and skipped.
func (r *Reader) ReadFrames(out chan<- *model.Frame) {
	defer close(out)
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())
	for packet := range packetSource.Packets() {
		frame, err := model.NewFrame(packet.Data())
		if err != nil {
			log.Printf("Skipping packet: %v", err)
			continue
		}
		out <- frame
	}
}
