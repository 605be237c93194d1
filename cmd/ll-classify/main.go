// ll-classify replays a recorded capture file through the virtual LAN
// classifier and prints the verdict for each frame, for debugging what an
// agent would have tunneled.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"LanLink/internal/lan"
	"LanLink/internal/model"
	"LanLink/pkg/pcap"
)

func main() {
	file := flag.String("file", "", "Path to the pcap file to replay (required).")
	gateway := flag.String("gateway", "10.13.37.1", "Virtual gateway IP for classification.")
	maskStr := flag.String("mask", "255.255.0.0", "Virtual subnet mask.")
	verbose := flag.Bool("v", false, "Print one line per frame instead of the summary only.")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(1)
	}

	gatewayIP := net.ParseIP(*gateway)
	mask := net.IPMask(net.ParseIP(*maskStr).To4())
	if gatewayIP == nil || mask == nil {
		log.Fatalf("Invalid gateway %q or mask %q", *gateway, *maskStr)
	}
	hosts, err := lan.NewHostTable(gatewayIP, mask)
	if err != nil {
		log.Fatalf("Failed to build host table: %v", err)
	}
	counters := &model.Counters{}
	responder := lan.NewResponder(hosts, time.Hour, counters)

	reader, err := pcap.NewReader(*file)
	if err != nil {
		log.Fatalf("Failed to open pcap file: %v", err)
	}
	defer reader.Close()

	frames := make(chan *model.Frame, 64)
	go reader.ReadFrames(frames)

	verdicts := make(map[string]int)
	total := 0
	for frame := range frames {
		verdict, _, err := responder.Classify(frame)
		total++
		verdicts[verdict.String()]++
		if *verbose {
			status := verdict.String()
			if err != nil {
				status = fmt.Sprintf("%s (%v)", status, err)
			}
			fmt.Printf("%s -> %s  len=%-5d %s\n", frame.SrcMAC(), frame.DstMAC(), frame.Len(), status)
		}
	}

	fmt.Printf("%d frames classified: %v\n", total, verdicts)
	fmt.Printf("%d virtual hosts observed:\n", hosts.Len())
	for _, h := range hosts.Snapshot() {
		fmt.Printf("  %s -> %s\n", h.MAC, h.IP)
	}
}
