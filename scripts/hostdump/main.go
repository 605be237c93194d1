package main

import (
	"fmt"
	"log"
	"os"

	"LanLink/internal/snapshot"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/hostdump/main.go <hosts.dat>")
		os.Exit(1)
	}

	hosts, err := snapshot.Read(os.Args[1])
	if err != nil {
		log.Fatalf("Failed to read snapshot: %v", err)
	}

	fmt.Printf("%d virtual hosts:\n", len(hosts))
	for _, h := range hosts {
		fmt.Printf("  %-17s  %-15s  last seen %s\n", h.MAC, h.IP, h.LastSeen.Format("2006-01-02 15:04:05"))
	}
}
