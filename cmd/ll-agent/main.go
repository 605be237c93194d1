package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LanLink/internal/capture"
	"LanLink/internal/config"
	"LanLink/internal/dispatch"
	"LanLink/internal/lan"
	"LanLink/internal/model"
	"LanLink/internal/relay"
	"LanLink/internal/snapshot"
	"LanLink/internal/trace"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML configuration file.")
	iface := flag.String("iface", "", "Capture interface, overrides the config file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	agentCfg := cfg.Agent
	if *iface != "" {
		agentCfg.Interface = *iface
	}
	if agentCfg.Interface == "" {
		log.Fatalf("No capture interface configured (set agent.interface or pass -iface).")
	}
	if agentCfg.RelayAddr == "" {
		log.Fatalf("No relay address configured (set agent.relay_addr).")
	}

	counters := &model.Counters{}

	hosts, err := buildHostTable(agentCfg.LAN)
	if err != nil {
		log.Fatalf("Failed to set up virtual LAN: %v", err)
	}
	responder := lan.NewResponder(hosts, config.Duration(agentCfg.LAN.Lease, time.Hour), counters)
	log.Printf("Virtual gateway %s at %s", lan.GatewayMAC, hosts.GatewayIP())

	port, err := capture.OpenPcapPort(agentCfg.Interface, relayExcludeFilter(agentCfg.RelayAddr))
	if err != nil {
		log.Fatalf("Failed to open adapter: %v", err)
	}

	var traceSink dispatch.TraceSink
	if agentCfg.Trace.Enabled {
		writer, err := trace.NewWriter(agentCfg.Trace.Path, 0)
		if err != nil {
			log.Fatalf("Failed to start frame trace: %v", err)
		}
		defer writer.Stop()
		traceSink = writer
	}

	session := relay.NewSession(relay.SessionConfig{
		ServerAddr:        agentCfg.RelayAddr,
		ClientName:        agentCfg.ClientName,
		KeepaliveInterval: config.Duration(agentCfg.Session.KeepaliveInterval, 10*time.Second),
		TimeoutMultiple:   agentCfg.Session.TimeoutMultiple,
		MaxRetries:        agentCfg.Session.MaxRetries,
	}, counters)

	dispatcher := dispatch.New(dispatch.Config{
		CaptureQueueSize:  agentCfg.Dispatch.CaptureQueueSize,
		TransmitQueueSize: agentCfg.Dispatch.TransmitQueueSize,
	}, port, responder, session, traceSink, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- session.Run(ctx)
	}()

	// Expire consoles that went quiet, and optionally persist the table for
	// offline inspection.
	hostTimeout := config.Duration(agentCfg.LAN.HostTimeout, 5*time.Minute)
	var snapWriter *snapshot.Writer
	if agentCfg.LAN.SnapshotPath != "" {
		snapWriter = snapshot.NewWriter(agentCfg.LAN.SnapshotPath)
	}
	go func() {
		ticker := time.NewTicker(hostTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := hosts.Prune(hostTimeout); n > 0 {
					log.Printf("Expired %d idle virtual hosts", n)
				}
				if snapWriter != nil {
					if err := snapWriter.Write(hosts.Snapshot(), hosts.GatewayIP()); err != nil {
						log.Printf("Host snapshot failed: %v", err)
					}
				}
			}
		}
	}()

	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- dispatcher.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("Shutdown signal received, cleaning up...")
		cancel()
		<-dispatchErr
	case err := <-dispatchErr:
		if err != nil && !errors.Is(err, model.ErrAdapterClosed) {
			log.Printf("Dispatcher stopped: %v", err)
		}
		cancel()
	case err := <-sessionErr:
		// Fatal session failure. The LAN emulation could keep running
		// degraded, but without a tunnel the agent is not doing its job;
		// report and exit so the operator notices.
		if err != nil {
			log.Printf("Relay session failed: %v", err)
		}
		cancel()
		<-dispatchErr
	}

	log.Printf("Final counters: %v", counters.Snapshot())
	log.Println("Shutdown complete.")
}

func buildHostTable(cfg config.LANConfig) (*lan.HostTable, error) {
	gatewayIP := net.ParseIP(cfg.GatewayIP)
	if gatewayIP == nil {
		gatewayIP = net.IPv4(10, 13, 37, 1)
	}
	mask := net.IPMask(net.ParseIP(cfg.SubnetMask).To4())
	if mask == nil {
		mask = net.CIDRMask(16, 32)
	}
	return lan.NewHostTable(gatewayIP, mask)
}

// relayExcludeFilter keeps the agent's own tunnel datagrams out of the
// capture so relayed frames cannot loop back into the tunnel.
func relayExcludeFilter(relayAddr string) string {
	host, port, err := net.SplitHostPort(relayAddr)
	if err != nil {
		return ""
	}
	return "not (udp and host " + host + " and port " + port + ")"
}
