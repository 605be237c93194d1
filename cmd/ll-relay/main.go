package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"LanLink/internal/config"
	"LanLink/internal/model"
	"LanLink/internal/notify"
	"LanLink/internal/relay"
	"LanLink/internal/stats"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	relayCfg := cfg.Relay
	if relayCfg.ListenAddr == "" {
		relayCfg.ListenAddr = ":11451"
	}

	counters := &model.Counters{}

	var events relay.EventSink
	if relayCfg.Notify.Enabled {
		publisher, err := notify.NewPublisher(relayCfg.Notify)
		if err != nil {
			log.Fatalf("Failed to connect event publisher: %v", err)
		}
		defer publisher.Close()
		events = publisher
	}

	var recorder relay.TrafficRecorder
	if relayCfg.Stats.Enabled {
		statsRecorder, err := stats.NewRecorder(relayCfg.Stats)
		if err != nil {
			log.Fatalf("Failed to start stats recorder: %v", err)
		}
		defer statsRecorder.Stop()
		recorder = statsRecorder
	}

	server := relay.NewServer(relay.ServerConfig{
		ListenAddr:  relayCfg.ListenAddr,
		MaxSessions: relayCfg.MaxSessions,
		IdleTimeout: config.Duration(relayCfg.IdleTimeout, 30*time.Second),
	}, events, recorder, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(ctx)
	}()

	var httpServer *http.Server
	if relayCfg.Admin.ListenAddr != "" {
		r := mux.NewRouter()
		apiHandler := &APIHandler{server: server, counters: counters}
		r.HandleFunc("/info", apiHandler.infoHandler).Methods("GET")
		r.HandleFunc("/peers", apiHandler.peersHandler).Methods("GET")

		httpServer = &http.Server{
			Addr:    relayCfg.Admin.ListenAddr,
			Handler: r,
		}
		go func() {
			log.Printf("Admin API starting on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Could not listen on %s: %v", httpServer.Addr, err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("Shutdown signal received...")
	case err := <-serverErr:
		if err != nil {
			log.Printf("Relay server stopped: %v", err)
		}
	}
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin API forced to shutdown: %v", err)
		}
	}
	log.Println("Shutdown complete.")
}
