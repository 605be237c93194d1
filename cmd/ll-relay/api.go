package main

import (
	"encoding/json"
	"log"
	"net/http"

	"LanLink/internal/model"
	"LanLink/internal/relay"
)

// APIHandler serves the read-only admin endpoints of the relay.
type APIHandler struct {
	server   *relay.Server
	counters *model.Counters
}

type infoResponse struct {
	relay.ServerInfo
	Counters map[string]uint64 `json:"counters"`
}

func (h *APIHandler) infoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, infoResponse{
		ServerInfo: h.server.Info(),
		Counters:   h.counters.Snapshot(),
	})
}

func (h *APIHandler) peersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.server.PeerList())
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode API response: %v", err)
	}
}
