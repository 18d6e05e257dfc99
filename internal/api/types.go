package api

import (
	"time"

	"wgfleet/internal/model"
)

// APIKeyHeader carries the shared management key.
const APIKeyHeader = "X-API-Key"

// Envelope is the body of every management API response.
type Envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// CreateClientRequest is the body of POST /api/clients.
type CreateClientRequest struct {
	Name   string `json:"name"`
	Tunnel string `json:"tunnel,omitempty"`
	IP     string `json:"ip,omitempty"`
}

// PeersResponse is the payload of GET /api/peers.
type PeersResponse struct {
	CollectedAt time.Time          `json:"collected_at"`
	Peers       []model.PeerRecord `json:"peers"`
}

// LogsResponse is the payload of GET /api/units/{backend}/logs/{id}.
type LogsResponse struct {
	ID   string `json:"id"`
	Logs string `json:"logs"`
}

// ConfigResponse is the payload of GET /api/clients/{name}/config.
type ConfigResponse struct {
	Name   string `json:"name"`
	Config string `json:"config"`
}

// TerminateResponse is the payload of DELETE /api/units/{backend}/{id}.
type TerminateResponse struct {
	Warnings []string `json:"warnings,omitempty"`
}
