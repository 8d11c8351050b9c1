// Package api implements the HTTP management API and Prometheus metrics
// endpoint: read-only visibility into sessions, counters, and events,
// plus a session-clear mutation for operators.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime        string `json:"uptime"`
	DevicePresent bool   `json:"device_present"`
	DeviceMAC     string `json:"device_mac"`
	ServiceIP     string `json:"service_ip"`
	ServicePort   uint16 `json:"service_port"`
	SessionCount  int    `json:"session_count"`
	SessionLimit  int    `json:"session_limit"`
	UserCount     int    `json:"user_count"`
}

// SessionEntry is one session table slot rendered for JSON.
type SessionEntry struct {
	ClientAddr    string `json:"client_addr"`
	Username      string `json:"username,omitempty"`
	Authenticated bool   `json:"authenticated"`
	Seq           uint32 `json:"seq"`
	Ack           uint32 `json:"ack"`
	CreatedAt     string `json:"created_at"`
	IdleSeconds   int64  `json:"idle_seconds"`
}

// StatisticsResponse aggregates device and pipeline counters.
type StatisticsResponse struct {
	Device   DeviceStats   `json:"device"`
	Pipeline PipelineStats `json:"pipeline"`
	Sessions SessionStats  `json:"sessions"`
}

// DeviceStats holds NIC data-path counters.
type DeviceStats struct {
	RxFrames  uint64 `json:"rx_frames"`
	RxInvalid uint64 `json:"rx_invalid"`
	TxFrames  uint64 `json:"tx_frames"`
	TxDropped uint64 `json:"tx_dropped"`
	RingPolls uint64 `json:"ring_polls"`
}

// PipelineStats holds frame-processing counters.
type PipelineStats struct {
	Frames    uint64 `json:"frames"`
	NonIPv4   uint64 `json:"non_ipv4"`
	NonTCP    uint64 `json:"non_tcp"`
	OtherPort uint64 `json:"other_port"`
	Malformed uint64 `json:"malformed"`
	TableFull uint64 `json:"table_full_drops"`
	NoSession uint64 `json:"no_session_drops"`
	AuthOK    uint64 `json:"auth_ok"`
	AuthFail  uint64 `json:"auth_fail"`
	Commands  uint64 `json:"commands"`
	Closed    uint64 `json:"closed"`
	Sent      uint64 `json:"replies_sent"`
}

// SessionStats holds session table lifetime counters.
type SessionStats struct {
	Active  int    `json:"active"`
	Created uint64 `json:"created"`
	Evicted uint64 `json:"evicted"`
}

// EventEntry is one pipeline event rendered for JSON.
type EventEntry struct {
	Time       string `json:"time"`
	Type       string `json:"type"`
	ClientAddr string `json:"client_addr,omitempty"`
	Username   string `json:"username,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}