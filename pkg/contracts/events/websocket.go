// Package events contains the WebSocket message contract for license
// state notifications.
package events

import (
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// MessageTypeConnect is sent once to every new client
	MessageTypeConnect MessageType = "connect"

	// MessageTypeLicenseVerdict carries a LicenseStatusResponse whenever the
	// verdict changes, and once right after connect.
	MessageTypeLicenseVerdict MessageType = "license:verdict"

	MessageTypeError MessageType = "error"
)

// WebSocketMessage is the envelope of every message sent to clients
type WebSocketMessage struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// ConnectData is the payload of MessageTypeConnect
type ConnectData struct {
	ClientID   string `json:"client_id"`
	APIVersion string `json:"api_version"`
}
