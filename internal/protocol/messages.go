package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	// Auth is opaque to the server and echoed back in WELCOME.
	Auth json.RawMessage `json:"auth,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Namespace       string          `json:"namespace"`
	Auth            json.RawMessage `json:"auth,omitempty"`
}

// EVENT (server -> client). Data is the announcer string, tick_debug or state_debug payload.
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Event           string `json:"event"`
	Data            any    `json:"data"`
	Step            uint64 `json:"step"`
}

// SET_TARGET_RATE (client -> server)
type SetTargetRateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	TargetRate      int    `json:"target_rate"`
}

// PAUSE / RESUME (client -> server)
type ControlMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Ref             string `json:"ref,omitempty"`
	Message         string `json:"message,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Ref             string `json:"ref,omitempty"`
}

// AckChangingRate is the acknowledgement text for SET_TARGET_RATE.
const AckChangingRate = "Changing tick speed"
