// Package websocket carries the Agent Gateway's wire protocol: one
// connection per agent, JSON envelopes in both directions.
package websocket

import "encoding/json"

// Envelope is the single message shape exchanged with an agent connection.
// The core never interprets Payload's contents beyond what the monitor/
// action contract documents (§6) — it is opaque past the envelope.
type Envelope struct {
	Type string `json:"type"`

	// Hello fields (agent -> core, first message on connect).
	AgentID  string `json:"agent_id,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`

	// Telemetry fields (agent -> core).
	MonitorID string          `json:"monitor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Deploy/action fields (core -> agent).
	ActionID   string          `json:"action_id,omitempty"`
	ScriptBlob []byte          `json:"script_blob,omitempty"`
	IntervalMs int             `json:"interval_ms,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`

	// Action response fields (agent -> core).
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	Platforms []string `json:"platforms,omitempty"`
	Version   string   `json:"version,omitempty"`
}

// Envelope message types.
const (
	TypeHello         = "hello"
	TypeTelemetry      = "telemetry"
	TypeDeployMonitor  = "deploy_monitor"
	TypeUpdateMonitor  = "update_monitor"
	TypeRemoveMonitor  = "remove_monitor"
	TypeDeployAction   = "deploy_action"
	TypeTriggerAction  = "trigger_action"
	TypeActionResponse = "action_response"
	TypePing           = "ping"
	TypePong           = "pong"
)

// BroadcastMessage wraps an outbound envelope with its target agent.
type BroadcastMessage struct {
	AgentID string
	Data    []byte
}
