// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package protocol defines the wire types and parsing rules shared by the
// agent and the controller: the ingest protocol, the control
// protocol, and the access-log line grammar.
package protocol

// LogEntry is one parsed connection report, the unit both the single-event
// and batch ingest endpoints accept.
type LogEntry struct {
	Subscriber string `json:"subscriber"`
	IP         string `json:"ip"`
	Port       int    `json:"port,omitempty"`
}

// LogRequest is the body of POST /log.
type LogRequest struct {
	Subscriber string `json:"subscriber"`
	IP         string `json:"ip"`
	Node       string `json:"node"`
	Secret     string `json:"secret"`
}

// LogBatchRequest is the body of POST /log_batch. Exactly one of
// Entries or Lines should be set; Lines are parsed server-side using the
// same grammar the agent's tailer uses.
type LogBatchRequest struct {
	Node    string     `json:"node"`
	Secret  string     `json:"secret"`
	Entries []LogEntry `json:"entries,omitempty"`
	Lines   []string   `json:"lines,omitempty"`
}

// OKReply is the common {ok:true} acknowledgement.
type OKReply struct {
	OK        bool `json:"ok"`
	Processed int  `json:"processed,omitempty"`
}

// IngestHealthReply is the controller's unauthenticated /health body.
type IngestHealthReply struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
}

// BlockRequest is the body of POST /block (a.k.a. /block_ip)
type BlockRequest struct {
	IP       string `json:"ip"`
	Port     int    `json:"port,omitempty"`
	Duration int    `json:"duration"`
	Secret   string `json:"secret"`
}

// UnblockRequest is the body of POST /unblock (a.k.a. /unblock_ip)
type UnblockRequest struct {
	IP     string `json:"ip"`
	Port   int    `json:"port,omitempty"`
	Secret string `json:"secret"`
}

// ClearRequest is the body of POST /clear (a.k.a. /clear_iptables)
type ClearRequest struct {
	Secret string `json:"secret"`
}

// AgentHealthReply is the agent's unauthenticated GET /health body.
type AgentHealthReply struct {
	AgentID        string `json:"agent_id"`
	Node           string `json:"node"`
	InstalledRules int    `json:"installed_rules"`
}
