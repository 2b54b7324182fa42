// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the flat HCL configuration surface shared by the
// controller and the agent: time windows, policy switches, the
// subscription API, the node set, and the shared secret used for the
// control protocol.
package config

import "time"

// Controller is the top-level controller configuration.
type Controller struct {
	// SchemaVersion allows the config file format to evolve without
	// breaking older deployments.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional"`

	// Listen is the ingest endpoint address, e.g. ":8443".
	Listen string `hcl:"listen,optional"`

	// AdminListen is the admin facade address.
	AdminListen string `hcl:"admin_listen,optional"`

	// Secret authenticates agent->controller and controller->agent
	// control-protocol requests.
	Secret SecureString `hcl:"shared_secret"`

	// AdminCredentialHash gates the admin facade. It holds a bcrypt
	// hash produced by `devicewall-controller hash-credential`, never
	// the plaintext credential.
	AdminCredentialHash SecureString `hcl:"admin_credential_hash,optional"`

	// IPWindowSeconds is the trailing window over which distinct IPs
	// per subscriber are counted.
	// @default: 3600
	IPWindowSeconds int `hcl:"ip_window_seconds,optional"`

	// GraceSeconds extends the retention window past IPWindowSeconds so
	// eviction races with a borderline-fresh entry never drop it early.
	// @default: 30
	GraceSeconds int `hcl:"grace_seconds,optional"`

	// ConcurrentWindowSeconds is the shorter sub-window used to decide
	// whether IPs/nodes are "at the same moment".
	// @default: 30
	ConcurrentWindowSeconds int `hcl:"concurrent_window_seconds,optional"`

	// SharingPolicy selects the violation decision procedure: "strict"
	// (count-based) or "smart" (hand-over tolerant).
	// @enum: strict, smart
	// @default: "smart"
	SharingPolicy string `hcl:"sharing_policy,optional"`

	// DropAllIPs selects whether enforcement drops every current IP or
	// only the excess beyond the limit.
	// @default: true
	DropAllIPs bool `hcl:"drop_all_ips,optional"`

	// DropDurationSeconds is the TTL applied to each firewall block
	// installed during enforcement.
	// @default: 1800
	DropDurationSeconds int `hcl:"drop_duration_seconds,optional"`

	// DisableDurationMinutes is how long a subscription stays disabled
	// before the re-enable sweep restores it.
	// @default: 60
	DisableDurationMinutes int `hcl:"disable_duration_minutes,optional"`

	// DropCooldownSeconds suppresses repeat enforcement for the same
	// subscriber.
	// @default: 60
	DropCooldownSeconds int `hcl:"drop_cooldown_seconds,optional"`

	// ScanIntervalSeconds is the periodic belt-and-suspenders scan
	// cadence.
	// @default: 60
	ScanIntervalSeconds int `hcl:"scan_interval_seconds,optional"`

	// PruneIntervalSeconds is the index/cache eviction cadence.
	// @default: 30
	PruneIntervalSeconds int `hcl:"prune_interval_seconds,optional"`

	// ReEnableTickSeconds is the re-enable sweep cadence.
	// @default: 15
	ReEnableTickSeconds int `hcl:"re_enable_tick_seconds,optional"`

	// LimitTTLSeconds is the device-limit cache TTL.
	// @default: 180
	LimitTTLSeconds int `hcl:"limit_ttl_seconds,optional"`

	// DataDir is where the SQLite connection index and the persisted
	// BlockedSubscriber table live.
	DataDir string `hcl:"data_dir,optional"`

	// Subscription describes the external subscription API.
	Subscription *SubscriptionAPI `hcl:"subscription,block"`

	// Nodes is the static (reloadable) set of VPN node agents.
	Nodes []Node `hcl:"node,block"`

	// Notifications configures the side-notification dispatcher.
	// Only the transport is configured here; message bodies are a
	// fixed minimal template.
	Notifications *NotificationsConfig `hcl:"notifications,block"`

	Log *LogConfig `hcl:"log,block"`
}

// SubscriptionAPI configures the external collaborator.
type SubscriptionAPI struct {
	BaseURL      string       `hcl:"base_url"`
	Token        SecureString `hcl:"token"`
	TimeoutMS    int          `hcl:"timeout_ms,optional"`
	SingleFlight bool         `hcl:"single_flight,optional"`
}

// Node is one VPN server: the agent's control address for
// block/unblock/clear/health calls.
type Node struct {
	Name           string `hcl:"name,label" json:"name"`
	ControlAddress string `hcl:"control_address" json:"control_address"`
}

// Agent is the top-level agent configuration.
type Agent struct {
	SchemaVersion string `hcl:"schema_version,optional"`

	// Name identifies this node to the controller.
	Name string `hcl:"name"`

	// LogPath is the VPN access log this agent tails.
	LogPath string `hcl:"log_path"`

	// ControllerURL is where parsed entries are posted.
	ControllerURL string `hcl:"controller_url"`

	Secret SecureString `hcl:"shared_secret"`

	// Listen is this agent's control-protocol address, where the
	// controller sends block/unblock/clear/health requests.
	Listen string `hcl:"listen,optional"`

	// UploadMode selects "streaming" or "batched". Both are
	// implemented; this picks which one runs.
	// @enum: streaming, batched
	// @default: "batched"
	UploadMode string `hcl:"upload_mode,optional"`

	// BatchSize and BatchIntervalMS bound batched-mode coalescing.
	// @default: 50
	BatchSize int `hcl:"batch_size,optional"`
	// @default: 2000
	BatchIntervalMS int `hcl:"batch_interval_ms,optional"`

	// QueueCapacity bounds the producer-consumer queue between the
	// tailer and the upload worker.
	// @default: 2000
	QueueCapacity int `hcl:"queue_capacity,optional"`

	// UploadTimeoutMS bounds a single upload post, in both streaming
	// and batched mode.
	// @default: 2000
	UploadTimeoutMS int `hcl:"upload_timeout_ms,optional"`

	// OffsetFile persists the tailer's file-identity and byte offset
	// across restarts; absence is non-fatal.
	OffsetFile string `hcl:"offset_file,optional"`

	// TTLSweepIntervalSeconds bounds the firewall executor's release
	// loop.
	// @default: 5
	TTLSweepIntervalSeconds int `hcl:"ttl_sweep_interval_seconds,optional"`

	Log *LogConfig `hcl:"log,block"`
}

// LogConfig configures the ambient logger (level + optional syslog sink).
type LogConfig struct {
	Level  string       `hcl:"level,optional"`
	Syslog *SyslogBlock `hcl:"syslog,block"`
}

// SyslogBlock mirrors logging.SyslogConfig in HCL form.
type SyslogBlock struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"`
}

// NotificationsConfig configures the side-notification dispatcher.
type NotificationsConfig struct {
	Enabled  bool                  `hcl:"enabled,optional"`
	Channels []NotificationChannel `hcl:"channel,block"`
}

// NotificationChannel is one configured sink (e.g. telegram, webhook).
type NotificationChannel struct {
	Name    string       `hcl:"name,label"`
	Type    string       `hcl:"type"` // "telegram", "webhook"
	Enabled bool         `hcl:"enabled,optional"`
	Level   string       `hcl:"level,optional"` // minimum level to forward
	Token   SecureString `hcl:"token,optional"`
	ChatID  string       `hcl:"chat_id,optional"`
	URL     string       `hcl:"url,optional"`
}

// DefaultController returns a Controller populated with suggested
// defaults, so a minimal file only needs to set secrets and the node
// set.
func DefaultController() Controller {
	return Controller{
		SchemaVersion:           "1.0",
		Listen:                  ":8443",
		AdminListen:             ":8444",
		IPWindowSeconds:         3600,
		GraceSeconds:            30,
		ConcurrentWindowSeconds: 30,
		SharingPolicy:           "smart",
		DropAllIPs:              true,
		DropDurationSeconds:     1800,
		DisableDurationMinutes:  60,
		DropCooldownSeconds:     60,
		ScanIntervalSeconds:     60,
		PruneIntervalSeconds:    30,
		ReEnableTickSeconds:     15,
		LimitTTLSeconds:         180,
		DataDir:                 "/var/lib/devicewall",
	}
}

// DefaultAgent returns sensible defaults for the agent side.
func DefaultAgent() Agent {
	return Agent{
		SchemaVersion:           "1.0",
		Listen:                  ":8445",
		UploadMode:              "batched",
		BatchSize:               50,
		BatchIntervalMS:         2000,
		QueueCapacity:           2000,
		UploadTimeoutMS:         2000,
		TTLSweepIntervalSeconds: 5,
	}
}

// IPWindow returns the configured IP window as a time.Duration.
func (c Controller) IPWindow() time.Duration {
	return time.Duration(c.IPWindowSeconds) * time.Second
}

// Grace returns the configured grace period as a time.Duration.
func (c Controller) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// ConcurrentWindow returns the configured concurrent window.
func (c Controller) ConcurrentWindow() time.Duration {
	return time.Duration(c.ConcurrentWindowSeconds) * time.Second
}

// DropCooldown returns the configured enforcement cooldown.
func (c Controller) DropCooldown() time.Duration {
	return time.Duration(c.DropCooldownSeconds) * time.Second
}

// DropDuration returns the configured firewall block TTL.
func (c Controller) DropDuration() time.Duration {
	return time.Duration(c.DropDurationSeconds) * time.Second
}

// DisableDuration returns the configured subscription-disable duration.
func (c Controller) DisableDuration() time.Duration {
	return time.Duration(c.DisableDurationMinutes) * time.Minute
}

// ScanInterval returns the configured scan cadence.
func (c Controller) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// PruneInterval returns the configured prune cadence.
func (c Controller) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalSeconds) * time.Second
}

// ReEnableTick returns the configured re-enable sweep cadence.
func (c Controller) ReEnableTick() time.Duration {
	return time.Duration(c.ReEnableTickSeconds) * time.Second
}

// LimitTTL returns the configured device-limit cache TTL.
func (c Controller) LimitTTL() time.Duration {
	return time.Duration(c.LimitTTLSeconds) * time.Second
}
