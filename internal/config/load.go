// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// LoadController reads and decodes a controller HCL file, applying
// defaults for any field the file omits.
func LoadController(path string) (*Controller, error) {
	cfg := DefaultController()
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode controller file %s: %w", path, err)
	}
	applyControllerDefaults(&cfg)
	return &cfg, nil
}

// LoadAgent reads and decodes an agent HCL file, applying defaults for
// any field the file omits.
func LoadAgent(path string) (*Agent, error) {
	cfg := DefaultAgent()
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode agent file %s: %w", path, err)
	}
	applyAgentDefaults(&cfg)
	return &cfg, nil
}

// applyControllerDefaults fills zero-valued optional fields left empty by
// a partially-specified file; hclsimple does not merge against a
// pre-populated struct for fields the file sets to their zero value, so
// defaults some deployments rely on (e.g. "" -> DefaultController()'s
// SharingPolicy) are re-applied explicitly here.
func applyControllerDefaults(c *Controller) {
	d := DefaultController()
	if c.SharingPolicy == "" {
		c.SharingPolicy = d.SharingPolicy
	}
	if c.IPWindowSeconds == 0 {
		c.IPWindowSeconds = d.IPWindowSeconds
	}
	if c.GraceSeconds == 0 {
		c.GraceSeconds = d.GraceSeconds
	}
	if c.ConcurrentWindowSeconds == 0 {
		c.ConcurrentWindowSeconds = d.ConcurrentWindowSeconds
	}
	if c.DropDurationSeconds == 0 {
		c.DropDurationSeconds = d.DropDurationSeconds
	}
	if c.DisableDurationMinutes == 0 {
		c.DisableDurationMinutes = d.DisableDurationMinutes
	}
	if c.DropCooldownSeconds == 0 {
		c.DropCooldownSeconds = d.DropCooldownSeconds
	}
	if c.ScanIntervalSeconds == 0 {
		c.ScanIntervalSeconds = d.ScanIntervalSeconds
	}
	if c.PruneIntervalSeconds == 0 {
		c.PruneIntervalSeconds = d.PruneIntervalSeconds
	}
	if c.ReEnableTickSeconds == 0 {
		c.ReEnableTickSeconds = d.ReEnableTickSeconds
	}
	if c.LimitTTLSeconds == 0 {
		c.LimitTTLSeconds = d.LimitTTLSeconds
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.AdminListen == "" {
		c.AdminListen = d.AdminListen
	}
}

func applyAgentDefaults(a *Agent) {
	d := DefaultAgent()
	if a.UploadMode == "" {
		a.UploadMode = d.UploadMode
	}
	if a.BatchSize == 0 {
		a.BatchSize = d.BatchSize
	}
	if a.BatchIntervalMS == 0 {
		a.BatchIntervalMS = d.BatchIntervalMS
	}
	if a.QueueCapacity == 0 {
		a.QueueCapacity = d.QueueCapacity
	}
	if a.UploadTimeoutMS == 0 {
		a.UploadTimeoutMS = d.UploadTimeoutMS
	}
	if a.TTLSweepIntervalSeconds == 0 {
		a.TTLSweepIntervalSeconds = d.TTLSweepIntervalSeconds
	}
	if a.Listen == "" {
		a.Listen = d.Listen
	}
}

// fileExists reports whether path can be stat'ed; FileExists exports it.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileExists reports whether path exists on disk.
func FileExists(path string) bool {
	return fileExists(path)
}
