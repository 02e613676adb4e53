// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon configuration from HCL or YAML files.
package config

import (
	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
)

// Config is the top-level daemon configuration.
type Config struct {
	Queue   *QueueConfig   `hcl:"queue,block" yaml:"queue" json:"queue,omitempty"`
	Logging *LoggingConfig `hcl:"logging,block" yaml:"logging" json:"logging,omitempty"`
	Metrics *MetricsConfig `hcl:"metrics,block" yaml:"metrics" json:"metrics,omitempty"`
	Rule    *RuleConfig    `hcl:"rule,block" yaml:"rule" json:"rule,omitempty"`
}

// QueueConfig selects the netfilter queue and how packets are copied and judged.
type QueueConfig struct {
	ID       int    `hcl:"id,optional" yaml:"id" json:"id"`
	Capacity int    `hcl:"capacity,optional" yaml:"capacity" json:"capacity,omitempty"`
	CopyMode string `hcl:"copy_mode,optional" yaml:"copy_mode" json:"copy_mode,omitempty"` // none, meta, packet
	// CopyRange is the number of payload bytes copied; at most 4096 are used.
	CopyRange int `hcl:"copy_range,optional" yaml:"copy_range" json:"copy_range,omitempty"`
	// ReceiveBuffer overrides the socket buffer derived from Capacity.
	ReceiveBuffer int    `hcl:"receive_buffer,optional" yaml:"receive_buffer" json:"receive_buffer,omitempty"`
	Verdict       string `hcl:"verdict,optional" yaml:"verdict" json:"verdict,omitempty"` // accept, drop
	// Mark is set on accepted packets when non-zero.
	Mark int `hcl:"mark,optional" yaml:"mark" json:"mark,omitempty"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level      string `hcl:"level,optional" yaml:"level" json:"level,omitempty"`
	JSON       bool   `hcl:"json,optional" yaml:"json" json:"json,omitempty"`
	File       string `hcl:"file,optional" yaml:"file" json:"file,omitempty"`
	MaxSizeMB  int    `hcl:"max_size_mb,optional" yaml:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `hcl:"max_backups,optional" yaml:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `hcl:"max_age_days,optional" yaml:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `hcl:"compress,optional" yaml:"compress" json:"compress,omitempty"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional" yaml:"listen" json:"listen,omitempty"`
	Path   string `hcl:"path,optional" yaml:"path" json:"path,omitempty"`
}

// RuleConfig describes the nftables rule steering traffic into the queue.
type RuleConfig struct {
	Install  bool   `hcl:"install,optional" yaml:"install" json:"install,omitempty"`
	Family   string `hcl:"family,optional" yaml:"family" json:"family,omitempty"` // inet, ip
	Table    string `hcl:"table,optional" yaml:"table" json:"table,omitempty"`
	Chain    string `hcl:"chain,optional" yaml:"chain" json:"chain,omitempty"`
	Hook     string `hcl:"hook,optional" yaml:"hook" json:"hook,omitempty"` // prerouting, input, forward, output, postrouting
	Priority int    `hcl:"priority,optional" yaml:"priority" json:"priority,omitempty"`
	// Interface restricts the rule to one input (or, for output hooks, output) interface.
	Interface string `hcl:"interface,optional" yaml:"interface" json:"interface,omitempty"`
	// Bypass accepts packets instead of dropping them while no program listens on the queue.
	Bypass bool `hcl:"bypass,optional" yaml:"bypass" json:"bypass,omitempty"`
}

// Defaults applied to unset fields.
const (
	DefaultCapacity    = 1024
	DefaultCopyMode    = "packet"
	DefaultVerdict     = "accept"
	DefaultLogLevel    = "info"
	DefaultMetricsPath = "/metrics"
	DefaultRuleFamily  = "inet"
	DefaultRuleTable   = "nfqengine"
	DefaultRuleChain   = "nfqueue"
	DefaultRuleHook    = "input"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills missing blocks and zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Rule == nil {
		c.Rule = &RuleConfig{}
	}

	q := c.Queue
	if q.Capacity == 0 {
		q.Capacity = DefaultCapacity
	}
	if q.CopyMode == "" {
		q.CopyMode = DefaultCopyMode
	}
	if q.CopyRange == 0 {
		q.CopyRange = kernel.PacketMaxSize
	}
	if q.Verdict == "" {
		q.Verdict = DefaultVerdict
	}

	l := c.Logging
	if l.Level == "" {
		l.Level = DefaultLogLevel
	}
	def := logging.DefaultConfig()
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = def.MaxSizeMB
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = def.MaxBackups
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = def.MaxAgeDays
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	r := c.Rule
	if r.Family == "" {
		r.Family = DefaultRuleFamily
	}
	if r.Table == "" {
		r.Table = DefaultRuleTable
	}
	if r.Chain == "" {
		r.Chain = DefaultRuleChain
	}
	if r.Hook == "" {
		r.Hook = DefaultRuleHook
	}
}

// Mode returns the parsed copy mode. Call Validate first.
func (q *QueueConfig) Mode() kernel.CopyMode {
	m, _ := kernel.ParseCopyMode(q.CopyMode)
	return m
}

// ReceiveBufferSize returns the configured buffer size, or the default
// derived from Capacity.
func (q *QueueConfig) ReceiveBufferSize() uint32 {
	if q.ReceiveBuffer > 0 {
		return uint32(q.ReceiveBuffer)
	}
	return kernel.DefaultReceiveBuffer(uint32(q.Capacity))
}

// VerdictValue returns the verdict applied to every packet.
func (q *QueueConfig) VerdictValue() kernel.Verdict {
	if q.Verdict == "drop" {
		return kernel.Drop()
	}
	if q.Mark != 0 {
		return kernel.AcceptWithMark(uint32(q.Mark))
	}
	return kernel.Accept()
}

// LoggerConfig converts the block into a logging.Config.
func (l *LoggingConfig) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(l.Level); err == nil {
		cfg.Level = lvl
	}
	cfg.JSON = l.JSON
	cfg.File = l.File
	cfg.MaxSizeMB = l.MaxSizeMB
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAgeDays = l.MaxAgeDays
	cfg.Compress = l.Compress
	return cfg
}
