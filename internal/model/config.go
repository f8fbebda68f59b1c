// Package model defines the data structures for flotilla's configuration,
// work orders, runs, policies, and shift records.
package model

type Config struct {
	Fleet     FleetConfig     `yaml:"fleet"`
	Autopilot AutopilotConfig `yaml:"autopilot"`
	MergeLock MergeLockConfig `yaml:"merge_lock"`
	Shift     ShiftConfig     `yaml:"shift"`
	Agent     AgentConfig     `yaml:"agent"`
	Report    ReportConfig    `yaml:"report"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type FleetConfig struct {
	Name           string   `yaml:"name"`
	DiscoveryRoots []string `yaml:"discovery_roots"`
}

type AutopilotConfig struct {
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	// RecentRunWindow bounds the run-history scan for the failure circuit breaker.
	RecentRunWindow int `yaml:"recent_run_window"`
}

type MergeLockConfig struct {
	StaleAfterMin int `yaml:"stale_after_min"`
}

type ShiftConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	// StaleAfterMin is the age past which an active shift without completion
	// is swept to failed.
	StaleAfterMin int `yaml:"stale_after_min"`
}

type AgentConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

type ReportConfig struct {
	// QuietHoursStart/End are 24h clock hours in local time. Equal values
	// disable the quiet window.
	QuietHoursStart int `yaml:"quiet_hours_start"`
	QuietHoursEnd   int `yaml:"quiet_hours_end"`
	CooldownMin     int `yaml:"cooldown_min"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	// Notify enables desktop notifications for paused projects.
	Notify bool `yaml:"notify"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
