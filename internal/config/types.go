package config

import "time"

// Config represents the complete ahenk agent configuration.
type Config struct {
	Agent     AgentConfig           `yaml:"agent"`
	Database  DatabaseConfig        `yaml:"database"`
	Staging   StagingConfig         `yaml:"staging"`
	Transfer  TransferConfig        `yaml:"transfer"`
	Dispatch  DispatchConfig        `yaml:"dispatch"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Outbox    OutboxConfig          `yaml:"outbox"`
	Notify    NotifyConfig          `yaml:"notify"`
	API       APIConfig             `yaml:"api"`
	Plugins   map[string]PluginConf `yaml:"plugins"`

	// Path is the absolute path the configuration was loaded from.
	Path string `yaml:"-"`
}

// AgentConfig defines process-wide settings.
type AgentConfig struct {
	Name        string `yaml:"name"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	PIDFile     string `yaml:"pid_file"`
	EventBuffer int    `yaml:"event_buffer"`
}

// DatabaseConfig defines the local task/policy record store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StagingConfig defines the private received-files directory.
type StagingConfig struct {
	Dir string `yaml:"dir"`
}

// TransferConfig applies to every file transfer session.
type TransferConfig struct {
	KnownHosts  string        `yaml:"known_hosts"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DispatchConfig tunes the plugin workers.
type DispatchConfig struct {
	SynthesizeMissingResponse bool          `yaml:"synthesize_missing_response"`
	SlowHandlerWarning        time.Duration `yaml:"slow_handler_warning"`
	NotifyTimeout             time.Duration `yaml:"notify_timeout"`
	NotifyTitle               string        `yaml:"notify_title"`
	ShutdownTimeout           time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig defines how deferred tasks are re-dispatched.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Jitter       time.Duration `yaml:"jitter"`
}

// OutboxConfig defines where status responses go when no message bus is
// attached. An empty path writes to stdout.
type OutboxConfig struct {
	Path string `yaml:"path"`
}

// NotifyConfig defines desktop notifications to logged-in users.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

// APIConfig defines the local admin HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

// PluginConf defines configuration for a single built-in plugin.
type PluginConf struct {
	Enabled bool           `yaml:"enabled"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// ChecksumManifest is the content of the .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// IntegrityResult is the outcome of verifying the pinned files.
type IntegrityResult struct {
	Passed   bool
	Verified bool
	Warnings []string
	Errors   []string
}

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:        "ahenk",
			LogLevel:    "info",
			LogFormat:   "json",
			PIDFile:     "/var/run/ahenk/ahenk.pid",
			EventBuffer: 256,
		},
		Database: DatabaseConfig{Path: "/var/lib/ahenk/ahenk.db"},
		Staging:  StagingConfig{Dir: "/var/lib/ahenk/received"},
		Transfer: TransferConfig{DialTimeout: 30 * time.Second},
		Dispatch: DispatchConfig{
			SynthesizeMissingResponse: true,
			NotifyTimeout:             10 * time.Second,
			NotifyTitle:               "Ahenk",
			ShutdownTimeout:           30 * time.Second,
		},
		Scheduler: SchedulerConfig{TickInterval: time.Second},
		Notify:    NotifyConfig{Enabled: true, Command: "notify-send"},
		API:       APIConfig{Listen: "127.0.0.1:8082"},
		Plugins: map[string]PluginConf{
			"sysinfo": {Enabled: true},
		},
	}
}
