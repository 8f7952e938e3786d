// Package am holds tock's core configuration ("I am").
//
// Values come from built-in defaults, then /etc/tock/am.toml, ~/.tock/am.toml,
// the nearest project am.toml and finally TOCK_* environment variables.
package am

import "time"

// Config represents the core tock configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Master   MasterConfig   `mapstructure:"master"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Output   OutputConfig   `mapstructure:"output"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database holding schedules and jobs
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MasterConfig configures the dispatch engine and its worker endpoint
type MasterConfig struct {
	Addr               string `mapstructure:"addr"`                // Listen address for the worker socket, API and metrics
	URL                string `mapstructure:"url"`                 // Where the CLI reaches a running master's API
	WSPath             string `mapstructure:"ws_path"`             // Websocket path workers dial
	MetricsPath        string `mapstructure:"metrics_path"`        // Prometheus endpoint ("" disables)
	MinWorkers         int    `mapstructure:"min_workers"`         // Workers to wait for before the timer starts
	WorkerWaitSeconds  int    `mapstructure:"worker_wait_seconds"` // Upper bound for that wait
	Timezone           string `mapstructure:"timezone"`            // Location schedules are matched in ("" = local)
	ProtocolConstraint string `mapstructure:"protocol_constraint"` // Semver constraint a worker hello must satisfy
}

// WorkerConfig configures a worker process
type WorkerConfig struct {
	MasterURL        string `mapstructure:"master_url"`
	ID               string `mapstructure:"id"` // "" = hostname:pid
	RetryDelayMS     int    `mapstructure:"retry_delay_ms"`
	ConnectTimeoutMS int    `mapstructure:"connect_timeout_ms"`
	OutboxSize       int    `mapstructure:"outbox_size"` // Events buffered while disconnected
}

// OutputConfig selects where captured stdout/stderr is stored
type OutputConfig struct {
	Backend  string `mapstructure:"backend"`   // sqlite, fs or redis
	Dir      string `mapstructure:"dir"`       // fs backend root
	TTLHours int    `mapstructure:"ttl_hours"` // redis backend expiry (0 = keep)
}

// RedisConfig configures the redis connection used by the redis output backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Output backends
const (
	OutputSQLite = "sqlite"
	OutputFS     = "fs"
	OutputRedis  = "redis"
)

// RetryDelay returns the worker reconnect delay
func (w WorkerConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMS) * time.Millisecond
}

// ConnectTimeout returns the worker dial timeout
func (w WorkerConfig) ConnectTimeout() time.Duration {
	return time.Duration(w.ConnectTimeoutMS) * time.Millisecond
}

// WorkerWait returns how long the master waits for MinWorkers
func (m MasterConfig) WorkerWait() time.Duration {
	return time.Duration(m.WorkerWaitSeconds) * time.Second
}

// Location resolves the configured timezone
func (m MasterConfig) Location() (*time.Location, error) {
	if m.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(m.Timezone)
}

// TTL returns the redis output expiry
func (o OutputConfig) TTL() time.Duration {
	return time.Duration(o.TTLHours) * time.Hour
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
