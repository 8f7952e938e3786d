package am

import (
	"github.com/spf13/viper"
)

// Default ports and paths
const (
	DefaultMasterAddr = ":16162"
	DefaultWSPath     = "/ws"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "tock.db")

	// Master defaults
	v.SetDefault("master.addr", DefaultMasterAddr)
	v.SetDefault("master.url", "http://localhost"+DefaultMasterAddr)
	v.SetDefault("master.ws_path", DefaultWSPath)
	v.SetDefault("master.metrics_path", "/metrics")
	v.SetDefault("master.min_workers", 0)
	v.SetDefault("master.worker_wait_seconds", 10)
	v.SetDefault("master.timezone", "")
	v.SetDefault("master.protocol_constraint", "^1.0.0")

	// Worker defaults
	v.SetDefault("worker.master_url", "ws://localhost"+DefaultMasterAddr+DefaultWSPath)
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.retry_delay_ms", 1000)
	v.SetDefault("worker.connect_timeout_ms", 5000)
	v.SetDefault("worker.outbox_size", 1024)

	// Output defaults
	v.SetDefault("output.backend", OutputSQLite)
	v.SetDefault("output.dir", "tock-output")
	v.SetDefault("output.ttl_hours", 0)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds configuration that has historical env names
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "TOCK_DATABASE_PATH")
	v.BindEnv("redis.password", "TOCK_REDIS_PASSWORD")

	// Workers have always accepted TOCK_WORKER_ID
	v.BindEnv("worker.id", "TOCK_WORKER_ID")
}
