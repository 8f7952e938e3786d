package am

import (
	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/tock/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Master: 0 min workers = start ticking immediately, negative = invalid
	if c.Master.MinWorkers < 0 {
		return errors.Newf("master.min_workers must be >= 0, got %d", c.Master.MinWorkers)
	}
	if c.Master.WorkerWaitSeconds < 0 {
		return errors.Newf("master.worker_wait_seconds must be >= 0, got %d", c.Master.WorkerWaitSeconds)
	}
	if c.Master.ProtocolConstraint != "" {
		if _, err := semver.NewConstraint(c.Master.ProtocolConstraint); err != nil {
			return errors.Wrapf(err, "master.protocol_constraint %q", c.Master.ProtocolConstraint)
		}
	}
	if _, err := c.Master.Location(); err != nil {
		return errors.Wrapf(err, "master.timezone %q", c.Master.Timezone)
	}

	// Worker timing: zero would spin the reconnect loop
	if c.Worker.RetryDelayMS <= 0 {
		return errors.Newf("worker.retry_delay_ms must be > 0, got %d", c.Worker.RetryDelayMS)
	}
	if c.Worker.ConnectTimeoutMS <= 0 {
		return errors.Newf("worker.connect_timeout_ms must be > 0, got %d", c.Worker.ConnectTimeoutMS)
	}
	if c.Worker.OutboxSize < 0 {
		return errors.Newf("worker.outbox_size must be >= 0, got %d", c.Worker.OutboxSize)
	}

	switch c.Output.Backend {
	case OutputSQLite:
	case OutputFS:
		if c.Output.Dir == "" {
			return errors.New("output.dir cannot be empty for the fs backend")
		}
	case OutputRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr cannot be empty for the redis backend")
		}
	default:
		return errors.WithHint(
			errors.Newf("unknown output.backend %q", c.Output.Backend),
			"use one of: sqlite, fs, redis",
		)
	}
	if c.Output.TTLHours < 0 {
		return errors.Newf("output.ttl_hours must be >= 0, got %d", c.Output.TTLHours)
	}

	if c.Log.Level != "" {
		if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
			return errors.Wrapf(err, "log.level %q", c.Log.Level)
		}
	}

	return nil
}
