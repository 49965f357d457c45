// Package config carries the engine's recognized options with their
// defaults. Binaries populate it from the environment; libraries take
// it as a value.
package config

import (
	"os"
	"strconv"
	"time"
)

// Options are the tunables the engine recognizes. Zero values are
// replaced by defaults through WithDefaults.
type Options struct {
	MaxOperationsPerPush   int
	MaxSubscriptionsPerPull int
	MaxPullLimitCommits    int

	StaleTimeout         time.Duration
	HeartbeatInterval    time.Duration
	ForwardRetryInterval time.Duration
	PullInterval         time.Duration
	HealthCheckInterval  time.Duration

	// PruneInterval of zero disables pruning.
	PruneInterval time.Duration
	PruneMaxAge   time.Duration
}

// Default returns the documented defaults.
func Default() Options {
	return Options{
		MaxOperationsPerPush:    200,
		MaxSubscriptionsPerPull: 200,
		MaxPullLimitCommits:     100,
		StaleTimeout:            30 * time.Second,
		HeartbeatInterval:       30 * time.Second,
		ForwardRetryInterval:    5 * time.Second,
		PullInterval:            10 * time.Second,
		HealthCheckInterval:     30 * time.Second,
		PruneInterval:           time.Hour,
		PruneMaxAge:             7 * 24 * time.Hour,
	}
}

// WithDefaults fills unset fields from Default. PruneInterval is left
// alone: zero is a meaningful value (disabled).
func (o Options) WithDefaults() Options {
	d := Default()
	if o.MaxOperationsPerPush <= 0 {
		o.MaxOperationsPerPush = d.MaxOperationsPerPush
	}
	if o.MaxSubscriptionsPerPull <= 0 {
		o.MaxSubscriptionsPerPull = d.MaxSubscriptionsPerPull
	}
	if o.MaxPullLimitCommits <= 0 {
		o.MaxPullLimitCommits = d.MaxPullLimitCommits
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = d.StaleTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.ForwardRetryInterval <= 0 {
		o.ForwardRetryInterval = d.ForwardRetryInterval
	}
	if o.PullInterval <= 0 {
		o.PullInterval = d.PullInterval
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.PruneMaxAge <= 0 {
		o.PruneMaxAge = d.PruneMaxAge
	}
	return o
}

// FromEnv reads *_MS environment overrides on top of the defaults.
func FromEnv() Options {
	o := Default()
	o.MaxOperationsPerPush = envInt("SYNC_MAX_OPERATIONS_PER_PUSH", o.MaxOperationsPerPush)
	o.MaxSubscriptionsPerPull = envInt("SYNC_MAX_SUBSCRIPTIONS_PER_PULL", o.MaxSubscriptionsPerPull)
	o.MaxPullLimitCommits = envInt("SYNC_MAX_PULL_LIMIT_COMMITS", o.MaxPullLimitCommits)
	o.StaleTimeout = envMs("SYNC_STALE_TIMEOUT_MS", o.StaleTimeout)
	o.HeartbeatInterval = envMs("SYNC_HEARTBEAT_INTERVAL_MS", o.HeartbeatInterval)
	o.ForwardRetryInterval = envMs("SYNC_FORWARD_RETRY_INTERVAL_MS", o.ForwardRetryInterval)
	o.PullInterval = envMs("SYNC_PULL_INTERVAL_MS", o.PullInterval)
	o.HealthCheckInterval = envMs("SYNC_HEALTH_CHECK_INTERVAL_MS", o.HealthCheckInterval)
	if v, ok := os.LookupEnv("SYNC_PRUNE_INTERVAL_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			o.PruneInterval = time.Duration(ms) * time.Millisecond
		}
	}
	o.PruneMaxAge = envMs("SYNC_PRUNE_MAX_AGE_MS", o.PruneMaxAge)
	return o
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envMs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
