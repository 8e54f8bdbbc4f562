package reconciler

import (
	"time"

	"github.com/smallbiznis/quotaengine/internal/config"
)

// Config controls sweep cadence, batching and cascade ownership leases.
type Config struct {
	Enabled      bool
	RunInterval  time.Duration
	BatchSize    int
	CascadeLease time.Duration
	LockTTL      time.Duration
	JobTimeout   time.Duration
	// CascadeFanout bounds concurrent dependent-aggregate writes per grant.
	CascadeFanout int
}

func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		RunInterval:   time.Hour,
		BatchSize:     100,
		CascadeLease:  5 * time.Minute,
		LockTTL:       10 * time.Minute,
		JobTimeout:    5 * time.Minute,
		CascadeFanout: 4,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:      cfg.Reconciler.Enabled,
		RunInterval:  cfg.Reconciler.Interval,
		BatchSize:    cfg.Reconciler.BatchSize,
		CascadeLease: cfg.Reconciler.CascadeLease,
		LockTTL:      cfg.Reconciler.LockTTL,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.CascadeLease <= 0 {
		c.CascadeLease = defaults.CascadeLease
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.CascadeFanout <= 0 {
		c.CascadeFanout = defaults.CascadeFanout
	}
	return c
}
