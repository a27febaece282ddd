// Package config holds the engine's runtime configuration: budget and
// timeout knobs, delegation limits, interrupt TTLs, and registry capacity.
// Values come from the environment with documented defaults; agent
// definitions themselves are supplied by the caller as models.AgentConfig
// values and are not loaded here.
package config

import (
	"fmt"
	"time"
)

// Config is the resolved engine configuration. Construct with Default()
// or FromEnv(); mutate only before handing it to the engine.
type Config struct {
	// Adaptive timeout extension (see budget.Tracker).
	ProgressMinDelta       int           // required progress jump per extension, percentage points
	NoProgressNoExtendAfter time.Duration // stop extending after this long without progress
	ExtendOnProgress       time.Duration // amount added per qualifying progress event
	MaxTotalExtension      time.Duration // cap on cumulative extensions

	// Delegation coordinator.
	DelegationPollInterval time.Duration
	DelegationTimeout      time.Duration
	MaxDelegationDepth     int

	// Interrupts.
	InterruptTTL time.Duration

	// Execution registry.
	RegistryCapacity      int
	RegistryTerminalGrace time.Duration

	// Tool runtime.
	ToolTimeout time.Duration

	// Event bus.
	SubscriberBuffer int

	// Supervisor history filtering: number of trailing tool messages kept.
	FocusedHistoryToolMessages int
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		ProgressMinDelta:        5,
		NoProgressNoExtendAfter: 60 * time.Second,
		ExtendOnProgress:        60 * time.Second,
		MaxTotalExtension:       180 * time.Second,
		DelegationPollInterval:  750 * time.Millisecond,
		DelegationTimeout:       180 * time.Second,
		MaxDelegationDepth:      3,
		InterruptTTL:            5 * time.Minute,
		RegistryCapacity:        10000,
		RegistryTerminalGrace:   60 * time.Second,
		ToolTimeout:             60 * time.Second,
		SubscriberBuffer:        256,
		FocusedHistoryToolMessages: 5,
	}
}

// Validate rejects configurations that would stall or livelock the engine.
func (c *Config) Validate() error {
	if c.ProgressMinDelta < 0 || c.ProgressMinDelta > 100 {
		return fmt.Errorf("config: progress min delta %d out of range [0,100]", c.ProgressMinDelta)
	}
	if c.MaxDelegationDepth < 1 {
		return fmt.Errorf("config: max delegation depth must be >= 1, got %d", c.MaxDelegationDepth)
	}
	if c.RegistryCapacity < 1 {
		return fmt.Errorf("config: registry capacity must be >= 1, got %d", c.RegistryCapacity)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("config: tool timeout must be positive, got %s", c.ToolTimeout)
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("config: subscriber buffer must be >= 1, got %d", c.SubscriberBuffer)
	}
	if c.DelegationPollInterval <= 0 {
		return fmt.Errorf("config: delegation poll interval must be positive, got %s", c.DelegationPollInterval)
	}
	return nil
}
