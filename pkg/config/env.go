package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Recognized environment variables. Durations are expressed in integer
// milliseconds to match the external contract.
const (
	EnvProgressMinDelta     = "PROGRESS_MIN_DELTA"
	EnvNoProgressNoExtendMS = "NO_PROGRESS_NO_EXTEND_MS"
	EnvExtendOnProgressMS   = "EXTEND_ON_PROGRESS_MS"
	EnvMaxTotalExtensionMS  = "MAX_TOTAL_EXTENSION_MS"
	EnvDelegationPollMS     = "DELEGATION_POLL_MS"
	EnvDelegationTimeoutMS  = "DELEGATION_TIMEOUT_MS"
	EnvMaxDelegationDepth   = "MAX_DELEGATION_DEPTH"
	EnvInterruptTTLMS       = "INTERRUPT_TTL_MS"
	EnvRegistryCapacity     = "REGISTRY_CAPACITY"
	EnvRegistryGraceMS      = "REGISTRY_TERMINAL_GRACE_MS"
	EnvToolTimeoutMS        = "TOOL_TIMEOUT_MS"
)

// FromEnv builds a Config from the environment, falling back to defaults
// for unset or malformed values. Malformed values are logged and ignored
// rather than failing startup.
func FromEnv() *Config {
	c := Default()
	c.ProgressMinDelta = envInt(EnvProgressMinDelta, c.ProgressMinDelta)
	c.NoProgressNoExtendAfter = envDurationMS(EnvNoProgressNoExtendMS, c.NoProgressNoExtendAfter)
	c.ExtendOnProgress = envDurationMS(EnvExtendOnProgressMS, c.ExtendOnProgress)
	c.MaxTotalExtension = envDurationMS(EnvMaxTotalExtensionMS, c.MaxTotalExtension)
	c.DelegationPollInterval = envDurationMS(EnvDelegationPollMS, c.DelegationPollInterval)
	c.DelegationTimeout = envDurationMS(EnvDelegationTimeoutMS, c.DelegationTimeout)
	c.MaxDelegationDepth = envInt(EnvMaxDelegationDepth, c.MaxDelegationDepth)
	c.InterruptTTL = envDurationMS(EnvInterruptTTLMS, c.InterruptTTL)
	c.RegistryCapacity = envInt(EnvRegistryCapacity, c.RegistryCapacity)
	c.RegistryTerminalGrace = envDurationMS(EnvRegistryGraceMS, c.RegistryTerminalGrace)
	c.ToolTimeout = envDurationMS(EnvToolTimeoutMS, c.ToolTimeout)
	return c
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring malformed environment value", "key", key, "value", raw, "error", err)
		return fallback
	}
	return v
}

func envDurationMS(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		slog.Warn("Ignoring malformed environment value", "key", key, "value", raw, "error", err)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
