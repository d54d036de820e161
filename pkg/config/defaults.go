package config

// Defaults returns the built-in configuration every user YAML file is
// merged over (dario.cat/mergo, user values win). Values mirror the
// environment variable defaults documented in spec §6.
func Defaults() Config {
	return Config{
		Assistant: AssistantConfig{Name: "Andy"},
		Intervals: IntervalsConfig{
			PollIntervalMS:           1000,
			SchedulerPollIntervalMS:  60_000,
			GovernancePollIntervalMS: 60_000,
			IPCPollIntervalMS:        1000,
			NonceCleanupIntervalMS:   60_000,
			WorkerHealthIntervalMS:   15_000,
			SnapshotIntervalMS:       30_000,
		},
		Timeouts: TimeoutsConfig{
			ContainerTimeoutSec:     1800,
			IdleTimeoutSec:          300,
			MaxConcurrentContainers: 1,
		},
		Worker: WorkerAuthConfig{
			Port:                 7532,
			NonceTTLMS:           60_000,
			NonceCap:             10_000,
			NonceCleanupInterval: 60_000,
		},
		OpsAPI: OpsAPIConfig{Port: 8090},
		Limits: LimitsConfig{
			Enabled:           true,
			ExtCallsEnabled:   true,
			EmbeddingsEnabled: false,
			RatePerMinute:     map[string]int{"cockpit_write": 30, "agent_run": 10},
			Quotas:            map[string]QuotaLimits{"agent_run": {Soft: 800, Hard: 1000}},
			Breaker:           BreakerConfig{OpenAfterFails: 3, FailWindowSec: 120, CooldownSec: 30},
		},
		Scheduler:  SchedulerConfig{MaxAttempts: 5},
		Governance: GovernanceConfig{DefaultMaxWIP: 3},
		DataDir:    "./data",
	}
}
