package config

// Config is the umbrella configuration object for a NanoClaw host process.
// It is assembled by Initialize from a built-in default plus an optional
// user YAML file merged over it (dario.cat/mergo), mirroring the teacher's
// loader architecture.
type Config struct {
	Assistant  AssistantConfig  `yaml:"assistant"`
	Intervals  IntervalsConfig  `yaml:"intervals"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Worker     WorkerAuthConfig `yaml:"worker"`
	OpsAPI     OpsAPIConfig     `yaml:"ops_api"`
	Limits     LimitsConfig     `yaml:"limits"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Governance GovernanceConfig `yaml:"governance"`
	Groups     []GroupConfig    `yaml:"groups"`
	Workers    []WorkerConfig   `yaml:"workers"`
	DataDir    string           `yaml:"data_dir"`
}

// AssistantConfig configures the router's trigger detection.
type AssistantConfig struct {
	// Name is the trigger token (default "Andy"); messages must contain
	// "@Name" (case-insensitive, word-bounded) to be dispatched.
	Name string `yaml:"name"`
}

// IntervalsConfig holds every background loop's tick interval, in
// milliseconds, per spec §6's recognized environment variables.
type IntervalsConfig struct {
	PollIntervalMS          int `yaml:"poll_interval_ms"`
	SchedulerPollIntervalMS int `yaml:"scheduler_poll_interval_ms"`
	GovernancePollIntervalMS int `yaml:"governance_poll_interval_ms"`
	IPCPollIntervalMS       int `yaml:"ipc_poll_interval_ms"`
	NonceCleanupIntervalMS  int `yaml:"nonce_cleanup_interval_ms"`
	WorkerHealthIntervalMS  int `yaml:"worker_health_interval_ms"`
	SnapshotIntervalMS      int `yaml:"snapshot_interval_ms"`
}

// TimeoutsConfig bounds how long a single agent run or container may run.
type TimeoutsConfig struct {
	ContainerTimeoutSec     int `yaml:"container_timeout_sec"`
	IdleTimeoutSec          int `yaml:"idle_timeout_sec"`
	MaxConcurrentContainers int `yaml:"max_concurrent_containers"`
}

// WorkerAuthConfig configures HMAC request signing shared with remote workers.
type WorkerAuthConfig struct {
	Port                 int `yaml:"port"`
	NonceTTLMS           int `yaml:"nonce_ttl_ms"`
	NonceCap             int `yaml:"nonce_cap"`
	NonceCleanupInterval int `yaml:"nonce_cleanup_interval_ms"`
}

// OpsAPIConfig configures the read/write HTTP secrets and listen address for
// /ops.
type OpsAPIConfig struct {
	Port                int    `yaml:"port"`
	HTTPSecret          string `yaml:"http_secret"`
	WriteSecretCurrent  string `yaml:"write_secret_current"`
	WriteSecretPrevious string `yaml:"write_secret_previous"`
}

// LimitsConfig feature-flags and seeds the Limits Engine.
type LimitsConfig struct {
	Enabled           bool                    `yaml:"enabled"`
	ExtCallsEnabled   bool                    `yaml:"ext_calls_enabled"`
	EmbeddingsEnabled bool                    `yaml:"embeddings_enabled"`
	RatePerMinute     map[string]int          `yaml:"rate_per_minute"`
	Quotas            map[string]QuotaLimits  `yaml:"quotas"`
	Breaker           BreakerConfig           `yaml:"breaker"`
}

// QuotaLimits configures a single operation's daily soft/hard bounds.
type QuotaLimits struct {
	Soft int `yaml:"soft"`
	Hard int `yaml:"hard"`
}

// BreakerConfig configures the per-provider circuit breaker state machine.
type BreakerConfig struct {
	OpenAfterFails int `yaml:"open_after_fails"`
	FailWindowSec  int `yaml:"fail_window_sec"`
	CooldownSec    int `yaml:"cooldown_sec"`
}

// SchedulerConfig bounds the task scheduler's retry behavior.
type SchedulerConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// GovernanceConfig bounds per-group WIP concurrency for the governance loop.
type GovernanceConfig struct {
	MaxWIPPerGroup map[string]int `yaml:"max_wip_per_group"`
	DefaultMaxWIP  int            `yaml:"default_max_wip"`
}

// GroupConfig declares one tenant group.
type GroupConfig struct {
	Name   string `yaml:"name"`
	IsMain bool   `yaml:"is_main"`
	IPCDir string `yaml:"ipc_dir"`
}

// WorkerConfig declares one remote worker node and the groups it serves.
// Deny-by-default: a worker with an empty/absent GroupsServed serves nothing.
type WorkerConfig struct {
	ID              string   `yaml:"id"`
	Host            string   `yaml:"host"`
	User            string   `yaml:"user"`
	SSHPort         int      `yaml:"ssh_port"`
	LocalPort       int      `yaml:"local_port"`
	RemotePort      int      `yaml:"remote_port"`
	MaxWIP          int      `yaml:"max_wip"`
	GroupsServed    []string `yaml:"groups_served"`
	SharedSecretEnv string   `yaml:"shared_secret_env"`
}

// Stats summarizes the loaded configuration for /ops/stats and startup logs.
type Stats struct {
	GroupCount  int `json:"group_count"`
	WorkerCount int `json:"worker_count"`
}

// Stats computes a snapshot, mirroring the teacher's ConfigStats/Stats() pattern.
func (c *Config) Stats() Stats {
	return Stats{GroupCount: len(c.Groups), WorkerCount: len(c.Workers)}
}
