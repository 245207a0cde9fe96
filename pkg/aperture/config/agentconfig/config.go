// Package agentconfig loads the agent process's configuration, following
// pkg/config's viper + mapstructure shape from the teacher: SetDefault for
// every tunable, AutomaticEnv for overrides, then Unmarshal into a typed
// struct.
package agentconfig

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the agent reads at startup. Nothing here is
// hot-reloaded (spec.md §6's "global mutable state" note).
type Config struct {
	AgentID          string        `mapstructure:"agentId"`
	AggregatorAddr   string        `mapstructure:"aggregatorAddr"`
	AuthToken        string        `mapstructure:"authToken"`
	LogFormat        string        `mapstructure:"logFormat"`
	LowOverhead      bool          `mapstructure:"lowOverhead"`
	SampleHz         int           `mapstructure:"sampleHz"`
	PushInterval     time.Duration `mapstructure:"pushInterval"`
	MaxBatchEvents   int           `mapstructure:"maxBatchEvents"`
	BacklogCapacity  int           `mapstructure:"backlogCapacity"`
	FilterModulePath string        `mapstructure:"filterModulePath"`
	SymbolCacheSize  int           `mapstructure:"symbolCacheSize"`
	SymbolCacheShards int          `mapstructure:"symbolCacheShards"`

	// CpuMapPath, LockMapPath, and SyscallMapPath are the bpffs pin
	// locations for each probe class's ring buffer map. The probes
	// themselves are an external collaborator (spec.md §1's scope note);
	// a missing pin just means that probe class is skipped, not a fatal
	// error (spec.md §4.A treats per-probe-class failures as independent).
	CpuMapPath     string `mapstructure:"cpuMapPath"`
	LockMapPath    string `mapstructure:"lockMapPath"`
	SyscallMapPath string `mapstructure:"syscallMapPath"`

	// StackTraceMapPath is the bpffs pin for the shared
	// BPF_MAP_TYPE_STACK_TRACE map the probes record stack ids into.
	StackTraceMapPath string `mapstructure:"stackTraceMapPath"`
}

// defaultSampleHz and defaultPushInterval are the normal-overhead
// defaults; LowOverhead halves sampling frequency and doubles the push
// interval per spec.md §6.
const (
	defaultSampleHz      = 99
	defaultPushInterval  = 5 * time.Second
	lowOverheadSampleHz  = 49
	lowOverheadInterval  = 10 * time.Second
)

// Load reads configuration from environment variables (and, if present,
// a config file at path), applying spec.md §6's documented defaults and
// the LOW_OVERHEAD derived overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.AddConfigPath(path)
		v.SetConfigName("agent")
		v.SetConfigType("json")
	}

	v.SetDefault("logFormat", "text")
	v.SetDefault("sampleHz", defaultSampleHz)
	v.SetDefault("pushInterval", defaultPushInterval)
	v.SetDefault("maxBatchEvents", 50_000)
	v.SetDefault("backlogCapacity", 64)
	v.SetDefault("symbolCacheSize", 65_536)
	v.SetDefault("symbolCacheShards", 16)
	v.SetDefault("aggregatorAddr", "127.0.0.1:4317")
	v.SetDefault("cpuMapPath", "/sys/fs/bpf/aperture/cpu_events")
	v.SetDefault("lockMapPath", "/sys/fs/bpf/aperture/lock_events")
	v.SetDefault("syscallMapPath", "/sys/fs/bpf/aperture/syscall_events")
	v.SetDefault("stackTraceMapPath", "/sys/fs/bpf/aperture/stack_traces")

	v.BindEnv("agentId", "AGENT_ID")
	v.BindEnv("aggregatorAddr", "INGEST_LISTEN")
	v.BindEnv("authToken", "AUTH_TOKEN")
	v.BindEnv("logFormat", "LOG_FORMAT")
	v.BindEnv("lowOverhead", "LOW_OVERHEAD")
	v.BindEnv("filterModulePath", "FILTER_MODULE_PATH")
	v.BindEnv("cpuMapPath", "CPU_MAP_PATH")
	v.BindEnv("lockMapPath", "LOCK_MAP_PATH")
	v.BindEnv("syscallMapPath", "SYSCALL_MAP_PATH")
	v.BindEnv("stackTraceMapPath", "STACK_TRACE_MAP_PATH")
	v.AutomaticEnv()

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.LowOverhead {
		cfg.SampleHz = lowOverheadSampleHz
		cfg.PushInterval = lowOverheadInterval
	}
	return cfg, nil
}

// SamplePeriodNs is the collector's seal-time hint derived from SampleHz,
// carried per-batch on the wire (spec.md Open Question 1).
func (c Config) SamplePeriodNs() uint64 {
	if c.SampleHz <= 0 {
		return 0
	}
	return uint64(time.Second) / uint64(c.SampleHz)
}
