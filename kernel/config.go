package kernel

import (
	"time"

	kratosconfig "github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"

	"github.com/go-lynx/kernel/permission"
)

// RuntimeConfig is the "runtime" block of host configuration (spec.md §6):
// the tunables governing admission control and retired-instance drain.
type RuntimeConfig struct {
	MaxHistorySnapshots    int           `yaml:"maxHistorySnapshots"`
	DefaultTimeout         time.Duration `yaml:"defaultTimeout"`
	BulkheadMaxConcurrent  int64         `yaml:"bulkheadMaxConcurrent"`
	BulkheadAcquireTimeout time.Duration `yaml:"bulkheadAcquireTimeout"`
	ForceCleanupDelay      time.Duration `yaml:"forceCleanupDelay"`
	DyingCheckInterval     time.Duration `yaml:"dyingCheckInterval"`
}

// HostRule is one host-forced P0 governance rule (spec.md §4.6/§6).
type HostRule struct {
	Pattern     string        `yaml:"pattern"`
	Permission  string        `yaml:"permission"`
	Access      string        `yaml:"access"`
	Audit       bool          `yaml:"audit"`
	AuditAction string        `yaml:"auditAction"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Config is the host configuration struct described by spec.md §6,
// loaded via Kratos' config.Config.Scan the same way the teacher's
// boot.Boot loads its bootstrap config (boot/conf.go), just scanned into
// a plain struct instead of a protobuf-generated one: an embeddable
// kernel library has no business generating its own .proto config.
type Config struct {
	DevMode                     bool     `yaml:"devMode"`
	AutoScan                    bool     `yaml:"autoScan"`
	PluginHome                  string   `yaml:"pluginHome"`
	PluginRoots                 []string `yaml:"pluginRoots"`
	HostGovernanceEnabled       bool     `yaml:"hostGovernanceEnabled"`
	HostGovernanceInternalCalls bool     `yaml:"hostGovernanceInternalCalls"`
	HostCheckPermissions        bool     `yaml:"hostCheckPermissions"`
	PreloadAPIJars              []string `yaml:"preloadApiJars"`

	Runtime RuntimeConfig `yaml:"runtime"`
	Rules   []HostRule    `yaml:"rules"`
}

// DefaultConfig returns a Config seeded with every spec.md-documented
// default, so a YAML source only needs to override what it cares about.
func DefaultConfig() Config {
	return Config{
		HostCheckPermissions: true,
		Runtime: RuntimeConfig{
			MaxHistorySnapshots:    10,
			DefaultTimeout:         3 * time.Second,
			BulkheadMaxConcurrent:  DefaultBulkheadMaxConcurrent,
			BulkheadAcquireTimeout: DefaultBulkheadAcquireTimeout,
			ForceCleanupDelay:      30 * time.Second,
			DyingCheckInterval:     5 * time.Second,
		},
	}
}

// LoadConfig reads host configuration from a local YAML file or directory
// at path, the same source construction the teacher's
// boot.LoadLocalBootstrapConfig uses (file.NewSource + config.New), scanned
// into a Config seeded with DefaultConfig so unset fields keep their spec
// default instead of zeroing out.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	source := file.NewSource(path)
	c := kratosconfig.New(kratosconfig.WithSource(source))
	if err := c.Load(); err != nil {
		return cfg, err
	}
	defer c.Close()

	if err := c.Scan(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// NewKernelFromConfig builds a Kernel whose per-plugin bulkhead tunables
// come from cfg.Runtime, instead of a caller hand-picking them.
func NewKernelFromConfig(manager *Manager, cfg Config) *Kernel {
	return NewKernel(manager, cfg.Runtime.BulkheadMaxConcurrent, cfg.Runtime.BulkheadAcquireTimeout)
}

// NewPermissionService builds the permission.Service described by cfg:
// devMode toggles the warn-only override, hostGovernanceEnabled toggles
// whether permission.HostAppPluginID is exempt from checks (spec.md §4.7
// step 3).
func NewPermissionService(cfg Config) *permission.Service {
	return permission.New(cfg.DevMode, cfg.HostGovernanceEnabled)
}
