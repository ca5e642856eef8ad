package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// File is the raw TOML shape of the agent configuration. Durations are
// strings ("2s", "30s") and are resolved during validation.
type File struct {
	Host struct {
		Interface    string `toml:"interface"`
		IP           string `toml:"ip"`
		RlimitNofile uint64 `toml:"rlimit_nofile"`
	} `toml:"host"`
	Resources struct {
		MaxCPUPercent float64 `toml:"max_cpu_percent"`
		MaxRAMPercent float64 `toml:"max_ram_percent"`
		ThrottleT1    float64 `toml:"throttle_t1"`
		ThrottleT2    float64 `toml:"throttle_t2"`
		ThrottleT3    float64 `toml:"throttle_t3"`
	} `toml:"resources"`
	Cluster struct {
		Profile     string `toml:"profile"`
		Region      string `toml:"region"`
		Domain      string `toml:"domain"`
		Endpoint    string `toml:"endpoint"`
		IndexPrefix string `toml:"index_prefix"`
		BulkSize    int    `toml:"bulk_size"`
		BulkTimeout string `toml:"bulk_timeout"`
	} `toml:"cluster"`
	Workers struct {
		SampleInterval string `toml:"sample_interval"`
		CheckInterval  string `toml:"check_interval"`
		MetricsAddr    string `toml:"metrics_addr"`
		MetricsPort    int    `toml:"metrics_port"`
	} `toml:"workers"`
	Paths struct {
		ComposeFile    string `toml:"compose_file"`
		ShipperConfig  string `toml:"shipper_config"`
		SnifferConfig  string `toml:"sniffer_config"`
		RAMLog         string `toml:"ram_log"`
		BufferDir      string `toml:"buffer_dir"`
		BufferMaxBytes int64  `toml:"buffer_max_bytes"`
	} `toml:"paths"`
	Templates struct {
		Shipper string `toml:"shipper"`
		Sniffer string `toml:"sniffer"`
	} `toml:"templates"`
	Git struct {
		Dir          string `toml:"dir"`
		Branch       string `toml:"branch"`
		StrictBranch bool   `toml:"strict_branch"`
	} `toml:"git"`
	Policy struct {
		DryRun            bool   `toml:"dry_run"`
		ShutdownGrace     string `toml:"shutdown_grace"`
		PhaseDTimeout     string `toml:"phase_d_timeout"`
		RetryAttempts     int    `toml:"retry_attempts"`
		RetryBase         string `toml:"retry_base"`
		RetryCap          string `toml:"retry_cap"`
		StopStackOnExit   bool   `toml:"stop_stack_on_exit"`
		ComposeMinVersion string `toml:"compose_min_version"`
	} `toml:"policy"`
}

// Config is the immutable, validated view handed to every component.
type Config struct {
	Interface    string
	HostIP       string
	RlimitNofile uint64

	MaxCPUPercent float64
	MaxRAMPercent float64
	ThrottleT1    float64
	ThrottleT2    float64
	ThrottleT3    float64

	Profile     string
	Region      string
	Domain      string
	Endpoint    string
	IndexPrefix string
	BulkSize    int
	BulkTimeout time.Duration

	SampleInterval time.Duration
	CheckInterval  time.Duration
	MetricsAddr    string
	MetricsPort    int

	ComposeFile    string
	ShipperConfig  string
	SnifferConfig  string
	RAMLog         string
	BufferDir      string
	BufferMaxBytes int64

	ShipperTemplate string
	SnifferTemplate string

	GitDir       string
	GitBranch    string
	StrictBranch bool

	DryRun            bool
	ShutdownGrace     time.Duration
	PhaseDTimeout     time.Duration
	RetryAttempts     int
	RetryBase         time.Duration
	RetryCap          time.Duration
	StopStackOnExit   bool
	ComposeMinVersion string
}

// MetricsListenAddr is the host:port the metrics endpoint binds.
func (c *Config) MetricsListenAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsAddr, c.MetricsPort)
}

var placeholderRe = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${NAME} placeholders from the process environment.
// $${NAME} escapes to a literal ${NAME}. A placeholder without a binding
// is an error naming the variable.
func ExpandEnv(data []byte) ([]byte, error) {
	var missing string
	out := placeholderRe.ReplaceAllFunc(data, func(m []byte) []byte {
		if missing != "" {
			return m
		}
		if m[0] == '$' && m[1] == '$' {
			return m[1:] // $${NAME} -> ${NAME}
		}
		name := string(placeholderRe.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = name
			return m
		}
		return []byte(v)
	})
	if missing != "" {
		return nil, fmt.Errorf("environment variable %q referenced by config is not set", missing)
	}
	return out, nil
}

// Load reads, expands, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded, err := ExpandEnv(raw)
	if err != nil {
		return nil, err
	}

	if err := validateSchema(expanded); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}

	var f File
	if err := toml.Unmarshal(expanded, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&f)
	return resolve(&f)
}

func applyDefaults(f *File) {
	r := &f.Resources
	if r.MaxCPUPercent == 0 {
		r.MaxCPUPercent = 70.0
	}
	if r.MaxRAMPercent == 0 {
		r.MaxRAMPercent = 70.0
	}
	if r.ThrottleT1 == 0 {
		r.ThrottleT1 = 50.0
	}
	if r.ThrottleT2 == 0 {
		r.ThrottleT2 = 60.0
	}
	if r.ThrottleT3 == 0 {
		r.ThrottleT3 = 70.0
	}
	if f.Cluster.IndexPrefix == "" {
		f.Cluster.IndexPrefix = "ids2-logs"
	}
	if f.Cluster.BulkSize == 0 {
		f.Cluster.BulkSize = 100
	}
	if f.Cluster.BulkTimeout == "" {
		f.Cluster.BulkTimeout = "30s"
	}
	w := &f.Workers
	if w.SampleInterval == "" {
		w.SampleInterval = "2s"
	}
	if w.CheckInterval == "" {
		w.CheckInterval = "30s"
	}
	if w.MetricsAddr == "" {
		w.MetricsAddr = "0.0.0.0"
	}
	if w.MetricsPort == 0 {
		w.MetricsPort = 9100
	}
	if f.Paths.BufferMaxBytes == 0 {
		f.Paths.BufferMaxBytes = 256 * 1024 * 1024
	}
	if f.Git.Branch == "" {
		f.Git.Branch = "dev"
	}
	p := &f.Policy
	if p.ShutdownGrace == "" {
		p.ShutdownGrace = "30s"
	}
	if p.PhaseDTimeout == "" {
		p.PhaseDTimeout = "120s"
	}
	if p.RetryAttempts == 0 {
		p.RetryAttempts = 3
	}
	if p.RetryBase == "" {
		p.RetryBase = "2s"
	}
	if p.RetryCap == "" {
		p.RetryCap = "10s"
	}
	if p.ComposeMinVersion == "" {
		p.ComposeMinVersion = "2.0.0"
	}
}

func parseDur(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %q", field, s)
	}
	return d, nil
}

func resolve(f *File) (*Config, error) {
	c := &Config{
		Interface:    f.Host.Interface,
		HostIP:       f.Host.IP,
		RlimitNofile: f.Host.RlimitNofile,

		MaxCPUPercent: f.Resources.MaxCPUPercent,
		MaxRAMPercent: f.Resources.MaxRAMPercent,
		ThrottleT1:    f.Resources.ThrottleT1,
		ThrottleT2:    f.Resources.ThrottleT2,
		ThrottleT3:    f.Resources.ThrottleT3,

		Profile:     f.Cluster.Profile,
		Region:      f.Cluster.Region,
		Domain:      f.Cluster.Domain,
		Endpoint:    f.Cluster.Endpoint,
		IndexPrefix: f.Cluster.IndexPrefix,
		BulkSize:    f.Cluster.BulkSize,

		MetricsAddr: f.Workers.MetricsAddr,
		MetricsPort: f.Workers.MetricsPort,

		ComposeFile:    f.Paths.ComposeFile,
		ShipperConfig:  f.Paths.ShipperConfig,
		SnifferConfig:  f.Paths.SnifferConfig,
		RAMLog:         f.Paths.RAMLog,
		BufferDir:      f.Paths.BufferDir,
		BufferMaxBytes: f.Paths.BufferMaxBytes,

		ShipperTemplate: f.Templates.Shipper,
		SnifferTemplate: f.Templates.Sniffer,

		GitDir:       f.Git.Dir,
		GitBranch:    f.Git.Branch,
		StrictBranch: f.Git.StrictBranch,

		DryRun:            f.Policy.DryRun,
		RetryAttempts:     f.Policy.RetryAttempts,
		StopStackOnExit:   f.Policy.StopStackOnExit,
		ComposeMinVersion: f.Policy.ComposeMinVersion,
	}

	var err error
	if c.BulkTimeout, err = parseDur("cluster.bulk_timeout", f.Cluster.BulkTimeout); err != nil {
		return nil, err
	}
	if c.SampleInterval, err = parseDur("workers.sample_interval", f.Workers.SampleInterval); err != nil {
		return nil, err
	}
	if c.CheckInterval, err = parseDur("workers.check_interval", f.Workers.CheckInterval); err != nil {
		return nil, err
	}
	if c.ShutdownGrace, err = parseDur("policy.shutdown_grace", f.Policy.ShutdownGrace); err != nil {
		return nil, err
	}
	if c.PhaseDTimeout, err = parseDur("policy.phase_d_timeout", f.Policy.PhaseDTimeout); err != nil {
		return nil, err
	}
	if c.RetryBase, err = parseDur("policy.retry_base", f.Policy.RetryBase); err != nil {
		return nil, err
	}
	if c.RetryCap, err = parseDur("policy.retry_cap", f.Policy.RetryCap); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	t1, t2, t3 := c.ThrottleT1, c.ThrottleT2, c.ThrottleT3
	for name, v := range map[string]float64{"throttle_t1": t1, "throttle_t2": t2, "throttle_t3": t3} {
		if v <= 0 || v > 100 {
			return fmt.Errorf("resources.%s: must be in (0,100], got %v", name, v)
		}
	}
	if !(t1 < t2 && t2 < t3) {
		return fmt.Errorf("resources: throttle thresholds must be strictly increasing, got %v/%v/%v", t1, t2, t3)
	}
	if c.MaxCPUPercent < t3 || c.MaxRAMPercent < t3 {
		return fmt.Errorf("resources: ceilings must be >= throttle_t3 (%v)", t3)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("workers.metrics_port: must be in [1,65535], got %d", c.MetricsPort)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("policy.retry_attempts: must be >= 1, got %d", c.RetryAttempts)
	}
	if c.RetryCap < c.RetryBase {
		return fmt.Errorf("policy.retry_cap: must be >= retry_base")
	}
	paths := map[string]string{
		"paths.compose_file":   c.ComposeFile,
		"paths.shipper_config": c.ShipperConfig,
		"paths.sniffer_config": c.SnifferConfig,
		"paths.ram_log":        c.RAMLog,
		"paths.buffer_dir":     c.BufferDir,
		"templates.shipper":    c.ShipperTemplate,
		"templates.sniffer":    c.SnifferTemplate,
	}
	for name, v := range paths {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s: must be a non-empty path", name)
		}
	}
	if strings.TrimSpace(c.Interface) == "" {
		return fmt.Errorf("host.interface: must be set")
	}
	if strings.TrimSpace(c.Domain) == "" && strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("cluster: either domain or endpoint must be set")
	}
	return nil
}
