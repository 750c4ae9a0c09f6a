package repo

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/object"
)

// Duration marshals to/from the "30s" / "720h" form in the config
// file.
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Retention controls which checkpoints survive GC.  The live set is
// the union of pinned checkpoints, the last KeepCount, and everything
// younger than KeepDuration.
type Retention struct {
	KeepCount    int      `yaml:"keep_count"`
	KeepDuration Duration `yaml:"keep_duration"`
}

// Bridge configures the external DVCS adapter.
type Bridge struct {
	Branch  string `yaml:"branch"`
	GitCmd  string `yaml:"git_cmd"`
	PushCmd string `yaml:"push_cmd"`
	PullCmd string `yaml:"pull_cmd"`
}

// Config is the repository configuration, written at init and
// immutable for the lifetime of a daemon.
type Config struct {
	HashAlgo                  object.Algo `yaml:"hash_algo"`
	DebounceMS                int         `yaml:"debounce_ms"`
	CompressionThresholdBytes int         `yaml:"compression_threshold_bytes"`
	CompressionLevel          int         `yaml:"compression_level"`
	Retention                 Retention   `yaml:"retention"`
	ReconcileIntervalSecs     int         `yaml:"reconcile_interval_secs"`
	IgnorePatterns            []string    `yaml:"ignore_patterns"`
	// FastPath skips re-reading files whose size+mtime match the stat
	// cache.  Off by default: correctness over speed.
	FastPath bool   `yaml:"fast_path"`
	Bridge   Bridge `yaml:"bridge"`
}

func DefaultConfig() Config {
	return Config{
		HashAlgo:                  object.SHA1,
		DebounceMS:                300,
		CompressionThresholdBytes: 4096,
		CompressionLevel:          6,
		Retention: Retention{
			KeepCount:    1000,
			KeepDuration: Duration(30 * 24 * time.Hour),
		},
		ReconcileIntervalSecs: 300,
		Bridge: Bridge{
			Branch:  "timelapse",
			GitCmd:  "git",
			PushCmd: "git push",
			PullCmd: "git pull --ff-only",
		},
	}
}

func (c *Config) Validate() error {
	if !c.HashAlgo.Valid() {
		return errs.New(errs.ConfigInvalid, "hash_algo must be sha1 or blake3, got %q", c.HashAlgo)
	}
	if c.DebounceMS <= 0 {
		return errs.New(errs.ConfigInvalid, "debounce_ms must be positive, got %d", c.DebounceMS)
	}
	if c.CompressionThresholdBytes < 0 {
		return errs.New(errs.ConfigInvalid, "compression_threshold_bytes must not be negative")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return errs.New(errs.ConfigInvalid, "compression_level must be 0..9, got %d", c.CompressionLevel)
	}
	if c.Retention.KeepCount < 0 {
		return errs.New(errs.ConfigInvalid, "retention.keep_count must not be negative")
	}
	if c.Retention.KeepDuration < 0 {
		return errs.New(errs.ConfigInvalid, "retention.keep_duration must not be negative")
	}
	if c.ReconcileIntervalSecs < 0 {
		return errs.New(errs.ConfigInvalid, "reconcile_interval_secs must not be negative")
	}
	return nil
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ConfigKeys lists the dotted keys accepted by Get/Set, in display
// order.
var ConfigKeys = []string{
	"hash_algo",
	"debounce_ms",
	"compression_threshold_bytes",
	"compression_level",
	"retention.keep_count",
	"retention.keep_duration",
	"reconcile_interval_secs",
	"fast_path",
	"bridge.branch",
	"bridge.git_cmd",
	"bridge.push_cmd",
	"bridge.pull_cmd",
}

// Get returns one configuration value by its dotted key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "hash_algo":
		return string(c.HashAlgo), nil
	case "debounce_ms":
		return strconv.Itoa(c.DebounceMS), nil
	case "compression_threshold_bytes":
		return strconv.Itoa(c.CompressionThresholdBytes), nil
	case "compression_level":
		return strconv.Itoa(c.CompressionLevel), nil
	case "retention.keep_count":
		return strconv.Itoa(c.Retention.KeepCount), nil
	case "retention.keep_duration":
		return time.Duration(c.Retention.KeepDuration).String(), nil
	case "reconcile_interval_secs":
		return strconv.Itoa(c.ReconcileIntervalSecs), nil
	case "fast_path":
		return strconv.FormatBool(c.FastPath), nil
	case "bridge.branch":
		return c.Bridge.Branch, nil
	case "bridge.git_cmd":
		return c.Bridge.GitCmd, nil
	case "bridge.push_cmd":
		return c.Bridge.PushCmd, nil
	case "bridge.pull_cmd":
		return c.Bridge.PullCmd, nil
	}
	return "", errs.New(errs.ConfigInvalid, "unknown config key %q", key)
}

// Set updates one value by its dotted key.  hash_algo is fixed at
// init and cannot be changed; everything else takes effect at the
// next daemon start.
func (c *Config) Set(key, value string) error {
	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, errs.New(errs.ConfigInvalid, "%s: %q is not an integer", key, value)
		}
		return n, nil
	}
	switch key {
	case "hash_algo":
		return errs.New(errs.ConfigInvalid, "hash_algo is set at init and immutable")
	case "debounce_ms":
		n, err := atoi()
		if err != nil {
			return err
		}
		c.DebounceMS = n
	case "compression_threshold_bytes":
		n, err := atoi()
		if err != nil {
			return err
		}
		c.CompressionThresholdBytes = n
	case "compression_level":
		n, err := atoi()
		if err != nil {
			return err
		}
		c.CompressionLevel = n
	case "retention.keep_count":
		n, err := atoi()
		if err != nil {
			return err
		}
		c.Retention.KeepCount = n
	case "retention.keep_duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return errs.New(errs.ConfigInvalid, "%s: %q is not a duration", key, value)
		}
		c.Retention.KeepDuration = Duration(d)
	case "reconcile_interval_secs":
		n, err := atoi()
		if err != nil {
			return err
		}
		c.ReconcileIntervalSecs = n
	case "fast_path":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errs.New(errs.ConfigInvalid, "%s: %q is not a boolean", key, value)
		}
		c.FastPath = b
	case "bridge.branch":
		c.Bridge.Branch = value
	case "bridge.git_cmd":
		c.Bridge.GitCmd = value
	case "bridge.push_cmd":
		c.Bridge.PushCmd = value
	case "bridge.pull_cmd":
		c.Bridge.PullCmd = value
	default:
		return errs.New(errs.ConfigInvalid, "unknown config key %q", key)
	}
	return c.Validate()
}

func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errs.Wrap(errs.ConfigInvalid, err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
