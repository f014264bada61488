package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ycx81/safety-supervisor/pkg/monitor"
)

// SafetyConfig holds the safety core tunables.
type SafetyConfig struct {
	DegradedModeEnabled bool   `mapstructure:"degraded_mode_enabled" yaml:"degraded_mode_enabled"`
	DegradedTimeoutMS   uint32 `mapstructure:"degraded_timeout_ms" yaml:"degraded_timeout_ms"`
	FeedWhileSafe       bool   `mapstructure:"feed_while_safe" yaml:"feed_while_safe"`
	ErrorLogSize        int    `mapstructure:"error_log_size" yaml:"error_log_size"`
}

// WatchdogConfig holds the watchdog protocol timing.
type WatchdogConfig struct {
	TimeoutMS      uint32 `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	FeedPeriodMS   uint32 `mapstructure:"feed_period_ms" yaml:"feed_period_ms"`
	TokenTimeoutMS uint32 `mapstructure:"token_timeout_ms" yaml:"token_timeout_ms"`
	WindowEnabled  bool   `mapstructure:"window_enabled" yaml:"window_enabled"`
}

// SelfTestConfig holds the self-test engine tunables.
type SelfTestConfig struct {
	CPUTestEnabled        bool   `mapstructure:"cpu_test_enabled" yaml:"cpu_test_enabled"`
	RAMTestEnabled        bool   `mapstructure:"ram_test_enabled" yaml:"ram_test_enabled"`
	FlashTestEnabled      bool   `mapstructure:"flash_test_enabled" yaml:"flash_test_enabled"`
	ClockTestEnabled      bool   `mapstructure:"clock_test_enabled" yaml:"clock_test_enabled"`
	BlockSize             uint32 `mapstructure:"block_size" yaml:"block_size"`
	ClockTolerancePercent uint32 `mapstructure:"clock_tolerance_percent" yaml:"clock_tolerance_percent"`
}

// Config is the full supervisor configuration.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr" yaml:"listen_addr"`
	FlashImage  string `mapstructure:"flash_image" yaml:"flash_image"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogJSON     bool   `mapstructure:"log_json" yaml:"log_json"`
	APIKey      string `mapstructure:"api_key" yaml:"api_key"`
	TLSCertFile string `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file" yaml:"tls_key_file"`

	Safety   SafetyConfig   `mapstructure:"safety" yaml:"safety"`
	Watchdog WatchdogConfig `mapstructure:"watchdog" yaml:"watchdog"`
	SelfTest SelfTestConfig `mapstructure:"selftest" yaml:"selftest"`
	Monitor  monitor.Config `mapstructure:"monitor" yaml:"monitor"`
}

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8090",
		FlashImage: "flash.img",
		LogLevel:   "info",
		LogJSON:    false,
		Safety: SafetyConfig{
			DegradedModeEnabled: true,
			DegradedTimeoutMS:   30000,
			FeedWhileSafe:       false,
			ErrorLogSize:        16,
		},
		Watchdog: WatchdogConfig{
			TimeoutMS:      2000,
			FeedPeriodMS:   500,
			TokenTimeoutMS: 800,
			WindowEnabled:  true,
		},
		SelfTest: SelfTestConfig{
			CPUTestEnabled:        true,
			RAMTestEnabled:        true,
			FlashTestEnabled:      true,
			ClockTestEnabled:      true,
			BlockSize:             4096,
			ClockTolerancePercent: 5,
		},
		Monitor: monitor.DefaultConfig(),
	}
}

// Load reads configuration from the given file (optional), the standard
// search paths, and SAFESUP_* environment variables, layered over the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("safesup")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/safesup")
		v.AddConfigPath("$HOME/.safesup")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SAFESUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("flash_image", d.FlashImage)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("tls_cert_file", d.TLSCertFile)
	v.SetDefault("tls_key_file", d.TLSKeyFile)

	v.SetDefault("safety.degraded_mode_enabled", d.Safety.DegradedModeEnabled)
	v.SetDefault("safety.degraded_timeout_ms", d.Safety.DegradedTimeoutMS)
	v.SetDefault("safety.feed_while_safe", d.Safety.FeedWhileSafe)
	v.SetDefault("safety.error_log_size", d.Safety.ErrorLogSize)

	v.SetDefault("watchdog.timeout_ms", d.Watchdog.TimeoutMS)
	v.SetDefault("watchdog.feed_period_ms", d.Watchdog.FeedPeriodMS)
	v.SetDefault("watchdog.token_timeout_ms", d.Watchdog.TokenTimeoutMS)
	v.SetDefault("watchdog.window_enabled", d.Watchdog.WindowEnabled)

	v.SetDefault("selftest.cpu_test_enabled", d.SelfTest.CPUTestEnabled)
	v.SetDefault("selftest.ram_test_enabled", d.SelfTest.RAMTestEnabled)
	v.SetDefault("selftest.flash_test_enabled", d.SelfTest.FlashTestEnabled)
	v.SetDefault("selftest.clock_test_enabled", d.SelfTest.ClockTestEnabled)
	v.SetDefault("selftest.block_size", d.SelfTest.BlockSize)
	v.SetDefault("selftest.clock_tolerance_percent", d.SelfTest.ClockTolerancePercent)

	v.SetDefault("monitor.period_ms", d.Monitor.PeriodMS)
	v.SetDefault("monitor.stack_check_interval_ms", d.Monitor.StackCheckIntervalMS)
	v.SetDefault("monitor.flow_verify_interval_ms", d.Monitor.FlowVerifyIntervalMS)
	v.SetDefault("monitor.param_check_interval_ms", d.Monitor.ParamCheckIntervalMS)
	v.SetDefault("monitor.flash_crc_interval_ms", d.Monitor.FlashCRCIntervalMS)
	v.SetDefault("monitor.degraded_timeout_ms", d.Monitor.DegradedTimeoutMS)
	v.SetDefault("monitor.runtime_flash_enabled", d.Monitor.RuntimeFlashEnabled)
}

// Validate rejects configurations that would make the watchdog protocol
// unsound.
func (c *Config) Validate() error {
	if c.Watchdog.FeedPeriodMS == 0 {
		return fmt.Errorf("config: watchdog feed period must be positive")
	}
	if c.Watchdog.TimeoutMS <= c.Watchdog.FeedPeriodMS {
		return fmt.Errorf("config: watchdog timeout (%dms) must exceed feed period (%dms)",
			c.Watchdog.TimeoutMS, c.Watchdog.FeedPeriodMS)
	}
	if c.Watchdog.TokenTimeoutMS < c.Watchdog.FeedPeriodMS {
		return fmt.Errorf("config: token timeout (%dms) must cover at least one feed period (%dms)",
			c.Watchdog.TokenTimeoutMS, c.Watchdog.FeedPeriodMS)
	}
	if c.Monitor.PeriodMS == 0 {
		return fmt.Errorf("config: monitor period must be positive")
	}
	if c.SelfTest.BlockSize == 0 {
		return fmt.Errorf("config: self-test block size must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("config: tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	return string(out), nil
}
