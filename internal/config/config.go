// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// BridgeConfig describes one command bridge.
type BridgeConfig struct {
	ID              string   `mapstructure:"id" validate:"required,max=64"`
	Scope           string   `mapstructure:"scope"`
	Accepts         []string `mapstructure:"accepts" validate:"dive,oneof=create upload query list download"`
	Command         string   `mapstructure:"command" validate:"required"`
	SelfTestCommand string   `mapstructure:"self_test_command"`
}

// Config holds all configuration of the dispatcher and the bridge node.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	TraceStdout bool   `mapstructure:"trace_stdout"`

	HttpListenAddr string `mapstructure:"http_listen_addr" validate:"required"`
	GrpcListenAddr string `mapstructure:"grpc_listen_addr"`
	DataDir        string `mapstructure:"data_dir" validate:"required"`

	DefaultTaskTimeout   time.Duration `mapstructure:"default_task_timeout" validate:"gte=0"`
	TimeoutCheckInterval time.Duration `mapstructure:"timeout_check_interval" validate:"gt=0"`
	AbortTimeout         time.Duration `mapstructure:"abort_timeout" validate:"gt=0"`
	SelfTestTimeout      time.Duration `mapstructure:"self_test_timeout" validate:"gt=0"`
	NotifyTimeout        time.Duration `mapstructure:"notify_timeout" validate:"gt=0"`

	CheckpointSchedule string `mapstructure:"checkpoint_schedule" validate:"omitempty,cron"`
	OutcomeLogSchedule string `mapstructure:"outcome_log_schedule" validate:"omitempty,cron"`

	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`

	Bridges []BridgeConfig `mapstructure:"bridges" validate:"dive"`

	NodeListenAddr    string       `mapstructure:"node_listen_addr"`
	NodeAdvertiseAddr string       `mapstructure:"node_advertise_addr"`
	NodeLeaseTTL      int64        `mapstructure:"node_lease_ttl" validate:"gte=0"`
	NodeBridge        BridgeConfig `mapstructure:"node_bridge" validate:"-"`
}

// Load reads configuration from path, or from config.yaml in ./configs or
// the working directory when path is empty, and from BRIDGE_ prefixed
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("trace_stdout", false)
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("grpc_listen_addr", ":9090")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("default_task_timeout", "5m")
	v.SetDefault("timeout_check_interval", "100ms")
	v.SetDefault("abort_timeout", "30s")
	v.SetDefault("self_test_timeout", "2m")
	v.SetDefault("notify_timeout", "10s")
	v.SetDefault("checkpoint_schedule", "")
	v.SetDefault("outcome_log_schedule", "")
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("node_listen_addr", ":8090")
	v.SetDefault("node_advertise_addr", "")
	v.SetDefault("node_lease_ttl", 10)
	v.SetDefault("node_bridge.id", "")
	v.SetDefault("node_bridge.scope", "")
	v.SetDefault("node_bridge.command", "")
	v.SetDefault("node_bridge.self_test_command", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the dispatcher settings.
func (c *Config) Validate() error {
	validate, err := newValidator()
	if err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Bridges))
	for _, b := range c.Bridges {
		if seen[b.ID] {
			return fmt.Errorf("invalid config: bridge id %q is declared twice", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

// ValidateNode checks the settings a bridge node needs on top of Validate.
func (c *Config) ValidateNode() error {
	validate, err := newValidator()
	if err != nil {
		return err
	}
	if err := validate.Struct(c.NodeBridge); err != nil {
		return fmt.Errorf("invalid node_bridge: %w", err)
	}
	if c.NodeListenAddr == "" {
		return fmt.Errorf("invalid config: node_listen_addr is required")
	}
	return nil
}

// SlogLevel converts LogLevel for the slog handler.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newValidator() (*validator.Validate, error) {
	validate := validator.New()
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	err := validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := parser.Parse(fl.Field().String())
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register cron validation: %w", err)
	}
	return validate, nil
}
