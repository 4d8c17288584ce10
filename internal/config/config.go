// Package config loads nano-reconciler.yaml, environment overrides with
// the NANO_ prefix and an optional .env file into one Config.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nanoncore/nano-reconciler/cache"
	"github.com/nanoncore/nano-reconciler/events"
	"github.com/nanoncore/nano-reconciler/jobs"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/router"
	"github.com/nanoncore/nano-reconciler/scheduler"
	"github.com/nanoncore/nano-reconciler/store"
	"github.com/nanoncore/nano-reconciler/telemetry"
)

const (
	EnvPrefix = "NANO"
	FileName  = "nano-reconciler"
)

type Config struct {
	Log        LogConfig             `yaml:"log" mapstructure:"log"`
	HTTP       HTTPConfig            `yaml:"http" mapstructure:"http"`
	Database   store.Config          `yaml:"database" mapstructure:"database"`
	Redis      cache.RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Telegram   notify.TelegramConfig `yaml:"telegram" mapstructure:"telegram"`
	Kafka      events.KafkaConfig    `yaml:"kafka" mapstructure:"kafka"`
	Telemetry  telemetry.Config      `yaml:"telemetry" mapstructure:"telemetry"`
	Queue      QueueConfig           `yaml:"queue" mapstructure:"queue"`
	Schedule   scheduler.Config      `yaml:"schedule" mapstructure:"schedule"`
	Transport  TransportConfig       `yaml:"transport" mapstructure:"transport"`
	Thresholds jobs.Thresholds       `yaml:"thresholds" mapstructure:"thresholds"`
	Router     router.Config         `yaml:"router" mapstructure:"router"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	// Format is console or json
	Format string `yaml:"format" mapstructure:"format"`
	Color  bool   `yaml:"color" mapstructure:"color"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// Origins lists the hosts allowed to open the progress stream
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

type QueueConfig struct {
	Workers int           `yaml:"workers" mapstructure:"workers"`
	Buffer  int           `yaml:"buffer" mapstructure:"buffer"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// AlertBuffer bounds the alerts waiting for delivery
	AlertBuffer int `yaml:"alert_buffer" mapstructure:"alert_buffer"`
}

// TransportConfig bounds device sessions
type TransportConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info", Format: "console", Color: true},
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Database: store.Config{
			MaxConns: 10,
			MinConns: 1,
			Retries:  5,
		},
		Kafka:      events.KafkaConfig{Topic: "nano.provisioning"},
		Telemetry:  telemetry.DefaultConfig(),
		Queue:      QueueConfig{Workers: 8, Buffer: 1024, Timeout: 2 * time.Minute, AlertBuffer: 128},
		Schedule:   scheduler.DefaultConfig(),
		Transport:  TransportConfig{Timeout: 30 * time.Second},
		Thresholds: jobs.DefaultThresholds(),
		Router:     router.DefaultConfig(),
	}
}

// Load reads envFile (missing is fine), then path or the default search
// locations, then NANO_* variables. Later sources win.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	base, err := yaml.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return Config{}, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nano-reconciler")
	}
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// list values arrive from the environment as one comma separated string
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.HTTP.Origins = splitList(cfg.HTTP.Origins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects values no deployment can run with
func (c Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers))
	}
	if c.Transport.Timeout <= 0 {
		errs = append(errs, errors.New("transport.timeout must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if (c.Telegram.Token == "") != (c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram.token and telegram.chat_id go together"))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v outside [0,1]", r))
	}

	t := c.Thresholds
	if t.FailureThreshold < 1 {
		errs = append(errs, errors.New("thresholds.failure_threshold must be at least 1"))
	}
	if t.HealingStreak < 1 {
		errs = append(errs, errors.New("thresholds.healing_streak must be at least 1"))
	}
	if t.CriticalSignal >= 0 {
		errs = append(errs, fmt.Errorf("thresholds.critical_signal must be negative dBm, got %v", t.CriticalSignal))
	}
	if t.BruteforceThreshold < 1 {
		errs = append(errs, errors.New("thresholds.bruteforce_threshold must be at least 1"))
	}
	if t.GhostAlert < 0 || t.MissingAlert < 0 {
		errs = append(errs, errors.New("thresholds alert counts cannot be negative"))
	}
	if c.Router.IsolationProfile == "" || c.Router.IsolationList == "" {
		errs = append(errs, errors.New("router.isolation_profile and router.isolation_list are required"))
	}
	return errors.Join(errs...)
}
