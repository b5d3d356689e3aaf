// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config loads controller settings from .env, an optional YAML file
// and CONTINUUM_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"continuumops/src/store"
)

const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"

	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
	ExporterNone       = "none"
)

type PoolConfig struct {
	// MaxParallelTasks applies to projects without their own cap.
	MaxParallelTasks int           `yaml:"max_parallel_tasks"`
	QueueTick        time.Duration `yaml:"queue_tick"`
	ReaperTick       time.Duration `yaml:"reaper_tick"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	KillGrace        time.Duration `yaml:"kill_grace"`
}

type GitConfig struct {
	Binary      string        `yaml:"binary"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	RetryFactor float64       `yaml:"retry_factor"`
}

type LogConfig struct {
	BatchBytes        int           `yaml:"batch_bytes"`
	BatchInterval     time.Duration `yaml:"batch_interval"`
	SubscriberBacklog int           `yaml:"subscriber_backlog"`
}

type StoreConfig struct {
	Kind        string `yaml:"kind"`
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// SealingIdentity is an age X25519 identity. When empty the identity is
	// read from SealingKeyFile, which is created on first boot.
	SealingIdentity string `yaml:"sealing_identity"`
	SealingKeyFile  string `yaml:"sealing_key_file"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	Traces      string `yaml:"traces"`
	Metrics     string `yaml:"metrics"`
	Logs        string `yaml:"logs"`
	Level       string `yaml:"level"`
}

type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type AlertConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	// PerMinute limits deliveries per channel.
	PerMinute      int         `yaml:"per_minute"`
	SlackURL       string      `yaml:"slack_url"`
	TeamsURL       string      `yaml:"teams_url"`
	TelegramToken  string      `yaml:"telegram_token"`
	TelegramChatID string      `yaml:"telegram_chat_id"`
	WebhookURL     string      `yaml:"webhook_url"`
	Email          EmailConfig `yaml:"email"`
}

// ContainerConfig applies to templates that run in a container image.
type ContainerConfig struct {
	MemoryMB int64   `yaml:"memory_mb"`
	CPULimit float64 `yaml:"cpu_limit"`
	Network  string  `yaml:"network"`
	// IdleTimeout bounds how long exited task containers linger before
	// the reaper removes them.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// AppConfig overrides the binary of one app and prepends args.
type AppConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

type Config struct {
	TmpPath   string `yaml:"tmp_path"`
	DataDir   string `yaml:"data_dir"`
	PublicURL string `yaml:"public_url"`
	APIPort   string `yaml:"api_port"`

	Pool      PoolConfig      `yaml:"pool"`
	Git       GitConfig       `yaml:"git"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alert     AlertConfig     `yaml:"alert"`

	Apps             map[string]AppConfig `yaml:"apps"`
	ForwardedEnvVars []string             `yaml:"forwarded_env_vars"`
	EnvVars          map[string]string    `yaml:"env_vars"`
	Container        ContainerConfig      `yaml:"container"`
}

func Default() Config {
	dataDir := filepath.Join(os.TempDir(), "continuum-data")
	return Config{
		TmpPath:   filepath.Join(os.TempDir(), "continuum"),
		DataDir:   dataDir,
		PublicURL: "http://localhost:8080",
		APIPort:   "8080",
		Pool: PoolConfig{
			MaxParallelTasks: 10,
			QueueTick:        5 * time.Second,
			ReaperTick:       time.Second,
			ShutdownGrace:    30 * time.Second,
			KillGrace:        10 * time.Second,
		},
		Git: GitConfig{
			Binary:      "git",
			Timeout:     5 * time.Minute,
			Retries:     3,
			RetryDelay:  2 * time.Second,
			RetryFactor: 2,
		},
		Log: LogConfig{
			BatchBytes:        1024,
			BatchInterval:     100 * time.Millisecond,
			SubscriberBacklog: 1024,
		},
		Store: StoreConfig{
			Kind: StoreBadger,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "continuum-controller",
			Traces:      ExporterNone,
			Metrics:     ExporterPrometheus,
			Logs:        ExporterStdout,
			Level:       "info",
		},
		Alert: AlertConfig{
			Timeout:   10 * time.Second,
			PerMinute: 30,
		},
		Container: ContainerConfig{
			MemoryMB:    512,
			CPULimit:    0.5,
			Network:     "continuum_sandbox",
			IdleTimeout: 5 * time.Minute,
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.fillDerived()
	return cfg, cfg.Validate()
}

func (c *Config) fillDerived() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "db")
	}
	if c.Store.SealingKeyFile == "" {
		c.Store.SealingKeyFile = filepath.Join(c.DataDir, "sealing.key")
	}
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("CONTINUUM_TMP_PATH", &c.TmpPath)
	str("CONTINUUM_DATA_DIR", &c.DataDir)
	str("CONTINUUM_PUBLIC_URL", &c.PublicURL)
	str("API_PORT", &c.APIPort)
	str("CONTINUUM_API_PORT", &c.APIPort)

	num("CONTINUUM_MAX_PARALLEL_TASKS", &c.Pool.MaxParallelTasks)
	if v, ok := lookup("POLLING_INTERVAL"); ok && v != "" {
		// whole seconds, as older worker deployments set it
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pool.QueueTick = time.Duration(n) * time.Second
		}
	}
	dur("CONTINUUM_QUEUE_TICK", &c.Pool.QueueTick)
	dur("CONTINUUM_REAPER_TICK", &c.Pool.ReaperTick)
	dur("CONTINUUM_SHUTDOWN_GRACE", &c.Pool.ShutdownGrace)
	dur("CONTINUUM_KILL_GRACE", &c.Pool.KillGrace)

	str("CONTINUUM_GIT_BINARY", &c.Git.Binary)
	dur("CONTINUUM_GIT_TIMEOUT", &c.Git.Timeout)
	num("CONTINUUM_GIT_RETRIES", &c.Git.Retries)

	str("CONTINUUM_STORE", &c.Store.Kind)
	str("CONTINUUM_STORE_PATH", &c.Store.Path)
	str("CONTINUUM_POSTGRES_DSN", &c.Store.PostgresDSN)
	str("CONTINUUM_SEALING_IDENTITY", &c.Store.SealingIdentity)
	str("CONTINUUM_SEALING_KEY_FILE", &c.Store.SealingKeyFile)
	if c.Store.PostgresDSN == "" {
		c.Store.PostgresDSN = dsnFromParts(lookup)
	}

	str("CONTINUUM_SERVICE_NAME", &c.Telemetry.ServiceName)
	str("CONTINUUM_TRACES_EXPORTER", &c.Telemetry.Traces)
	str("CONTINUUM_METRICS_EXPORTER", &c.Telemetry.Metrics)
	str("CONTINUUM_LOGS_EXPORTER", &c.Telemetry.Logs)
	str("CONTINUUM_LOG_LEVEL", &c.Telemetry.Level)

	if v, ok := lookup("CONTINUUM_ALERT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONTINUUM_ALERT: %w", err))
		} else {
			c.Alert.Enabled = b
		}
	}
	dur("CONTINUUM_ALERT_TIMEOUT", &c.Alert.Timeout)
	str("CONTINUUM_SLACK_URL", &c.Alert.SlackURL)
	str("CONTINUUM_TEAMS_URL", &c.Alert.TeamsURL)
	str("CONTINUUM_TELEGRAM_TOKEN", &c.Alert.TelegramToken)
	str("CONTINUUM_TELEGRAM_CHAT", &c.Alert.TelegramChatID)
	str("CONTINUUM_WEBHOOK_URL", &c.Alert.WebhookURL)
	str("CONTINUUM_EMAIL_HOST", &c.Alert.Email.Host)
	num("CONTINUUM_EMAIL_PORT", &c.Alert.Email.Port)
	str("CONTINUUM_EMAIL_USERNAME", &c.Alert.Email.Username)
	str("CONTINUUM_EMAIL_PASSWORD", &c.Alert.Email.Password)
	str("CONTINUUM_EMAIL_FROM", &c.Alert.Email.From)
	list("CONTINUUM_EMAIL_TO", &c.Alert.Email.To)

	list("CONTINUUM_FORWARDED_ENV_VARS", &c.ForwardedEnvVars)
	dur("CONTAINER_IDLE_TIMEOUT", &c.Container.IdleTimeout)
	if v, ok := lookup("CONTAINER_MEMORY_MB"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONTAINER_MEMORY_MB: %w", err))
		} else {
			c.Container.MemoryMB = n
		}
	}
	if v, ok := lookup("CONTAINER_CPU_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONTAINER_CPU_LIMIT: %w", err))
		} else {
			c.Container.CPULimit = f
		}
	}
	str("CONTAINER_NETWORK", &c.Container.Network)

	return errors.Join(errs...)
}

// dsnFromParts keeps the DB_* variables of older worker deployments working.
func dsnFromParts(lookup lookupFunc) string {
	get := func(name string) string {
		v, _ := lookup(name)
		return v
	}
	if get("DB_HOST") == "" || get("DB_NAME") == "" {
		return ""
	}
	sslmode := get("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "require"
	}
	port := get("DB_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		get("DB_USER"), get("DB_PASSWORD"), get("DB_NAME"), get("DB_HOST"), port, sslmode)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case StoreBadger:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store: postgres requires a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown kind %q", c.Store.Kind))
	}
	if c.Pool.MaxParallelTasks < 0 {
		errs = append(errs, errors.New("pool: max_parallel_tasks must not be negative"))
	}
	if c.Pool.QueueTick <= 0 || c.Pool.ReaperTick <= 0 {
		errs = append(errs, errors.New("pool: ticks must be positive"))
	}
	if c.Pool.ShutdownGrace <= 0 || c.Pool.KillGrace <= 0 {
		errs = append(errs, errors.New("pool: grace periods must be positive"))
	}
	if c.Git.Retries < 1 || c.Git.RetryDelay <= 0 || c.Git.RetryFactor < 1 {
		errs = append(errs, errors.New("git: invalid retry policy"))
	}
	if c.Log.BatchBytes <= 0 || c.Log.BatchInterval <= 0 || c.Log.SubscriberBacklog <= 0 {
		errs = append(errs, errors.New("log: batch size, interval and backlog must be positive"))
	}
	if c.TmpPath == "" {
		errs = append(errs, errors.New("tmp_path is empty"))
	}
	for name, value := range map[string]string{
		"traces": c.Telemetry.Traces, "metrics": c.Telemetry.Metrics, "logs": c.Telemetry.Logs,
	} {
		switch value {
		case ExporterStdout, ExporterNone:
		case ExporterPrometheus:
			if name != "metrics" {
				errs = append(errs, fmt.Errorf("telemetry: prometheus only exports metrics, not %s", name))
			}
		default:
			errs = append(errs, fmt.Errorf("telemetry: unknown %s exporter %q", name, value))
		}
	}
	if c.Store.SealingIdentity != "" {
		if _, err := store.NewAgeSealer(c.Store.SealingIdentity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sealer returns the access-key sealer. Without a configured identity the
// key file is read, or created with a fresh identity on first boot.
func (c Config) Sealer() (*store.AgeSealer, error) {
	if c.Store.SealingIdentity != "" {
		return store.NewAgeSealer(c.Store.SealingIdentity)
	}
	data, err := os.ReadFile(c.Store.SealingKeyFile)
	if err == nil {
		return store.NewAgeSealer(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read sealing key: %w", err)
	}

	sealer, err := store.GenerateAgeSealer()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(c.Store.SealingKeyFile), 0700); err != nil {
		return nil, fmt.Errorf("create sealing key directory: %w", err)
	}
	if err := os.WriteFile(c.Store.SealingKeyFile, []byte(sealer.Identity()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write sealing key: %w", err)
	}
	return sealer, nil
}

// AppBinary resolves the executable and leading args for app, falling back
// to def.
func (c Config) AppBinary(app string, def string) (string, []string) {
	if a, ok := c.Apps[app]; ok && a.Path != "" {
		return a.Path, a.Args
	} else if ok {
		return def, a.Args
	}
	return def, nil
}
