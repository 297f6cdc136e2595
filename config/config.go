package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cschleiden/go-triage/collaborator/webhook"
	"github.com/cschleiden/go-triage/workflow"
	"gopkg.in/yaml.v3"
)

type (
	// Config holds the settings of the triage daemon
	Config struct {
		Server        ServerConfig        `yaml:"server"`
		Log           LogConfig           `yaml:"log"`
		Backend       BackendConfig       `yaml:"backend"`
		Retry         RetryConfig         `yaml:"retry"`
		Maintenance   MaintenanceConfig   `yaml:"maintenance"`
		Tracing       TracingConfig       `yaml:"tracing"`
		Collaborators CollaboratorsConfig `yaml:"collaborators"`

		// Operators may decide on the messages of every user. Users can always decide on their own.
		Operators []string `yaml:"operators"`
	}

	ServerConfig struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	}

	LogConfig struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	BackendConfig struct {
		Type string `yaml:"type"`

		// ConnectTimeout bounds the wait for the backend to become reachable on startup
		ConnectTimeout time.Duration `yaml:"connect_timeout"`

		SQLite SQLiteConfig `yaml:"sqlite"`
		MySQL  MySQLConfig  `yaml:"mysql"`
		Redis  RedisConfig  `yaml:"redis"`
	}

	SQLiteConfig struct {
		Path string `yaml:"path"`
	}

	MySQLConfig struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
	}

	RedisConfig struct {
		Addrs     []string `yaml:"addrs"`
		Password  string   `yaml:"password"`
		DB        int      `yaml:"db"`
		KeyPrefix string   `yaml:"key_prefix"`
	}

	RetryConfig struct {
		MaxAttempts        int           `yaml:"max_attempts"`
		FirstInterval      time.Duration `yaml:"first_interval"`
		MaxInterval        time.Duration `yaml:"max_interval"`
		BackoffCoefficient float64       `yaml:"backoff_coefficient"`
		Timeout            time.Duration `yaml:"timeout"`
	}

	MaintenanceConfig struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`

		// StaleAfter is the time after which a paused instance is reported as stale
		StaleAfter time.Duration `yaml:"stale_after"`

		// Retention is the time terminal instances are kept for
		Retention time.Duration `yaml:"retention"`

		// RecoveryLease is the time after which a running instance without a new checkpoint is
		// considered interrupted and is recovered
		RecoveryLease time.Duration `yaml:"recovery_lease"`
	}

	TracingConfig struct {
		// Exporter is one of none, stdout, or otlp
		Exporter    string `yaml:"exporter"`
		Endpoint    string `yaml:"endpoint"`
		Insecure    bool   `yaml:"insecure"`
		ServiceName string `yaml:"service_name"`
	}

	CollaboratorsConfig struct {
		Endpoints webhook.Endpoints `yaml:"endpoints"`
		Paths     webhook.Paths     `yaml:"paths"`
		Timeout   time.Duration     `yaml:"timeout"`
		Headers   map[string]string `yaml:"headers"`
	}
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"

	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	LogFormatText = "text"
	LogFormatJSON = "json"

	EnvPrefix = "TRIAGE_"
)

var (
	ErrInvalidBackend         = errors.New("invalid backend type")
	ErrMissingSQLitePath      = errors.New("sqlite backend requires a path")
	ErrMissingMySQLDatabase   = errors.New("mysql backend requires host and database")
	ErrMissingRedisAddr       = errors.New("redis backend requires at least one address")
	ErrInvalidLogLevel        = errors.New("invalid log level")
	ErrInvalidLogFormat       = errors.New("invalid log format")
	ErrInvalidRetryAttempts   = errors.New("retry max attempts must be positive")
	ErrInvalidRetryBackoff    = errors.New("retry intervals must be positive and max interval >= first interval")
	ErrInvalidTracingExporter = errors.New("invalid tracing exporter")
	ErrInvalidRecoveryLease   = errors.New("recovery lease must be positive")
	ErrInvalidEnv             = errors.New("invalid environment variable")
)

// Default returns a configuration for a single process with an in-memory backend.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatText,
		},
		Backend: BackendConfig{
			Type:           BackendMemory,
			ConnectTimeout: 30 * time.Second,
			SQLite:         SQLiteConfig{Path: "triage.sqlite"},
			MySQL:          MySQLConfig{Host: "localhost", Port: 3306, User: "root", Database: "triage"},
			Redis:          RedisConfig{Addrs: []string{"localhost:6379"}, KeyPrefix: "triage"},
		},
		Retry: RetryConfig{
			MaxAttempts:        workflow.DefaultRetryOptions.MaxAttempts,
			FirstInterval:      workflow.DefaultRetryOptions.FirstRetryInterval,
			MaxInterval:        workflow.DefaultRetryOptions.MaxRetryInterval,
			BackoffCoefficient: workflow.DefaultRetryOptions.BackoffCoefficient,
		},
		Maintenance: MaintenanceConfig{
			SweepInterval: time.Hour,
			StaleAfter:    72 * time.Hour,
			Retention:     7 * 24 * time.Hour,
			RecoveryLease: 10 * time.Minute,
		},
		Tracing: TracingConfig{
			Exporter:    ExporterNone,
			ServiceName: "triaged",
		},
		Collaborators: CollaboratorsConfig{
			Paths:   webhook.DefaultPaths,
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads the configuration file at path, if any, and applies environment overrides on top.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()

		if err := c.Decode(f); err != nil {
			return nil, err
		}
	}

	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Decode merges the YAML document read from r into c. Unknown fields are rejected.
func (c *Config) Decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}

	return nil
}

// LoadFromEnv overrides settings from TRIAGE_* environment variables.
func (c *Config) LoadFromEnv() error {
	loadEnvString("ADDR", &c.Server.Addr)
	loadEnvString("LOG_LEVEL", &c.Log.Level)
	loadEnvString("LOG_FORMAT", &c.Log.Format)

	loadEnvString("BACKEND", &c.Backend.Type)
	loadEnvString("SQLITE_PATH", &c.Backend.SQLite.Path)
	loadEnvString("MYSQL_HOST", &c.Backend.MySQL.Host)
	loadEnvString("MYSQL_USER", &c.Backend.MySQL.User)
	loadEnvString("MYSQL_PASSWORD", &c.Backend.MySQL.Password)
	loadEnvString("MYSQL_DATABASE", &c.Backend.MySQL.Database)
	loadEnvList("REDIS_ADDRS", &c.Backend.Redis.Addrs)
	loadEnvString("REDIS_PASSWORD", &c.Backend.Redis.Password)
	loadEnvString("REDIS_KEY_PREFIX", &c.Backend.Redis.KeyPrefix)

	loadEnvString("TRACING_EXPORTER", &c.Tracing.Exporter)
	loadEnvString("OTLP_ENDPOINT", &c.Tracing.Endpoint)

	loadEnvString("CLASSIFY_URL", &c.Collaborators.Endpoints.Classify)
	loadEnvString("SCORE_URL", &c.Collaborators.Endpoints.Score)
	loadEnvString("NOTIFY_URL", &c.Collaborators.Endpoints.Notify)
	loadEnvString("APPLY_CATEGORY_URL", &c.Collaborators.Endpoints.ApplyCategory)
	loadEnvString("SEND_REPLY_URL", &c.Collaborators.Endpoints.SendReply)

	if token, ok := lookupEnv("COLLABORATOR_TOKEN"); ok {
		if c.Collaborators.Headers == nil {
			c.Collaborators.Headers = make(map[string]string)
		}

		c.Collaborators.Headers["Authorization"] = "Bearer " + token
	}

	loadEnvList("OPERATORS", &c.Operators)

	if err := loadEnvInt("MYSQL_PORT", &c.Backend.MySQL.Port); err != nil {
		return err
	}

	if err := loadEnvInt("REDIS_DB", &c.Backend.Redis.DB); err != nil {
		return err
	}

	if err := loadEnvInt("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts); err != nil {
		return err
	}

	for name, d := range map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":     &c.Server.ShutdownTimeout,
		"CONNECT_TIMEOUT":      &c.Backend.ConnectTimeout,
		"RETRY_FIRST_INTERVAL": &c.Retry.FirstInterval,
		"RETRY_MAX_INTERVAL":   &c.Retry.MaxInterval,
		"RETRY_TIMEOUT":        &c.Retry.Timeout,
		"SWEEP_INTERVAL":       &c.Maintenance.SweepInterval,
		"STALE_AFTER":          &c.Maintenance.StaleAfter,
		"RETENTION":            &c.Maintenance.Retention,
		"RECOVERY_LEASE":       &c.Maintenance.RecoveryLease,
		"COLLABORATOR_TIMEOUT": &c.Collaborators.Timeout,
	} {
		if err := loadEnvDuration(name, d); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.Log.Format != LogFormatText && c.Log.Format != LogFormatJSON {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format))
	}

	switch c.Backend.Type {
	case BackendMemory:
	case BackendSQLite:
		if c.Backend.SQLite.Path == "" {
			errs = append(errs, ErrMissingSQLitePath)
		}
	case BackendMySQL:
		if c.Backend.MySQL.Host == "" || c.Backend.MySQL.Database == "" {
			errs = append(errs, ErrMissingMySQLDatabase)
		}
	case BackendRedis:
		if len(c.Backend.Redis.Addrs) == 0 {
			errs = append(errs, ErrMissingRedisAddr)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidBackend, c.Backend.Type))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, ErrInvalidRetryAttempts)
	}

	if c.Retry.FirstInterval <= 0 || c.Retry.MaxInterval < c.Retry.FirstInterval || c.Retry.BackoffCoefficient < 1 {
		errs = append(errs, ErrInvalidRetryBackoff)
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidTracingExporter, c.Tracing.Exporter))
	}

	if c.Maintenance.RecoveryLease <= 0 {
		errs = append(errs, ErrInvalidRecoveryLease)
	}

	return errors.Join(errs...)
}

func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return l, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}

	return l, nil
}

func (c *Config) RetryOptions() workflow.RetryOptions {
	return workflow.RetryOptions{
		MaxAttempts:        c.Retry.MaxAttempts,
		FirstRetryInterval: c.Retry.FirstInterval,
		MaxRetryInterval:   c.Retry.MaxInterval,
		BackoffCoefficient: c.Retry.BackoffCoefficient,
		RetryTimeout:       c.Retry.Timeout,
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}

	return v, true
}

func loadEnvString(name string, target *string) {
	if v, ok := lookupEnv(name); ok {
		*target = v
	}
}

func loadEnvList(name string, target *[]string) {
	v, ok := lookupEnv(name)
	if !ok {
		return
	}

	var list []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}

	*target = list
}

func loadEnvInt(name string, target *int) error {
	v, ok := lookupEnv(name)
	if !ok {
		return nil
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalidEnv, EnvPrefix, name, v)
	}

	*target = i

	return nil
}

func loadEnvDuration(name string, target *time.Duration) error {
	v, ok := lookupEnv(name)
	if !ok {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q is not a duration", ErrInvalidEnv, EnvPrefix, name, v)
	}

	*target = d

	return nil
}
