// Package config loads the coordinator configuration from an optional YAML
// file and environment overrides.
//
// Environment variables:
//
//	SWITCHBOARD_VALIDATION_MODE   - automatic, manual or selective (default: "manual")
//	SWITCHBOARD_AUTOMATIC_LIMIT   - concurrent workflows in automatic mode (default: 3)
//	SWITCHBOARD_SUPERVISED_LIMIT  - concurrent workflows otherwise (default: 1)
//	SWITCHBOARD_CLEANUP_INTERVAL  - sweep interval (default: "10m")
//	SWITCHBOARD_RETENTION         - retention of finished workflows (default: cleanup interval)
//	SWITCHBOARD_TOAST_DURATION    - lifetime of transient notifications (default: "5s")
//	SWITCHBOARD_MAX_TOASTS        - visible notifications (default: 5)
//	SWITCHBOARD_MAX_PENDING       - bound of each gate queue (default: 100)
//	SWITCHBOARD_STREAM            - Pulse stream name (default: "switchboard/events")
//	SWITCHBOARD_SINK              - Pulse consumer group (default: "switchboard")
//	REDIS_URL                     - Redis address; enables the Pulse channel
//	REDIS_PASSWORD                - Redis password (optional)
//	TEMPORAL_HOSTPORT             - Temporal frontend; enables the Temporal engine
//	TEMPORAL_NAMESPACE            - Temporal namespace (default: "default")
//	TEMPORAL_TASK_QUEUE           - Task queue for launched workflows (default: "switchboard")
//	TEMPORAL_WORKFLOW_TYPE        - Workflow type to launch (default: "AgentWorkflow")
//	MONGO_URI                     - MongoDB URI; enables archiving of evicted workflows
//	MONGO_DATABASE                - Database name (default: "switchboard")
//	MONGO_COLLECTION              - Collection name (default: "workflows")
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/switchboard-ai/switchboard/runtime/workflow/admission"
)

type (
	// Config is the coordinator configuration.
	Config struct {
		ValidationMode admission.ValidationMode `yaml:"validation_mode"`
		Admission      AdmissionConfig          `yaml:"admission"`
		Cleanup        CleanupConfig            `yaml:"cleanup"`
		Notifications  NotificationConfig       `yaml:"notifications"`
		Gates          GateConfig               `yaml:"gates"`
		Redis          RedisConfig              `yaml:"redis"`
		Temporal       TemporalConfig           `yaml:"temporal"`
		Mongo          MongoConfig              `yaml:"mongo"`
	}

	// AdmissionConfig holds the concurrency limits.
	AdmissionConfig struct {
		AutomaticLimit  int `yaml:"automatic_limit"`
		SupervisedLimit int `yaml:"supervised_limit"`
	}

	// CleanupConfig configures the eviction sweep.
	CleanupConfig struct {
		Interval  time.Duration `yaml:"interval"`
		Retention time.Duration `yaml:"retention"`
	}

	// NotificationConfig configures toasts.
	NotificationConfig struct {
		Duration   time.Duration `yaml:"duration"`
		MaxVisible int           `yaml:"max_visible"`
	}

	// GateConfig configures the human-in-the-loop queues.
	GateConfig struct {
		MaxPending int `yaml:"max_pending"`
	}

	// RedisConfig configures the Pulse event channel. An empty Addr selects
	// the in-process channel.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Stream   string `yaml:"stream"`
		Sink     string `yaml:"sink"`
	}

	// TemporalConfig configures the execution engine. An empty HostPort
	// selects the logging engine.
	TemporalConfig struct {
		HostPort     string `yaml:"host_port"`
		Namespace    string `yaml:"namespace"`
		TaskQueue    string `yaml:"task_queue"`
		WorkflowType string `yaml:"workflow_type"`
	}

	// MongoConfig configures archiving. An empty URI disables it.
	MongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}
)

// Default returns the built-in configuration.
func Default() Config {
	policy := admission.DefaultPolicy()
	return Config{
		ValidationMode: admission.ModeManual,
		Admission: AdmissionConfig{
			AutomaticLimit:  policy.AutomaticLimit,
			SupervisedLimit: policy.SupervisedLimit,
		},
		Cleanup:       CleanupConfig{Interval: 10 * time.Minute},
		Notifications: NotificationConfig{Duration: 5 * time.Second, MaxVisible: 5},
		Gates:         GateConfig{MaxPending: 100},
		Redis:         RedisConfig{Stream: "switchboard/events", Sink: "switchboard"},
		Temporal: TemporalConfig{
			Namespace:    "default",
			TaskQueue:    "switchboard",
			WorkflowType: "AgentWorkflow",
		},
		Mongo: MongoConfig{Database: "switchboard", Collection: "workflows"},
	}
}

// Load returns the default configuration overlaid with the YAML file at path
// (when path is not empty) and then with environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if cfg.Cleanup.Retention == 0 {
		cfg.Cleanup.Retention = cfg.Cleanup.Interval
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error
	if _, err := admission.ParseMode(string(c.ValidationMode)); err != nil {
		errs = append(errs, err)
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("cleanup interval must be positive"))
	}
	if c.Cleanup.Retention < 0 {
		errs = append(errs, errors.New("retention must not be negative"))
	}
	if c.Notifications.MaxVisible < 1 {
		errs = append(errs, errors.New("max visible notifications must be positive"))
	}
	if c.Gates.MaxPending < 1 {
		errs = append(errs, errors.New("max pending gate items must be positive"))
	}
	if c.Redis.Addr != "" && (c.Redis.Stream == "" || c.Redis.Sink == "") {
		errs = append(errs, errors.New("redis stream and sink names are required"))
	}
	if c.Temporal.HostPort != "" && (c.Temporal.TaskQueue == "" || c.Temporal.WorkflowType == "") {
		errs = append(errs, errors.New("temporal task queue and workflow type are required"))
	}
	if c.Mongo.URI != "" && (c.Mongo.Database == "" || c.Mongo.Collection == "") {
		errs = append(errs, errors.New("mongo database and collection are required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the admission policy.
func (c Config) Policy() admission.Policy {
	return admission.Policy{
		AutomaticLimit:  c.Admission.AutomaticLimit,
		SupervisedLimit: c.Admission.SupervisedLimit,
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SWITCHBOARD_VALIDATION_MODE"); v != "" {
		c.ValidationMode = admission.ValidationMode(v)
	}
	var err error
	set := func(e error) {
		if err == nil {
			err = e
		}
	}
	set(envInt("SWITCHBOARD_AUTOMATIC_LIMIT", &c.Admission.AutomaticLimit))
	set(envInt("SWITCHBOARD_SUPERVISED_LIMIT", &c.Admission.SupervisedLimit))
	set(envDuration("SWITCHBOARD_CLEANUP_INTERVAL", &c.Cleanup.Interval))
	set(envDuration("SWITCHBOARD_RETENTION", &c.Cleanup.Retention))
	set(envDuration("SWITCHBOARD_TOAST_DURATION", &c.Notifications.Duration))
	set(envInt("SWITCHBOARD_MAX_TOASTS", &c.Notifications.MaxVisible))
	set(envInt("SWITCHBOARD_MAX_PENDING", &c.Gates.MaxPending))
	envString("SWITCHBOARD_STREAM", &c.Redis.Stream)
	envString("SWITCHBOARD_SINK", &c.Redis.Sink)
	envString("REDIS_URL", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envString("TEMPORAL_HOSTPORT", &c.Temporal.HostPort)
	envString("TEMPORAL_NAMESPACE", &c.Temporal.Namespace)
	envString("TEMPORAL_TASK_QUEUE", &c.Temporal.TaskQueue)
	envString("TEMPORAL_WORKFLOW_TYPE", &c.Temporal.WorkflowType)
	envString("MONGO_URI", &c.Mongo.URI)
	envString("MONGO_DATABASE", &c.Mongo.Database)
	envString("MONGO_COLLECTION", &c.Mongo.Collection)
	return err
}

// envString overrides *dst with the environment variable when set.
func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt overrides *dst with the environment variable parsed as an int.
func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = i
	return nil
}

// envDuration overrides *dst with the environment variable parsed as a
// duration.
func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
