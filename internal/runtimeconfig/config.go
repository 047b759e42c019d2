// Package runtimeconfig loads the orchestrator's YAML configuration.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/botlabs-edu/sessiond/internal/compute"
	"github.com/botlabs-edu/sessiond/internal/probe"
	"github.com/botlabs-edu/sessiond/internal/routing"
	"github.com/botlabs-edu/sessiond/internal/session"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "SESSIOND_CONFIG"

// DefaultPath is used when neither a flag nor the environment names a file.
const DefaultPath = "/etc/sessiond/config.yaml"

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Store    StoreConfig                        `yaml:"store"`
	Session  SessionConfig                      `yaml:"session"`
	Sweep    SweepConfig                        `yaml:"sweep"`
	Catalog  CatalogConfig                      `yaml:"catalog"`
	Compute  ComputeConfig                      `yaml:"compute"`
	Routing  RoutingConfig                      `yaml:"routing"`
	Probes   ProbesConfig                       `yaml:"probes"`
	Services []routing.ServiceSpec              `yaml:"services"`
	Profiles map[string]session.ResourceProfile `yaml:"profiles"`
}

type StoreConfig struct {
	// Backend selects session persistence: "sqlite" or "redis".
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type SessionConfig struct {
	TimeoutMinutes        int64  `yaml:"timeout_minutes"`
	IdleMinutes           int64  `yaml:"idle_minutes"`
	EstimatedReadySeconds int64  `yaml:"estimated_ready_seconds"`
	DefaultProfile        string `yaml:"default_profile"`
}

// Timeout returns the keep-alive window as a duration.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// IdleThreshold returns the idle reaping threshold; zero disables it.
func (s SessionConfig) IdleThreshold() time.Duration {
	return time.Duration(s.IdleMinutes) * time.Minute
}

// EstimatedReady returns the provisioning estimate reported to callers.
func (s SessionConfig) EstimatedReady() time.Duration {
	return time.Duration(s.EstimatedReadySeconds) * time.Second
}

type SweepConfig struct {
	// Schedule is a cron expression.
	Schedule string `yaml:"schedule"`
}

type CatalogConfig struct {
	BaseURL string `yaml:"base_url"`
}

type ComputeConfig struct {
	ECS compute.ECSConfig `yaml:"ecs"`
}

type RoutingConfig struct {
	ALB routing.ALBConfig `yaml:"alb"`
}

type ProbesConfig struct {
	TaskRunning    probe.Budget `yaml:"task_running"`
	TargetRegister probe.Budget `yaml:"target_register"`
	HealthCheck    probe.Budget `yaml:"health_check"`
}

// Path resolves the config file location: explicit argument, then the
// environment, then the default.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads and validates the config at path. A missing file yields the
// defaults, same as an empty one.
func Load(path string) (Config, error) {
	cfg := defaults()

	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr: ":8370",
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "sessiond.db",
		},
		Session: SessionConfig{
			TimeoutMinutes:        30,
			IdleMinutes:           60,
			EstimatedReadySeconds: 45,
			DefaultProfile:        session.DefaultProfileName,
		},
		Sweep:    SweepConfig{Schedule: "@every 1m"},
		Services: routing.DefaultServices(),
		Profiles: session.DefaultProfiles(),
		Probes: ProbesConfig{
			TaskRunning:    probe.Budget{MaxAttempts: 60, Interval: 2 * time.Second},
			TargetRegister: probe.Budget{MaxAttempts: 10, Interval: 3 * time.Second},
			HealthCheck:    probe.Budget{MaxAttempts: 30, Interval: 2 * time.Second},
		},
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Session.TimeoutMinutes <= 0 {
		return errors.New("session.timeout_minutes must be positive")
	}
	if c.Session.IdleMinutes < 0 {
		return errors.New("session.idle_minutes must not be negative")
	}
	if _, ok := c.Profiles[c.Session.DefaultProfile]; !ok {
		return fmt.Errorf("session.default_profile %q is not in profiles", c.Session.DefaultProfile)
	}
	if len(c.Services) == 0 {
		return errors.New("services must name at least one sandbox service")
	}
	hasApp := false
	for _, svc := range c.Services {
		if svc.Name == session.ServiceApp {
			hasApp = true
		}
		if svc.Port <= 0 {
			return fmt.Errorf("service %q has no port", svc.Name)
		}
	}
	if !hasApp {
		return errors.New("services must include the app service")
	}
	return nil
}
