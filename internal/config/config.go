// Package config loads the gridsweep runtime configuration from the
// environment and sweep definitions from YAML files.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the full runtime configuration of a gridsweep session.
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`

	Session struct {
		// Name identifies the session; task names must be unique within it.
		Name string `env:"SESSION_NAME" envDefault:"default"`
		// Dir is where fetched task output is stored.
		Dir string `env:"SESSION_DIR" envDefault:"session"`
		// PollInterval is the wait between engine cycles.
		PollInterval time.Duration `env:"SESSION_POLL_INTERVAL" envDefault:"5s"`
		// Wait keeps the driver looping until all tasks are done when true;
		// otherwise a single cycle is run.
		Wait bool `env:"SESSION_WAIT" envDefault:"true"`
	}

	Store struct {
		// DSN is the sqlite data source for the task store.
		DSN string `env:"STORE_DSN" envDefault:"file:session/tasks.db?cache=shared&_fk=1"`
	}

	Engine struct {
		// MaxInFlight caps concurrently SUBMITTED+RUNNING tasks.
		MaxInFlight int `env:"ENGINE_MAX_IN_FLIGHT" envDefault:"10"`
		// PollParallelism bounds concurrent backend status polls per cycle.
		PollParallelism int `env:"ENGINE_POLL_PARALLELISM" envDefault:"8"`
	}

	Backend struct {
		// Slots is the capacity of the local backend.
		Slots int `env:"BACKEND_SLOTS" envDefault:"4"`
		// WorkDir is where the local backend runs jobs.
		WorkDir string `env:"BACKEND_WORK_DIR" envDefault:"session/work"`
	}

	HTTP struct {
		// Port serves the read-only monitoring API; 0 disables it.
		Port            int           `env:"HTTP_PORT" envDefault:"0"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}

	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
