// Package config loads the supervisor-level configuration knobs spec.md §6
// defines (host/port/credentials, pool bounds, executor attempts) from
// environment variables, grounded on
// iruldev-golang-api-hexagonal/internal/infra/config's envconfig usage.
//
// This does not parse the driver's own DSN/SSL/auth configuration — that
// remains the caller's concern (spec.md §1 non-goals) — it only produces
// the structs the Supervisor's construction validation (spec.md §4.6)
// consumes.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Required holds the fields spec.md §6 mandates for every client: missing
// any of these is a validation error at construction.
type Required struct {
	Host     string `envconfig:"HOST" required:"true"`
	Port     int    `envconfig:"PORT" required:"true"`
	Database string `envconfig:"DATABASE" required:"true"`
	User     string `envconfig:"USER" required:"true"`
	Password string `envconfig:"PASSWORD" required:"true"`
}

// Validate checks that every required field is non-empty/non-zero.
func (r Required) Validate() error {
	switch {
	case r.Host == "":
		return fmt.Errorf("config: HOST is required")
	case r.Port == 0:
		return fmt.Errorf("config: PORT is required")
	case r.Database == "":
		return fmt.Errorf("config: DATABASE is required")
	case r.User == "":
		return fmt.Errorf("config: USER is required")
	case r.Password == "":
		return fmt.Errorf("config: PASSWORD is required")
	}
	return nil
}

// Client is the single-connection Supervisor's configuration.
type Client struct {
	Required
}

// Pool is the pooled Supervisor's configuration. Min/Max/timeouts follow
// spec.md §6's defaults: connectTimeout=5000ms, idleTimeout=60000ms,
// maxLifetime=600s, applied by Normalize when the env var is unset (zero).
type Pool struct {
	Required
	Min              int32 `envconfig:"POOL_MIN" default:"0"`
	Max              int32 `envconfig:"POOL_MAX" default:"4"`
	ConnectTimeoutMS int64 `envconfig:"POOL_CONNECT_TIMEOUT_MS"`
	IdleTimeoutMS    int64 `envconfig:"POOL_IDLE_TIMEOUT_MS"`
	MaxLifetimeSec   int64 `envconfig:"POOL_MAX_LIFETIME_SEC"`
}

// Default timeout/lifetime values applied when a Pool's field is left zero,
// per spec.md §6.
const (
	DefaultConnectTimeoutMS = 5000
	DefaultIdleTimeoutMS    = 60000
	DefaultMaxLifetimeSec   = 600
)

// Normalize fills in spec.md §6's defaults for any zero-valued timeout
// field. It does not touch Min/Max — those have no defaults, only bounds.
func (p *Pool) Normalize() {
	if p.ConnectTimeoutMS == 0 {
		p.ConnectTimeoutMS = DefaultConnectTimeoutMS
	}
	if p.IdleTimeoutMS == 0 {
		p.IdleTimeoutMS = DefaultIdleTimeoutMS
	}
	if p.MaxLifetimeSec == 0 {
		p.MaxLifetimeSec = DefaultMaxLifetimeSec
	}
}

// Validate checks the required fields plus the pool-only bounds from
// spec.md §6/B3: min >= 0, max >= 2, min <= max.
func (p Pool) Validate() error {
	if err := p.Required.Validate(); err != nil {
		return err
	}
	if p.Min < 0 {
		return fmt.Errorf("config: POOL_MIN must be >= 0, got %d", p.Min)
	}
	if p.Max < 2 {
		return fmt.Errorf("config: POOL_MAX must be >= 2, got %d", p.Max)
	}
	if p.Min > p.Max {
		return fmt.Errorf("config: POOL_MIN (%d) must be <= POOL_MAX (%d)", p.Min, p.Max)
	}
	return nil
}

// Executor holds the retry budget spec.md §4.7/§6 requires. MaxAttempts is
// floored at 1 by Normalize, never by Validate — construction never
// rejects a config for this field, it is simply clamped.
type Executor struct {
	MaxAttempts int `envconfig:"EXECUTOR_MAX_ATTEMPTS" default:"3"`
}

// Normalize floors MaxAttempts at 1, per spec.md §4.7.
func (e *Executor) Normalize() {
	if e.MaxAttempts < 1 {
		e.MaxAttempts = 1
	}
}

// LoadClient reads a Client config from PGRESILIENT_* environment
// variables.
func LoadClient() (*Client, error) {
	var c Client
	if err := envconfig.Process("PGRESILIENT", &c); err != nil {
		return nil, fmt.Errorf("config: load client: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadPool reads a Pool config from PGRESILIENT_* environment variables
// and applies spec.md §6's defaults before validating.
func LoadPool() (*Pool, error) {
	var p Pool
	if err := envconfig.Process("PGRESILIENT", &p); err != nil {
		return nil, fmt.Errorf("config: load pool: %w", err)
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadExecutor reads an Executor config from PGRESILIENT_* environment
// variables.
func LoadExecutor() (*Executor, error) {
	var e Executor
	if err := envconfig.Process("PGRESILIENT", &e); err != nil {
		return nil, fmt.Errorf("config: load executor: %w", err)
	}
	e.Normalize()
	return &e, nil
}
