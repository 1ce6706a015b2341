// Package config loads fulfil settings from CUE or YAML files.
//
// Every document is unified with an embedded CUE schema that supplies
// defaults and rejects unknown fields, so a config file only names what it
// changes. Durations are strings such as "1s" or "250ms".
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/fulfil/internal/engine"
	"github.com/roach88/fulfil/internal/fulfillment"
)

//go:embed schema.cue
var schemaSource string

// Config is the resolved configuration.
type Config struct {
	Database             string
	DispatchURL          string
	PreparationDelay     time.Duration
	CompensationAttempts int
	Activity             ActivityConfig
	Delivery             DeliveryConfig
	Metrics              MetricsConfig
}

// ActivityConfig bounds and retries the pipeline's steps.
type ActivityConfig struct {
	Timeout          time.Duration
	HeartbeatTimeout time.Duration
	Retry            engine.RetryPolicy
}

// DeliveryConfig tunes the delivery radius and the driver poll.
type DeliveryConfig struct {
	MaxKM             int
	PollInterval      time.Duration
	PollMaxIterations int64
}

// MetricsConfig selects the metrics exporter.
type MetricsConfig struct {
	Exporter string
	Addr     string
}

// Error is a configuration problem, positioned when CUE knows where.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the built-in settings. They match what an empty config
// file resolves to.
func Default() *Config {
	return &Config{
		Database:             "fulfil.db",
		DispatchURL:          "http://localhost:9998",
		PreparationDelay:     3 * time.Second,
		CompensationAttempts: 1,
		Activity: ActivityConfig{
			Timeout:          60 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
			Retry:            fulfillment.DefaultOptions().Policy,
		},
		Delivery: DeliveryConfig{
			MaxKM:             25,
			PollInterval:      20 * time.Second,
			PollMaxIterations: 10,
		},
		Metrics: MetricsConfig{Exporter: "none", Addr: ":9464"},
	}
}

// Load reads a .cue, .yaml or .yml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse resolves a config document. The file extension of name selects
// the syntax.
func Parse(name string, data []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	var doc cue.Value
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".cue":
		doc = ctx.CompileBytes(data, cue.Filename(name))
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &Error{Field: "yaml", Message: err.Error()}
		}
		if raw == nil {
			raw = map[string]any{}
		}
		doc = ctx.Encode(raw)
	default:
		return nil, &Error{Field: "file", Message: fmt.Sprintf("unsupported config extension %q", ext)}
	}
	if err := doc.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var raw rawConfig
	if err := v.Decode(&raw); err != nil {
		return nil, formatCUEError(err)
	}
	cfg, err := raw.resolve()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constraints that span several fields.
func (c *Config) Validate() error {
	if err := c.Activity.Retry.Validate(); err != nil {
		return &Error{Field: "activity.retry", Message: err.Error()}
	}
	if c.Activity.HeartbeatTimeout > 0 && c.Activity.HeartbeatTimeout <= c.Delivery.PollInterval {
		return &Error{
			Field: "activity.heartbeat_timeout",
			Message: fmt.Sprintf("must exceed delivery.poll_interval (%s), got %s",
				c.Delivery.PollInterval, c.Activity.HeartbeatTimeout),
		}
	}
	switch c.Metrics.Exporter {
	case "none", "prometheus":
	default:
		return &Error{Field: "metrics.exporter", Message: fmt.Sprintf("unknown exporter %q", c.Metrics.Exporter)}
	}
	return nil
}

// PipelineOptions maps the config onto pipeline options.
func (c *Config) PipelineOptions() fulfillment.Options {
	opts := fulfillment.DefaultOptions()
	opts.Policy = c.Activity.Retry
	opts.StepTimeout = c.Activity.Timeout
	opts.HeartbeatTimeout = c.Activity.HeartbeatTimeout
	opts.PreparationDelay = c.PreparationDelay
	opts.MaxDeliveryKM = c.Delivery.MaxKM
	opts.PollInterval = c.Delivery.PollInterval
	opts.PollMaxIterations = c.Delivery.PollMaxIterations
	return opts
}

// CompensationPolicy returns how often each undo is attempted.
func (c *Config) CompensationPolicy() engine.CompensationPolicy {
	return engine.CompensationPolicy{MaxAttempts: c.CompensationAttempts, Interval: c.Activity.Retry.InitialInterval}
}

type rawRetry struct {
	InitialInterval    string   `json:"initial_interval"`
	BackoffCoefficient float64  `json:"backoff_coefficient"`
	MaximumInterval    string   `json:"maximum_interval"`
	MaximumAttempts    int      `json:"maximum_attempts"`
	NonRetryable       []string `json:"non_retryable"`
}

type rawConfig struct {
	Database             string `json:"database"`
	DispatchURL          string `json:"dispatch_url"`
	PreparationDelay     string `json:"preparation_delay"`
	CompensationAttempts int    `json:"compensation_attempts"`
	Activity             struct {
		Timeout          string   `json:"timeout"`
		HeartbeatTimeout string   `json:"heartbeat_timeout"`
		Retry            rawRetry `json:"retry"`
	} `json:"activity"`
	Delivery struct {
		MaxKM             int    `json:"max_km"`
		PollInterval      string `json:"poll_interval"`
		PollMaxIterations int64  `json:"poll_max_iterations"`
	} `json:"delivery"`
	Metrics struct {
		Exporter string `json:"exporter"`
		Addr     string `json:"addr"`
	} `json:"metrics"`
}

func (r rawConfig) resolve() (*Config, error) {
	var errs []error
	dur := func(field, s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, &Error{Field: field, Message: err.Error()})
		}
		return d
	}

	cfg := &Config{
		Database:             r.Database,
		DispatchURL:          r.DispatchURL,
		PreparationDelay:     dur("preparation_delay", r.PreparationDelay),
		CompensationAttempts: r.CompensationAttempts,
		Activity: ActivityConfig{
			Timeout:          dur("activity.timeout", r.Activity.Timeout),
			HeartbeatTimeout: dur("activity.heartbeat_timeout", r.Activity.HeartbeatTimeout),
			Retry: engine.RetryPolicy{
				InitialInterval:        dur("activity.retry.initial_interval", r.Activity.Retry.InitialInterval),
				BackoffCoefficient:     r.Activity.Retry.BackoffCoefficient,
				MaximumInterval:        dur("activity.retry.maximum_interval", r.Activity.Retry.MaximumInterval),
				MaximumAttempts:        r.Activity.Retry.MaximumAttempts,
				NonRetryableErrorCodes: r.Activity.Retry.NonRetryable,
			},
		},
		Delivery: DeliveryConfig{
			MaxKM:             r.Delivery.MaxKM,
			PollInterval:      dur("delivery.poll_interval", r.Delivery.PollInterval),
			PollMaxIterations: r.Delivery.PollMaxIterations,
		},
		Metrics: MetricsConfig{Exporter: r.Metrics.Exporter, Addr: r.Metrics.Addr},
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return cfg, nil
}

// formatCUEError keeps the first CUE error with its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &Error{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return &Error{Field: "cue", Message: first.Error()}
}
