package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fulfil/internal/fulfillment"
)

func TestParse_EmptyMatchesDefault(t *testing.T) {
	for _, name := range []string{"empty.cue", "empty.yaml"} {
		cfg, err := Parse(name, nil)
		require.NoError(t, err, name)
		assert.Equal(t, Default(), cfg, name)
	}
}

func TestParse_YAMLOverrides(t *testing.T) {
	doc := `
database: /var/lib/fulfil/runs.db
activity:
  timeout: 90s
  retry:
    maximum_attempts: 3
    backoff_coefficient: 2
    maximum_interval: 10s
delivery:
  poll_interval: 5s
metrics:
  exporter: prometheus
`
	cfg, err := Parse("fulfil.yaml", []byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fulfil/runs.db", cfg.Database)
	assert.Equal(t, 90*time.Second, cfg.Activity.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Activity.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.Activity.Retry.MaximumAttempts)
	assert.Equal(t, 2.0, cfg.Activity.Retry.BackoffCoefficient)
	assert.Equal(t, 10*time.Second, cfg.Activity.Retry.MaximumInterval)
	assert.Equal(t, []string{fulfillment.CodeInvalidCard}, cfg.Activity.Retry.NonRetryableErrorCodes)
	assert.Equal(t, 5*time.Second, cfg.Delivery.PollInterval)
	assert.Equal(t, int64(10), cfg.Delivery.PollMaxIterations)
	assert.Equal(t, "prometheus", cfg.Metrics.Exporter)
}

func TestParse_CUE(t *testing.T) {
	doc := `
preparation_delay: "500ms"
compensation_attempts: 3
delivery: max_km: 40
`
	cfg, err := Parse("fulfil.cue", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.PreparationDelay)
	assert.Equal(t, 3, cfg.CompensationAttempts)
	assert.Equal(t, 40, cfg.Delivery.MaxKM)
	assert.Equal(t, 3, cfg.CompensationPolicy().MaxAttempts)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		doc  string
	}{
		{"unknown field", "c.yaml", "databse: x.db\n"},
		{"bad duration", "c.yaml", "preparation_delay: soon\n"},
		{"zero attempts", "c.yaml", "activity:\n  retry:\n    maximum_attempts: 0\n"},
		{"coefficient below one", "c.yaml", "activity:\n  retry:\n    backoff_coefficient: 0.5\n"},
		{"unknown exporter", "c.yaml", "metrics:\n  exporter: statsd\n"},
		{"heartbeat shorter than poll", "c.yaml", "activity:\n  heartbeat_timeout: 10s\n"},
		{"max below initial", "c.yaml", "activity:\n  retry:\n    initial_interval: 5s\n"},
		{"cue syntax", "c.cue", "database: \n"},
		{"unsupported extension", "c.toml", "database = 'x'\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.file, []byte(tt.doc))
			require.Error(t, err)
			var cfgErr *Error
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fulfil.yml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch_url: http://dispatch:8080\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://dispatch:8080", cfg.DispatchURL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPipelineOptions(t *testing.T) {
	cfg := Default()
	assert.Equal(t, fulfillment.DefaultOptions(), cfg.PipelineOptions())

	cfg.Delivery.PollMaxIterations = 3
	assert.Equal(t, int64(3), cfg.PipelineOptions().PollMaxIterations)
}
