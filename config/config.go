// Package config loads the handful of environment variables every Lambda
// entrypoint needs, failing fast on startup when a required one is
// missing rather than surfacing a nil-pointer deep inside a handler.
package config

import (
	"errors"
	"fmt"
	"os"
)

// ErrMissingRequiredEnv is wrapped with the variable name for every
// missing required environment variable.
var ErrMissingRequiredEnv = errors.New("missing required environment variable")

// Config holds every env-derived setting the three Lambda entrypoints
// share.
type Config struct {
	WorkflowErrorsTableName     string
	TransformWorkerFunctionName string
	SVLWorkerFunctionName       string
	OutputS3Prefix              string
	CloudWatchMetricNamespace   string
}

// DefaultConfig returns the defaults applied before environment overrides
// are merged in — only CloudWatchMetricNamespace has one (§6.8).
func DefaultConfig() *Config {
	return &Config{
		CloudWatchMetricNamespace: "ExecutionRestart",
	}
}

// Merge overlays non-zero fields from source onto c.
func (c *Config) Merge(source *Config) {
	if source.WorkflowErrorsTableName != "" {
		c.WorkflowErrorsTableName = source.WorkflowErrorsTableName
	}
	if source.TransformWorkerFunctionName != "" {
		c.TransformWorkerFunctionName = source.TransformWorkerFunctionName
	}
	if source.SVLWorkerFunctionName != "" {
		c.SVLWorkerFunctionName = source.SVLWorkerFunctionName
	}
	if source.OutputS3Prefix != "" {
		c.OutputS3Prefix = source.OutputS3Prefix
	}
	if source.CloudWatchMetricNamespace != "" {
		c.CloudWatchMetricNamespace = source.CloudWatchMetricNamespace
	}
}

// required lists the env vars that have no default and must be present at
// startup (§6.8).
var required = []struct {
	env    string
	assign func(*Config, string)
}{
	{"WORKFLOW_ERRORS_TABLE_NAME", func(c *Config, v string) { c.WorkflowErrorsTableName = v }},
	{"TRANSFORM_WORKER_FUNCTION_NAME", func(c *Config, v string) { c.TransformWorkerFunctionName = v }},
	{"SVL_WORKER_FUNCTION_NAME", func(c *Config, v string) { c.SVLWorkerFunctionName = v }},
	{"OUTPUT_S3_PREFIX", func(c *Config, v string) { c.OutputS3Prefix = v }},
}

// LoadFromEnv reads every required variable via os.LookupEnv and fails
// fast with ErrMissingRequiredEnv on the first one absent. The optional
// CLOUDWATCH_METRIC_NAMESPACE overrides the "ExecutionRestart" default
// when set.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	for _, r := range required {
		v, ok := os.LookupEnv(r.env)
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingRequiredEnv, r.env)
		}
		r.assign(cfg, v)
	}

	if v, ok := os.LookupEnv("CLOUDWATCH_METRIC_NAMESPACE"); ok && v != "" {
		cfg.CloudWatchMetricNamespace = v
	}

	return cfg, nil
}
