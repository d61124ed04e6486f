package config_test

import (
	"errors"
	"testing"

	"github.com/elephant-xyz/errorcore/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"WORKFLOW_ERRORS_TABLE_NAME":     "elephant-workflow-errors",
		"TRANSFORM_WORKER_FUNCTION_NAME": "transform-fn",
		"SVL_WORKER_FUNCTION_NAME":       "svl-fn",
		"OUTPUT_S3_PREFIX":               "s3://bucket/prefix",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadFromEnv_Success(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.WorkflowErrorsTableName != "elephant-workflow-errors" {
		t.Errorf("unexpected table name: %s", cfg.WorkflowErrorsTableName)
	}
	if cfg.CloudWatchMetricNamespace != "ExecutionRestart" {
		t.Errorf("expected default namespace, got %s", cfg.CloudWatchMetricNamespace)
	}
}

func TestLoadFromEnv_NamespaceOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CLOUDWATCH_METRIC_NAMESPACE", "CustomNamespace")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.CloudWatchMetricNamespace != "CustomNamespace" {
		t.Errorf("expected override namespace, got %s", cfg.CloudWatchMetricNamespace)
	}
}

func TestLoadFromEnv_MissingRequiredFailsFast(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SVL_WORKER_FUNCTION_NAME", "")

	_, err := config.LoadFromEnv()
	if !errors.Is(err, config.ErrMissingRequiredEnv) {
		t.Fatalf("expected ErrMissingRequiredEnv, got %v", err)
	}
}

func TestConfig_Merge(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Merge(&config.Config{WorkflowErrorsTableName: "overridden"})

	if cfg.WorkflowErrorsTableName != "overridden" {
		t.Errorf("expected merge to apply override, got %s", cfg.WorkflowErrorsTableName)
	}
	if cfg.CloudWatchMetricNamespace != "ExecutionRestart" {
		t.Errorf("expected untouched field to keep default, got %s", cfg.CloudWatchMetricNamespace)
	}
}
