package prioritask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSchedulerOptions_Defaults(t *testing.T) {
	cfg, err := resolveSchedulerOptions(nil)
	require.NoError(t, err)
	assert.False(t, cfg.metricsEnabled)
	assert.Nil(t, cfg.logger)
}

func TestResolveSchedulerOptions_WithMetricsAndLogger(t *testing.T) {
	logger := NewNoOpLogger()
	cfg, err := resolveSchedulerOptions([]SchedulerOption{WithMetrics(true), WithLogger(logger)})
	require.NoError(t, err)
	assert.True(t, cfg.metricsEnabled)
	assert.Same(t, Logger(logger), cfg.logger)
}

func TestResolveSchedulerOptions_SkipsNilOption(t *testing.T) {
	cfg, err := resolveSchedulerOptions([]SchedulerOption{nil, WithMetrics(true), nil})
	require.NoError(t, err)
	assert.True(t, cfg.metricsEnabled)
}

func TestNewScheduler_AppliesOptions(t *testing.T) {
	s, err := NewScheduler(WithMetrics(true))
	require.NoError(t, err)
	assert.True(t, s.metricsEnabled)
}
