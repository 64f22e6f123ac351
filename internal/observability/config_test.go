package observability

import (
	"testing"

	"github.com/smallbiznis/clientdesk/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigPrefersDeploymentEnv(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppVersion:  "1.2.0",
		Environment: "production",
		Telemetry: config.TelemetryConfig{
			DeploymentEnv: "staging",
			LogLevel:      "info",
			SamplingRatio: 4,
		},
	})

	assert.Equal(t, "clientdesk", cfg.ServiceName)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, 1.0, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
}

func TestDebug(t *testing.T) {
	assert.True(t, Config{LogLevel: "DEBUG", Environment: "production"}.Debug())
	assert.True(t, Config{LogLevel: "info", Environment: "local"}.Debug())
	assert.False(t, Config{LogLevel: "warn", Environment: "production"}.Debug())
}
