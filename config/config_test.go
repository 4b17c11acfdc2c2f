package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	require.NoError(t, c.UnmarshalEnv(nil, false))

	assert.Equal(t, "loopback", c.Medium)
	assert.Equal(t, "1.1.1", c.DeviceAddress)
	assert.Equal(t, zerolog.InfoLevel, c.LogLevel)
	assert.True(t, c.LogEnabled)
	assert.Equal(t, ":9090", c.MetricsAddr)
	assert.Equal(t, time.Second, c.ReconnectDelay)
	assert.Equal(t, -1, c.ReconnectMaxAttempts)
	assert.Equal(t, 3*time.Second, c.AckTimeout)
	assert.Equal(t, 6*time.Second, c.ConnectTimeout)
	assert.Empty(t, c.ToolKeyPath)
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	env := []string{
		"CALIMERO_MEDIUM=ip",
		"CALIMERO_IP_GATEWAY=10.0.0.5:3671",
		"CALIMERO_DEVICE_ADDRESS=1.2.3",
		"CALIMERO_LOG_LEVEL=debug",
		"CALIMERO_LOG_ENABLED=false",
		"CALIMERO_RECONNECT_MAX_ATTEMPTS=5",
		"IRRELEVANT_VAR=ignored",
	}
	require.NoError(t, c.UnmarshalEnv(env, false))

	assert.Equal(t, "ip", c.Medium)
	assert.Equal(t, "10.0.0.5:3671", c.IPGatewayAddr)
	assert.Equal(t, "1.2.3", c.DeviceAddress)
	assert.Equal(t, zerolog.DebugLevel, c.LogLevel)
	assert.False(t, c.LogEnabled)
	assert.Equal(t, 5, c.ReconnectMaxAttempts)

	dev, err := c.Device()
	require.NoError(t, err)
	assert.Equal(t, byte(1), dev.Area())
	assert.Equal(t, byte(2), dev.Line())
	assert.Equal(t, byte(3), dev.Device())
}

func TestUnmarshalEnvRejectsUnknownCalimeroVar(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"CALIMERO_BOGUS=1"}, false)
	assert.ErrorContains(t, err, "unknown environment variable")
}

func TestUnmarshalEnvIncrementalLeavesUnmentionedFieldsAlone(t *testing.T) {
	c := Config{Medium: "ip", LogLevel: zerolog.WarnLevel}
	require.NoError(t, c.UnmarshalEnv([]string{"CALIMERO_LOG_LEVEL=error"}, true))

	assert.Equal(t, "ip", c.Medium) // untouched, not reset to the "loopback" default
	assert.Equal(t, zerolog.ErrorLevel, c.LogLevel)
}

func TestUnmarshalEnvInvalidDuration(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"CALIMERO_ACK_TIMEOUT=not-a-duration"}, false)
	assert.Error(t, err)
}
