package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "owlrd", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.ControlQoS)
	assert.Equal(t, byte(0), cfg.MQTT.DataQoS)

	assert.False(t, cfg.Cardio.DemoMode)
	assert.Equal(t, 22050, cfg.Cardio.HeartSound.SampleRateHz)
	assert.Equal(t, 500, cfg.Cardio.Electrical.SampleRateHz)
	assert.Equal(t, 60.0, cfg.Cardio.HeartSound.MaxDurationSec)
	assert.Equal(t, 10*time.Second, cfg.Cardio.IdleTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Cardio.AbsoluteTimeout)
	assert.Equal(t, 2.0, cfg.Cardio.Telemetry.RateHz)
	assert.Equal(t, 500*time.Millisecond, cfg.TelemetryInterval())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("CARDIO_DEMO_MODE", "true")
	t.Setenv("CARDIO_HS_SAMPLE_RATE", "4000")
	t.Setenv("CARDIO_ECG_MAX_DURATION_SEC", "30")
	t.Setenv("CARDIO_IDLE_TIMEOUT_SEC", "2.5")
	t.Setenv("CARDIO_TELEMETRY_HZ", "20")
	t.Setenv("CARDIO_TOPIC_ROOT", "/cardio/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Cardio.DemoMode)
	assert.Equal(t, 4000, cfg.Cardio.HeartSound.SampleRateHz)
	assert.Equal(t, 30.0, cfg.Cardio.Electrical.MaxDurationSec)
	assert.Equal(t, 2500*time.Millisecond, cfg.Cardio.IdleTimeout)
	assert.Equal(t, 5.0, cfg.Cardio.Telemetry.RateHz, "telemetry rate clamped to 5 Hz")
	assert.Equal(t, "cardio", cfg.Cardio.TopicRoot)
}

func TestLoad_InvalidTimeouts(t *testing.T) {
	os.Clearenv()
	t.Setenv("CARDIO_IDLE_TIMEOUT_SEC", "120")
	t.Setenv("CARDIO_ABSOLUTE_TIMEOUT_SEC", "60")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute timeout")
}

func TestLoad_SampleRateCeiling(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 48000, cfg.Cardio.HeartSound.MaxSampleRateHz)
	assert.Equal(t, 2000, cfg.Cardio.Electrical.MaxSampleRateHz)

	t.Setenv("CARDIO_HS_MAX_SAMPLE_RATE", "8000")
	_, err = Load()
	require.Error(t, err, "ceiling below default rate")

	os.Clearenv()
	t.Setenv("CARDIO_HS_MAX_SAMPLE_RATE", "10000000")
	t.Setenv("CARDIO_HS_MAX_DURATION_SEC", "3600")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer ceiling")
}

func TestGetEnv(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, "default-value", getEnv("TEST_KEY", "default-value"))
	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))

	t.Setenv("TEST_KEY", "test-value")
	t.Setenv("TEST_INT", "x")
	assert.Equal(t, "test-value", getEnv("TEST_KEY", "default-value"))
	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))
}
