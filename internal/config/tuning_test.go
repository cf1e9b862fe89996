package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestEmptyTuningConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	assert.Equal(t, 1.7, cfg.GetPersonHeightM())
	assert.Equal(t, 400.0, cfg.GetReferenceHeightPx())
	assert.Equal(t, 3.0, cfg.GetReferenceDistanceM())
	assert.Equal(t, 0.7, cfg.GetDistanceSmoothing())
	assert.Equal(t, 0.10, cfg.GetCenterDeadzone())
	assert.Equal(t, 15.0, cfg.GetMaxYawRate())
	assert.Equal(t, 1.5, cfg.GetMaxForwardVelocity())
	assert.Equal(t, 0.85, cfg.GetVelocitySmoothing())
	assert.Equal(t, 0.25, cfg.GetTargetBBoxRatio())
	assert.Equal(t, 0.5, cfg.GetMinConfidence())
	assert.Equal(t, 2*time.Second, cfg.GetTrackLossTimeout())
	assert.Equal(t, 1.5, cfg.GetMinTrackingDistance())
	assert.Equal(t, 3*time.Second, cfg.GetManualTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.GetMonitorInterval())
	assert.Equal(t, 7, cfg.GetRCChannel())
	assert.Equal(t, 1500, cfg.GetRCThreshold())
	assert.True(t, cfg.GetHTTPEnabled())
	assert.Equal(t, ":8080", cfg.GetHTTPListen())
	assert.Equal(t, "person", cfg.GetTargetLabel())
	assert.Equal(t, 115200, cfg.GetSerialBaudRate())
	assert.NoError(t, cfg.Validate())
}

func TestMustLoadDefaultConfigMatchesBuiltins(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	empty := EmptyTuningConfig()

	assert.Equal(t, empty.GetPGainYaw(), cfg.GetPGainYaw())
	assert.Equal(t, empty.GetDGainYaw(), cfg.GetDGainYaw())
	assert.Equal(t, empty.GetPGainForward(), cfg.GetPGainForward())
	assert.Equal(t, empty.GetDGainForward(), cfg.GetDGainForward())
	assert.Equal(t, empty.GetTrackLossTimeout(), cfg.GetTrackLossTimeout())
	assert.Equal(t, empty.GetManualTimeout(), cfg.GetManualTimeout())
	assert.Equal(t, empty.GetControlRateHz(), cfg.GetControlRateHz())
	assert.Equal(t, empty.GetRetreatSpeed(), cfg.GetRetreatSpeed())
}

func TestLoadTuningConfig(t *testing.T) {
	path := writeConfig(t, "tuning.json", `{
  "p_gain_yaw": 0.1,
  "track_loss_timeout": "1500ms",
  "manual_timeout": "1s",
  "rc_channel": 8,
  "http_enabled": false
}`)

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 0.1, cfg.GetPGainYaw())
	assert.Equal(t, 1500*time.Millisecond, cfg.GetTrackLossTimeout())
	assert.Equal(t, time.Second, cfg.GetManualTimeout())
	assert.Equal(t, 8, cfg.GetRCChannel())
	assert.False(t, cfg.GetHTTPEnabled())
	// untouched fields keep their defaults
	assert.Equal(t, 0.02, cfg.GetDGainYaw())
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	t.Run("wrong extension", func(t *testing.T) {
		path := writeConfig(t, "tuning.yaml", `{}`)
		_, err := LoadTuningConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ".json extension")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("bad json", func(t *testing.T) {
		path := writeConfig(t, "bad.json", `{"p_gain_yaw": }`)
		_, err := LoadTuningConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse")
	})

	t.Run("too large", func(t *testing.T) {
		path := writeConfig(t, "big.json", `{"target_label": "`+strings.Repeat("x", 1024*1024)+`"}`)
		_, err := LoadTuningConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, "invalid.json", `{"velocity_smoothing": 1.5}`)
		_, err := LoadTuningConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "velocity_smoothing")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TuningConfig
		wantErr string
	}{
		{"empty is valid", TuningConfig{}, ""},
		{"confidence out of range", TuningConfig{MinConfidence: ptrFloat64(1.2)}, "min_confidence"},
		{"negative deadzone", TuningConfig{CenterDeadzone: ptrFloat64(-0.1)}, "center_deadzone"},
		{"zero person height", TuningConfig{PersonHeightM: ptrFloat64(0)}, "person_height_m"},
		{"zero control rate", TuningConfig{ControlRateHz: ptrFloat64(0)}, "control_rate_hz"},
		{"inverted distance clamp", TuningConfig{MinDistanceM: ptrFloat64(25)}, "min_distance_m"},
		{"inverted tracking band", TuningConfig{MaxTrackingDistance: ptrFloat64(1)}, "min_tracking_distance"},
		{"bad duration", TuningConfig{ManualTimeout: ptrString("soon")}, "manual_timeout"},
		{"negative duration", TuningConfig{TrackLossTimeout: ptrString("-1s")}, "track_loss_timeout"},
		{"rc channel range", TuningConfig{RCChannel: ptrInt(0)}, "rc_channel"},
		{"rc threshold range", TuningConfig{RCThreshold: ptrInt(2500)}, "rc_threshold"},
		{"http flag alone", TuningConfig{HTTPEnabled: ptrBool(false)}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationFallbackOnParseError(t *testing.T) {
	cfg := &TuningConfig{MonitorInterval: ptrString("garbage")}
	assert.Equal(t, 500*time.Millisecond, cfg.GetMonitorInterval())
}
