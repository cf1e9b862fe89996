package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and inspection at runtime.
type TuningConfig struct {
	// Distance estimator params
	PersonHeightM      *float64 `json:"person_height_m,omitempty"`
	ReferenceHeightPx  *float64 `json:"reference_height_px,omitempty"`
	ReferenceDistanceM *float64 `json:"reference_distance_m,omitempty"`
	MinDistanceM       *float64 `json:"min_distance_m,omitempty"`
	MaxDistanceM       *float64 `json:"max_distance_m,omitempty"`
	DistanceSmoothing  *float64 `json:"distance_smoothing,omitempty"`

	// Tracking controller params
	CenterDeadzone      *float64 `json:"center_deadzone,omitempty"`
	MaxYawRate          *float64 `json:"max_yaw_rate,omitempty"`         // deg/s
	MaxForwardVelocity  *float64 `json:"max_forward_velocity,omitempty"` // m/s
	MaxLateralVelocity  *float64 `json:"max_lateral_velocity,omitempty"` // m/s
	PGainYaw            *float64 `json:"p_gain_yaw,omitempty"`
	DGainYaw            *float64 `json:"d_gain_yaw,omitempty"`
	PGainForward        *float64 `json:"p_gain_forward,omitempty"`
	DGainForward        *float64 `json:"d_gain_forward,omitempty"`
	VelocitySmoothing   *float64 `json:"velocity_smoothing,omitempty"`
	TargetBBoxRatio     *float64 `json:"target_bbox_ratio,omitempty"`
	BBoxRatioDeadzone   *float64 `json:"bbox_ratio_deadzone,omitempty"`
	MinConfidence       *float64 `json:"min_confidence,omitempty"`
	TrackLossTimeout    *string  `json:"track_loss_timeout,omitempty"` // duration string like "2s"
	MinTrackingDistance *float64 `json:"min_tracking_distance,omitempty"`
	MaxTrackingDistance *float64 `json:"max_tracking_distance,omitempty"`
	RetreatSpeed        *float64 `json:"retreat_speed,omitempty"`
	ControlRateHz       *float64 `json:"control_rate_hz,omitempty"`

	// Mode manager params
	ManualTimeout   *string `json:"manual_timeout,omitempty"`   // duration string like "3s"
	MonitorInterval *string `json:"monitor_interval,omitempty"` // duration string like "500ms"
	RCEnabled       *bool   `json:"rc_enabled,omitempty"`
	RCChannel       *int    `json:"rc_channel,omitempty"`
	RCThreshold     *int    `json:"rc_threshold,omitempty"`
	HTTPEnabled     *bool   `json:"http_enabled,omitempty"`
	HTTPListen      *string `json:"http_listen,omitempty"`

	// Vision feed params
	TargetLabel *string `json:"target_label,omitempty"`

	// Serial bridge params
	SerialBaudRate *int `json:"serial_baud_rate,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Every Get* accessor on it yields the built-in default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/follow/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	fractions := []struct {
		name string
		v    *float64
	}{
		{"distance_smoothing", c.DistanceSmoothing},
		{"velocity_smoothing", c.VelocitySmoothing},
		{"center_deadzone", c.CenterDeadzone},
		{"bbox_ratio_deadzone", c.BBoxRatioDeadzone},
		{"min_confidence", c.MinConfidence},
	}
	for _, f := range fractions {
		if f.v != nil && (*f.v < 0 || *f.v >= 1) {
			return fmt.Errorf("%s must be in [0, 1), got %f", f.name, *f.v)
		}
	}

	positives := []struct {
		name string
		v    *float64
	}{
		{"person_height_m", c.PersonHeightM},
		{"reference_height_px", c.ReferenceHeightPx},
		{"reference_distance_m", c.ReferenceDistanceM},
		{"min_distance_m", c.MinDistanceM},
		{"max_distance_m", c.MaxDistanceM},
		{"max_yaw_rate", c.MaxYawRate},
		{"max_forward_velocity", c.MaxForwardVelocity},
		{"target_bbox_ratio", c.TargetBBoxRatio},
		{"control_rate_hz", c.ControlRateHz},
	}
	for _, f := range positives {
		if f.v != nil && *f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", f.name, *f.v)
		}
	}

	if c.GetMinDistanceM() >= c.GetMaxDistanceM() {
		return fmt.Errorf("min_distance_m (%f) must be below max_distance_m (%f)",
			c.GetMinDistanceM(), c.GetMaxDistanceM())
	}
	if c.GetMinTrackingDistance() >= c.GetMaxTrackingDistance() {
		return fmt.Errorf("min_tracking_distance (%f) must be below max_tracking_distance (%f)",
			c.GetMinTrackingDistance(), c.GetMaxTrackingDistance())
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"track_loss_timeout", c.TrackLossTimeout},
		{"manual_timeout", c.ManualTimeout},
		{"monitor_interval", c.MonitorInterval},
	}
	for _, f := range durations {
		if f.v == nil || *f.v == "" {
			continue
		}
		d, err := time.ParseDuration(*f.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", f.name, *f.v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, d)
		}
	}

	if c.RCChannel != nil && (*c.RCChannel < 1 || *c.RCChannel > 18) {
		return fmt.Errorf("rc_channel must be between 1 and 18, got %d", *c.RCChannel)
	}
	if c.RCThreshold != nil && (*c.RCThreshold < 1000 || *c.RCThreshold > 2000) {
		return fmt.Errorf("rc_threshold must be a PWM value between 1000 and 2000, got %d", *c.RCThreshold)
	}
	if c.SerialBaudRate != nil && *c.SerialBaudRate < 0 {
		return fmt.Errorf("serial_baud_rate must be non-negative, got %d", *c.SerialBaudRate)
	}

	return nil
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetPersonHeightM returns the assumed standing height of the target.
func (c *TuningConfig) GetPersonHeightM() float64 { return floatOr(c.PersonHeightM, 1.7) }

// GetReferenceHeightPx returns the calibration box height in pixels.
func (c *TuningConfig) GetReferenceHeightPx() float64 { return floatOr(c.ReferenceHeightPx, 400) }

// GetReferenceDistanceM returns the distance at which the calibration box was measured.
func (c *TuningConfig) GetReferenceDistanceM() float64 { return floatOr(c.ReferenceDistanceM, 3.0) }

func (c *TuningConfig) GetMinDistanceM() float64      { return floatOr(c.MinDistanceM, 1.0) }
func (c *TuningConfig) GetMaxDistanceM() float64      { return floatOr(c.MaxDistanceM, 20.0) }
func (c *TuningConfig) GetDistanceSmoothing() float64 { return floatOr(c.DistanceSmoothing, 0.7) }

func (c *TuningConfig) GetCenterDeadzone() float64     { return floatOr(c.CenterDeadzone, 0.10) }
func (c *TuningConfig) GetMaxYawRate() float64         { return floatOr(c.MaxYawRate, 15.0) }
func (c *TuningConfig) GetMaxForwardVelocity() float64 { return floatOr(c.MaxForwardVelocity, 1.5) }
func (c *TuningConfig) GetMaxLateralVelocity() float64 { return floatOr(c.MaxLateralVelocity, 1.0) }
func (c *TuningConfig) GetPGainYaw() float64           { return floatOr(c.PGainYaw, 0.08) }
func (c *TuningConfig) GetDGainYaw() float64           { return floatOr(c.DGainYaw, 0.02) }
func (c *TuningConfig) GetPGainForward() float64       { return floatOr(c.PGainForward, 0.05) }
func (c *TuningConfig) GetDGainForward() float64       { return floatOr(c.DGainForward, 0.01) }
func (c *TuningConfig) GetVelocitySmoothing() float64  { return floatOr(c.VelocitySmoothing, 0.85) }
func (c *TuningConfig) GetTargetBBoxRatio() float64    { return floatOr(c.TargetBBoxRatio, 0.25) }
func (c *TuningConfig) GetBBoxRatioDeadzone() float64  { return floatOr(c.BBoxRatioDeadzone, 0.05) }
func (c *TuningConfig) GetMinConfidence() float64      { return floatOr(c.MinConfidence, 0.5) }

// GetTrackLossTimeout parses and returns the TrackLossTimeout as a time.Duration.
func (c *TuningConfig) GetTrackLossTimeout() time.Duration {
	return durationOr(c.TrackLossTimeout, 2*time.Second)
}

// GetMinTrackingDistance returns the stand-off below which the controller retreats.
func (c *TuningConfig) GetMinTrackingDistance() float64 {
	return floatOr(c.MinTrackingDistance, 1.5)
}

func (c *TuningConfig) GetMaxTrackingDistance() float64 {
	return floatOr(c.MaxTrackingDistance, 15.0)
}

// GetRetreatSpeed returns the magnitude of the fixed backwards velocity used
// when the target is closer than the minimum tracking distance.
func (c *TuningConfig) GetRetreatSpeed() float64 { return floatOr(c.RetreatSpeed, 0.5) }

func (c *TuningConfig) GetControlRateHz() float64 { return floatOr(c.ControlRateHz, 10) }

// GetManualTimeout parses and returns the ManualTimeout as a time.Duration.
func (c *TuningConfig) GetManualTimeout() time.Duration {
	return durationOr(c.ManualTimeout, 3*time.Second)
}

// GetMonitorInterval parses and returns the MonitorInterval as a time.Duration.
func (c *TuningConfig) GetMonitorInterval() time.Duration {
	return durationOr(c.MonitorInterval, 500*time.Millisecond)
}

// GetRCEnabled returns whether the RC tracking switch is honoured.
func (c *TuningConfig) GetRCEnabled() bool {
	if c.RCEnabled == nil {
		return true
	}
	return *c.RCEnabled
}

// GetRCChannel returns the RC channel carrying the tracking switch.
func (c *TuningConfig) GetRCChannel() int {
	if c.RCChannel == nil {
		return 7
	}
	return *c.RCChannel
}

// GetRCThreshold returns the PWM value above which the switch reads as on.
func (c *TuningConfig) GetRCThreshold() int {
	if c.RCThreshold == nil {
		return 1500
	}
	return *c.RCThreshold
}

// GetHTTPEnabled returns whether the HTTP control surface is served.
func (c *TuningConfig) GetHTTPEnabled() bool {
	if c.HTTPEnabled == nil {
		return true
	}
	return *c.HTTPEnabled
}

func (c *TuningConfig) GetHTTPListen() string {
	if c.HTTPListen == nil || *c.HTTPListen == "" {
		return ":8080"
	}
	return *c.HTTPListen
}

func (c *TuningConfig) GetTargetLabel() string {
	if c.TargetLabel == nil || *c.TargetLabel == "" {
		return "person"
	}
	return *c.TargetLabel
}

func (c *TuningConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil || *c.SerialBaudRate == 0 {
		return 115200
	}
	return *c.SerialBaudRate
}
