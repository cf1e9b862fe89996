package tracking

import (
	"errors"
	"fmt"

	"github.com/banshee-data/follow.pilot/internal/config"
)

// ErrInvalidCalibration is returned by Calibrate when any input is non-positive.
var ErrInvalidCalibration = errors.New("invalid calibration values")

// DistanceConfig holds the pinhole model constants.
type DistanceConfig struct {
	PersonHeightM      float64 // assumed real height of the target
	ReferenceHeightPx  float64 // box height observed at ReferenceDistanceM
	ReferenceDistanceM float64
	MinDistanceM       float64
	MaxDistanceM       float64
	Smoothing          float64 // EMA weight on history, 0 disables
}

// DefaultDistanceConfig returns the built-in calibration.
func DefaultDistanceConfig() DistanceConfig {
	return DistanceConfigFromTuning(config.EmptyTuningConfig())
}

// DistanceConfigFromTuning builds a DistanceConfig from the tuning file.
func DistanceConfigFromTuning(cfg *config.TuningConfig) DistanceConfig {
	return DistanceConfig{
		PersonHeightM:      cfg.GetPersonHeightM(),
		ReferenceHeightPx:  cfg.GetReferenceHeightPx(),
		ReferenceDistanceM: cfg.GetReferenceDistanceM(),
		MinDistanceM:       cfg.GetMinDistanceM(),
		MaxDistanceM:       cfg.GetMaxDistanceM(),
		Smoothing:          cfg.GetDistanceSmoothing(),
	}
}

// DistanceEstimator converts box height into range using
// distance = focal * person_height / box_height. It is not safe for
// concurrent use; the Controller that owns it serialises access.
type DistanceEstimator struct {
	cfg     DistanceConfig
	focalPx float64
	last    float64
	hasLast bool
}

// NewDistanceEstimator derives the focal length from the reference calibration.
func NewDistanceEstimator(cfg DistanceConfig) *DistanceEstimator {
	return &DistanceEstimator{
		cfg:     cfg,
		focalPx: cfg.ReferenceHeightPx * cfg.ReferenceDistanceM / cfg.PersonHeightM,
	}
}

// Estimate returns the range in metres for a box of bboxHeightPx. A
// non-positive or non-finite height yields the last estimate, or the
// reference distance before any estimate exists. frameHeightPx is accepted
// for symmetry with the ratio helpers; the pinhole model does not need it.
func (e *DistanceEstimator) Estimate(bboxHeightPx, frameHeightPx float64, smooth bool) float64 {
	if bboxHeightPx <= 0 || !finite(bboxHeightPx) {
		if e.hasLast {
			return e.last
		}
		return e.cfg.ReferenceDistanceM
	}

	d := clamp(e.focalPx*e.cfg.PersonHeightM/bboxHeightPx, e.cfg.MinDistanceM, e.cfg.MaxDistanceM)

	if smooth && e.hasLast {
		a := e.cfg.Smoothing
		d = (1-a)*d + a*e.last
	}
	e.last = d
	e.hasLast = true
	return d
}

// EstimateFromBBox estimates range from a detection with smoothing on.
func (e *DistanceEstimator) EstimateFromBBox(b BoundingBox, frameHeightPx int) float64 {
	return e.Estimate(b.Height, float64(frameHeightPx), true)
}

// EstimateFromRatio estimates range from box height expressed as a fraction
// of the frame height.
func (e *DistanceEstimator) EstimateFromRatio(ratio float64, frameHeightPx int) float64 {
	return e.Estimate(ratio*float64(frameHeightPx), float64(frameHeightPx), true)
}

// TargetBBoxHeight is the inverse mapping: the box height in pixels that a
// target at targetDistanceM would produce, capped at the frame height.
func (e *DistanceEstimator) TargetBBoxHeight(targetDistanceM float64, frameHeightPx int) float64 {
	fh := float64(frameHeightPx)
	if targetDistanceM <= 0 {
		return fh
	}
	h := e.focalPx * e.cfg.PersonHeightM / targetDistanceM
	if h > fh {
		return fh
	}
	return h
}

// Calibrate replaces the reference pair with a measurement taken at a known
// range and recomputes the focal length. Invalid input leaves the estimator
// unchanged. frameHeightPx is recorded in the error only.
func (e *DistanceEstimator) Calibrate(knownDistanceM, measuredHeightPx float64, frameHeightPx int) error {
	if knownDistanceM <= 0 || measuredHeightPx <= 0 || !finite(knownDistanceM, measuredHeightPx) {
		return fmt.Errorf("%w: distance=%.2fm height=%.1fpx frame=%dpx",
			ErrInvalidCalibration, knownDistanceM, measuredHeightPx, frameHeightPx)
	}
	e.cfg.ReferenceDistanceM = knownDistanceM
	e.cfg.ReferenceHeightPx = measuredHeightPx
	e.focalPx = measuredHeightPx * knownDistanceM / e.cfg.PersonHeightM
	return nil
}

// Reset forgets the smoothing history.
func (e *DistanceEstimator) Reset() {
	e.last = 0
	e.hasLast = false
}

// LastDistance returns the most recent estimate and whether one exists.
func (e *DistanceEstimator) LastDistance() (float64, bool) {
	return e.last, e.hasLast
}

func (e *DistanceEstimator) FocalLengthPx() float64 { return e.focalPx }

func (e *DistanceEstimator) Config() DistanceConfig { return e.cfg }
