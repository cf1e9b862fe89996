package vision

import (
	"math"
	"time"

	"github.com/banshee-data/follow.pilot/internal/timeutil"
	"github.com/banshee-data/follow.pilot/internal/tracking"
)

// WalkerConfig shapes the synthetic walk.
type WalkerConfig struct {
	FrameWidth  int
	FrameHeight int
	// Period is one full side-to-side sweep.
	Period time.Duration
	// NearM and FarM bound the walker's range from the camera.
	NearM float64
	FarM  float64
	// Dropout is the fraction at the end of each period with no detection,
	// which exercises track loss.
	Dropout float64
}

// DefaultWalkerConfig returns a 1280x720 walk between 2 m and 8 m.
func DefaultWalkerConfig() WalkerConfig {
	return WalkerConfig{
		FrameWidth:  1280,
		FrameHeight: 720,
		Period:      20 * time.Second,
		NearM:       2,
		FarM:        8,
		Dropout:     0.15,
	}
}

// Walker is a synthetic tracking.Detections: a person walks across the frame
// and back while drifting nearer and further. Box size follows the pinhole
// model of the distance estimator.
type Walker struct {
	cfg   WalkerConfig
	est   *tracking.DistanceEstimator
	clock timeutil.Clock
	start time.Time
}

// NewWalker starts a walk at the clock's current time. A nil clock uses wall
// time.
func NewWalker(cfg WalkerConfig, dist tracking.DistanceConfig, clock timeutil.Clock) *Walker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultWalkerConfig().Period
	}
	return &Walker{
		cfg:   cfg,
		est:   tracking.NewDistanceEstimator(dist),
		clock: clock,
		start: clock.Now(),
	}
}

// DistanceAt is the walker's true range after elapsed.
func (w *Walker) DistanceAt(elapsed time.Duration) float64 {
	phase := 2 * math.Pi * float64(elapsed) / float64(w.cfg.Period)
	mid := (w.cfg.NearM + w.cfg.FarM) / 2
	amp := (w.cfg.FarM - w.cfg.NearM) / 2
	return mid - amp*math.Cos(phase/2)
}

// BoxAt returns the walker's box after elapsed, or nil during dropout.
func (w *Walker) BoxAt(elapsed time.Duration) *tracking.BoundingBox {
	frac := math.Mod(float64(elapsed)/float64(w.cfg.Period), 1)
	if frac >= 1-w.cfg.Dropout {
		return nil
	}

	fw, fh := float64(w.cfg.FrameWidth), float64(w.cfg.FrameHeight)
	h := w.est.TargetBBoxHeight(w.DistanceAt(elapsed), w.cfg.FrameHeight)
	width := 0.4 * h
	cx := fw/2 + 0.35*fw*math.Sin(2*math.Pi*frac)

	return &tracking.BoundingBox{
		X:          cx - width/2,
		Y:          (fh - h) / 2,
		Width:      width,
		Height:     h,
		Confidence: 0.9,
		Label:      "person",
		TrackID:    1,
	}
}

// Latest implements tracking.Detections.
func (w *Walker) Latest() (tracking.Detection, bool) {
	now := w.clock.Now()
	return tracking.Detection{
		Box:         w.BoxAt(now.Sub(w.start)),
		FrameWidth:  w.cfg.FrameWidth,
		FrameHeight: w.cfg.FrameHeight,
		At:          now,
	}, true
}
