package tracking

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/follow.pilot/internal/config"
	"github.com/banshee-data/follow.pilot/internal/monitoring"
	"github.com/banshee-data/follow.pilot/internal/timeutil"
)

// Config holds the PD gains, limits and dead-zones for the Controller.
type Config struct {
	CenterDeadzone     float64 // fraction of half-frame around centre with no yaw
	MaxYawRate         float64 // deg/s
	MaxForwardVelocity float64 // m/s
	MaxLateralVelocity float64 // m/s, reported only: lateral is always 0

	PGainYaw     float64
	DGainYaw     float64
	PGainForward float64
	DGainForward float64

	VelocitySmoothing float64 // EMA weight on history for both outputs

	TargetBBoxRatio   float64 // desired box height / frame height
	BBoxRatioDeadzone float64
	MinConfidence     float64
	TrackLossTimeout  time.Duration

	MinTrackingDistance float64 // metres, retreat below this
	MaxTrackingDistance float64 // metres, beyond this the target is reported out of range
	RetreatSpeed        float64 // m/s, magnitude of the backwards command
	ControlRateHz       float64
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a controller Config from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		CenterDeadzone:      cfg.GetCenterDeadzone(),
		MaxYawRate:          cfg.GetMaxYawRate(),
		MaxForwardVelocity:  cfg.GetMaxForwardVelocity(),
		MaxLateralVelocity:  cfg.GetMaxLateralVelocity(),
		PGainYaw:            cfg.GetPGainYaw(),
		DGainYaw:            cfg.GetDGainYaw(),
		PGainForward:        cfg.GetPGainForward(),
		DGainForward:        cfg.GetDGainForward(),
		VelocitySmoothing:   cfg.GetVelocitySmoothing(),
		TargetBBoxRatio:     cfg.GetTargetBBoxRatio(),
		BBoxRatioDeadzone:   cfg.GetBBoxRatioDeadzone(),
		MinConfidence:       cfg.GetMinConfidence(),
		TrackLossTimeout:    cfg.GetTrackLossTimeout(),
		MinTrackingDistance: cfg.GetMinTrackingDistance(),
		MaxTrackingDistance: cfg.GetMaxTrackingDistance(),
		RetreatSpeed:        cfg.GetRetreatSpeed(),
		ControlRateHz:       cfg.GetControlRateHz(),
	}
}

// ControlInterval is the tick period implied by ControlRateHz.
func (c Config) ControlInterval() time.Duration {
	if c.ControlRateHz <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(float64(time.Second) / c.ControlRateHz)
}

const (
	yawScale     = 100.0 // fractional offset to deg/s
	forwardScale = 10.0
	defaultDt    = 0.1
	minDt        = 0.001
	lostDecay    = 0.9
	logEvery     = 30
)

// ControllerStatus is a snapshot of the controller's internal state.
type ControllerStatus struct {
	TrackingActive    bool      `json:"tracking_active"`
	LastDetectionTime time.Time `json:"last_detection_time"`
	LostFrames        int       `json:"frames_without_detection"`
	SmoothedYawRate   float64   `json:"smoothed_yaw_rate"`
	SmoothedForward   float64   `json:"smoothed_forward_vel"`
	CommandCount      uint64    `json:"command_count"`
	LastDistance      float64   `json:"last_distance"`
	LastOffsetX       float64   `json:"last_offset_x"`
	LastOffsetY       float64   `json:"last_offset_y"`
	LastBBoxRatio     float64   `json:"last_bbox_ratio"`
	OutOfRange        bool      `json:"out_of_range"`
	Retreating        bool      `json:"retreating"`
}

// Controller converts detections into smoothed, bounded velocity commands.
// It is safe for concurrent use.
type Controller struct {
	cfg   Config
	dist  *DistanceEstimator
	clock timeutil.Clock

	mu            sync.Mutex
	lastErrYaw    float64
	lastErrFwd    float64
	lastUpdate    time.Time
	smoothedYaw   float64
	smoothedFwd   float64
	active        bool
	lastDetection time.Time
	lostFrames    int
	commands      uint64
	lastOffset    [2]float64
	lastRatio     float64
	outOfRange    bool
	retreating    bool
}

// NewController creates a Controller. A nil estimator gets the default
// calibration and a nil clock uses wall time.
func NewController(cfg Config, dist *DistanceEstimator, clock timeutil.Clock) *Controller {
	if dist == nil {
		dist = NewDistanceEstimator(DefaultDistanceConfig())
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{cfg: cfg, dist: dist, clock: clock}
}

// Config returns the controller tuning.
func (c *Controller) Config() Config { return c.cfg }

// Compute returns the command for one control tick. det may be nil. A
// detection below MinConfidence, one with non-finite or empty geometry, or a
// frame with non-positive dimensions is handled as no detection. Compute
// never fails.
func (c *Controller) Compute(det *BoundingBox, frameWidth, frameHeight int) VelocityCommand {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if det == nil || frameWidth <= 0 || frameHeight <= 0 {
		return c.noDetection(now)
	}
	if !det.Valid() || !finite(det.Confidence) {
		monitoring.Debugf("discarding degenerate detection %s", *det)
		return c.noDetection(now)
	}
	if det.Confidence < c.cfg.MinConfidence {
		monitoring.Debugf("detection below confidence threshold: %.2f", det.Confidence)
		return c.noDetection(now)
	}

	c.lastDetection = now
	c.lostFrames = 0
	c.active = true

	offset := TrackingOffset(*det, frameWidth, frameHeight)
	distance := c.dist.EstimateFromBBox(*det, frameHeight)
	ratio := BBoxRatio(*det, frameHeight)

	dt := defaultDt
	if !c.lastUpdate.IsZero() {
		dt = now.Sub(c.lastUpdate).Seconds()
	}
	dt = math.Max(dt, minDt)

	yaw := c.computeYaw(offset.X, dt)
	fwd := c.computeForward(ratio, distance, dt)

	s := c.cfg.VelocitySmoothing
	c.smoothedYaw = (1-s)*yaw + s*c.smoothedYaw
	c.smoothedFwd = (1-s)*fwd + s*c.smoothedFwd

	c.lastUpdate = now
	c.commands++
	c.lastOffset = [2]float64{offset.X, offset.Y}
	c.lastRatio = ratio
	c.outOfRange = distance > c.cfg.MaxTrackingDistance

	cmd := VelocityCommand{
		Forward:   c.smoothedFwd,
		YawRate:   c.smoothedYaw,
		Timestamp: now,
	}

	if c.commands%logEvery == 0 {
		monitoring.Logf("Tracking: offset=(%.2f, %.2f), dist=%.1fm, ratio=%.1f%%, cmd=%s",
			offset.X, offset.Y, distance, ratio*100, cmd)
	}
	return cmd
}

// computeYaw applies the PD law to the horizontal offset. Inside the
// dead-zone the output is zero and the derivative memory is cleared.
func (c *Controller) computeYaw(errX, dt float64) float64 {
	if math.Abs(errX) < c.cfg.CenterDeadzone {
		c.lastErrYaw = 0
		return 0
	}
	deriv := (errX - c.lastErrYaw) / dt
	c.lastErrYaw = errX

	yaw := c.cfg.PGainYaw*errX*yawScale + c.cfg.DGainYaw*deriv*yawScale
	return clamp(yaw, -c.cfg.MaxYawRate, c.cfg.MaxYawRate)
}

// computeForward holds the stand-off distance by driving the box ratio to
// its target. Closer than MinTrackingDistance the PD law is bypassed and a
// fixed retreat is commanded.
func (c *Controller) computeForward(ratio, distance, dt float64) float64 {
	errR := ratio - c.cfg.TargetBBoxRatio

	c.retreating = distance < c.cfg.MinTrackingDistance
	if c.retreating {
		monitoring.Logf("Too close (%.1fm), backing up", distance)
		return -math.Min(c.cfg.RetreatSpeed, c.cfg.MaxForwardVelocity)
	}

	if math.Abs(errR) < c.cfg.BBoxRatioDeadzone {
		c.lastErrFwd = 0
		return 0
	}

	deriv := (errR - c.lastErrFwd) / dt
	c.lastErrFwd = errR

	// small box means too far, so negate to move forward
	fwd := -(c.cfg.PGainForward*errR*forwardScale + c.cfg.DGainForward*deriv*forwardScale)
	return clamp(fwd, -c.cfg.MaxForwardVelocity, c.cfg.MaxForwardVelocity)
}

func (c *Controller) noDetection(now time.Time) VelocityCommand {
	c.lostFrames++

	if c.active && !c.lastDetection.IsZero() {
		if since := now.Sub(c.lastDetection); since > c.cfg.TrackLossTimeout {
			monitoring.Logf("Track lost (no detection for %.1fs)", since.Seconds())
			c.active = false
		}
	}

	c.smoothedYaw *= lostDecay
	c.smoothedFwd *= lostDecay
	c.retreating = false

	return Hover(now)
}

// Reset clears the PD and smoothing memory, the track state, the last
// target geometry and command count, and the distance estimator history. Call it when the target changes or tracking
// resumes after a pause.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastErrYaw = 0
	c.lastErrFwd = 0
	c.lastUpdate = time.Time{}
	c.smoothedYaw = 0
	c.smoothedFwd = 0
	c.active = false
	c.lastDetection = time.Time{}
	c.lostFrames = 0
	c.retreating = false
	c.outOfRange = false
	c.commands = 0
	c.lastOffset = [2]float64{}
	c.lastRatio = 0
	c.dist.Reset()
	monitoring.Debugf("tracking controller reset")
}

// TrackingActive reports whether a qualifying detection has been seen
// within the track-loss timeout.
func (c *Controller) TrackingActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Status returns a snapshot for diagnostics.
func (c *Controller) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, _ := c.dist.LastDistance()
	return ControllerStatus{
		TrackingActive:    c.active,
		LastDetectionTime: c.lastDetection,
		LostFrames:        c.lostFrames,
		SmoothedYawRate:   c.smoothedYaw,
		SmoothedForward:   c.smoothedFwd,
		CommandCount:      c.commands,
		LastDistance:      last,
		LastOffsetX:       c.lastOffset[0],
		LastOffsetY:       c.lastOffset[1],
		LastBBoxRatio:     c.lastRatio,
		OutOfRange:        c.outOfRange,
		Retreating:        c.retreating,
	}
}

// Calibrate recalibrates the underlying distance estimator.
func (c *Controller) Calibrate(knownDistanceM, measuredHeightPx float64, frameHeightPx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dist.Calibrate(knownDistanceM, measuredHeightPx, frameHeightPx)
}
