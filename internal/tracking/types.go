// Package tracking turns person detections into body-frame velocity
// setpoints for a following drone.
//
// A DistanceEstimator maps bounding-box height to range with a pinhole
// model. A Controller runs a PD law on horizontal offset (yaw) and apparent
// size (forward). A ControlLoop ticks the controller at a fixed rate and
// forwards commands to an Actuator only while a Gate allows it.
package tracking

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
)

// BoundingBox is a single detection in pixel space. X and Y are the top-left
// corner. TrackID is zero when the detector does not assign stable ids.
type BoundingBox struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
	TrackID    int     `json:"track_id,omitempty"`
}

// BoundingBoxFromNormalized converts a box given as top-left corner and
// size in [0,1] frame units into pixel coordinates.
func BoundingBoxFromNormalized(x, y, w, h float64, frameWidth, frameHeight int) BoundingBox {
	fw, fh := float64(frameWidth), float64(frameHeight)
	return BoundingBox{
		X:      x * fw,
		Y:      y * fh,
		Width:  w * fw,
		Height: h * fh,
	}
}

// Center returns the centre point of the box.
func (b BoundingBox) Center() r2.Vec {
	return r2.Vec{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

func (b BoundingBox) Area() float64 {
	return b.Width * b.Height
}

// Valid reports whether the box has a finite position and a positive,
// finite extent.
func (b BoundingBox) Valid() bool {
	return finite(b.X, b.Y, b.Width, b.Height) && b.Width > 0 && b.Height > 0
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%s(%.0f,%.0f %.0fx%.0f conf=%.2f)", b.Label, b.X, b.Y, b.Width, b.Height, b.Confidence)
}

// TrackingOffset returns the normalised offset of the box centre from the
// frame centre. Each axis lies in [-1, 1]; positive is right and below.
func TrackingOffset(b BoundingBox, frameWidth, frameHeight int) r2.Vec {
	half := r2.Vec{X: float64(frameWidth) / 2, Y: float64(frameHeight) / 2}
	d := r2.Sub(b.Center(), half)
	return r2.Vec{
		X: clamp(d.X/half.X, -1, 1),
		Y: clamp(d.Y/half.Y, -1, 1),
	}
}

// BBoxRatio returns box height as a fraction of frame height.
func BBoxRatio(b BoundingBox, frameHeight int) float64 {
	if frameHeight <= 0 {
		return 0
	}
	return b.Height / float64(frameHeight)
}

// VelocityCommand is a body-frame setpoint. Linear axes are m/s, YawRate is
// deg/s with positive turning right.
type VelocityCommand struct {
	Forward   float64   `json:"forward"`
	Right     float64   `json:"right"`
	Down      float64   `json:"down"`
	YawRate   float64   `json:"yaw_rate"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	linearEpsilon = 0.01 // m/s
	yawEpsilon    = 0.1  // deg/s
)

// Hover returns the neutral command.
func Hover(ts time.Time) VelocityCommand {
	return VelocityCommand{Timestamp: ts}
}

// IsZero reports whether every axis is within a small epsilon of neutral.
func (c VelocityCommand) IsZero() bool {
	return math.Abs(c.Forward) < linearEpsilon &&
		math.Abs(c.Right) < linearEpsilon &&
		math.Abs(c.Down) < linearEpsilon &&
		math.Abs(c.YawRate) < yawEpsilon
}

func (c VelocityCommand) String() string {
	return fmt.Sprintf("Vel(fwd=%.2f, right=%.2f, down=%.2f, yaw=%.1f°/s)",
		c.Forward, c.Right, c.Down, c.YawRate)
}

// clamp bounds v to [lo, hi]. NaN maps to zero so it cannot reach an
// actuator or a smoothing filter.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(v, hi))
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
