package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/follow.pilot/internal/monitoring"
	"github.com/banshee-data/follow.pilot/internal/timeutil"
)

// Detection is the most recent output of the vision pipeline. Box is nil
// when the frame contained no usable target.
type Detection struct {
	Box         *BoundingBox
	FrameWidth  int
	FrameHeight int
	At          time.Time
}

// Detections supplies the latest detection to the control loop.
type Detections interface {
	Latest() (Detection, bool)
}

// Gate decides whether tracking output may reach the vehicle.
type Gate interface {
	TrackingEnabled() bool
}

// Actuator accepts body-frame velocity setpoints: forward, right and down
// in m/s, yaw rate in deg/s.
type Actuator interface {
	SetVelocityBody(ctx context.Context, forward, right, down, yawRateDeg float64) error
}

// Recorder persists commands that were sent to the actuator.
type Recorder interface {
	RecordCommand(cmd VelocityCommand, status ControllerStatus) error
}

// LoopStats counts what the control loop has done since it was created.
type LoopStats struct {
	Ticks          uint64 `json:"ticks"`
	Sent           uint64 `json:"sent"`
	Gated          uint64 `json:"gated"`
	StaleDropped   uint64 `json:"stale_dropped"`
	ActuatorErrors uint64 `json:"actuator_errors"`
	RecorderErrors uint64 `json:"recorder_errors"`
	GateOpen       bool   `json:"gate_open"`
}

// ControlLoop drives a Controller at a fixed rate and forwards its output
// to an Actuator while the Gate is open.
type ControlLoop struct {
	ctrl     *Controller
	src      Detections
	gate     Gate
	act      Actuator
	rec      Recorder
	clock    timeutil.Clock
	interval time.Duration

	mu       sync.Mutex
	stats    LoopStats
	gateOpen bool
	lastCmd  VelocityCommand
}

// LoopOption configures a ControlLoop.
type LoopOption func(*ControlLoop)

// WithRecorder records every command sent to the actuator.
func WithRecorder(r Recorder) LoopOption {
	return func(l *ControlLoop) { l.rec = r }
}

// WithInterval overrides the tick period derived from the controller's
// control rate.
func WithInterval(d time.Duration) LoopOption {
	return func(l *ControlLoop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// NewControlLoop wires a controller to its detection source, gate and actuator.
func NewControlLoop(ctrl *Controller, src Detections, gate Gate, act Actuator, clock timeutil.Clock, opts ...LoopOption) *ControlLoop {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &ControlLoop{
		ctrl:     ctrl,
		src:      src,
		gate:     gate,
		act:      act,
		clock:    clock,
		interval: ctrl.Config().ControlInterval(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run ticks until ctx is cancelled. If the gate was open at shutdown a final
// hover setpoint is sent.
func (l *ControlLoop) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	monitoring.Logf("Control loop started at %.1f Hz", float64(time.Second)/float64(l.interval))
	defer monitoring.Logf("Control loop stopped")

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			open := l.gateOpen
			l.gateOpen = false
			l.mu.Unlock()
			if open {
				hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				l.send(hctx, Hover(l.clock.Now()))
				cancel()
			}
			return ctx.Err()
		case <-ticker.C():
			l.Step(ctx)
		}
	}
}

// Step runs one control tick and returns the command the controller
// produced, whether or not it was forwarded.
func (l *ControlLoop) Step(ctx context.Context) VelocityCommand {
	now := l.clock.Now()

	var box *BoundingBox
	var w, h int
	stale := false
	if det, ok := l.src.Latest(); ok {
		w, h = det.FrameWidth, det.FrameHeight
		if det.Box != nil {
			if !det.At.IsZero() && now.Sub(det.At) > l.ctrl.Config().TrackLossTimeout {
				stale = true
			} else {
				box = det.Box
			}
		}
	}

	open := l.gate.TrackingEnabled()

	l.mu.Lock()
	l.stats.Ticks++
	if stale {
		l.stats.StaleDropped++
	}
	wasOpen := l.gateOpen
	l.gateOpen = open
	l.mu.Unlock()

	if open && !wasOpen {
		monitoring.Logf("Tracking gate opened, resetting controller")
		l.ctrl.Reset()
	}

	cmd := l.ctrl.Compute(box, w, h)
	monitoring.Debugf("tick box=%v cmd=%s gate=%t", box, cmd, open)

	l.mu.Lock()
	l.lastCmd = cmd
	l.mu.Unlock()

	switch {
	case open:
		l.send(ctx, cmd)
	case wasOpen:
		monitoring.Logf("Tracking gate closed, sending hover")
		l.send(ctx, Hover(now))
	default:
		l.mu.Lock()
		l.stats.Gated++
		l.mu.Unlock()
	}
	return cmd
}

func (l *ControlLoop) send(ctx context.Context, cmd VelocityCommand) {
	if err := l.act.SetVelocityBody(ctx, cmd.Forward, cmd.Right, cmd.Down, cmd.YawRate); err != nil {
		monitoring.Logf("Command send error: %v", err)
		l.mu.Lock()
		l.stats.ActuatorErrors++
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.stats.Sent++
	l.mu.Unlock()

	if l.rec == nil {
		return
	}
	if err := l.rec.RecordCommand(cmd, l.ctrl.Status()); err != nil {
		monitoring.Logf("failed to record command: %v", err)
		l.mu.Lock()
		l.stats.RecorderErrors++
		l.mu.Unlock()
	}
}

// Stats returns a copy of the loop counters.
func (l *ControlLoop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.GateOpen = l.gateOpen
	return s
}

// LastCommand returns the most recent controller output.
func (l *ControlLoop) LastCommand() VelocityCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCmd
}

// Controller returns the loop's controller.
func (l *ControlLoop) Controller() *Controller { return l.ctrl }

// ControllerStatus is shorthand for Controller().Status().
func (l *ControlLoop) ControllerStatus() ControllerStatus { return l.ctrl.Status() }
