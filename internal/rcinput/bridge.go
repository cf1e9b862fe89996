// Package rcinput turns the flight controller's RC and input stream into
// mode changes. The RC switch channel drives tracking on and off, stick
// deflection and movement keys count as manual input, and the toggle key
// flips tracking.
package rcinput

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/follow.pilot/internal/config"
	"github.com/banshee-data/follow.pilot/internal/mode"
	"github.com/banshee-data/follow.pilot/internal/monitoring"
	"github.com/banshee-data/follow.pilot/internal/serialmux"
	"github.com/banshee-data/follow.pilot/internal/timeutil"
)

// ErrMalformed wraps every line that cannot be parsed.
var ErrMalformed = errors.New("malformed input line")

// Plausible PWM bounds; anything outside is line noise.
const (
	minPWM = 800
	maxPWM = 2200
)

// Config controls how input lines are interpreted.
type Config struct {
	// RCChannel is the 1-indexed switch channel forwarded to the mode manager.
	RCChannel int
	// StickDeadband applies to STICK samples. Roll, pitch and yaw are
	// centred on 0, throttle on ThrottleNeutral.
	StickDeadband   float64
	ThrottleNeutral float64
	ToggleKey       string
	EmergencyKey    string
	ClearKey        string
	ToggleDebounce  time.Duration
	// MovementKeys count as manual input when pressed.
	MovementKeys []string
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config, taking the switch channel from the
// tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		RCChannel:       cfg.GetRCChannel(),
		StickDeadband:   0.05,
		ThrottleNeutral: 0.5,
		ToggleKey:       "g",
		EmergencyKey:    "space",
		ClearKey:        "c",
		ToggleDebounce:  500 * time.Millisecond,
		MovementKeys: []string{
			"w", "a", "s", "d", "q", "e", "r", "f",
			"up", "down", "left", "right",
		},
	}
}

// ModeSink receives the decoded input. *mode.Manager implements it.
type ModeSink interface {
	SetRCValue(pwm int)
	SetManualInput() bool
	SetManualInputFrom(src mode.Source) bool
	ClearManual(src mode.Source) bool
	Toggle(src mode.Source) bool
	Disable(src mode.Source) bool
}

// Subscriber is the part of a serial mux the bridge reads from.
type Subscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// Stats counts processed lines by outcome.
type Stats struct {
	Lines     uint64 `json:"lines"`
	RC        uint64 `json:"rc"`
	Stick     uint64 `json:"stick"`
	Key       uint64 `json:"key"`
	Ignored   uint64 `json:"ignored"`
	Malformed uint64 `json:"malformed"`
}

// Bridge consumes input lines and forwards them to a ModeSink.
type Bridge struct {
	cfg   Config
	sink  ModeSink
	clock timeutil.Clock
	moves map[string]bool

	mu         sync.Mutex
	lastToggle time.Time

	lines, rc, stick, key, ignored, malformed atomic.Uint64
}

// NewBridge creates a Bridge. A nil clock uses wall time.
func NewBridge(cfg Config, sink ModeSink, clock timeutil.Clock) *Bridge {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	moves := make(map[string]bool, len(cfg.MovementKeys))
	for _, k := range cfg.MovementKeys {
		moves[strings.ToLower(k)] = true
	}
	return &Bridge{cfg: cfg, sink: sink, clock: clock, moves: moves}
}

// Run subscribes to src and handles lines until ctx is done or the
// subscription closes.
func (b *Bridge) Run(ctx context.Context, src Subscriber) error {
	id, ch := src.Subscribe()
	defer src.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-ch:
			if !ok {
				return nil
			}
			if err := b.HandleLine(line); err != nil {
				monitoring.Logf("rcinput: %v", err)
			}
		}
	}
}

// HandleLine decodes a single line. Malformed lines are counted and
// returned as errors wrapping ErrMalformed; unknown line types are ignored.
func (b *Bridge) HandleLine(line string) error {
	b.lines.Add(1)
	fields := strings.Fields(line)

	var err error
	switch serialmux.ClassifyPayload(line) {
	case serialmux.EventTypeRC:
		err = b.handleRC(fields[1:])
	case serialmux.EventTypeStick:
		err = b.handleStick(fields[1:])
	case serialmux.EventTypeKey:
		err = b.handleKey(fields[1:])
	default:
		b.ignored.Add(1)
		return nil
	}
	if err != nil {
		b.malformed.Add(1)
		return fmt.Errorf("%w %q: %v", ErrMalformed, line, err)
	}
	return nil
}

// handleRC takes "<channel> <pwm>".
func (b *Bridge) handleRC(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("want channel and pwm, got %d fields", len(args))
	}
	ch, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("channel: %v", err)
	}
	if ch < 1 || ch > 18 {
		return fmt.Errorf("channel %d out of range", ch)
	}
	pwm, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("pwm: %v", err)
	}
	if pwm < minPWM || pwm > maxPWM {
		return fmt.Errorf("pwm %d out of range", pwm)
	}
	b.rc.Add(1)

	if ch == b.cfg.RCChannel {
		b.sink.SetRCValue(pwm)
	} else {
		b.ignored.Add(1)
	}
	return nil
}

// handleStick takes "<roll> <pitch> <throttle> <yaw>".
func (b *Bridge) handleStick(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("want 4 axes, got %d", len(args))
	}
	deflected := false
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return fmt.Errorf("axis %d: %v", i, err)
		}
		if math.IsNaN(v) || v < -1 || v > 1 {
			return fmt.Errorf("axis %d: %v out of range", i, v)
		}
		centre := 0.0
		if i == 2 {
			centre = b.cfg.ThrottleNeutral
		}
		if math.Abs(v-centre) > b.cfg.StickDeadband {
			deflected = true
		}
	}
	b.stick.Add(1)
	if deflected {
		b.sink.SetManualInputFrom(mode.SourceRCChannel)
	}
	return nil
}

func (b *Bridge) handleKey(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("want 1 key, got %d", len(args))
	}
	k := strings.ToLower(args[0])
	b.key.Add(1)

	switch {
	case k == b.cfg.ToggleKey:
		if b.debounceToggle() {
			enabled := b.sink.Toggle(mode.SourceManualKeyboard)
			monitoring.Logf("Tracking toggled from keyboard: %t", enabled)
		}
	case k == b.cfg.EmergencyKey:
		monitoring.Logf("Emergency stop from keyboard, holding position")
		b.sink.Disable(mode.SourceManualKeyboard)
		b.sink.SetManualInput()
	case k == b.cfg.ClearKey:
		b.sink.ClearManual(mode.SourceManualKeyboard)
	case b.moves[k]:
		b.sink.SetManualInput()
	default:
		b.ignored.Add(1)
	}
	return nil
}

func (b *Bridge) debounceToggle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if !b.lastToggle.IsZero() && now.Sub(b.lastToggle) < b.cfg.ToggleDebounce {
		return false
	}
	b.lastToggle = now
	return true
}

// Stats returns the line counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Lines:     b.lines.Load(),
		RC:        b.rc.Load(),
		Stick:     b.stick.Load(),
		Key:       b.key.Load(),
		Ignored:   b.ignored.Load(),
		Malformed: b.malformed.Load(),
	}
}
