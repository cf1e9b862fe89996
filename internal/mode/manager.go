// Package mode arbitrates who may fly the vehicle. Operators enable or
// disable autonomous tracking from HTTP, an RC switch or the keyboard, and
// any manual stick or key input suspends tracking until it is released
// explicitly or times out.
package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/follow.pilot/internal/config"
	"github.com/banshee-data/follow.pilot/internal/monitoring"
	"github.com/banshee-data/follow.pilot/internal/timeutil"
)

// ErrAlreadyStarted is returned by Start when the monitor is already running.
var ErrAlreadyStarted = errors.New("mode manager already started")

// Config controls the manual override timeout and the RC switch.
type Config struct {
	ManualTimeout   time.Duration
	MonitorInterval time.Duration
	RCEnabled       bool
	RCChannel       int // 1-indexed
	RCThreshold     int // PWM; above is "on"
	HTTPEnabled     bool
	HTTPListen      string
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a mode Config from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		ManualTimeout:   cfg.GetManualTimeout(),
		MonitorInterval: cfg.GetMonitorInterval(),
		RCEnabled:       cfg.GetRCEnabled(),
		RCChannel:       cfg.GetRCChannel(),
		RCThreshold:     cfg.GetRCThreshold(),
		HTTPEnabled:     cfg.GetHTTPEnabled(),
		HTTPListen:      cfg.GetHTTPListen(),
	}
}

// Callback observes a mode change. Errors and panics are logged and
// otherwise ignored.
type Callback func() error

// TransitionKind names a state change.
type TransitionKind string

const (
	TransitionEnable      TransitionKind = "enable"
	TransitionDisable     TransitionKind = "disable"
	TransitionManualStart TransitionKind = "manual_start"
	TransitionManualStop  TransitionKind = "manual_stop"
)

// Transition records one state change with the state after it.
type Transition struct {
	ID           string         `json:"id"`
	Kind         TransitionKind `json:"kind"`
	Source       Source         `json:"source"`
	Enabled      bool           `json:"enabled"`
	ManualActive bool           `json:"manual_active"`
	At           time.Time      `json:"at"`
}

// Manager holds the arbitration state. All mutations are serialised by a
// single mutex; TrackingEnabled reads two atomics and takes no lock.
//
// Callbacks run after the mutex is released but in the order the
// mutations happened. A callback must not call a mutating Manager method
// synchronously; start a goroutine if it needs to.
type Manager struct {
	cfg   Config
	clock timeutil.Clock

	mu           sync.Mutex
	notifyMu     sync.Mutex
	enabled      atomic.Bool
	manual       atomic.Bool
	source       Source
	changedAt    time.Time
	lastManual   time.Time
	manualSince  time.Time
	manualSource Source
	rcValue      int
	rcOn         bool

	onEnable      []Callback
	onDisable     []Callback
	onManualStart []Callback
	onManualStop  []Callback
	observers     []func(Transition)

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager with tracking disabled and no manual
// override. A nil clock uses wall time.
func NewManager(cfg Config, clock timeutil.Clock) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		cfg:       cfg,
		clock:     clock,
		source:    SourceNone,
		changedAt: clock.Now(),
	}
}

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.cfg }

// OnEnable registers a callback fired after tracking is enabled.
func (m *Manager) OnEnable(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnable = append(m.onEnable, cb)
}

// OnDisable registers a callback fired after tracking is disabled.
func (m *Manager) OnDisable(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisable = append(m.onDisable, cb)
}

// OnManualStart registers a callback fired when a manual override begins.
func (m *Manager) OnManualStart(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onManualStart = append(m.onManualStart, cb)
}

// OnManualStop registers a callback fired when a manual override ends.
func (m *Manager) OnManualStop(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onManualStop = append(m.onManualStop, cb)
}

// OnTransition registers an observer that receives every transition
// record, for example to persist mode history.
func (m *Manager) OnTransition(obs func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Enable turns the tracking intent on. It reports whether the state changed.
func (m *Manager) Enable(src Source) bool {
	m.mu.Lock()
	return m.setEnabledLocked(true, src)
}

// Disable turns the tracking intent off. It reports whether the state changed.
func (m *Manager) Disable(src Source) bool {
	m.mu.Lock()
	return m.setEnabledLocked(false, src)
}

// Toggle flips the tracking intent and returns the new value.
func (m *Manager) Toggle(src Source) bool {
	m.mu.Lock()
	want := !m.enabled.Load()
	m.setEnabledLocked(want, src)
	return want
}

// setEnabledLocked must be called with mu held and always releases it.
func (m *Manager) setEnabledLocked(want bool, src Source) bool {
	if m.enabled.Load() == want {
		m.mu.Unlock()
		return false
	}

	now := m.clock.Now()
	m.enabled.Store(want)
	m.source = src
	m.changedAt = now

	kind, cbs := TransitionEnable, m.onEnable
	if !want {
		kind, cbs = TransitionDisable, m.onDisable
	}
	if want {
		monitoring.Logf("Tracking ENABLED (source: %s)", src)
	} else {
		monitoring.Logf("Tracking DISABLED (source: %s)", src)
	}

	m.dispatchLocked(m.transitionLocked(kind, src, now), cbs)
	return true
}

// SetManualInput signals a live manual control sample from the keyboard.
// It refreshes the override timer and starts the override if it was not
// active. It reports whether the override started.
func (m *Manager) SetManualInput() bool {
	return m.SetManualInputFrom(SourceManualKeyboard)
}

// SetManualInputFrom is SetManualInput for an explicit source such as RC
// sticks or the HTTP API.
func (m *Manager) SetManualInputFrom(src Source) bool {
	m.mu.Lock()
	now := m.clock.Now()
	m.lastManual = now
	m.manualSource = src

	if m.manual.Load() {
		m.mu.Unlock()
		return false
	}

	m.manual.Store(true)
	m.manualSince = now
	monitoring.Logf("Manual control ACTIVE (source: %s), tracking paused", src)

	m.dispatchLocked(m.transitionLocked(TransitionManualStart, src, now), m.onManualStart)
	return true
}

// ClearManual ends the manual override. It reports whether one was active.
func (m *Manager) ClearManual(src Source) bool {
	m.mu.Lock()
	return m.clearManualLocked(src)
}

func (m *Manager) clearManualLocked(src Source) bool {
	if !m.manual.Load() {
		m.mu.Unlock()
		return false
	}

	now := m.clock.Now()
	m.manual.Store(false)
	m.manualSource = SourceNone
	monitoring.Logf("Manual control released (source: %s)", src)

	m.dispatchLocked(m.transitionLocked(TransitionManualStop, src, now), m.onManualStop)
	return true
}

// SetRCValue records the PWM value of the tracking switch channel. Crossing
// the threshold upwards enables tracking and crossing it downwards disables
// it, both with source rc_channel. Values that do not cross are recorded only.
func (m *Manager) SetRCValue(pwm int) {
	m.mu.Lock()
	m.rcValue = pwm
	on := pwm > m.cfg.RCThreshold
	if !m.cfg.RCEnabled || on == m.rcOn {
		m.mu.Unlock()
		return
	}
	m.rcOn = on
	monitoring.Logf("RC channel %d switch %s (pwm %d)", m.cfg.RCChannel, onOff(on), pwm)
	m.setEnabledLocked(on, SourceRCChannel)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func (m *Manager) transitionLocked(kind TransitionKind, src Source, at time.Time) Transition {
	return Transition{
		ID:           uuid.NewString(),
		Kind:         kind,
		Source:       src,
		Enabled:      m.enabled.Load(),
		ManualActive: m.manual.Load(),
		At:           at,
	}
}

// dispatchLocked hands the ordering from mu to notifyMu, releases mu and
// runs the callbacks. Holding notifyMu across the handoff keeps callback
// delivery in mutation order.
func (m *Manager) dispatchLocked(tr Transition, cbs []Callback) {
	cbs = append([]Callback(nil), cbs...)
	observers := append(([]func(Transition))(nil), m.observers...)

	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	for _, cb := range cbs {
		runCallback(string(tr.Kind), cb)
	}
	for _, obs := range observers {
		runCallback("transition observer", func() error {
			obs(tr)
			return nil
		})
	}
}

func runCallback(name string, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("%s callback panicked: %v", name, r)
		}
	}()
	if err := cb(); err != nil {
		monitoring.Logf("%s callback error: %v", name, err)
	}
}

// Start launches the manual-timeout monitor. It returns ErrAlreadyStarted
// if the monitor is running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyStarted
	}
	if m.cfg.MonitorInterval <= 0 {
		return fmt.Errorf("invalid monitor interval %s", m.cfg.MonitorInterval)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	// create the ticker before returning so a mock clock sees it immediately
	ticker := m.clock.NewTicker(m.cfg.MonitorInterval)
	m.wg.Add(1)
	go m.monitor(ctx, ticker)

	monitoring.Logf("Mode manager started (manual timeout %s, HTTP: %t, RC: channel %d)",
		m.cfg.ManualTimeout, m.cfg.HTTPEnabled, m.cfg.RCChannel)
	return nil
}

func (m *Manager) monitor(ctx context.Context, ticker timeutil.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.checkManualTimeout()
		}
	}
}

// checkManualTimeout clears the override when no manual input has arrived
// for longer than ManualTimeout. The test and the clear happen under one
// lock so a concurrent SetManualInput cannot be lost.
func (m *Manager) checkManualTimeout() bool {
	m.mu.Lock()
	if !m.manual.Load() {
		m.mu.Unlock()
		return false
	}
	idle := m.clock.Now().Sub(m.lastManual)
	if idle <= m.cfg.ManualTimeout {
		m.mu.Unlock()
		return false
	}
	monitoring.Logf("Manual control timeout (%.1fs without input), returning to tracking mode", idle.Seconds())
	return m.clearManualLocked(SourceTimeout)
}

// Stop cancels the monitor, waits for it to exit and forces the manual
// override off. No timeout clear fires after Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	wasRunning := m.running
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.ClearManual(SourceProgrammatic)
	if wasRunning {
		monitoring.Logf("Mode manager stopped")
	}
}

// Running reports whether the monitor is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// TrackingEnabled is the gate for autonomous output: enabled and no manual
// override. It may be one mutation stale relative to a concurrent writer.
func (m *Manager) TrackingEnabled() bool {
	return m.enabled.Load() && !m.manual.Load()
}

// Enabled returns the raw operator intent, ignoring any manual override.
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// ManualActive reports whether a manual override is in effect.
func (m *Manager) ManualActive() bool { return m.manual.Load() }

// Source returns the actor that last changed the enabled flag.
func (m *Manager) Source() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// Status is a snapshot of the arbitration state.
type Status struct {
	TrackingEnabled bool      `json:"tracking_enabled"`
	TrackingModeOn  bool      `json:"tracking_mode_on"`
	ManualActive    bool      `json:"manual_active"`
	ManualSource    Source    `json:"manual_source,omitempty"`
	ManualSince     time.Time `json:"manual_since"`
	ManualElapsed   float64   `json:"manual_elapsed"`   // seconds since the last manual sample
	ManualRemaining float64   `json:"manual_remaining"` // seconds until timeout release
	ManualTimeout   float64   `json:"manual_timeout"`
	Source          Source    `json:"source"`
	SourcePriority  int       `json:"source_priority"`
	ChangedAt       time.Time `json:"changed_at"`
	RCValue         int       `json:"rc_value"`
	RCEnabled       bool      `json:"rc_enabled"`
	RCChannel       int       `json:"rc_channel"`
	RCThreshold     int       `json:"rc_threshold"`
	HTTPEnabled     bool      `json:"http_enabled"`
	HTTPListen      string    `json:"http_listen"`
	Running         bool      `json:"running"`
}

// Status returns a consistent snapshot for diagnostics and the HTTP API.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		TrackingEnabled: m.TrackingEnabled(),
		TrackingModeOn:  m.enabled.Load(),
		ManualActive:    m.manual.Load(),
		ManualTimeout:   m.cfg.ManualTimeout.Seconds(),
		Source:          m.source,
		SourcePriority:  m.source.Priority(),
		ChangedAt:       m.changedAt,
		RCValue:         m.rcValue,
		RCEnabled:       m.cfg.RCEnabled,
		RCChannel:       m.cfg.RCChannel,
		RCThreshold:     m.cfg.RCThreshold,
		HTTPEnabled:     m.cfg.HTTPEnabled,
		HTTPListen:      m.cfg.HTTPListen,
		Running:         m.running,
	}
	if st.ManualActive {
		elapsed := m.clock.Now().Sub(m.lastManual)
		st.ManualSource = m.manualSource
		st.ManualSince = m.manualSince
		st.ManualElapsed = elapsed.Seconds()
		if rem := m.cfg.ManualTimeout - elapsed; rem > 0 {
			st.ManualRemaining = rem.Seconds()
		}
	}
	return st
}
