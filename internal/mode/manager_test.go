package mode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/follow.pilot/internal/config"
	"github.com/banshee-data/follow.pilot/internal/monitoring"
	"github.com/banshee-data/follow.pilot/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newMockManager(t *testing.T, cfg Config) (*Manager, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	mgr := NewManager(cfg, clock)
	t.Cleanup(mgr.Stop)
	return mgr, clock
}

type transitionLog struct {
	mu  sync.Mutex
	trs []Transition
}

func (l *transitionLog) observe(tr Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trs = append(l.trs, tr)
}

func (l *transitionLog) all() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.trs...)
}

func TestNewManager_Defaults(t *testing.T) {
	mgr, _ := newMockManager(t, DefaultConfig())

	assert.False(t, mgr.TrackingEnabled())
	assert.False(t, mgr.Enabled())
	assert.False(t, mgr.ManualActive())
	assert.Equal(t, SourceNone, mgr.Source())
	assert.False(t, mgr.Running())
}

func TestEnableDisable_Idempotent(t *testing.T) {
	mgr, _ := newMockManager(t, DefaultConfig())

	assert.True(t, mgr.Enable(SourceHTTP))
	assert.False(t, mgr.Enable(SourceHTTP), "already enabled")
	assert.True(t, mgr.TrackingEnabled())
	assert.Equal(t, SourceHTTP, mgr.Source())

	assert.True(t, mgr.Disable(SourceProgrammatic))
	assert.False(t, mgr.Disable(SourceProgrammatic), "already disabled")
	assert.False(t, mgr.TrackingEnabled())
	assert.Equal(t, SourceProgrammatic, mgr.Source())
}

func TestToggle(t *testing.T) {
	mgr, _ := newMockManager(t, DefaultConfig())

	assert.True(t, mgr.Toggle(SourceManualKeyboard))
	assert.True(t, mgr.Enabled())
	assert.False(t, mgr.Toggle(SourceHTTP))
	assert.False(t, mgr.Enabled())
	assert.Equal(t, SourceHTTP, mgr.Source())
}

func TestManualOverrideGate(t *testing.T) {
	mgr, _ := newMockManager(t, DefaultConfig())
	mgr.Enable(SourceProgrammatic)
	require.True(t, mgr.TrackingEnabled())

	assert.True(t, mgr.SetManualInput())
	assert.False(t, mgr.TrackingEnabled(), "manual input inhibits tracking")
	assert.True(t, mgr.Enabled(), "raw intent is untouched")
	assert.True(t, mgr.ManualActive())

	assert.True(t, mgr.ClearManual(SourceProgrammatic))
	assert.True(t, mgr.TrackingEnabled())
	assert.False(t, mgr.ClearManual(SourceProgrammatic), "nothing to clear")
}

func TestManualOverrideWhileDisabled(t *testing.T) {
	mgr, _ := newMockManager(t, DefaultConfig())

	mgr.SetManualInput()
	mgr.Enable(SourceHTTP)
	assert.False(t, mgr.TrackingEnabled(), "enable does not override manual")

	mgr.ClearManual(SourceHTTP)
	assert.True(t, mgr.TrackingEnabled())
}

func TestSetManualInput_RepeatedIsNoop(t *testing.T) {
	mgr, clock := newMockManager(t, DefaultConfig())
	starts := 0
	mgr.OnManualStart(func() error { starts++; return nil })

	assert.True(t, mgr.SetManualInput())
	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		assert.False(t, mgr.SetManualInput())
	}
	assert.Equal(t, 1, starts)

	st := mgr.Status()
	assert.Equal(t, epoch, st.ManualSince)
	assert.Zero(t, st.ManualElapsed, "timestamp refreshed by the latest sample")
}

func TestCallbacks_FireOnChangeOnly(t *testing.T) {
	mgr, _ := newMockManager(t, DefaultConfig())
	var events []string
	mgr.OnEnable(func() error { events = append(events, "enable"); return nil })
	mgr.OnDisable(func() error { events = append(events, "disable"); return nil })
	mgr.OnManualStart(func() error { events = append(events, "manual_start"); return nil })
	mgr.OnManualStop(func() error { events = append(events, "manual_stop"); return nil })

	mgr.Enable(SourceHTTP)
	mgr.Enable(SourceHTTP)
	mgr.SetManualInput()
	mgr.SetManualInput()
	mgr.ClearManual(SourceHTTP)
	mgr.ClearManual(SourceHTTP)
	mgr.Disable(SourceHTTP)
	mgr.Disable(SourceHTTP)

	assert.Equal(t, []string{"enable", "manual_start", "manual_stop", "disable"}, events)
}

func TestCallbacks_FailuresAreContained(t *testing.T) {
	mgr, _ := newMockManager(t, DefaultConfig())

	var logged []string
	var logMu sync.Mutex
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logMu.Lock()
		logged = append(logged, format)
		logMu.Unlock()
	})
	defer monitoring.SetLogger(original)

	called := 0
	mgr.OnEnable(func() error { return errors.New("observer broke") })
	mgr.OnEnable(func() error { panic("observer exploded") })
	mgr.OnEnable(func() error { called++; return nil })

	assert.NotPanics(t, func() {
		assert.True(t, mgr.Enable(SourceHTTP))
	})
	assert.Equal(t, 1, called, "later callbacks still run")
	assert.True(t, mgr.TrackingEnabled(), "state change survives failing observers")

	logMu.Lock()
	defer logMu.Unlock()
	assert.Contains(t, logged, "%s callback error: %v")
	assert.Contains(t, logged, "%s callback panicked: %v")
}

func TestTransitionObserver(t *testing.T) {
	mgr, clock := newMockManager(t, DefaultConfig())
	log := &transitionLog{}
	mgr.OnTransition(log.observe)

	mgr.Enable(SourceRCChannel)
	clock.Advance(time.Second)
	mgr.SetManualInputFrom(SourceHTTP)

	trs := log.all()
	require.Len(t, trs, 2)
	assert.Equal(t, TransitionEnable, trs[0].Kind)
	assert.Equal(t, SourceRCChannel, trs[0].Source)
	assert.True(t, trs[0].Enabled)
	assert.Equal(t, epoch, trs[0].At)
	assert.NotEmpty(t, trs[0].ID)

	assert.Equal(t, TransitionManualStart, trs[1].Kind)
	assert.Equal(t, SourceHTTP, trs[1].Source)
	assert.True(t, trs[1].ManualActive)
	assert.NotEqual(t, trs[0].ID, trs[1].ID)
}

func TestCallbacks_DeliveredInMutationOrder(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	log := &transitionLog{}
	mgr.OnTransition(log.observe)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				mgr.Toggle(SourceProgrammatic)
			}
		}()
	}
	wg.Wait()

	trs := log.all()
	require.Len(t, trs, 8*200, "every toggle changes state")
	for i, tr := range trs {
		want := TransitionEnable
		if i%2 == 1 {
			want = TransitionDisable
		}
		require.Equal(t, want, tr.Kind, "transition %d out of order", i)
	}
	assert.False(t, mgr.Enabled(), "even number of toggles")
}

func TestConcurrentMutations(t *testing.T) {
	mgr := NewManager(Config{ManualTimeout: 50 * time.Millisecond, MonitorInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	var wg sync.WaitGroup
	ops := []func(){
		func() { mgr.Enable(SourceHTTP) },
		func() { mgr.Disable(SourceHTTP) },
		func() { mgr.SetManualInput() },
		func() { mgr.ClearManual(SourceProgrammatic) },
		func() { mgr.SetRCValue(1900) },
		func() { mgr.SetRCValue(1100) },
		func() { _ = mgr.Status() },
		func() { _ = mgr.TrackingEnabled() },
	}
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op func()) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				op()
			}
		}(i, op)
	}
	wg.Wait()

	st := mgr.Status()
	assert.Equal(t, st.TrackingModeOn && !st.ManualActive, st.TrackingEnabled)
}

func TestManualTimeout_RealTime(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for real time")
	}
	mgr := NewManager(Config{ManualTimeout: time.Second, MonitorInterval: 100 * time.Millisecond}, nil)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	mgr.Enable(SourceProgrammatic)
	mgr.SetManualInput()
	require.False(t, mgr.TrackingEnabled())

	time.Sleep(1500 * time.Millisecond)

	assert.False(t, mgr.ManualActive(), "override released after the timeout")
	assert.True(t, mgr.TrackingEnabled())
}

func TestManualTimeout_ResetByInput(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for real time")
	}
	mgr := NewManager(Config{ManualTimeout: time.Second, MonitorInterval: 100 * time.Millisecond}, nil)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	mgr.SetManualInput()
	for i := 0; i < 5; i++ {
		time.Sleep(300 * time.Millisecond)
		mgr.SetManualInput()
	}
	assert.True(t, mgr.ManualActive(), "steady input keeps the override alive")
}

func TestManualTimeout_MockClock(t *testing.T) {
	mgr, clock := newMockManager(t, DefaultConfig())
	log := &transitionLog{}
	mgr.OnTransition(log.observe)
	require.NoError(t, mgr.Start(context.Background()))
	require.Equal(t, 1, clock.TickerCount())

	mgr.Enable(SourceHTTP)
	mgr.SetManualInput()

	// 3s is not yet "more than" the timeout
	for i := 0; i < 6; i++ {
		clock.Advance(500 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	assert.True(t, mgr.ManualActive())

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return !mgr.ManualActive() }, time.Second, time.Millisecond)
	assert.True(t, mgr.TrackingEnabled())

	trs := log.all()
	require.NotEmpty(t, trs)
	last := trs[len(trs)-1]
	assert.Equal(t, TransitionManualStop, last.Kind)
	assert.Equal(t, SourceTimeout, last.Source)
}

func TestCheckManualTimeout(t *testing.T) {
	mgr, clock := newMockManager(t, Config{ManualTimeout: time.Second, MonitorInterval: time.Second})

	assert.False(t, mgr.checkManualTimeout(), "nothing active")

	mgr.SetManualInput()
	clock.Advance(900 * time.Millisecond)
	assert.False(t, mgr.checkManualTimeout())

	mgr.SetManualInput() // refresh
	clock.Advance(900 * time.Millisecond)
	assert.False(t, mgr.checkManualTimeout(), "refresh restarts the window")

	clock.Advance(200 * time.Millisecond)
	assert.True(t, mgr.checkManualTimeout())
	assert.False(t, mgr.ManualActive())
}

func TestStartStop(t *testing.T) {
	mgr, clock := newMockManager(t, DefaultConfig())
	stops := 0
	mgr.OnManualStop(func() error { stops++; return nil })

	require.NoError(t, mgr.Start(context.Background()))
	assert.ErrorIs(t, mgr.Start(context.Background()), ErrAlreadyStarted)
	assert.True(t, mgr.Running())

	mgr.SetManualInput()
	mgr.Stop()
	assert.False(t, mgr.Running())
	assert.False(t, mgr.ManualActive(), "stop forces manual off")
	assert.Equal(t, 1, stops)

	// no auto-clear after stop
	mgr.SetManualInput()
	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, mgr.ManualActive())

	mgr.Stop() // idempotent
	assert.False(t, mgr.ManualActive())

	require.NoError(t, mgr.Start(context.Background()), "restart after stop")
}

func TestStart_InvalidInterval(t *testing.T) {
	mgr := NewManager(Config{ManualTimeout: time.Second}, nil)
	assert.Error(t, mgr.Start(context.Background()))
}

func TestStop_ContextCancelled(t *testing.T) {
	mgr, _ := newMockManager(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		mgr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after parent context cancellation")
	}
}

func TestSetRCValue_EdgeTriggered(t *testing.T) {
	mgr, _ := newMockManager(t, DefaultConfig())
	log := &transitionLog{}
	mgr.OnTransition(log.observe)

	mgr.SetRCValue(1000)
	assert.False(t, mgr.Enabled())
	assert.Empty(t, log.all())

	mgr.SetRCValue(1900)
	assert.True(t, mgr.Enabled())
	assert.Equal(t, SourceRCChannel, mgr.Source())

	// operator disables over HTTP; the switch staying high does not re-enable
	mgr.Disable(SourceHTTP)
	mgr.SetRCValue(1950)
	assert.False(t, mgr.Enabled())

	mgr.SetRCValue(1100)
	mgr.SetRCValue(1800)
	assert.True(t, mgr.Enabled())

	mgr.SetRCValue(1500) // threshold itself reads as off
	assert.False(t, mgr.Enabled())
	assert.Equal(t, 1500, mgr.Status().RCValue)
}

func TestSetRCValue_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RCEnabled = false
	mgr, _ := newMockManager(t, cfg)

	mgr.SetRCValue(2000)
	assert.False(t, mgr.Enabled())
	assert.Equal(t, 2000, mgr.Status().RCValue, "value still recorded")
}

func TestStatus(t *testing.T) {
	mgr, clock := newMockManager(t, DefaultConfig())
	mgr.Enable(SourceHTTP)
	mgr.SetManualInputFrom(SourceRCChannel)
	clock.Advance(time.Second)

	st := mgr.Status()
	assert.False(t, st.TrackingEnabled)
	assert.True(t, st.TrackingModeOn)
	assert.True(t, st.ManualActive)
	assert.Equal(t, SourceRCChannel, st.ManualSource)
	assert.InDelta(t, 1.0, st.ManualElapsed, 1e-9)
	assert.InDelta(t, 2.0, st.ManualRemaining, 1e-9)
	assert.Equal(t, 3.0, st.ManualTimeout)
	assert.Equal(t, SourceHTTP, st.Source)
	assert.Equal(t, 30, st.SourcePriority)
	assert.Equal(t, epoch, st.ChangedAt)
	assert.Equal(t, 7, st.RCChannel)
	assert.Equal(t, 1500, st.RCThreshold)
	assert.True(t, st.HTTPEnabled)
	assert.Equal(t, ":8080", st.HTTPListen)

	clock.Advance(5 * time.Second)
	st = mgr.Status()
	assert.Zero(t, st.ManualRemaining, "remaining never goes negative")

	mgr.ClearManual(SourceProgrammatic)
	st = mgr.Status()
	assert.Zero(t, st.ManualElapsed)
	assert.Empty(t, st.ManualSource)
}

func TestConfigFromTuning(t *testing.T) {
	cfg := ConfigFromTuning(config.MustLoadDefaultConfig())
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 3*time.Second, cfg.ManualTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.MonitorInterval)
}
