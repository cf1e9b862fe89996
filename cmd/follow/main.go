// Command follow runs the person-following behaviour layer: it reads
// detections, estimates distance, computes velocity setpoints and gates them
// through the tracking mode manager before they reach the flight controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/follow.pilot/internal/api"
	"github.com/banshee-data/follow.pilot/internal/config"
	"github.com/banshee-data/follow.pilot/internal/db"
	"github.com/banshee-data/follow.pilot/internal/mode"
	"github.com/banshee-data/follow.pilot/internal/monitoring"
	"github.com/banshee-data/follow.pilot/internal/rcinput"
	"github.com/banshee-data/follow.pilot/internal/serialmux"
	"github.com/banshee-data/follow.pilot/internal/timeutil"
	"github.com/banshee-data/follow.pilot/internal/tracking"
	"github.com/banshee-data/follow.pilot/internal/version"
	"github.com/banshee-data/follow.pilot/internal/vision"
)

var (
	listen         = flag.String("listen", "", "HTTP listen address (overrides http_listen from the tuning file)")
	configPath     = flag.String("config", "", "Path to a tuning JSON file (default: "+config.DefaultConfigPath+" if present)")
	dbPath         = flag.String("db-path", "flightlog.db", "Flight log database; empty disables recording")
	serialPort     = flag.String("serial-port", "", "Flight controller companion port; empty runs without a link")
	baudRate       = flag.Int("baud", 0, "Serial baud rate (overrides serial_baud_rate from the tuning file)")
	serialFixtures = flag.String("serial-fixtures", "", "Replay RC and key lines from this file instead of a serial port")
	detectionsPath = flag.String("detections", "", "JSON-lines detection stream: a file, '-' for stdin, empty for the synthetic walker")
	autoEnable     = flag.Bool("auto-enable", false, "Enable tracking mode at startup")
	dryRun         = flag.Bool("dry-run", false, "Log setpoints instead of sending them to the flight controller")
	debug          = flag.Bool("debug", false, "Verbose logging")
	versionFlag    = flag.Bool("version", false, "Print version information and exit")
)

const (
	fixtureInterval = 100 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("follow %s (git %s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	monitoring.SetDebug(*debug)

	tuning, err := loadTuning(*configPath)
	if err != nil {
		log.Fatalf("Failed to load tuning config: %v", err)
	}

	clock := timeutil.RealClock{}

	est := tracking.NewDistanceEstimator(tracking.DistanceConfigFromTuning(tuning))
	ctrl := tracking.NewController(tracking.ConfigFromTuning(tuning), est, clock)

	modeCfg := mode.ConfigFromTuning(tuning)
	if *listen != "" {
		modeCfg.HTTPListen = *listen
	}
	mgr := mode.NewManager(modeCfg, clock)

	var flightLog *db.DB
	if *dbPath != "" {
		flightLog, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open flight log: %v", err)
		}
		defer flightLog.Close()

		sessionID, err := flightLog.StartSession(tuning, clock.Now())
		if err != nil {
			log.Fatalf("Failed to start flight log session: %v", err)
		}
		log.Printf("Flight log session %s in %s", sessionID, *dbPath)

		mgr.OnTransition(func(tr mode.Transition) {
			if err := flightLog.RecordModeEvent(tr); err != nil {
				log.Printf("failed to record mode event: %v", err)
			}
		})
	}

	mgr.OnDisable(func() error {
		stats := ctrl.Status()
		log.Printf("Tracking disabled (last distance %.2fm, tracking active %v)", stats.LastDistance, stats.TrackingActive)
		return nil
	})
	mgr.OnManualStop(func() error {
		if mgr.Enabled() {
			log.Printf("Manual override cleared, tracking resumes")
		}
		return nil
	})

	link, err := openLink(*serialPort, *serialFixtures, tuning)
	if err != nil {
		log.Fatalf("Failed to open flight controller link: %v", err)
	}
	defer link.Close()

	if err := link.Initialise(); err != nil {
		log.Fatalf("Failed to initialise flight controller link: %v", err)
	}

	bridge := rcinput.NewBridge(rcinput.ConfigFromTuning(tuning), mgr, clock)

	var (
		source tracking.Detections
		feed   *vision.Feed
		input  io.ReadCloser
	)
	switch *detectionsPath {
	case "":
		source = vision.NewWalker(vision.DefaultWalkerConfig(), tracking.DistanceConfigFromTuning(tuning), clock)
		log.Printf("No detection stream given, using the synthetic walker")
	case "-":
		feed = vision.NewFeed(vision.ConfigFromTuning(tuning), clock)
		source, input = feed, io.NopCloser(os.Stdin)
	default:
		f, err := os.Open(*detectionsPath)
		if err != nil {
			log.Fatalf("Failed to open detection stream: %v", err)
		}
		feed = vision.NewFeed(vision.ConfigFromTuning(tuning), clock)
		source, input = feed, f
	}
	if input != nil {
		defer input.Close()
	}

	act := chooseActuator(*dryRun, *serialPort, link)

	var loopOpts []tracking.LoopOption
	if flightLog != nil {
		loopOpts = append(loopOpts, tracking.WithRecorder(flightLog))
	}
	loop := tracking.NewControlLoop(ctrl, source, mgr, act, clock, loopOpts...)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("Failed to start mode manager: %v", err)
	}
	defer mgr.Stop()

	if *autoEnable {
		mgr.Enable(mode.SourceProgrammatic)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor flight controller link: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bridge.Run(ctx, link); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("rc bridge stopped: %v", err)
		}
		log.Print("rc bridge routine terminated")
	}()

	if feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feed.Run(ctx, input); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("detection stream stopped: %v", err)
			}
			log.Print("detection routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("control loop stopped: %v", err)
		}
	}()

	if modeCfg.HTTPEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Assign through an interface only when set so a nil *db.DB never
			// becomes a non-nil FlightLog.
			var logView api.FlightLog
			if flightLog != nil {
				logView = flightLog
			}
			mux := api.NewServer(mgr, loop, logView, tuning).ServeMux()

			link.AttachAdminRoutes(mux)
			if flightLog != nil {
				if err := flightLog.AttachAdminRoutes(mux); err != nil {
					log.Printf("failed to attach flight log admin routes: %v", err)
				}
			}

			server := &http.Server{
				Addr:    modeCfg.HTTPListen,
				Handler: api.LoggingMiddleware(mux),
			}

			go func() {
				log.Printf("HTTP control surface listening on %s", modeCfg.HTTPListen)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start server: %v", err)
				}
			}()

			<-ctx.Done()
			log.Println("shutting down HTTP server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}

			log.Printf("HTTP server routine stopped")
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadTuning reads the tuning file at path. With no path it falls back to
// the checked-in defaults, then to the built-in values.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path != "" {
		return config.LoadTuningConfig(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadTuningConfig(config.DefaultConfigPath)
	}
	return config.EmptyTuningConfig(), nil
}

// openLink picks the flight controller link: fixture replay, a real port or
// a disabled stand-in.
func openLink(port, fixtures string, tuning *config.TuningConfig) (serialmux.SerialMuxInterface, error) {
	switch {
	case fixtures != "":
		lines, err := readFixtures(fixtures)
		if err != nil {
			return nil, err
		}
		return serialmux.NewMockSerialMux(lines, fixtureInterval), nil
	case port != "":
		baud := tuning.GetSerialBaudRate()
		if *baudRate > 0 {
			baud = *baudRate
		}
		mux, err := serialmux.NewRealSerialMux(port, serialmux.PortOptions{BaudRate: baud})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", port, err)
		}
		return mux, nil
	default:
		return serialmux.NewDisabledSerialMux(), nil
	}
}

// readFixtures returns the non-empty, non-comment lines of path.
func readFixtures(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures file: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("fixtures file %s has no lines", path)
	}
	return lines, nil
}

// chooseActuator only flies setpoints over a real port outside dry-run.
func chooseActuator(dry bool, port string, link tracking.CommandSender) tracking.Actuator {
	if dry || port == "" {
		return tracking.LogActuator{}
	}
	return tracking.SerialActuator{Link: link}
}
