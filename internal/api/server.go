// Package api is the HTTP control surface: tracking mode switches, live
// status and read access to the flight log.
package api

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/banshee-data/follow.pilot/internal/config"
	"github.com/banshee-data/follow.pilot/internal/db"
	"github.com/banshee-data/follow.pilot/internal/httputil"
	"github.com/banshee-data/follow.pilot/internal/mode"
	"github.com/banshee-data/follow.pilot/internal/tracking"
	"github.com/banshee-data/follow.pilot/internal/version"
)

//go:embed static/index.html
var indexHTML []byte

const (
	defaultLimit = 50
	maxLimit     = 5000
)

// ModeControl is the part of *mode.Manager the API drives.
type ModeControl interface {
	Enable(src mode.Source) bool
	Disable(src mode.Source) bool
	Toggle(src mode.Source) bool
	SetManualInputFrom(src mode.Source) bool
	ClearManual(src mode.Source) bool
	Enabled() bool
	Status() mode.Status
}

// LoopView exposes the control loop's counters and controller state.
type LoopView interface {
	Stats() tracking.LoopStats
	LastCommand() tracking.VelocityCommand
	ControllerStatus() tracking.ControllerStatus
}

// FlightLog is the read side of *db.DB.
type FlightLog interface {
	SessionID() string
	ModeEvents(limit int) ([]db.ModeEvent, error)
	RecentCommands(limit int) ([]db.CommandRecord, error)
	CommandRollup(sessionID string) (db.CommandRollup, error)
}

type Server struct {
	mode   ModeControl
	loop   LoopView
	log    FlightLog
	tuning *config.TuningConfig
}

// NewServer wires the handlers. loop and log may be nil; the routes that
// need them then answer 503.
func NewServer(m ModeControl, loop LoopView, log FlightLog, tuning *config.TuningConfig) *Server {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	return &Server{mode: m, loop: loop, log: log, tuning: tuning}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/enable", s.handleEnable)
	mux.HandleFunc("/disable", s.handleDisable)
	mux.HandleFunc("/toggle", s.handleToggle)
	mux.HandleFunc("/manual", s.handleManual)
	mux.HandleFunc("/manual/clear", s.handleManualClear)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/commands", s.handleCommands)
	mux.HandleFunc("/api/commands/stats", s.handleCommandStats)
	mux.HandleFunc("/api/charts/commands", s.handleCommandChart)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httputil.NotFound(w, "not found")
		return
	}
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

// StatusResponse is the body of GET /status. The mode fields are inlined so
// tracking_enabled sits at the top level.
type StatusResponse struct {
	mode.Status
	Version     string                     `json:"version"`
	SessionID   string                     `json:"session_id,omitempty"`
	Controller  *tracking.ControllerStatus `json:"controller,omitempty"`
	Loop        *tracking.LoopStats        `json:"loop,omitempty"`
	LastCommand *tracking.VelocityCommand  `json:"last_command,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	resp := StatusResponse{Status: s.mode.Status(), Version: version.Version}
	if s.loop != nil {
		ctrl := s.loop.ControllerStatus()
		stats := s.loop.Stats()
		last := s.loop.LastCommand()
		resp.Controller, resp.Loop, resp.LastCommand = &ctrl, &stats, &last
	}
	if s.log != nil {
		resp.SessionID = s.log.SessionID()
	}
	httputil.WriteJSONOK(w, resp)
}

// ModeResponse is returned by the mode mutation routes.
type ModeResponse struct {
	Success         bool `json:"success"`
	Changed         bool `json:"changed"`
	TrackingEnabled bool `json:"tracking_enabled"`
	ManualActive    bool `json:"manual_active"`
}

func (s *Server) modeResponse(w http.ResponseWriter, changed bool) {
	st := s.mode.Status()
	httputil.WriteJSONOK(w, ModeResponse{
		Success:         true,
		Changed:         changed,
		TrackingEnabled: st.TrackingModeOn,
		ManualActive:    st.ManualActive,
	})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.modeResponse(w, s.mode.Enable(mode.SourceHTTP))
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.modeResponse(w, s.mode.Disable(mode.SourceHTTP))
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.mode.Toggle(mode.SourceHTTP)
	// a toggle always changes the state
	s.modeResponse(w, true)
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	src := mode.SourceHTTP
	if name := r.URL.Query().Get("source"); name != "" {
		parsed, err := mode.ParseSource(name)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		// relays may only speak for a human at the controls
		if !parsed.IsManual() {
			httputil.BadRequest(w, fmt.Sprintf("source %q is not a manual input", name))
			return
		}
		src = parsed
	}
	s.modeResponse(w, s.mode.SetManualInputFrom(src))
}

func (s *Server) handleManualClear(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.modeResponse(w, s.mode.ClearManual(mode.SourceHTTP))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	c := s.tuning
	httputil.WriteJSONOK(w, map[string]any{
		"person_height_m":       c.GetPersonHeightM(),
		"reference_height_px":   c.GetReferenceHeightPx(),
		"reference_distance_m":  c.GetReferenceDistanceM(),
		"min_distance_m":        c.GetMinDistanceM(),
		"max_distance_m":        c.GetMaxDistanceM(),
		"distance_smoothing":    c.GetDistanceSmoothing(),
		"center_deadzone":       c.GetCenterDeadzone(),
		"max_yaw_rate":          c.GetMaxYawRate(),
		"max_forward_velocity":  c.GetMaxForwardVelocity(),
		"p_gain_yaw":            c.GetPGainYaw(),
		"d_gain_yaw":            c.GetDGainYaw(),
		"p_gain_forward":        c.GetPGainForward(),
		"d_gain_forward":        c.GetDGainForward(),
		"velocity_smoothing":    c.GetVelocitySmoothing(),
		"target_bbox_ratio":     c.GetTargetBBoxRatio(),
		"bbox_ratio_deadzone":   c.GetBBoxRatioDeadzone(),
		"min_confidence":        c.GetMinConfidence(),
		"target_label":          c.GetTargetLabel(),
		"track_loss_timeout":    c.GetTrackLossTimeout().String(),
		"min_tracking_distance": c.GetMinTrackingDistance(),
		"max_tracking_distance": c.GetMaxTrackingDistance(),
		"retreat_speed":         c.GetRetreatSpeed(),
		"control_rate_hz":       c.GetControlRateHz(),
		"manual_timeout":        c.GetManualTimeout().String(),
		"monitor_interval":      c.GetMonitorInterval().String(),
		"rc_enabled":            c.GetRCEnabled(),
		"rc_channel":            c.GetRCChannel(),
		"rc_threshold":          c.GetRCThreshold(),
		"http_enabled":          c.GetHTTPEnabled(),
		"http_listen":           c.GetHTTPListen(),
		"serial_baud_rate":      c.GetSerialBaudRate(),
	})
}

func (s *Server) requireLog(w http.ResponseWriter) bool {
	if s.log == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "flight log disabled")
		return false
	}
	return true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) || !s.requireLog(w) {
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultLimit, maxLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.log.ModeEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve mode events: %v", err))
		return
	}
	if events == nil {
		events = []db.ModeEvent{}
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) || !s.requireLog(w) {
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultLimit, maxLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cmds, err := s.log.RecentCommands(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve commands: %v", err))
		return
	}
	if cmds == nil {
		cmds = []db.CommandRecord{}
	}
	httputil.WriteJSONOK(w, cmds)
}

// CommandStatsResponse is the body of GET /api/commands/stats.
type CommandStatsResponse struct {
	SessionID string           `json:"session_id"`
	Rollup    db.CommandRollup `json:"rollup"`
}

func (s *Server) handleCommandStats(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) || !s.requireLog(w) {
		return
	}
	session := r.URL.Query().Get("session")
	if session == "" {
		session = s.log.SessionID()
	}
	if session == "" {
		httputil.NotFound(w, "no session")
		return
	}
	rollup, err := s.log.CommandRollup(session)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to compute rollup: %v", err))
		return
	}
	httputil.WriteJSONOK(w, CommandStatsResponse{SessionID: session, Rollup: rollup})
}
