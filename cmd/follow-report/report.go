package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/follow.pilot/internal/db"
	"github.com/banshee-data/follow.pilot/internal/security"
)

// Report is the JSON document written for one session.
type Report struct {
	SessionID   string           `json:"session_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Rollup      db.CommandRollup `json:"rollup"`
	Plots       []string         `json:"plots,omitempty"`
}

// RunReport rolls up one session and, when outDir is set, renders its plots
// into a per-session directory below it. An empty sessionID selects the
// most recent session.
func RunReport(database *db.DB, sessionID, outDir string, now time.Time) (Report, error) {
	if sessionID == "" {
		latest, err := database.LatestSessionID()
		if err != nil {
			return Report{}, err
		}
		sessionID = latest
	}

	cmds, err := database.SessionCommands(sessionID)
	if err != nil {
		return Report{}, fmt.Errorf("load commands for %s: %w", sessionID, err)
	}

	rep := Report{
		SessionID:   sessionID,
		GeneratedAt: now.UTC(),
		Rollup:      db.RollupCommands(cmds),
	}
	if outDir == "" || len(cmds) == 0 {
		return rep, nil
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return rep, fmt.Errorf("create output dir: %w", err)
	}
	dir := filepath.Join(outDir, security.SafeName(sessionID))
	if err := security.WithinDir(dir, outDir); err != nil {
		return rep, err
	}
	plots, err := db.PlotCommands(cmds, dir)
	if err != nil {
		return rep, fmt.Errorf("plot session %s: %w", sessionID, err)
	}
	rep.Plots = plots
	return rep, nil
}

// WriteReport writes rep as indented JSON.
func WriteReport(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// ListSessions prints one row per recorded session, newest first.
func ListSessions(w io.Writer, database *db.DB) error {
	sessions, err := database.Sessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return db.ErrNoSession
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tCOMMANDS\tMODE EVENTS\tLAST COMMAND")
	for _, s := range sessions {
		last := "-"
		if s.LastCommandAt != nil {
			last = s.LastCommandAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			s.SessionID, s.StartedAt.Format(time.RFC3339), s.Commands, s.ModeEvents, last)
	}
	return tw.Flush()
}

func isNoSession(err error) bool { return errors.Is(err, db.ErrNoSession) }
