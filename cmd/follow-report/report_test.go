package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/follow.pilot/internal/db"
	"github.com/banshee-data/follow.pilot/internal/monitoring"
	"github.com/banshee-data/follow.pilot/internal/tracking"
)

var start = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(func(string, ...interface{}) {})
	os.Exit(m.Run())
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "flightlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func fly(t *testing.T, database *db.DB, at time.Time, n int) string {
	t.Helper()
	id, err := database.StartSession(nil, at)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		cmd := tracking.VelocityCommand{
			Forward:   0.1 * float64(i),
			YawRate:   float64(i),
			Timestamp: at.Add(time.Duration(i) * 100 * time.Millisecond),
		}
		status := tracking.ControllerStatus{TrackingActive: true, LastDistance: 4}
		require.NoError(t, database.RecordCommand(cmd, status))
	}
	return id
}

func TestRunReport_LatestSession(t *testing.T) {
	database := openTestDB(t)
	first := fly(t, database, start, 3)
	second := fly(t, database, start.Add(time.Hour), 5)

	out := t.TempDir()
	rep, err := RunReport(database, "", out, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, second, rep.SessionID)
	assert.Equal(t, 5, rep.Rollup.Count)
	assert.InDelta(t, 4.0, rep.Rollup.MaxYawRate, 1e-9)
	require.Len(t, rep.Plots, 3)
	for _, p := range rep.Plots {
		assert.True(t, strings.HasPrefix(p, filepath.Join(out, second)), p)
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}

	rep, err = RunReport(database, first, "", start)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Rollup.Count)
	assert.Empty(t, rep.Plots)
}

func TestRunReport_NoSessions(t *testing.T) {
	database := openTestDB(t)
	_, err := RunReport(database, "", t.TempDir(), start)
	assert.ErrorIs(t, err, db.ErrNoSession)
	assert.True(t, isNoSession(err))
}

func TestRunReport_EmptySessionSkipsPlots(t *testing.T) {
	database := openTestDB(t)
	id := fly(t, database, start, 0)

	rep, err := RunReport(database, id, t.TempDir(), start)
	require.NoError(t, err)
	assert.Zero(t, rep.Rollup.Count)
	assert.Empty(t, rep.Plots)
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	rep := Report{SessionID: "abc", GeneratedAt: start, Rollup: db.CommandRollup{Count: 2}}
	require.NoError(t, WriteReport(&buf, rep))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "abc", decoded["session_id"])
	assert.NotContains(t, decoded, "plots")
}

func TestListSessions(t *testing.T) {
	database := openTestDB(t)

	var buf bytes.Buffer
	assert.ErrorIs(t, ListSessions(&buf, database), db.ErrNoSession)

	older := fly(t, database, start, 2)
	newer := fly(t, database, start.Add(time.Minute), 0)

	buf.Reset()
	require.NoError(t, ListSessions(&buf, database))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "SESSION"))
	assert.True(t, strings.HasPrefix(lines[1], newer))
	assert.True(t, strings.HasPrefix(lines[2], older))
	assert.True(t, strings.HasSuffix(lines[1], "-"), "session without commands has no last command")
}
