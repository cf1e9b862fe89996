package db

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// CommandRollup summarises the commands of a session. Percentiles are of
// magnitudes so left and right turns count alike.
type CommandRollup struct {
	Count         int     `json:"count"`
	TrackingCount int     `json:"tracking_count"`
	DurationS     float64 `json:"duration_s"`

	P50YawRate float64 `json:"p50_yaw_rate"`
	P85YawRate float64 `json:"p85_yaw_rate"`
	P98YawRate float64 `json:"p98_yaw_rate"`
	MaxYawRate float64 `json:"max_yaw_rate"`

	P50Forward float64 `json:"p50_forward"`
	P85Forward float64 `json:"p85_forward"`
	P98Forward float64 `json:"p98_forward"`
	MaxForward float64 `json:"max_forward"`

	// MeanDistance is over commands with a distance estimate; zero when
	// there were none.
	MeanDistance float64 `json:"mean_distance"`
	MinDistance  float64 `json:"min_distance"`
}

type quantiles struct {
	p50, p85, p98, max float64
}

func magnitudeQuantiles(vals []float64) quantiles {
	if len(vals) == 0 {
		return quantiles{}
	}
	sorted := make([]float64, len(vals))
	for i, v := range vals {
		sorted[i] = math.Abs(v)
	}
	sort.Float64s(sorted)
	return quantiles{
		p50: stat.Quantile(0.50, stat.Empirical, sorted, nil),
		p85: stat.Quantile(0.85, stat.Empirical, sorted, nil),
		p98: stat.Quantile(0.98, stat.Empirical, sorted, nil),
		max: sorted[len(sorted)-1],
	}
}

// RollupCommands computes a CommandRollup over cmds, which are expected in
// chronological order.
func RollupCommands(cmds []CommandRecord) CommandRollup {
	r := CommandRollup{Count: len(cmds)}
	if len(cmds) == 0 {
		return r
	}
	r.DurationS = cmds[len(cmds)-1].At.Sub(cmds[0].At).Seconds()

	yaw := make([]float64, 0, len(cmds))
	fwd := make([]float64, 0, len(cmds))
	var dist []float64
	for _, c := range cmds {
		if c.TrackingActive {
			r.TrackingCount++
		}
		yaw = append(yaw, c.YawRate)
		fwd = append(fwd, c.Forward)
		if c.DistanceM != nil {
			dist = append(dist, *c.DistanceM)
		}
	}

	q := magnitudeQuantiles(yaw)
	r.P50YawRate, r.P85YawRate, r.P98YawRate, r.MaxYawRate = q.p50, q.p85, q.p98, q.max
	q = magnitudeQuantiles(fwd)
	r.P50Forward, r.P85Forward, r.P98Forward, r.MaxForward = q.p50, q.p85, q.p98, q.max

	if len(dist) > 0 {
		r.MeanDistance = stat.Mean(dist, nil)
		r.MinDistance = dist[0]
		for _, d := range dist[1:] {
			r.MinDistance = min(r.MinDistance, d)
		}
	}
	return r
}

// CommandRollup loads a session's commands and rolls them up.
func (db *DB) CommandRollup(sessionID string) (CommandRollup, error) {
	cmds, err := db.SessionCommands(sessionID)
	if err != nil {
		return CommandRollup{}, err
	}
	return RollupCommands(cmds), nil
}
