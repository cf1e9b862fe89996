package db

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	yawColor      = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	forwardColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	distanceColor = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// PlotCommands renders the yaw rate, forward velocity and distance series of
// cmds as PNG files in outputDir and returns their paths. The X axis is
// seconds since the first command.
func PlotCommands(cmds []CommandRecord, outputDir string) ([]string, error) {
	if len(cmds) == 0 {
		return nil, fmt.Errorf("no commands to plot")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	start := cmds[0].At
	yawPts := make(plotter.XYs, 0, len(cmds))
	fwdPts := make(plotter.XYs, 0, len(cmds))
	distPts := make(plotter.XYs, 0, len(cmds))
	for _, c := range cmds {
		x := c.At.Sub(start).Seconds()
		yawPts = append(yawPts, plotter.XY{X: x, Y: c.YawRate})
		fwdPts = append(fwdPts, plotter.XY{X: x, Y: c.Forward})
		if c.DistanceM != nil {
			distPts = append(distPts, plotter.XY{X: x, Y: *c.DistanceM})
		}
	}

	var files []string
	save := func(p *plot.Plot, name, what string) error {
		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10
		file := filepath.Join(outputDir, name)
		if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
			return fmt.Errorf("save %s plot: %w", what, err)
		}
		files = append(files, file)
		return nil
	}

	pYaw := plot.New()
	pYaw.Title.Text = "Yaw rate command"
	pYaw.X.Label.Text = "Time (s)"
	pYaw.Y.Label.Text = "Yaw rate (deg/s)"
	if err := addLine(pYaw, yawPts, yawColor, "yaw"); err != nil {
		return nil, err
	}
	if err := save(pYaw, "yaw_rate.png", "yaw"); err != nil {
		return nil, err
	}

	pFwd := plot.New()
	pFwd.Title.Text = "Forward velocity command"
	pFwd.X.Label.Text = "Time (s)"
	pFwd.Y.Label.Text = "Forward (m/s)"
	if err := addLine(pFwd, fwdPts, forwardColor, "forward"); err != nil {
		return nil, err
	}
	if err := save(pFwd, "forward.png", "forward"); err != nil {
		return nil, err
	}

	// distance is only plotted when the target was ever ranged
	if len(distPts) > 0 {
		pDist := plot.New()
		pDist.Title.Text = "Estimated distance to target"
		pDist.X.Label.Text = "Time (s)"
		pDist.Y.Label.Text = "Distance (m)"
		if err := addLine(pDist, distPts, distanceColor, "distance"); err != nil {
			return nil, err
		}
		if err := save(pDist, "distance.png", "distance"); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func addLine(p *plot.Plot, pts plotter.XYs, c color.Color, label string) error {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(label, line)
	return nil
}
