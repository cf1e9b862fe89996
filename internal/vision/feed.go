// Package vision adapts an external person detector to the control loop.
// The detector writes one JSON frame per line; the feed keeps the best
// person box from the most recent frame for tracking.Detections.
package vision

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/follow.pilot/internal/config"
	"github.com/banshee-data/follow.pilot/internal/monitoring"
	"github.com/banshee-data/follow.pilot/internal/timeutil"
	"github.com/banshee-data/follow.pilot/internal/tracking"
)

// maxFrameBytes bounds a single NDJSON frame.
const maxFrameBytes = 1 << 20

// Config selects which detection is the target.
type Config struct {
	TargetLabel   string
	MinConfidence float64
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a vision Config from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		TargetLabel:   cfg.GetTargetLabel(),
		MinConfidence: cfg.GetMinConfidence(),
	}
}

// Frame is one line of detector output.
type Frame struct {
	FrameWidth  int            `json:"frame_width"`
	FrameHeight int            `json:"frame_height"`
	TS          float64        `json:"ts,omitempty"` // detector clock, seconds
	Detections  []RawDetection `json:"detections"`
}

// RawDetection is a detector box. With Normalized set, X, Y, W and H are
// fractions of the frame, otherwise pixels. X and Y are the top-left corner.
type RawDetection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
	TrackID    int     `json:"track_id,omitempty"`
	Normalized bool    `json:"normalized,omitempty"`
}

// Box converts the detection to pixel space.
func (d RawDetection) Box(frameWidth, frameHeight int) tracking.BoundingBox {
	b := tracking.BoundingBox{
		X: d.X, Y: d.Y, Width: d.W, Height: d.H,
		Confidence: d.Confidence,
		Label:      d.Label,
		TrackID:    d.TrackID,
	}
	if d.Normalized {
		px := tracking.BoundingBoxFromNormalized(d.X, d.Y, d.W, d.H, frameWidth, frameHeight)
		b.X, b.Y, b.Width, b.Height = px.X, px.Y, px.Width, px.Height
	}
	return b
}

// SelectTarget returns the highest-confidence box with the target label and
// at least the minimum confidence. On equal confidence the box continuing
// prevTrack wins. It returns nil when nothing qualifies.
func SelectTarget(boxes []tracking.BoundingBox, cfg Config, prevTrack int) *tracking.BoundingBox {
	var best *tracking.BoundingBox
	for i := range boxes {
		b := &boxes[i]
		if b.Label != cfg.TargetLabel || b.Confidence < cfg.MinConfidence || !b.Valid() {
			continue
		}
		switch {
		case best == nil, b.Confidence > best.Confidence:
			best = b
		case b.Confidence == best.Confidence && prevTrack != 0 &&
			b.TrackID == prevTrack && best.TrackID != prevTrack:
			best = b
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// FeedStats counts frames by outcome.
type FeedStats struct {
	Frames      uint64 `json:"frames"`
	WithTarget  uint64 `json:"with_target"`
	ParseErrors uint64 `json:"parse_errors"`
}

// Feed holds the latest detection published by a detector.
type Feed struct {
	cfg   Config
	clock timeutil.Clock

	mu        sync.Mutex
	latest    tracking.Detection
	have      bool
	prevTrack int

	frames, withTarget, parseErrors atomic.Uint64
}

// NewFeed creates an empty feed. A nil clock uses wall time.
func NewFeed(cfg Config, clock timeutil.Clock) *Feed {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Feed{cfg: cfg, clock: clock}
}

// Publish selects the target in frame and makes it the latest detection.
// The detection is stamped with the feed clock on arrival.
func (f *Feed) Publish(frame Frame) {
	boxes := make([]tracking.BoundingBox, 0, len(frame.Detections))
	for _, d := range frame.Detections {
		boxes = append(boxes, d.Box(frame.FrameWidth, frame.FrameHeight))
	}

	f.mu.Lock()
	target := SelectTarget(boxes, f.cfg, f.prevTrack)
	if target != nil {
		f.prevTrack = target.TrackID
	}
	f.latest = tracking.Detection{
		Box:         target,
		FrameWidth:  frame.FrameWidth,
		FrameHeight: frame.FrameHeight,
		At:          f.clock.Now(),
	}
	f.have = true
	f.mu.Unlock()

	n := f.frames.Add(1)
	if target != nil {
		f.withTarget.Add(1)
	}
	if n%30 == 0 {
		if target != nil {
			monitoring.Debugf("frame %d: %d detection(s), best %s track=%d", n, len(boxes), target, target.TrackID)
		} else {
			monitoring.Debugf("frame %d: no %s detected", n, f.cfg.TargetLabel)
		}
	}
}

// Latest implements tracking.Detections.
func (f *Feed) Latest() (tracking.Detection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.have
}

// Stats returns the frame counters.
func (f *Feed) Stats() FeedStats {
	return FeedStats{
		Frames:      f.frames.Load(),
		WithTarget:  f.withTarget.Load(),
		ParseErrors: f.parseErrors.Load(),
	}
}

// ParseFrame decodes one NDJSON line.
func ParseFrame(line []byte) (Frame, error) {
	var fr Frame
	if err := json.Unmarshal(line, &fr); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if fr.FrameWidth < 0 || fr.FrameHeight < 0 {
		return Frame{}, fmt.Errorf("negative frame size %dx%d", fr.FrameWidth, fr.FrameHeight)
	}
	return fr, nil
}

// Run reads frames from r until EOF, a read error or ctx is done. Lines
// that fail to parse are logged and skipped.
func (f *Feed) Run(ctx context.Context, r io.Reader) error {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("read detections: %w", err)
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			frame, err := ParseFrame(line)
			if err != nil {
				if f.parseErrors.Add(1) <= 10 {
					monitoring.Logf("vision: skipping frame: %v", err)
				}
				continue
			}
			f.Publish(frame)
		}
	}
}
