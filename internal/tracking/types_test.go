package tracking

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r2"
)

func TestBoundingBoxGeometry(t *testing.T) {
	b := BoundingBox{X: 100, Y: 50, Width: 40, Height: 100, Confidence: 0.9, Label: "person"}

	assert.Equal(t, r2.Vec{X: 120, Y: 100}, b.Center())
	assert.Equal(t, 4000.0, b.Area())
	assert.True(t, b.Valid())
	assert.False(t, BoundingBox{Width: 10}.Valid())
	assert.False(t, BoundingBox{X: math.NaN(), Width: 10, Height: 10}.Valid())
	assert.False(t, BoundingBox{Width: 10, Height: math.Inf(1)}.Valid())
}

func TestBoundingBoxFromNormalized(t *testing.T) {
	got := BoundingBoxFromNormalized(0.5, 0.5, 0.1, 0.25, 1280, 720)
	want := BoundingBox{X: 640, Y: 360, Width: 128, Height: 180}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BoundingBoxFromNormalized mismatch (-want +got):\n%s", diff)
	}
}

func TestTrackingOffset(t *testing.T) {
	tests := []struct {
		name string
		box  BoundingBox
		want r2.Vec
	}{
		{"centred", BoundingBox{X: 590, Y: 310, Width: 100, Height: 100}, r2.Vec{}},
		{"right edge", BoundingBox{X: 1180, Y: 310, Width: 100, Height: 100}, r2.Vec{X: 0.921875}},
		{"top left corner", BoundingBox{X: 0, Y: 0, Width: 0, Height: 0}, r2.Vec{X: -1, Y: -1}},
		{"clamped beyond frame", BoundingBox{X: 2000, Y: 310, Width: 100, Height: 100}, r2.Vec{X: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrackingOffset(tt.box, 1280, 720)
			assert.InDelta(t, tt.want.X, got.X, 1e-9)
			assert.InDelta(t, tt.want.Y, got.Y, 1e-9)
		})
	}
}

func TestBBoxRatio(t *testing.T) {
	assert.Equal(t, 0.25, BBoxRatio(BoundingBox{Height: 180}, 720))
	assert.Equal(t, 0.0, BBoxRatio(BoundingBox{Height: 180}, 0))
}

func TestVelocityCommandIsZero(t *testing.T) {
	ts := time.Unix(0, 0)
	assert.True(t, Hover(ts).IsZero())
	assert.True(t, VelocityCommand{Forward: 0.009, YawRate: 0.09}.IsZero())
	assert.False(t, VelocityCommand{Forward: 0.02}.IsZero())
	assert.False(t, VelocityCommand{YawRate: 0.2}.IsZero())
	assert.False(t, VelocityCommand{Down: -0.5}.IsZero())
	assert.Equal(t, "Vel(fwd=0.50, right=0.00, down=0.00, yaw=-3.0°/s)",
		VelocityCommand{Forward: 0.5, YawRate: -3}.String())
}
