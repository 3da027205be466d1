// Package touch implements the coordinate-mapping support service the
// Session depends on: mapping a remote screen's pixel
// coordinates into the host monitor's coordinate space under a fixed
// rotation, plus a pointer-id-to-slot registry for stable touch-injection
// slots. Both are pure, synchronously callable from the session's message
// dispatch.
package touch

import "fmt"

// Rect is an axis-aligned target rectangle in host coordinates.
type Rect struct {
	X, Y, W, H float64
}

// Rotation is a clockwise rotation applied before scaling into the target
// rectangle.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Mapper converts remote-screen pixel coordinates into host coordinates.
type Mapper struct {
	sourceW, sourceH float64
	target           Rect
	rotation         Rotation
}

// NewMapper constructs a Mapper for the given source screen size, target
// rectangle, and rotation. rotation must be one of Rotate0/90/180/270.
func NewMapper(sourceW, sourceH int, target Rect, rotation Rotation) (*Mapper, error) {
	switch rotation {
	case Rotate0, Rotate90, Rotate180, Rotate270:
	default:
		return nil, fmt.Errorf("touch: invalid rotation %d", rotation)
	}
	if sourceW <= 1 || sourceH <= 1 {
		return nil, fmt.Errorf("touch: source dimensions must be > 1, got %dx%d", sourceW, sourceH)
	}
	return &Mapper{sourceW: float64(sourceW), sourceH: float64(sourceH), target: target, rotation: rotation}, nil
}

// SetSource updates the source screen dimensions, e.g. when a handshake
// carries the peer's actual screen size.
func (m *Mapper) SetSource(w, h int) {
	if w > 1 {
		m.sourceW = float64(w)
	}
	if h > 1 {
		m.sourceH = float64(h)
	}
}

// SetTarget updates the host monitor rectangle the mapper scales into.
func (m *Mapper) SetTarget(r Rect) { m.target = r }

// Map converts a remote point (px, py) into host coordinates: normalize, rotate about the rectangle center, scale
// and translate into the target rectangle.
func (m *Mapper) Map(px, py float64) (float64, float64) {
	nx := px / (m.sourceW - 1)
	ny := py / (m.sourceH - 1)

	rx, ry := rotate(nx, ny, m.rotation)

	x := m.target.X + rx*m.target.W
	y := m.target.Y + ry*m.target.H
	return x, y
}

// rotate applies a clockwise rotation to a point normalized to [0,1]x[0,1]
// around the center of that unit square.
func rotate(nx, ny float64, rot Rotation) (float64, float64) {
	switch rot {
	case Rotate90:
		return ny, 1 - nx
	case Rotate180:
		return 1 - nx, 1 - ny
	case Rotate270:
		return 1 - ny, nx
	default:
		return nx, ny
	}
}
