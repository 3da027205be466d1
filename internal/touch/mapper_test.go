package touch

import (
	"math"
	"testing"
)

func approxEq(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestMapCornersNoRotation(t *testing.T) {
	m, err := NewMapper(1920, 1080, Rect{X: 100, Y: 200, W: 800, H: 600}, Rotate0)
	if err != nil {
		t.Fatalf("new mapper: %v", err)
	}
	x, y := m.Map(0, 0)
	if !approxEq(x, 100) || !approxEq(y, 200) {
		t.Fatalf("top-left = (%v,%v), want (100,200)", x, y)
	}
	x, y = m.Map(1919, 1079)
	if !approxEq(x, 900) || !approxEq(y, 800) {
		t.Fatalf("bottom-right = (%v,%v), want (900,800)", x, y)
	}
}

func TestMapCornersRotations(t *testing.T) {
	rect := Rect{X: 0, Y: 0, W: 100, H: 100}
	cases := []struct {
		rot          Rotation
		wantTopLeft  [2]float64
		wantBotRight [2]float64
	}{
		{Rotate0, [2]float64{0, 0}, [2]float64{100, 100}},
		{Rotate90, [2]float64{0, 100}, [2]float64{100, 0}},
		{Rotate180, [2]float64{100, 100}, [2]float64{0, 0}},
		{Rotate270, [2]float64{100, 0}, [2]float64{0, 100}},
	}
	for _, c := range cases {
		m, err := NewMapper(1920, 1080, rect, c.rot)
		if err != nil {
			t.Fatalf("rot=%d: %v", c.rot, err)
		}
		x, y := m.Map(0, 0)
		if !approxEq(x, c.wantTopLeft[0]) || !approxEq(y, c.wantTopLeft[1]) {
			t.Fatalf("rot=%d top-left = (%v,%v), want %v", c.rot, x, y, c.wantTopLeft)
		}
		x, y = m.Map(1919, 1079)
		if !approxEq(x, c.wantBotRight[0]) || !approxEq(y, c.wantBotRight[1]) {
			t.Fatalf("rot=%d bottom-right = (%v,%v), want %v", c.rot, x, y, c.wantBotRight)
		}
	}
}

func TestNewMapperRejectsDegenerateSource(t *testing.T) {
	if _, err := NewMapper(1, 1080, Rect{}, Rotate0); err == nil {
		t.Fatal("expected error for degenerate source width")
	}
}

func TestSlotRegistryAllocateRelease(t *testing.T) {
	r := NewSlotRegistry(2)
	s1, ok := r.Allocate(10)
	if !ok || s1 != 0 {
		t.Fatalf("expected slot 0, got %d ok=%v", s1, ok)
	}
	s2, ok := r.Allocate(20)
	if !ok || s2 != 1 {
		t.Fatalf("expected slot 1, got %d ok=%v", s2, ok)
	}
	if _, ok := r.Allocate(30); ok {
		t.Fatal("expected registry full")
	}
	r.Release(10)
	s3, ok := r.Allocate(30)
	if !ok || s3 != 0 {
		t.Fatalf("expected reuse of freed slot 0, got %d ok=%v", s3, ok)
	}
}

func TestSlotRegistryPrimarySlot(t *testing.T) {
	r := NewSlotRegistry(4)
	if _, ok := r.PrimarySlot(); ok {
		t.Fatal("expected no primary slot when empty")
	}
	r.Allocate(5)
	r.Allocate(6)
	p, ok := r.PrimarySlot()
	if !ok || p != 0 {
		t.Fatalf("expected primary slot 0, got %d ok=%v", p, ok)
	}
	r.Release(5)
	p, ok = r.PrimarySlot()
	if !ok || p != 1 {
		t.Fatalf("expected primary slot 1 after releasing 0, got %d ok=%v", p, ok)
	}
}

func TestSlotRegistryAllocateIdempotent(t *testing.T) {
	r := NewSlotRegistry(4)
	s1, _ := r.Allocate(7)
	s2, _ := r.Allocate(7)
	if s1 != s2 {
		t.Fatalf("expected idempotent allocate, got %d then %d", s1, s2)
	}
}
