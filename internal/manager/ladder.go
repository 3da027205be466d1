package manager

import "github.com/fenglingyubing/expandscreen-host/internal/iface"

// buildLadder constructs the compatibility fallback ladder from a base
// profile: base; base at 60fps/30fps if higher;
// scaled to fit 1920x1080 and its 60/30fps variants; scaled to fit
// 1280x720 and its 60/30fps variants; the explicit degraded profile and
// its 30fps variant. Entries that duplicate an earlier one (same
// width/height/refresh_rate) are skipped, order preserved.
func buildLadder(base, degraded iface.VideoProfile) []iface.VideoProfile {
	var ladder []iface.VideoProfile
	add := func(p iface.VideoProfile) {
		for _, existing := range ladder {
			if existing.Width == p.Width && existing.Height == p.Height && existing.RefreshRate == p.RefreshRate {
				return
			}
		}
		ladder = append(ladder, p)
	}

	add(base)
	if base.RefreshRate > 60 {
		add(withFPS(base, 60))
	}
	if base.RefreshRate > 30 {
		add(withFPS(base, 30))
	}

	fhd := scaleToFit(base, 1920, 1080)
	add(fhd)
	if fhd.RefreshRate > 60 {
		add(withFPS(fhd, 60))
	}
	if fhd.RefreshRate > 30 {
		add(withFPS(fhd, 30))
	}

	hd := scaleToFit(base, 1280, 720)
	add(hd)
	if hd.RefreshRate > 60 {
		add(withFPS(hd, 60))
	}
	if hd.RefreshRate > 30 {
		add(withFPS(hd, 30))
	}

	add(degraded)
	add(withFPS(degraded, 30))

	return ladder
}

func withFPS(p iface.VideoProfile, fps int) iface.VideoProfile {
	p.RefreshRate = fps
	return p
}

// scaleToFit scales p to fit within maxW x maxH, preserving aspect ratio,
// rounding dimensions down to even pixels with a floor of 640x360, and
// recomputing bitrate proportional to the pixel-count reduction but never
// above the current bitrate.
func scaleToFit(p iface.VideoProfile, maxW, maxH int) iface.VideoProfile {
	if p.Width <= maxW && p.Height <= maxH {
		return p
	}
	scale := float64(maxW) / float64(p.Width)
	if alt := float64(maxH) / float64(p.Height); alt < scale {
		scale = alt
	}
	w := roundEven(float64(p.Width) * scale)
	h := roundEven(float64(p.Height) * scale)
	if w < 640 {
		w = 640
	}
	if h < 360 {
		h = 360
	}
	areaRatio := float64(w*h) / float64(p.Width*p.Height)
	bitrate := int64(float64(p.BitrateBps) * areaRatio)
	if bitrate > p.BitrateBps {
		bitrate = p.BitrateBps
	}
	return iface.VideoProfile{Width: w, Height: h, RefreshRate: p.RefreshRate, BitrateBps: bitrate}
}

func roundEven(v float64) int {
	n := int(v)
	if n%2 != 0 {
		n--
	}
	return n
}

func profilesEqual(a, b iface.VideoProfile) bool {
	return a.Width == b.Width && a.Height == b.Height && a.RefreshRate == b.RefreshRate && a.BitrateBps == b.BitrateBps
}
