package openh264

import (
	"math"
	"strings"
)

// Pattern selects a synthetic test image for Picture.Fill.
type Pattern int

const (
	PatternBlack        Pattern = iota // Y=16, neutral chroma
	PatternColorBars                   // 8 vertical bars, BT.601
	PatternGradient                    // Horizontal luma ramp
	PatternCheckerboard                // 32x32 squares
	PatternMovingBox                   // White box circling the centre, animated by frame number
)

func (p Pattern) String() string {
	switch p {
	case PatternBlack:
		return "Black"
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// ParsePattern accepts the lower-case names "black", "bars", "gradient",
// "checkerboard" and "box".
func ParsePattern(s string) (Pattern, bool) {
	switch strings.ToLower(s) {
	case "black":
		return PatternBlack, true
	case "bars", "colorbars":
		return PatternColorBars, true
	case "gradient":
		return PatternGradient, true
	case "checkerboard", "checker":
		return PatternCheckerboard, true
	case "box", "movingbox":
		return PatternMovingBox, true
	default:
		return PatternBlack, false
	}
}

var colorBarsRGB = [8][3]uint8{
	{192, 192, 192},
	{192, 192, 0},
	{0, 192, 192},
	{0, 192, 0},
	{192, 0, 192},
	{192, 0, 0},
	{0, 0, 192},
	{16, 16, 16},
}

// Fill paints the picture with a test pattern, honouring its strides.
func (p *Picture) Fill(pattern Pattern, frame uint64) {
	w, h := p.Width, p.Height
	us, vs := p.chromaStrides()

	setLuma := func(x, y int, val uint8) { p.Y[y*p.Stride[0]+x] = val }
	setChroma := func(x, y int, u, v uint8) {
		p.U[(y/2)*us+x/2] = u
		p.V[(y/2)*vs+x/2] = v
	}
	inChroma := func(x, y int) bool {
		return x%2 == 0 && y%2 == 0 && x/2 < w/2 && y/2 < h/2
	}

	switch pattern {
	case PatternColorBars:
		barWidth := max(w/8, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				rgb := colorBarsRGB[min(x/barWidth, 7)]
				yv, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
				setLuma(x, y, yv)
				if inChroma(x, y) {
					setChroma(x, y, u, v)
				}
			}
		}
	case PatternGradient:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				setLuma(x, y, uint8(x*255/w))
				if inChroma(x, y) {
					setChroma(x, y, 128, 128)
				}
			}
		}
	case PatternCheckerboard:
		const size = 32
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				val := uint8(16)
				if (x/size+y/size)%2 == 0 {
					val = 235
				}
				setLuma(x, y, val)
				if inChroma(x, y) {
					setChroma(x, y, 128, 128)
				}
			}
		}
	case PatternMovingBox:
		p.Fill(PatternBlack, 0)
		box := max(min(w, h)/4, 2)
		radius := float64(min(w, h)) / 4
		angle := float64(frame) * 0.05
		bx := w/2 + int(radius*math.Cos(angle)) - box/2
		by := h/2 + int(radius*math.Sin(angle)) - box/2
		for y := max(by, 0); y < min(by+box, h); y++ {
			for x := max(bx, 0); x < min(bx+box, w); x++ {
				setLuma(x, y, 235)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				setLuma(x, y, 16)
				if inChroma(x, y) {
					setChroma(x, y, 128, 128)
				}
			}
		}
	}
}

// rgbToYUV converts studio-range RGB to YUV (BT.601).
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clampFloat(yf, 16, 235))
	u = uint8(clampFloat(uf, 16, 240))
	v = uint8(clampFloat(vf, 16, 240))
	return
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
