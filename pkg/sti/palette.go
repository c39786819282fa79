package sti

import (
	"fmt"
	"image/color"

	"github.com/beam-cloud/ja2/pkg/common"
)

// PaletteOrder selects how the three color channels of a palette are laid
// out on disk.
type PaletteOrder int

const (
	// PaletteAuto detects the order on read and writes PaletteInterleaved.
	PaletteAuto PaletteOrder = iota
	// PaletteInterleaved stores RGB triples, one color after another.
	PaletteInterleaved
	// PalettePlanar stores all red values, then all green, then all blue.
	PalettePlanar
)

func (o PaletteOrder) String() string {
	switch o {
	case PaletteInterleaved:
		return "interleaved"
	case PalettePlanar:
		return "planar"
	default:
		return "auto"
	}
}

// Channel spread up to which a color counts as gray for order detection.
const grayTolerance = 16

func isGray(r, g, b byte) bool {
	lo, hi := r, r
	for _, c := range [...]byte{g, b} {
		if c < lo {
			lo = c
		}
		if c > hi {
			hi = c
		}
	}
	return hi-lo <= grayTolerance
}

// DetectPaletteOrder guesses the channel layout of n palette colors.
//
// Reading a planar palette as interleaved triples groups neighbouring values
// of the same channel, which turns smooth color ramps into near gray colors.
// The palette is taken as planar when the interleaved reading has clearly
// more near gray colors than the planar one. A palette that is exactly gray
// when read interleaved is always interleaved. Pure grayscale palettes are
// ambiguous by nature; callers that know the order should pass it
// explicitly.
func DetectPaletteOrder(b []byte, n int) PaletteOrder {
	if n <= 0 || len(b) < 3*n {
		return PaletteInterleaved
	}

	exact, grayInterleaved, grayPlanar := 0, 0, 0
	for i := 0; i < n; i++ {
		r, g, bl := b[3*i], b[3*i+1], b[3*i+2]
		if r == g && g == bl {
			exact++
		}
		if isGray(r, g, bl) {
			grayInterleaved++
		}
		if isGray(b[i], b[n+i], b[2*n+i]) {
			grayPlanar++
		}
	}

	if exact == n {
		return PaletteInterleaved
	}
	if grayInterleaved-grayPlanar > n/4 {
		return PalettePlanar
	}
	return PaletteInterleaved
}

// ReadPalette decodes n colors from b. PaletteAuto runs DetectPaletteOrder.
func ReadPalette(b []byte, n int, order PaletteOrder) (color.Palette, error) {
	if n > MaxPaletteColors {
		return nil, fmt.Errorf("%w: %d palette colors, at most %d supported", common.ErrFormat, n, MaxPaletteColors)
	}
	if len(b) < 3*n {
		return nil, fmt.Errorf("%w: palette needs %d bytes, got %d", common.ErrFormat, 3*n, len(b))
	}

	if order == PaletteAuto {
		order = DetectPaletteOrder(b, n)
	}

	p := make(color.Palette, n)
	for i := 0; i < n; i++ {
		if order == PalettePlanar {
			p[i] = color.RGBA{R: b[i], G: b[n+i], B: b[2*n+i], A: 0xFF}
		} else {
			p[i] = color.RGBA{R: b[3*i], G: b[3*i+1], B: b[3*i+2], A: 0xFF}
		}
	}
	return p, nil
}

// AppendPalette appends the encoded palette to dst. When padTo is larger
// than the palette, black entries are added up to padTo colors.
func AppendPalette(dst []byte, p color.Palette, order PaletteOrder, padTo int) []byte {
	n := len(p)
	if padTo > n {
		n = padTo
	}

	rgb := make([][3]byte, n)
	for i, c := range p {
		nc := color.NRGBAModel.Convert(c).(color.NRGBA)
		rgb[i] = [3]byte{nc.R, nc.G, nc.B}
	}

	if order == PalettePlanar {
		for ch := 0; ch < 3; ch++ {
			for i := 0; i < n; i++ {
				dst = append(dst, rgb[i][ch])
			}
		}
		return dst
	}

	for i := 0; i < n; i++ {
		dst = append(dst, rgb[i][:]...)
	}
	return dst
}
