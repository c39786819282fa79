package sti

import (
	"errors"
	"image/color"
	"testing"

	"github.com/beam-cloud/ja2/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampPalette builds four hue ramps of 64 shades each.
func rampPalette() color.Palette {
	hues := [][3]int{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 0}}
	var p color.Palette
	for _, h := range hues {
		for s := 0; s < 64; s++ {
			p = append(p, color.RGBA{R: uint8(h[0] * s * 4), G: uint8(h[1] * s * 4), B: uint8(h[2] * s * 4), A: 0xFF})
		}
	}
	return p
}

func grayPalette() color.Palette {
	p := make(color.Palette, 256)
	for i := range p {
		p[i] = color.RGBA{R: uint8(i), G: uint8(i), B: uint8(i), A: 0xFF}
	}
	return p
}

func TestPaletteEncoding(t *testing.T) {
	p := color.Palette{
		color.RGBA{1, 2, 3, 0xFF},
		color.RGBA{4, 5, 6, 0xFF},
	}

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, AppendPalette(nil, p, PaletteInterleaved, 0))
	assert.Equal(t, []byte{1, 4, 2, 5, 3, 6}, AppendPalette(nil, p, PalettePlanar, 0))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0, 0, 0}, AppendPalette(nil, p, PaletteInterleaved, 3))

	decoded, err := ReadPalette([]byte{1, 4, 2, 5, 3, 6}, 2, PalettePlanar)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	_, err = ReadPalette(make([]byte, 3*257), 257, PaletteInterleaved)
	assert.True(t, errors.Is(err, common.ErrFormat))

	_, err = ReadPalette(make([]byte, 5), 2, PaletteInterleaved)
	assert.True(t, errors.Is(err, common.ErrFormat))
}

func TestPaletteNonOpaqueEntries(t *testing.T) {
	p := color.Palette{color.NRGBA{R: 200, G: 100, B: 50, A: 0}}
	assert.Equal(t, []byte{200, 100, 50}, AppendPalette(nil, p, PaletteInterleaved, 0))
}

func TestDetectPaletteOrder(t *testing.T) {
	tests := []struct {
		name     string
		palette  color.Palette
		order    PaletteOrder
		expected PaletteOrder
	}{
		{"color ramps interleaved", rampPalette(), PaletteInterleaved, PaletteInterleaved},
		{"color ramps planar", rampPalette(), PalettePlanar, PalettePlanar},
		{"grayscale interleaved", grayPalette(), PaletteInterleaved, PaletteInterleaved},
		{"primaries", color.Palette{color.RGBA{255, 0, 0, 255}, color.RGBA{0, 255, 0, 255}, color.RGBA{0, 0, 255, 255}}, PaletteInterleaved, PaletteInterleaved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := AppendPalette(nil, tt.palette, tt.order, 0)
			assert.Equal(t, tt.expected, DetectPaletteOrder(b, len(tt.palette)))

			decoded, err := ReadPalette(b, len(tt.palette), PaletteAuto)
			require.NoError(t, err)
			assert.Equal(t, tt.palette, decoded)
		})
	}
}
