package sti

import (
	"fmt"
	"io"
	"math"

	"github.com/beam-cloud/ja2/pkg/common"
	"github.com/beam-cloud/ja2/pkg/etrle"
)

// Encoder writes STI files. The zero value writes ETRLE compressed indexed
// images with an interleaved palette of exactly as many colors as the set
// has.
type Encoder struct {
	// PaletteOrder selects the palette layout. PaletteAuto writes
	// PaletteInterleaved.
	PaletteOrder PaletteOrder
	// PadPalette pads the palette to 256 colors, which the game expects.
	PadPalette bool
	// Uncompressed stores raw indexes instead of ETRLE rows.
	Uncompressed bool
}

func Encode(w io.Writer, img Image) error {
	return (&Encoder{}).Encode(w, img)
}

func (e *Encoder) Encode(w io.Writer, img Image) error {
	var (
		out []byte
		err error
	)

	switch img := img.(type) {
	case *ImageSet:
		out, err = e.encodeIndexed(img)
	case *TrueColorImage:
		out, err = e.encodeRGB(img)
	default:
		return fmt.Errorf("%w: cannot encode %T", common.ErrFormat, img)
	}
	if err != nil {
		return err
	}

	_, err = w.Write(out)
	return err
}

// rasterRows copies the rows of a sub-image into one contiguous buffer.
func rasterRows(sub *SubImage) []byte {
	w, h := sub.Width(), sub.Height()
	pix := make([]byte, 0, w*h)
	for y := 0; y < h; y++ {
		row := y * sub.Image.Stride
		pix = append(pix, sub.Image.Pix[row:row+w]...)
	}
	return pix
}

func (e *Encoder) encodeIndexed(set *ImageSet) ([]byte, error) {
	images := set.Images()

	if len(images) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d sub-images, at most %d supported", common.ErrFormat, len(images), math.MaxUint16)
	}
	if len(set.Palette) > MaxPaletteColors {
		return nil, fmt.Errorf("%w: %d palette colors, at most %d supported", common.ErrFormat, len(set.Palette), MaxPaletteColors)
	}

	withAux := 0
	for _, sub := range images {
		if sub.Aux != nil {
			withAux++
		}
	}
	if withAux != 0 && withAux != len(images) {
		return nil, fmt.Errorf("%w: either all or none of the sub-images need aux data, %d of %d have it", common.ErrFormat, withAux, len(images))
	}

	payloads := make([][]byte, len(images))
	subHeaders := make([]SubImageHeader, len(images))
	var total uint64
	for i, sub := range images {
		pix := rasterRows(sub)
		if e.Uncompressed {
			payloads[i] = pix
		} else {
			payloads[i] = etrle.CompressRows(pix, sub.Width())
		}

		subHeaders[i] = SubImageHeader{
			Offset:  uint32(total),
			Length:  uint32(len(payloads[i])),
			OffsetX: uint16(sub.Offset.X),
			OffsetY: uint16(sub.Offset.Y),
			Height:  uint16(sub.Height()),
			Width:   uint16(sub.Width()),
		}
		total += uint64(len(payloads[i]))
		if total > math.MaxUint32 {
			return nil, fmt.Errorf("%w: image data exceeds 4GiB", common.ErrFormat)
		}
	}

	numColors := len(set.Palette)
	if e.PadPalette {
		numColors = MaxPaletteColors
	}

	indexedHeader := IndexedHeader{
		NumberOfColors: uint32(numColors),
		NumberOfImages: uint16(len(images)),
		RedDepth:       8,
		GreenDepth:     8,
		BlueDepth:      8,
	}

	flags := FlagIndexed
	if !e.Uncompressed {
		flags |= FlagETRLE
	}

	header := Header{
		Magic:          Magic,
		InitialSize:    uint32(set.Width * set.Height),
		CompressedSize: uint32(total),
		Flags:          flags,
		Height:         uint16(set.Height),
		Width:          uint16(set.Width),
		ColorDepth:     8,
	}
	copy(header.FormatHeader[:], encodeFixed(&indexedHeader))
	if withAux != 0 {
		header.AuxDataSize = uint32(len(images) * AuxObjectDataSize)
	}

	order := e.PaletteOrder
	if order == PaletteAuto {
		order = PaletteInterleaved
	}

	out := encodeFixed(&header)
	out = AppendPalette(out, set.Palette, order, numColors)
	for i := range subHeaders {
		out = append(out, encodeFixed(&subHeaders[i])...)
	}
	for _, payload := range payloads {
		out = append(out, payload...)
	}
	if withAux != 0 {
		for _, sub := range images {
			out = append(out, encodeFixed(sub.Aux)...)
		}
	}

	return out, nil
}

func (e *Encoder) encodeRGB(img *TrueColorImage) ([]byte, error) {
	masks, depths := img.Masks, img.Depths
	if masks == ([4]uint32{}) {
		masks, depths = DefaultRGBMasks, DefaultRGBDepths
	}

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width > math.MaxUint16 || height > math.MaxUint16 {
		return nil, fmt.Errorf("%w: image size %dx%d too large", common.ErrFormat, width, height)
	}

	rgbHeader := RGBHeader{
		RedMask:    masks[0],
		GreenMask:  masks[1],
		BlueMask:   masks[2],
		AlphaMask:  masks[3],
		RedDepth:   depths[0],
		GreenDepth: depths[1],
		BlueDepth:  depths[2],
		AlphaDepth: depths[3],
	}

	size := uint32(width * height * 2)
	header := Header{
		Magic:            Magic,
		InitialSize:      size,
		CompressedSize:   size,
		TransparentColor: img.TransparentColor,
		Flags:            FlagRGB,
		Height:           uint16(height),
		Width:            uint16(width),
		ColorDepth:       16,
	}
	copy(header.FormatHeader[:], encodeFixed(&rgbHeader))

	out := encodeFixed(&header)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.Image.NRGBAAt(x, y)
			v := encodePixel([4]uint8{c.R, c.G, c.B, c.A}, masks)
			out = append(out, byte(v), byte(v>>8))
		}
	}

	return out, nil
}
