package sti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/beam-cloud/ja2/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPalette(n int) color.Palette {
	p := make(color.Palette, n)
	for i := range p {
		p[i] = color.RGBA{R: uint8(i), G: uint8(255 - i), B: uint8(i * 7), A: 0xFF}
	}
	return p
}

func testSubImage(w, h int, seed byte, offset image.Point, aux *AuxData) *SubImage {
	img := image.NewPaletted(image.Rect(0, 0, w, h), nil)
	for i := range img.Pix {
		// Leave some transparent pixels so both run types are exercised.
		if i%3 != 0 {
			img.Pix[i] = seed + byte(i%5)
		}
	}
	return &SubImage{Image: img, Offset: offset, Aux: aux}
}

func encodeToBytes(t *testing.T, e *Encoder, img Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, e.Encode(&buf, img))
	return buf.Bytes()
}

func TestFixedSizes(t *testing.T) {
	assert.Equal(t, HeaderSize, binary.Size(Header{}))
	assert.Equal(t, FormatHeaderSize, binary.Size(IndexedHeader{}))
	assert.Equal(t, FormatHeaderSize, binary.Size(RGBHeader{}))
	assert.Equal(t, SubImageHeaderSize, binary.Size(SubImageHeader{}))
	assert.Equal(t, AuxObjectDataSize, binary.Size(AuxData{}))

	var h Header
	err := h.UnmarshalBinary(make([]byte, HeaderSize-1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrFormat))
}

func TestAuxDataLayout(t *testing.T) {
	aux := AuxData{
		WallOrientation:   1,
		NumberOfTiles:     2,
		TileLocationIndex: 0x0304,
		CurrentFrame:      5,
		NumberOfFrames:    6,
		Flags:             AuxFullTile | AuxUsesLandZ,
	}
	b, err := aux.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 0x04, 0x03, 0, 0, 0, 5, 6, 0x21, 0, 0, 0, 0, 0, 0}, b)

	var decoded AuxData
	require.NoError(t, decoded.UnmarshalBinary(b))
	assert.Equal(t, aux, decoded)
	assert.True(t, decoded.Flags.Has(AuxUsesLandZ))
	assert.False(t, decoded.Flags.Has(AuxAnimatedTile))
}

func TestIndexedRoundTrip(t *testing.T) {
	palette := testPalette(16)
	set, err := NewImageSet(palette, 40, 30,
		testSubImage(10, 4, 1, image.Pt(0, 0), nil),
		testSubImage(200, 2, 3, image.Pt(5, 7), nil),
		testSubImage(3, 9, 8, image.Pt(65535, 1), nil),
	)
	require.NoError(t, err)

	tests := []struct {
		name    string
		encoder *Encoder
		opts    []DecodeOption
	}{
		{"default", &Encoder{}, nil},
		{"planar", &Encoder{PaletteOrder: PalettePlanar}, []DecodeOption{WithPaletteOrder(PalettePlanar)}},
		{"uncompressed", &Encoder{Uncompressed: true}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := encodeToBytes(t, tt.encoder, set)

			img, err := Decode(bytes.NewReader(data), tt.opts...)
			require.NoError(t, err)

			decoded, ok := img.(*ImageSet)
			require.True(t, ok)
			assert.Equal(t, ModeIndexed, decoded.Mode())
			assert.Equal(t, set.Width, decoded.Width)
			assert.Equal(t, set.Height, decoded.Height)
			assert.Equal(t, palette, decoded.Palette)
			assert.False(t, decoded.Animated())
			assert.Nil(t, decoded.Clips())

			require.Equal(t, set.Len(), decoded.Len())
			for i, sub := range decoded.Images() {
				orig := set.Images()[i]
				assert.Equal(t, orig.Offset, sub.Offset)
				assert.Equal(t, orig.Image.Rect, sub.Image.Rect)
				assert.Equal(t, orig.Image.Pix, sub.Image.Pix)
				assert.Nil(t, sub.Aux)
			}
		})
	}
}

func TestIndexedHeaderFields(t *testing.T) {
	set, err := NewImageSet(testPalette(4), 8, 2, testSubImage(2, 2, 1, image.Point{}, nil))
	require.NoError(t, err)

	data := encodeToBytes(t, &Encoder{}, set)

	var h Header
	require.NoError(t, h.UnmarshalBinary(data[:HeaderSize]))
	assert.Equal(t, Magic, h.Magic)
	assert.Equal(t, uint32(16), h.InitialSize)
	assert.Equal(t, FlagIndexed|FlagETRLE, h.Flags)
	assert.Equal(t, uint8(8), h.ColorDepth)
	assert.Equal(t, uint32(0), h.AuxDataSize)

	var ih IndexedHeader
	require.NoError(t, ih.UnmarshalBinary(h.FormatHeader[:]))
	assert.Equal(t, uint32(4), ih.NumberOfColors)
	assert.Equal(t, uint16(1), ih.NumberOfImages)

	var sh SubImageHeader
	shStart := HeaderSize + 3*4
	require.NoError(t, sh.UnmarshalBinary(data[shStart:shStart+SubImageHeaderSize]))
	assert.Equal(t, uint32(0), sh.Offset)
	assert.Equal(t, h.CompressedSize, sh.Length)
	assert.Equal(t, len(data)-shStart-SubImageHeaderSize, int(sh.Length))

	padded := encodeToBytes(t, &Encoder{PadPalette: true}, set)
	require.NoError(t, ih.UnmarshalBinary(padded[24:44]))
	assert.Equal(t, uint32(256), ih.NumberOfColors)
	assert.Equal(t, len(data)+3*(256-4), len(padded))
}

func TestAnimatedRoundTrip(t *testing.T) {
	frames := []uint8{2, 0, 1, 3, 0}
	set, err := NewImageSet(testPalette(32), 100, 100)
	require.NoError(t, err)
	for i, n := range frames {
		aux := &AuxData{NumberOfFrames: n, CurrentFrame: uint8(i), Flags: AuxAnimatedTile}
		require.NoError(t, set.Append(testSubImage(4+i, 3, byte(i), image.Pt(i, 2*i), aux)))
	}

	assert.True(t, set.Animated())
	assert.Equal(t, []int{0, 2, 3}, set.ClipStarts())

	clips := set.Clips()
	require.Len(t, clips, 3)
	assert.Len(t, clips[0], 2)
	assert.Len(t, clips[1], 1)
	assert.Len(t, clips[2], 2)

	data := encodeToBytes(t, &Encoder{}, set)
	img, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)

	decoded := img.(*ImageSet)
	require.Equal(t, len(frames), decoded.Len())
	for i, sub := range decoded.Images() {
		require.NotNil(t, sub.Aux)
		assert.Equal(t, frames[i], sub.Aux.NumberOfFrames)
		assert.Equal(t, uint8(i), sub.Aux.CurrentFrame)
		assert.True(t, sub.Aux.Flags.Has(AuxAnimatedTile))
	}
	assert.Equal(t, []int{0, 2, 3}, decoded.ClipStarts())
}

func TestEncodeRequiresAllOrNoAux(t *testing.T) {
	set, err := NewImageSet(testPalette(8), 10, 10,
		testSubImage(2, 2, 1, image.Point{}, &AuxData{NumberOfFrames: 1}),
		testSubImage(2, 2, 1, image.Point{}, nil),
	)
	require.NoError(t, err)

	err = Encode(&bytes.Buffer{}, set)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrFormat))
	assert.False(t, set.Animated())
}

func TestImageSetMutation(t *testing.T) {
	palette := testPalette(8)
	set, err := NewImageSet(palette, 10, 10)
	require.NoError(t, err)

	a := testSubImage(2, 2, 1, image.Point{}, nil)
	b := testSubImage(2, 2, 2, image.Point{}, nil)
	c := testSubImage(2, 2, 3, image.Point{}, nil)

	require.NoError(t, set.Append(a))
	require.NoError(t, set.Append(c))
	require.NoError(t, set.Insert(1, b))
	assert.Equal(t, []*SubImage{a, b, c}, set.Images())
	require.Error(t, set.Insert(5, b))

	// Images returns a copy.
	set.Images()[0] = nil
	assert.Equal(t, a, set.Images()[0])

	require.NoError(t, set.Remove(b))
	assert.Equal(t, []*SubImage{a, c}, set.Images())
	err = set.Remove(b)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	// Attached rasters share the set palette.
	assert.Equal(t, palette, a.Image.Palette)
}

func TestImageSetAttachValidation(t *testing.T) {
	set, err := NewImageSet(testPalette(4), 10, 10)
	require.NoError(t, err)

	tests := []struct {
		name string
		sub  *SubImage
	}{
		{"nil raster", &SubImage{}},
		{"index outside palette", testSubImage(4, 4, 10, image.Point{}, nil)},
		{"negative offset", testSubImage(1, 1, 0, image.Pt(-1, 0), nil)},
		{"offset too large", testSubImage(1, 1, 0, image.Pt(0, 70000), nil)},
		{"foreign palette", &SubImage{Image: image.NewPaletted(image.Rect(0, 0, 1, 1), testPalette(5))}},
		{"raster not at origin", &SubImage{Image: image.NewPaletted(image.Rect(1, 1, 2, 2), nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := set.Append(tt.sub)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrFormat))
		})
	}
	assert.Equal(t, 0, set.Len())

	_, err = NewImageSet(testPalette(257), 1, 1)
	assert.True(t, errors.Is(err, common.ErrFormat))
}

func TestNewSubImageRebasesBounds(t *testing.T) {
	src := image.NewPaletted(image.Rect(2, 3, 5, 5), testPalette(4))
	src.SetColorIndex(2, 3, 1)
	src.SetColorIndex(4, 4, 3)

	sub := NewSubImage(src, image.Pt(7, 8))
	assert.Equal(t, image.Rect(0, 0, 3, 2), sub.Image.Rect)
	assert.Equal(t, uint8(1), sub.Image.ColorIndexAt(0, 0))
	assert.Equal(t, uint8(3), sub.Image.ColorIndexAt(2, 1))
	assert.Equal(t, image.Pt(7, 8), sub.Offset)
}

func TestDecodeFormatErrors(t *testing.T) {
	set, err := NewImageSet(testPalette(8), 8, 8,
		testSubImage(4, 4, 1, image.Point{}, &AuxData{NumberOfFrames: 1}),
	)
	require.NoError(t, err)
	valid := encodeToBytes(t, &Encoder{}, set)

	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), valid...)
		f(b)
		return b
	}
	setFlags := func(flags Flags) func(b []byte) {
		return func(b []byte) { binary.LittleEndian.PutUint32(b[16:20], uint32(flags)) }
	}

	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"short header", valid[:10], common.ErrFormat},
		{"bad magic", mutate(func(b []byte) { copy(b, "XXXX") }), common.ErrFormat},
		{"rgb and indexed", mutate(setFlags(FlagRGB | FlagIndexed)), common.ErrFormat},
		{"no format flag", mutate(setFlags(FlagETRLE)), common.ErrFormat},
		{"zlib", mutate(setFlags(FlagIndexed | FlagZLIB)), common.ErrFormat},
		{"indexed depth", mutate(func(b []byte) { b[44] = 16 }), common.ErrFormat},
		{"rgb depth", mutate(func(b []byte) { setFlags(FlagRGB)(b); b[44] = 8 }), common.ErrFormat},
		{"aux size", mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[48:52], 15) }), common.ErrFormat},
		{"truncated payload", valid[:HeaderSize+3*8+SubImageHeaderSize+2], common.ErrFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.err), "got %v", err)
		})
	}
}

func TestDecodeTruncatedETRLE(t *testing.T) {
	set, err := NewImageSet(testPalette(4), 2, 1, testSubImage(2, 1, 1, image.Point{}, nil))
	require.NoError(t, err)
	data := encodeToBytes(t, &Encoder{}, set)

	// Claim one more literal byte than the row holds.
	payload := HeaderSize + 3*4 + SubImageHeaderSize
	require.Equal(t, byte(0x81), data[payload])
	data[payload+1]++

	_, err = Decode(bytes.NewReader(data))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrCodec), "got %v", err)
}

func TestRGBChannels(t *testing.T) {
	assert.Equal(t, uint16(0x0000), encodePixel([4]uint8{0x07, 0x03, 0x07, 0xFF}, DefaultRGBMasks))
	assert.Equal(t, uint16(0xFFFF), encodePixel([4]uint8{0xF8, 0xFC, 0xF8, 0xFF}, DefaultRGBMasks))
	assert.Equal(t, [4]uint8{0xF8, 0xFC, 0xF8, 0xFF}, decodePixel(0xFFFF, DefaultRGBMasks))
	assert.Equal(t, [4]uint8{0x10, 0x44, 0xA0, 0xFF}, decodePixel(0x1234, DefaultRGBMasks))

	// A mask wider than 8 bits below bit 8 shifts right.
	assert.Equal(t, uint8(0xFF), decodeChannel(0x01FF, 0x01FF))
	assert.Equal(t, uint8(0xFF), decodeChannel(0x1234, 0))
}

func TestRGBRoundTrip(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	colors := []color.NRGBA{
		{0xF8, 0x00, 0x00, 0xFF}, {0x00, 0xFC, 0x00, 0xFF}, {0x00, 0x00, 0xF8, 0xFF},
		{0x08, 0x04, 0x08, 0xFF}, {0x80, 0x80, 0x80, 0xFF}, {0xF8, 0xFC, 0xF8, 0xFF},
	}
	for i, c := range colors {
		img.SetNRGBA(i%3, i/3, c)
	}
	tc := NewTrueColorImage(img)
	tc.TransparentColor = 0x1F

	data := encodeToBytes(t, &Encoder{}, tc)
	assert.Len(t, data, HeaderSize+3*2*2)

	decoded, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	rgb, ok := decoded.(*TrueColorImage)
	require.True(t, ok)
	assert.Equal(t, ModeRGB, rgb.Mode())
	assert.Equal(t, DefaultRGBMasks, rgb.Masks)
	assert.Equal(t, DefaultRGBDepths, rgb.Depths)
	assert.Equal(t, uint32(0x1F), rgb.TransparentColor)
	assert.Equal(t, img.Pix, rgb.Image.Pix)

	cfg, err := DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, ModeRGB, cfg.Mode)
	assert.Equal(t, 16, cfg.ColorDepth)
}

func TestDecodeConfig(t *testing.T) {
	set, err := NewImageSet(testPalette(8), 20, 10,
		testSubImage(4, 3, 1, image.Pt(1, 2), &AuxData{NumberOfFrames: 2}),
		testSubImage(5, 6, 1, image.Pt(3, 4), &AuxData{}),
	)
	require.NoError(t, err)
	data := encodeToBytes(t, &Encoder{}, set)

	cfg, err := DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, ModeIndexed, cfg.Mode)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 10, cfg.Height)
	assert.Equal(t, 8, cfg.NumberOfColors)
	assert.True(t, cfg.ETRLE)
	assert.True(t, cfg.HasAuxData)
	require.Len(t, cfg.SubImages, 2)
	assert.Equal(t, uint16(5), cfg.SubImages[1].Width)
	assert.Equal(t, uint16(4), cfg.SubImages[1].OffsetY)

	_, err = DecodeConfig(bytes.NewReader(data[:20]))
	assert.True(t, errors.Is(err, common.ErrFormat))
}

func TestNormalize(t *testing.T) {
	set, err := NewImageSet(testPalette(16), 100, 100)
	require.NoError(t, err)

	a := testSubImage(2, 2, 1, image.Pt(10, 10), &AuxData{NumberOfFrames: 2})
	b := testSubImage(3, 1, 2, image.Pt(11, 14), &AuxData{})
	c := testSubImage(1, 1, 3, image.Pt(50, 50), &AuxData{NumberOfFrames: 1})
	for _, sub := range []*SubImage{a, b, c} {
		require.NoError(t, set.Append(sub))
	}
	origA := append([]byte(nil), a.Image.Pix...)
	origB := append([]byte(nil), b.Image.Pix...)

	require.NoError(t, set.Normalize())

	// First clip spans x 10..14, y 10..15.
	for _, sub := range []*SubImage{a, b} {
		assert.Equal(t, image.Pt(10, 10), sub.Offset)
		assert.Equal(t, image.Rect(0, 0, 4, 5), sub.Image.Rect)
	}
	assert.Equal(t, origA[0:2], a.Image.Pix[0:2])
	assert.Equal(t, origA[2:4], a.Image.Pix[4:6])
	assert.Equal(t, make([]byte, 4), a.Image.Pix[16:20])
	assert.Equal(t, origB, b.Image.Pix[4*4+1:4*4+4])

	assert.Equal(t, image.Pt(50, 50), c.Offset)
	assert.Equal(t, image.Rect(0, 0, 1, 1), c.Image.Rect)

	data := encodeToBytes(t, &Encoder{}, set)
	img, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, a.Image.Pix, img.(*ImageSet).Images()[0].Image.Pix)
}

func TestNormalizeRejectsHugeCanvas(t *testing.T) {
	set, err := NewImageSet(testPalette(4), 100, 100,
		testSubImage(2, 2, 1, image.Pt(0, 0), &AuxData{NumberOfFrames: 2}),
		testSubImage(2, 2, 1, image.Pt(65000, 0), &AuxData{}),
	)
	require.NoError(t, err)
	before := set.Images()[1].Image

	err = set.Normalize()
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrFormat))
	assert.Same(t, before, set.Images()[1].Image)
	assert.Equal(t, image.Pt(65000, 0), set.Images()[1].Offset)
}

func TestNormalizeWithoutClips(t *testing.T) {
	set, err := NewImageSet(testPalette(4), 10, 10, testSubImage(2, 2, 1, image.Pt(3, 3), nil))
	require.NoError(t, err)
	require.NoError(t, set.Normalize())
	assert.Equal(t, image.Pt(3, 3), set.Images()[0].Offset)
}
