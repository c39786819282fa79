package sti

import (
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/beam-cloud/ja2/pkg/common"
	"github.com/beam-cloud/ja2/pkg/etrle"
)

type decodeOptions struct {
	paletteOrder PaletteOrder
}

type DecodeOption func(*decodeOptions)

// WithPaletteOrder overrides palette order detection.
func WithPaletteOrder(order PaletteOrder) DecodeOption {
	return func(o *decodeOptions) {
		o.paletteOrder = order
	}
}

// Decode reads a complete STI file. Indexed files decode to *ImageSet and
// 16 bit files to *TrueColorImage.
func Decode(r io.Reader, opts ...DecodeOption) (Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(data, opts...)
}

func DecodeBytes(data []byte, opts ...DecodeOption) (Image, error) {
	options := decodeOptions{paletteOrder: PaletteAuto}
	for _, opt := range opts {
		opt(&options)
	}

	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	if header.Flags.Has(FlagRGB) {
		return decodeRGB(header, data[HeaderSize:])
	}
	return decodeIndexed(header, data, options)
}

func readHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: file too short for header (%d bytes)", common.ErrFormat, len(data))
	}

	header := &Header{}
	if err := header.UnmarshalBinary(data[:HeaderSize]); err != nil {
		return nil, err
	}
	if err := header.validate(); err != nil {
		return nil, err
	}
	return header, nil
}

func decodeRGB(header *Header, body []byte) (*TrueColorImage, error) {
	var rgbHeader RGBHeader
	if err := rgbHeader.UnmarshalBinary(header.FormatHeader[:]); err != nil {
		return nil, err
	}

	width, height := int(header.Width), int(header.Height)
	need := width * height * 2
	if len(body) < need {
		return nil, fmt.Errorf("%w: RGB payload needs %d bytes, got %d", common.ErrFormat, need, len(body))
	}

	masks := [4]uint32{rgbHeader.RedMask, rgbHeader.GreenMask, rgbHeader.BlueMask, rgbHeader.AlphaMask}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		pixel := uint16(body[2*i]) | uint16(body[2*i+1])<<8
		c := decodePixel(pixel, masks)
		copy(img.Pix[4*i:4*i+4], c[:])
	}

	return &TrueColorImage{
		Image:            img,
		Masks:            masks,
		Depths:           [4]uint8{rgbHeader.RedDepth, rgbHeader.GreenDepth, rgbHeader.BlueDepth, rgbHeader.AlphaDepth},
		TransparentColor: header.TransparentColor,
	}, nil
}

func decodeIndexed(header *Header, data []byte, options decodeOptions) (*ImageSet, error) {
	var indexedHeader IndexedHeader
	if err := indexedHeader.UnmarshalBinary(header.FormatHeader[:]); err != nil {
		return nil, err
	}

	numColors := int(indexedHeader.NumberOfColors)
	numImages := int(indexedHeader.NumberOfImages)

	if header.AuxDataSize != 0 && int(header.AuxDataSize) != numImages*AuxObjectDataSize {
		return nil, fmt.Errorf("%w: aux data size %d does not match %d sub-images", common.ErrFormat, header.AuxDataSize, numImages)
	}

	pos := HeaderSize
	palette, err := ReadPalette(data[pos:], numColors, options.paletteOrder)
	if err != nil {
		return nil, err
	}
	pos += 3 * numColors

	if len(data) < pos+numImages*SubImageHeaderSize {
		return nil, fmt.Errorf("%w: truncated sub-image headers", common.ErrFormat)
	}
	subHeaders := make([]SubImageHeader, numImages)
	for i := range subHeaders {
		if err := subHeaders[i].UnmarshalBinary(data[pos : pos+SubImageHeaderSize]); err != nil {
			return nil, err
		}
		pos += SubImageHeaderSize
	}

	dataStart := pos
	dataEnd := 0
	compressed := header.Flags.Has(FlagETRLE)

	set, err := NewImageSet(palette, int(header.Width), int(header.Height))
	if err != nil {
		return nil, err
	}

	subs := make([]*SubImage, numImages)
	for i, sh := range subHeaders {
		start := dataStart + int(sh.Offset)
		end := start + int(sh.Length)
		if end > len(data) {
			return nil, fmt.Errorf("%w: payload of sub-image %d lies outside the file", common.ErrFormat, i)
		}
		if int(sh.Offset)+int(sh.Length) > dataEnd {
			dataEnd = int(sh.Offset) + int(sh.Length)
		}

		width, height := int(sh.Width), int(sh.Height)
		payload := data[start:end]

		var pix []byte
		if compressed {
			pix, err = etrle.DecompressRows(payload, width, height)
			if err != nil {
				return nil, fmt.Errorf("sub-image %d: %w", i, err)
			}
		} else {
			if len(payload) != width*height {
				return nil, fmt.Errorf("%w: raw payload of sub-image %d is %d bytes, expected %dx%d", common.ErrFormat, i, len(payload), width, height)
			}
			pix = append([]byte(nil), payload...)
		}

		subs[i] = &SubImage{
			Image: &image.Paletted{
				Pix:     pix,
				Stride:  width,
				Rect:    image.Rect(0, 0, width, height),
				Palette: palette,
			},
			Offset: image.Pt(int(sh.OffsetX), int(sh.OffsetY)),
		}
	}

	if header.AuxDataSize != 0 {
		auxStart := dataStart + dataEnd
		if auxStart+int(header.AuxDataSize) > len(data) {
			return nil, fmt.Errorf("%w: truncated aux data", common.ErrFormat)
		}
		for i, sub := range subs {
			aux := &AuxData{}
			off := auxStart + i*AuxObjectDataSize
			if err := aux.UnmarshalBinary(data[off : off+AuxObjectDataSize]); err != nil {
				return nil, err
			}
			sub.Aux = aux
		}
	}

	for _, sub := range subs {
		if err := set.Append(sub); err != nil {
			return nil, err
		}
	}

	return set, nil
}

// Config summarizes an STI file without decoding any pixel data.
type Config struct {
	Mode           Mode
	Width          int
	Height         int
	ColorDepth     int
	ETRLE          bool
	HasAuxData     bool
	NumberOfColors int
	SubImages      []SubImageHeader
}

// DecodeConfig reads only the headers of an STI file.
func DecodeConfig(r io.Reader) (Config, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("%w: file too short for header", common.ErrFormat)
		}
		return Config{}, err
	}

	header, err := readHeader(buf)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:       ModeIndexed,
		Width:      int(header.Width),
		Height:     int(header.Height),
		ColorDepth: int(header.ColorDepth),
		ETRLE:      header.Flags.Has(FlagETRLE),
		HasAuxData: header.AuxDataSize != 0,
	}
	if header.Flags.Has(FlagRGB) {
		cfg.Mode = ModeRGB
		return cfg, nil
	}

	var indexedHeader IndexedHeader
	if err := indexedHeader.UnmarshalBinary(header.FormatHeader[:]); err != nil {
		return Config{}, err
	}
	cfg.NumberOfColors = int(indexedHeader.NumberOfColors)

	skip := int64(3 * cfg.NumberOfColors)
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return Config{}, fmt.Errorf("%w: truncated palette", common.ErrFormat)
	}

	headers := make([]byte, int(indexedHeader.NumberOfImages)*SubImageHeaderSize)
	if _, err := io.ReadFull(r, headers); err != nil {
		return Config{}, fmt.Errorf("%w: truncated sub-image headers", common.ErrFormat)
	}

	cfg.SubImages = make([]SubImageHeader, indexedHeader.NumberOfImages)
	for i := range cfg.SubImages {
		b := headers[i*SubImageHeaderSize : (i+1)*SubImageHeaderSize]
		if err := cfg.SubImages[i].UnmarshalBinary(b); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}
