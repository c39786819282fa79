package sti

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/beam-cloud/ja2/pkg/common"
)

var Magic = [4]byte{'S', 'T', 'C', 'I'}

const (
	HeaderSize          = 64
	FormatHeaderSize    = 20
	SubImageHeaderSize  = 16
	AuxObjectDataSize   = 16
	MaxPaletteColors    = 256
	MaxNormalizedWidth  = 640
	MaxNormalizedHeight = 480
)

type Flags uint32

const (
	FlagTransparent Flags = 1 << iota
	FlagAlpha
	FlagRGB
	FlagIndexed
	FlagZLIB
	FlagETRLE
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// Header is the fixed 64 byte STCI file header.
type Header struct {
	Magic            [4]byte
	InitialSize      uint32
	CompressedSize   uint32
	TransparentColor uint32
	Flags            Flags
	Height           uint16
	Width            uint16
	FormatHeader     [FormatHeaderSize]byte
	ColorDepth       uint8
	_                [3]byte
	AuxDataSize      uint32
	_                [12]byte
}

// IndexedHeader is the format specific header of 8 bit images.
type IndexedHeader struct {
	NumberOfColors uint32
	NumberOfImages uint16
	RedDepth       uint8
	GreenDepth     uint8
	BlueDepth      uint8
	_              [11]byte
}

// RGBHeader is the format specific header of 16 bit images.
type RGBHeader struct {
	RedMask    uint32
	GreenMask  uint32
	BlueMask   uint32
	AlphaMask  uint32
	RedDepth   uint8
	GreenDepth uint8
	BlueDepth  uint8
	AlphaDepth uint8
}

type SubImageHeader struct {
	Offset  uint32
	Length  uint32
	OffsetX uint16
	OffsetY uint16
	Height  uint16
	Width   uint16
}

type AuxFlags uint8

const (
	AuxFullTile AuxFlags = 1 << iota
	AuxAnimatedTile
	AuxDynamicTile
	AuxInteractiveTile
	AuxIgnoresHeight
	AuxUsesLandZ
)

func (f AuxFlags) Has(flag AuxFlags) bool {
	return f&flag == flag
}

// AuxData carries the per sub-image tile and animation bookkeeping.
type AuxData struct {
	WallOrientation   uint8
	NumberOfTiles     uint8
	TileLocationIndex uint16
	_                 [3]byte
	CurrentFrame      uint8
	NumberOfFrames    uint8
	Flags             AuxFlags
	_                 [6]byte
}

func decodeFixed(b []byte, size int, v any) error {
	if len(b) != size {
		return fmt.Errorf("%w: %T needs %d bytes, got %d", common.ErrFormat, v, size, len(b))
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

func encodeFixed(v any) []byte {
	var buf bytes.Buffer
	// Writes into a bytes.Buffer cannot fail for fixed size values.
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func (h *Header) UnmarshalBinary(b []byte) error {
	return decodeFixed(b, HeaderSize, h)
}

func (h *Header) MarshalBinary() ([]byte, error) {
	return encodeFixed(h), nil
}

func (h *IndexedHeader) UnmarshalBinary(b []byte) error {
	return decodeFixed(b, FormatHeaderSize, h)
}

func (h *IndexedHeader) MarshalBinary() ([]byte, error) {
	return encodeFixed(h), nil
}

func (h *RGBHeader) UnmarshalBinary(b []byte) error {
	return decodeFixed(b, FormatHeaderSize, h)
}

func (h *RGBHeader) MarshalBinary() ([]byte, error) {
	return encodeFixed(h), nil
}

func (h *SubImageHeader) UnmarshalBinary(b []byte) error {
	return decodeFixed(b, SubImageHeaderSize, h)
}

func (h *SubImageHeader) MarshalBinary() ([]byte, error) {
	return encodeFixed(h), nil
}

func (a *AuxData) UnmarshalBinary(b []byte) error {
	return decodeFixed(b, AuxObjectDataSize, a)
}

func (a *AuxData) MarshalBinary() ([]byte, error) {
	return encodeFixed(a), nil
}

// validate checks the flag and depth combination of a freshly read header.
func (h *Header) validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: bad magic %q", common.ErrFormat, h.Magic[:])
	}

	rgb, indexed := h.Flags.Has(FlagRGB), h.Flags.Has(FlagIndexed)
	switch {
	case rgb && indexed:
		return fmt.Errorf("%w: both RGB and INDEXED flags set", common.ErrFormat)
	case !rgb && !indexed:
		return fmt.Errorf("%w: neither RGB nor INDEXED flag set", common.ErrFormat)
	}

	if h.Flags.Has(FlagZLIB) {
		return fmt.Errorf("%w: zlib compressed images are not supported", common.ErrFormat)
	}

	if rgb {
		if h.ColorDepth != 16 {
			return fmt.Errorf("%w: RGB image with %d bit depth", common.ErrFormat, h.ColorDepth)
		}
		if h.Flags.Has(FlagETRLE) {
			return fmt.Errorf("%w: ETRLE compression on RGB image", common.ErrFormat)
		}
		if h.AuxDataSize != 0 {
			return fmt.Errorf("%w: aux data on RGB image", common.ErrFormat)
		}
	}

	if indexed && h.ColorDepth != 8 {
		return fmt.Errorf("%w: indexed image with %d bit depth", common.ErrFormat, h.ColorDepth)
	}

	return nil
}
