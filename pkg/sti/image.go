package sti

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/beam-cloud/ja2/pkg/common"
)

type Mode int

const (
	ModeIndexed Mode = iota
	ModeRGB
)

func (m Mode) String() string {
	if m == ModeRGB {
		return "rgb"
	}
	return "indexed"
}

// Image is either an *ImageSet or a *TrueColorImage.
type Image interface {
	Mode() Mode
	Bounds() image.Rectangle
}

// SubImage is one frame of an indexed sprite. The raster always starts at
// the origin; Offset places it on the canvas.
type SubImage struct {
	Image  *image.Paletted
	Offset image.Point
	Aux    *AuxData
}

// NewSubImage copies img into a raster anchored at the origin.
func NewSubImage(img *image.Paletted, offset image.Point) *SubImage {
	b := img.Bounds()
	raster := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), img.Palette)
	for y := 0; y < b.Dy(); y++ {
		copy(raster.Pix[y*raster.Stride:], img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):img.PixOffset(b.Max.X, b.Min.Y+y)])
	}
	return &SubImage{Image: raster, Offset: offset}
}

func (s *SubImage) Width() int {
	return s.Image.Bounds().Dx()
}

func (s *SubImage) Height() int {
	return s.Image.Bounds().Dy()
}

// ImageSet is an ordered list of sub-images that share one palette.
type ImageSet struct {
	Palette color.Palette
	Width   int
	Height  int
	images  []*SubImage
}

func NewImageSet(palette color.Palette, width, height int, subs ...*SubImage) (*ImageSet, error) {
	if len(palette) > MaxPaletteColors {
		return nil, fmt.Errorf("%w: %d palette colors, at most %d supported", common.ErrFormat, len(palette), MaxPaletteColors)
	}
	if width < 0 || height < 0 || width > math.MaxUint16 || height > math.MaxUint16 {
		return nil, fmt.Errorf("%w: invalid canvas size %dx%d", common.ErrFormat, width, height)
	}

	s := &ImageSet{Palette: palette, Width: width, Height: height}
	for _, sub := range subs {
		if err := s.Append(sub); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ImageSet) Mode() Mode {
	return ModeIndexed
}

func (s *ImageSet) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.Width, s.Height)
}

func (s *ImageSet) Len() int {
	return len(s.images)
}

// Images returns a copy of the sub-image list.
func (s *ImageSet) Images() []*SubImage {
	out := make([]*SubImage, len(s.images))
	copy(out, s.images)
	return out
}

func (s *ImageSet) Append(sub *SubImage) error {
	if err := s.attach(sub); err != nil {
		return err
	}
	s.images = append(s.images, sub)
	return nil
}

func (s *ImageSet) Insert(i int, sub *SubImage) error {
	if i < 0 || i > len(s.images) {
		return fmt.Errorf("insert index %d out of range [0,%d]", i, len(s.images))
	}
	if err := s.attach(sub); err != nil {
		return err
	}
	s.images = append(s.images, nil)
	copy(s.images[i+1:], s.images[i:])
	s.images[i] = sub
	return nil
}

func (s *ImageSet) Remove(sub *SubImage) error {
	for i, existing := range s.images {
		if existing == sub {
			s.images = append(s.images[:i], s.images[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: sub-image is not part of this set", common.ErrNotFound)
}

// attach validates sub against the set and makes it share the set palette.
func (s *ImageSet) attach(sub *SubImage) error {
	if sub == nil || sub.Image == nil {
		return fmt.Errorf("%w: sub-image without raster", common.ErrFormat)
	}

	b := sub.Image.Bounds()
	if b.Min != (image.Point{}) {
		return fmt.Errorf("%w: sub-image raster must start at the origin, got %v", common.ErrFormat, b.Min)
	}
	if b.Dx() > math.MaxUint16 || b.Dy() > math.MaxUint16 {
		return fmt.Errorf("%w: sub-image size %dx%d too large", common.ErrFormat, b.Dx(), b.Dy())
	}
	if sub.Offset.X < 0 || sub.Offset.Y < 0 || sub.Offset.X > math.MaxUint16 || sub.Offset.Y > math.MaxUint16 {
		return fmt.Errorf("%w: sub-image offset %v out of range", common.ErrFormat, sub.Offset)
	}

	if sub.Image.Palette != nil && !samePalette(sub.Image.Palette, s.Palette) {
		return fmt.Errorf("%w: sub-image palette does not match set palette", common.ErrFormat)
	}

	for _, idx := range sub.Image.Pix {
		if int(idx) >= len(s.Palette) {
			return fmt.Errorf("%w: pixel index %d outside palette of %d colors", common.ErrFormat, idx, len(s.Palette))
		}
	}

	sub.Image.Palette = s.Palette
	return nil
}

func samePalette(a, b color.Palette) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ar, ag, ab, aa := a[i].RGBA()
		br, bg, bb, ba := b[i].RGBA()
		if ar != br || ag != bg || ab != bb || aa != ba {
			return false
		}
	}
	return true
}

// Animated reports whether every sub-image carries aux data. Only animated
// sets are grouped into clips.
func (s *ImageSet) Animated() bool {
	if len(s.images) == 0 {
		return false
	}
	for _, sub := range s.images {
		if sub.Aux == nil {
			return false
		}
	}
	return true
}

// ClipStarts returns the indexes at which a new animation clip begins.
func (s *ImageSet) ClipStarts() []int {
	if !s.Animated() {
		return nil
	}

	starts := []int{0}
	for i := 1; i < len(s.images); i++ {
		if s.images[i].Aux.NumberOfFrames != 0 {
			starts = append(starts, i)
		}
	}
	return starts
}

// Clips groups the sub-images into animation clips. A set without aux data
// has no clips.
func (s *ImageSet) Clips() [][]*SubImage {
	starts := s.ClipStarts()
	if starts == nil {
		return nil
	}

	clips := make([][]*SubImage, len(starts))
	for i, start := range starts {
		end := len(s.images)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		clips[i] = append([]*SubImage(nil), s.images[start:end]...)
	}
	return clips
}

// TrueColorImage is a single 16 bit image. Masks and Depths are red,
// green, blue and alpha in that order.
type TrueColorImage struct {
	Image            *image.NRGBA
	Masks            [4]uint32
	Depths           [4]uint8
	TransparentColor uint32
}

var (
	DefaultRGBMasks  = [4]uint32{0xF800, 0x07E0, 0x001F, 0}
	DefaultRGBDepths = [4]uint8{5, 6, 5, 0}
)

// NewTrueColorImage wraps img with the default 565 channel layout.
func NewTrueColorImage(img *image.NRGBA) *TrueColorImage {
	return &TrueColorImage{Image: img, Masks: DefaultRGBMasks, Depths: DefaultRGBDepths}
}

func (t *TrueColorImage) Mode() Mode {
	return ModeRGB
}

func (t *TrueColorImage) Bounds() image.Rectangle {
	return t.Image.Bounds()
}
