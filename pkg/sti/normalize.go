package sti

import (
	"fmt"
	"image"
	"image/color"

	"github.com/beam-cloud/ja2/pkg/common"
)

// clipBounds returns the smallest canvas rectangle covering every frame.
func clipBounds(clip []*SubImage) image.Rectangle {
	r := image.Rectangle{Min: clip[0].Offset, Max: clip[0].Offset.Add(image.Pt(clip[0].Width(), clip[0].Height()))}
	for _, sub := range clip[1:] {
		if sub.Offset.X < r.Min.X {
			r.Min.X = sub.Offset.X
		}
		if sub.Offset.Y < r.Min.Y {
			r.Min.Y = sub.Offset.Y
		}
		if x := sub.Offset.X + sub.Width(); x > r.Max.X {
			r.Max.X = x
		}
		if y := sub.Offset.Y + sub.Height(); y > r.Max.Y {
			r.Max.Y = y
		}
	}
	return r
}

// Normalize makes every frame of each animation clip the same size and
// places them at the same offset, so the frames can be played back without
// per-frame positioning. Sets without clips are left as they are.
//
// A clip whose combined bounds exceed 640x480 fails with ErrFormat and the
// set is not modified.
func (s *ImageSet) Normalize() error {
	clips := s.Clips()

	bounds := make([]image.Rectangle, len(clips))
	for i, clip := range clips {
		bounds[i] = clipBounds(clip)
		if bounds[i].Dx() > MaxNormalizedWidth || bounds[i].Dy() > MaxNormalizedHeight {
			return fmt.Errorf("%w: clip %d spans %dx%d, larger than %dx%d", common.ErrFormat, i, bounds[i].Dx(), bounds[i].Dy(), MaxNormalizedWidth, MaxNormalizedHeight)
		}
	}

	rendered := make([][]*image.Paletted, len(clips))
	for i, clip := range clips {
		rendered[i] = make([]*image.Paletted, len(clip))
		for j, sub := range clip {
			rendered[i][j] = renderOnCanvas(sub, bounds[i], s.Palette)
		}
	}

	for i, clip := range clips {
		for j, sub := range clip {
			sub.Image = rendered[i][j]
			sub.Offset = bounds[i].Min
		}
	}

	return nil
}

func renderOnCanvas(sub *SubImage, bounds image.Rectangle, palette color.Palette) *image.Paletted {
	canvas := image.NewPaletted(image.Rect(0, 0, bounds.Dx(), bounds.Dy()), palette)
	dx, dy := sub.Offset.X-bounds.Min.X, sub.Offset.Y-bounds.Min.Y
	w := sub.Width()
	for y := 0; y < sub.Height(); y++ {
		src := sub.Image.Pix[y*sub.Image.Stride : y*sub.Image.Stride+w]
		copy(canvas.Pix[(dy+y)*canvas.Stride+dx:], src)
	}
	return canvas
}
