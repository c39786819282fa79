package ja2

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/beam-cloud/ja2/pkg/sti"
	"github.com/ericpauley/go-quantize/quantize"
	"github.com/rs/zerolog/log"
)

type STIToPNGOptions struct {
	InputFile string
	// OutputFile defaults to InputFile with a .png extension. Sets of more
	// than one image are written below OutputFile without its extension.
	OutputFile string
	// Normalize renders every animation frame on a canvas shared by its clip.
	Normalize bool
}

type PNGToSTIOptions struct {
	InputFiles []string
	// OutputFile defaults to the first input with a .STI extension.
	OutputFile string
	PadPalette bool
}

// ConvertSTIToPNG writes the images of an STI file as PNG files and
// returns the paths written. Palette index 0 is exported transparent.
func ConvertSTIToPNG(options STIToPNGOptions) ([]string, error) {
	output := options.OutputFile
	if output == "" {
		output = strings.TrimSuffix(options.InputFile, filepath.Ext(options.InputFile)) + ".png"
	}

	data, err := os.ReadFile(options.InputFile)
	if err != nil {
		return nil, err
	}

	img, err := sti.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("unable to decode %s: %w", options.InputFile, err)
	}

	switch img := img.(type) {
	case *sti.TrueColorImage:
		if err := savePNG(output, img.Image); err != nil {
			return nil, err
		}
		return []string{output}, nil
	case *sti.ImageSet:
		return writeImageSet(img, output, options.Normalize)
	default:
		return nil, fmt.Errorf("unsupported image type %T", img)
	}
}

func writeImageSet(set *sti.ImageSet, output string, normalize bool) ([]string, error) {
	if set.Len() == 0 {
		return nil, fmt.Errorf("%s: image set is empty", output)
	}

	if set.Len() == 1 {
		if err := savePNG(output, transparentIndexZero(set.Images()[0].Image)); err != nil {
			return nil, err
		}
		return []string{output}, nil
	}

	baseDir := strings.TrimSuffix(output, filepath.Ext(output))
	if set.Animated() && normalize {
		if err := set.Normalize(); err != nil {
			log.Warn().Err(err).Str("dir", baseDir).Msg("animation not normalized")
		}
	}

	clips := set.Clips()
	if len(clips) <= 1 {
		return writeSequence(set.Images(), baseDir)
	}

	var written []string
	for i, clip := range clips {
		files, err := writeSequence(clip, filepath.Join(baseDir, strconv.Itoa(i)))
		if err != nil {
			return written, err
		}
		written = append(written, files...)
	}
	return written, nil
}

func writeSequence(subs []*sti.SubImage, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	written := make([]string, 0, len(subs))
	for i, sub := range subs {
		target := filepath.Join(dir, strconv.Itoa(i)+".png")
		if err := savePNG(target, transparentIndexZero(sub.Image)); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}

func savePNG(target string, img image.Image) error {
	if err := imgio.Save(target, img, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("unable to write %s: %w", target, err)
	}
	log.Debug().Str("file", target).Msg("wrote png")
	return nil
}

// transparentIndexZero returns img with a palette whose first entry is
// fully transparent. The pixels are shared.
func transparentIndexZero(img *image.Paletted) *image.Paletted {
	if len(img.Palette) == 0 {
		return img
	}

	palette := make(color.Palette, len(img.Palette))
	copy(palette, img.Palette)
	c := color.NRGBAModel.Convert(palette[0]).(color.NRGBA)
	c.A = 0
	palette[0] = c

	out := *img
	out.Palette = palette
	return &out
}

// ConvertPNGToSTI builds an ETRLE compressed indexed STI from one or more
// images. Images that do not share one palette are quantized to a common
// palette whose index 0 is transparent.
func ConvertPNGToSTI(options PNGToSTIOptions) (string, error) {
	if len(options.InputFiles) == 0 {
		return "", fmt.Errorf("no input images")
	}

	output := options.OutputFile
	if output == "" {
		first := options.InputFiles[0]
		output = strings.TrimSuffix(first, filepath.Ext(first)) + ".STI"
	}

	images := make([]image.Image, 0, len(options.InputFiles))
	for _, file := range options.InputFiles {
		img, err := imgio.Open(file)
		if err != nil {
			return "", fmt.Errorf("unable to read %s: %w", file, err)
		}
		images = append(images, img)
	}

	palette, paletted := toSharedPalette(images)

	width, height := 0, 0
	subs := make([]*sti.SubImage, 0, len(paletted))
	for _, p := range paletted {
		sub := sti.NewSubImage(p, image.Point{})
		width = max(width, sub.Width())
		height = max(height, sub.Height())
		subs = append(subs, sub)
	}

	set, err := sti.NewImageSet(palette, width, height, subs...)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	encoder := &sti.Encoder{PadPalette: options.PadPalette}
	if err := encoder.Encode(&buf, set); err != nil {
		return "", err
	}
	if err := os.WriteFile(output, buf.Bytes(), 0644); err != nil {
		return "", err
	}

	log.Debug().Str("file", output).Int("images", len(subs)).Int("colors", len(palette)).Msg("wrote sti")
	return output, nil
}

func toSharedPalette(images []image.Image) (color.Palette, []*image.Paletted) {
	if palette, ok := commonPalette(images); ok {
		out := make([]*image.Paletted, len(images))
		for i, img := range images {
			out[i] = img.(*image.Paletted)
		}
		return palette, out
	}

	q := quantize.MedianCutQuantizer{}
	quantized := q.Quantize(make(color.Palette, 0, sti.MaxPaletteColors-1), stackImages(images))

	palette := make(color.Palette, 0, len(quantized)+1)
	palette = append(palette, color.NRGBA{})
	palette = append(palette, quantized...)

	out := make([]*image.Paletted, len(images))
	for i, img := range images {
		b := img.Bounds()
		p := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), palette)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := img.At(x, y)
				idx := uint8(0)
				if _, _, _, a := c.RGBA(); a >= 0x8000 {
					idx = uint8(1 + quantized.Index(c))
				}
				p.SetColorIndex(x-b.Min.X, y-b.Min.Y, idx)
			}
		}
		out[i] = p
	}
	return palette, out
}

// commonPalette reports the palette shared by all images when every image
// is paletted with the same colors.
func commonPalette(images []image.Image) (color.Palette, bool) {
	first, ok := images[0].(*image.Paletted)
	if !ok || len(first.Palette) > sti.MaxPaletteColors {
		return nil, false
	}

	for _, img := range images[1:] {
		p, ok := img.(*image.Paletted)
		if !ok || len(p.Palette) != len(first.Palette) {
			return nil, false
		}
		for i := range p.Palette {
			if color.NRGBAModel.Convert(p.Palette[i]) != color.NRGBAModel.Convert(first.Palette[i]) {
				return nil, false
			}
		}
	}
	return first.Palette, true
}

// stackImages draws all images below each other so a single palette can
// be computed for the whole set.
func stackImages(images []image.Image) image.Image {
	width, height := 0, 0
	for _, img := range images {
		width = max(width, img.Bounds().Dx())
		height += img.Bounds().Dy()
	}

	stacked := image.NewNRGBA(image.Rect(0, 0, width, height))
	y := 0
	for _, img := range images {
		b := img.Bounds()
		for sy := b.Min.Y; sy < b.Max.Y; sy++ {
			for sx := b.Min.X; sx < b.Max.X; sx++ {
				if _, _, _, a := img.At(sx, sy).RGBA(); a >= 0x8000 {
					stacked.Set(sx-b.Min.X, y+sy-b.Min.Y, img.At(sx, sy))
				}
			}
		}
		y += b.Dy()
	}
	return stacked
}
