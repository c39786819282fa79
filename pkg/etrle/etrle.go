// Package etrle implements the run-length scheme used by indexed STI
// sprites. Only runs of zero bytes (the transparent palette index) are
// compressed; everything else is stored as literal runs.
package etrle

import (
	"fmt"

	"github.com/beam-cloud/ja2/pkg/common"
)

const (
	zeroRunFlag = 0x80
	lengthMask  = 0x7F

	// MaxRunLength is the longest run a single control byte can describe.
	MaxRunLength = lengthMask
)

// Decompress expands an ETRLE stream. A zero length literal run (0x00) is
// valid and produces no output.
func Decompress(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)*2)

	for i := 0; i < len(data); {
		control := data[i]
		i++

		n := int(control & lengthMask)
		if control&zeroRunFlag != 0 {
			for j := 0; j < n; j++ {
				out = append(out, 0)
			}
			continue
		}

		if i+n > len(data) {
			return nil, fmt.Errorf("%w: not enough data to decompress, need %d literal bytes at %d, have %d", common.ErrCodec, n, i, len(data)-i)
		}
		out = append(out, data[i:i+n]...)
		i += n
	}

	return out, nil
}

// Compress encodes data greedily, switching run type at every transition
// between zero and non-zero bytes.
func Compress(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/MaxRunLength+1)

	for current := 0; current < len(data); {
		zero := data[current] == 0
		n := 0
		for current+n < len(data) && (data[current+n] == 0) == zero && n < MaxRunLength {
			n++
		}

		if zero {
			out = append(out, byte(n)|zeroRunFlag)
		} else {
			out = append(out, byte(n))
			out = append(out, data[current:current+n]...)
		}
		current += n
	}

	return out
}

// CompressRows compresses pix one row at a time and terminates each row
// with a zero length literal run.
func CompressRows(pix []byte, width int) []byte {
	if width <= 0 {
		return nil
	}

	var out []byte
	for y := 0; y+width <= len(pix); y += width {
		out = append(out, Compress(pix[y:y+width])...)
		out = append(out, 0x00)
	}
	return out
}

// DecompressRows expands a row terminated stream and checks that it yields
// exactly width*height bytes.
func DecompressRows(data []byte, width, height int) ([]byte, error) {
	out, err := Decompress(data)
	if err != nil {
		return nil, err
	}

	if len(out) != width*height {
		return nil, fmt.Errorf("%w: decompressed %d bytes, expected %dx%d", common.ErrCodec, len(out), width, height)
	}
	return out, nil
}
