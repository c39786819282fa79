package common

import (
	"bytes"
	"fmt"
)

// EncodeFixedString writes s into a NUL padded field of the given size. The
// field always keeps at least one terminating NUL byte.
func EncodeFixedString(s string, size int) ([]byte, error) {
	if len(s) >= size {
		return nil, fmt.Errorf("%w: string %q does not fit into %d byte field", ErrFormat, s, size)
	}
	out := make([]byte, size)
	copy(out, s)
	return out, nil
}

// DecodeFixedString strips every NUL byte from a fixed width field.
func DecodeFixedString(b []byte) string {
	return string(bytes.ReplaceAll(b, []byte{0}, nil))
}

// PutFixedString is the in-place variant of EncodeFixedString.
func PutFixedString(dst []byte, s string) error {
	if len(s) >= len(dst) {
		return fmt.Errorf("%w: string %q does not fit into %d byte field", ErrFormat, s, len(dst))
	}
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}
