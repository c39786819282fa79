package sti

import "math/bits"

// decodeChannel scales the masked bits of a 16 bit pixel to 8 bits. A zero
// mask means the channel is absent and reads as fully saturated.
func decodeChannel(pixel uint16, mask uint32) uint8 {
	if mask == 0 {
		return 0xFF
	}

	v := uint32(pixel) & mask
	shift := 8 - bits.Len32(mask)
	switch {
	case shift > 0:
		v <<= uint(shift)
	case shift < 0:
		v >>= uint(-shift)
	}
	return uint8(v)
}

// encodeChannel truncates an 8 bit value to the width of mask and moves it
// into the mask position.
func encodeChannel(c uint8, mask uint32) uint16 {
	if mask == 0 {
		return 0
	}

	width := bits.OnesCount32(mask)
	v := uint32(c)
	if width < 8 {
		v >>= uint(8 - width)
	}
	return uint16((v << uint(bits.TrailingZeros32(mask))) & mask)
}

func decodePixel(pixel uint16, masks [4]uint32) [4]uint8 {
	return [4]uint8{
		decodeChannel(pixel, masks[0]),
		decodeChannel(pixel, masks[1]),
		decodeChannel(pixel, masks[2]),
		decodeChannel(pixel, masks[3]),
	}
}

func encodePixel(rgba [4]uint8, masks [4]uint32) uint16 {
	var v uint16
	for i, mask := range masks {
		v |= encodeChannel(rgba[i], mask)
	}
	return v
}
