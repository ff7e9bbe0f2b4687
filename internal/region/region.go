// Package region implements the shared binary region format: coordinate math
// between world space and region-local space, and packing/unpacking of the
// 6-byte stored pixel.
package region

import (
	"encoding/hex"
	"fmt"
)

// Size is the edge length of a region tile in pixels.
const Size = 128

// PixelBytes is the on-disk width of one stored pixel: 3 color bytes plus a
// 24-bit little-endian owner id.
const PixelBytes = 6

// BlobLen is the total byte length of one region's stored blob.
const BlobLen = Size * Size * PixelBytes

// MaxOwnerID is the largest representable 24-bit owner id (2^24 - 1).
const MaxOwnerID = 1<<24 - 1

// ErrInvalidColor is returned when a color string is not exactly 6 hex
// characters.
var ErrInvalidColor = fmt.Errorf("region: invalid color")

// ErrOwnerOverflow is returned when an owner id does not fit in 24 bits.
var ErrOwnerOverflow = fmt.Errorf("region: owner id overflows 24 bits")

// floorDivMod performs Euclidean division: the remainder is always in
// [0, m) regardless of the sign of a.
func floorDivMod(a, m int32) (q, r int32) {
	q = a / m
	r = a % m
	if r < 0 {
		r += m
		q--
	}
	return q, r
}

// Of returns the region coordinates containing world point (wx, wy).
func Of(wx, wy int32) (rx, ry int32) {
	rx, _ = floorDivMod(wx, Size)
	ry, _ = floorDivMod(wy, Size)
	return rx, ry
}

// LocalOf returns the region-local coordinates of world point (wx, wy); the
// result always lies in [0, Size) x [0, Size).
func LocalOf(wx, wy int32) (lx, ly int32) {
	_, lx = floorDivMod(wx, Size)
	_, ly = floorDivMod(wy, Size)
	return lx, ly
}

// Offset returns the byte offset of local pixel (lx, ly) within a region
// blob.
func Offset(lx, ly int32) int {
	return int(ly*Size+lx) * PixelBytes
}

// PackPixel parses a 6-hex-character color and writes it with a 24-bit
// little-endian owner id into a fresh 6-byte slice.
func PackPixel(colorHex string, ownerID uint32) ([PixelBytes]byte, error) {
	var out [PixelBytes]byte
	if len(colorHex) != 6 {
		return out, ErrInvalidColor
	}
	rgb, err := hex.DecodeString(colorHex)
	if err != nil || len(rgb) != 3 {
		return out, ErrInvalidColor
	}
	if ownerID > MaxOwnerID {
		return out, ErrOwnerOverflow
	}
	copy(out[0:3], rgb)
	out[3] = byte(ownerID)
	out[4] = byte(ownerID >> 8)
	out[5] = byte(ownerID >> 16)
	return out, nil
}

// UnpackPixel returns the RGB bytes and owner id encoded in a 6-byte stored
// pixel.
func UnpackPixel(b [PixelBytes]byte) (r, g, bl byte, ownerID uint32) {
	ownerID = uint32(b[3]) | uint32(b[4])<<8 | uint32(b[5])<<16
	return b[0], b[1], b[2], ownerID
}

// ColorHex renders the RGB bytes of a stored pixel as 6 uppercase hex
// characters.
func ColorHex(r, g, b byte) string {
	return fmt.Sprintf("%02X%02X%02X", r, g, b)
}

// IsValidColorHex reports whether s matches ^[0-9A-Fa-f]{6}$.
func IsValidColorHex(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ZeroBlob returns a freshly zero-initialized region blob.
func ZeroBlob() []byte {
	return make([]byte, BlobLen)
}
