package shmpool

import "fmt"

// Format is a wl_shm pixel format code.
type Format uint32

const (
	// FormatARGB8888 is 32-bit little-endian ARGB: bytes B, G, R, A.
	FormatARGB8888 Format = 0
	// FormatXRGB8888 is FormatARGB8888 with the alpha byte ignored.
	FormatXRGB8888 Format = 1
)

// BytesPerPixel returns the pixel size, or 0 for unknown formats.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatARGB8888, FormatXRGB8888:
		return 4
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatARGB8888:
		return "ARGB8888"
	case FormatXRGB8888:
		return "XRGB8888"
	}
	return fmt.Sprintf("Format(%#x)", uint32(f))
}

// toRGBA converts one row of pixels in place to RGBA.
func (f Format) toRGBA(row []byte) {
	for i := 0; i+3 < len(row); i += 4 {
		row[i], row[i+2] = row[i+2], row[i]
		if f == FormatXRGB8888 {
			row[i+3] = 0xff
		}
	}
}
