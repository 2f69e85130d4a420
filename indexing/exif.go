package indexing

import (
	"io"

	"github.com/rwcarlsen/goexif/exif"
)

// ReadOrientation returns the EXIF orientation (1..8) of r, or 1 when the
// image carries no EXIF block or an out-of-range value.
func ReadOrientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}
