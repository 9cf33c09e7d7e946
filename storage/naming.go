// Package storage turns captured frames into files: bit-depth and channel
// processing, deterministic names, and PNG/JPEG/TIFF/FITS encoders.
package storage

import (
	"fmt"
	"math"
	"strings"
)

const (
	FormatPNG  = "png"
	FormatJPEG = "jpg"
	FormatTIFF = "tif"
	FormatFITS = "fits"
)

// NormalizeFormat maps aliases onto the canonical extension. Unknown
// formats are returned lower-cased so Save can reject them.
func NormalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	switch f {
	case "", "png":
		return FormatPNG
	case "jpg", "jpeg":
		return FormatJPEG
	case "tif", "tiff":
		return FormatTIFF
	case "fits", "fit", "fts":
		return FormatFITS
	}
	return f
}

// SanitizeClass makes a class label safe to embed in a file name.
func SanitizeClass(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "sample"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

// PointFilename names a plain capture: <class>_p<point>.<ext>.
func PointFilename(class string, point int, format string) string {
	return fmt.Sprintf("%s_p%04d.%s", SanitizeClass(class), point, NormalizeFormat(format))
}

// ObjectFilename names one focused object: <class>_p<point>_o<index>.<ext>.
func ObjectFilename(class string, point, index int, format string) string {
	return fmt.Sprintf("%s_p%04d_o%02d.%s", SanitizeClass(class), point, index, NormalizeFormat(format))
}

// VolumetryFilename names one Z-stack slice by its signed offset from
// BPoF in µm with three decimals, e.g. pollen_vol03_z-2.500um.png.
func VolumetryFilename(class string, index int, offset float64, format string) string {
	if math.Abs(offset) < 0.0005 {
		offset = 0
	}
	return fmt.Sprintf("%s_vol%02d_z%+.3fum.%s", SanitizeClass(class), index, offset, NormalizeFormat(format))
}

// MultiFocalFilename names one frame of a worker batch by batch number and
// offset from BPoF, e.g. sample_mf0002_z+5.000um.png.
func MultiFocalFilename(class string, batch int, offset float64, format string) string {
	if math.Abs(offset) < 0.0005 {
		offset = 0
	}
	return fmt.Sprintf("%s_mf%04d_z%+.3fum.%s", SanitizeClass(class), batch, offset, NormalizeFormat(format))
}
