package storage

import (
	"fmt"
	"image"
	"strings"

	"AutoFocusServer/imgproc"
	iface "AutoFocusServer/interface"

	"gocv.io/x/gocv"
)

const (
	ChannelGray = "gray"
	ChannelRGB  = "rgb"
	ChannelR    = "r"
	ChannelG    = "g"
	ChannelB    = "b"
)

func is16Bit(m gocv.Mat) bool {
	switch m.Type() {
	case gocv.MatTypeCV16UC1, gocv.MatTypeCV16UC3, gocv.MatTypeCV16UC4:
		return true
	}
	return false
}

// ProcessFrame applies bit-depth normalisation and channel selection.
// 16-bit data is kept only when opts.Keep16Bit is set and the format can
// hold it; otherwise it becomes value/256. The result is a new Mat.
func ProcessFrame(frame gocv.Mat, opts iface.CaptureOptions) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), iface.ErrNoFrame
	}
	depth := gocv.NewMat()
	keep := opts.Keep16Bit && NormalizeFormat(opts.Format) != FormatJPEG
	if is16Bit(frame) && !keep {
		imgproc.Downshift16(frame, &depth)
	} else {
		frame.CopyTo(&depth)
	}

	channel := strings.ToLower(strings.TrimSpace(opts.Channel))
	switch channel {
	case "", ChannelRGB:
		return depth, nil
	case ChannelGray:
		if depth.Channels() == 1 {
			return depth, nil
		}
		defer depth.Close()
		gray := gocv.NewMat()
		code := gocv.ColorBGRToGray
		if depth.Channels() == 4 {
			code = gocv.ColorBGRAToGray
		}
		gocv.CvtColor(depth, &gray, code)
		return gray, nil
	case ChannelR, ChannelG, ChannelB:
		if depth.Channels() == 1 {
			return depth, nil
		}
		defer depth.Close()
		planes := gocv.Split(depth)
		idx := map[string]int{ChannelB: 0, ChannelG: 1, ChannelR: 2}[channel]
		out := planes[idx].Clone()
		for _, p := range planes {
			p.Close()
		}
		return out, nil
	}
	depth.Close()
	return gocv.NewMat(), fmt.Errorf("unknown channel %q", opts.Channel)
}

// CropAround cuts a w×h window centred on center, shifted to stay inside
// the frame. A non-positive size returns a full copy.
func CropAround(frame gocv.Mat, center iface.Point2D, w, h int) gocv.Mat {
	cols, rows := frame.Cols(), frame.Rows()
	if w <= 0 || h <= 0 || (w >= cols && h >= rows) {
		return frame.Clone()
	}
	w, h = min(w, cols), min(h, rows)
	x0 := int(center.X) - w/2
	y0 := int(center.Y) - h/2
	x0 = max(0, min(x0, cols-w))
	y0 = max(0, min(y0, rows-h))
	region := frame.Region(image.Rect(x0, y0, x0+w, y0+h))
	defer region.Close()
	return region.Clone()
}
