package storage

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"AutoFocusServer/imgproc"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"
	"AutoFocusServer/monitor"

	"github.com/astrogo/fitsio"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"golang.org/x/image/tiff"
)

// Meta is an extra header entry. Only FITS output records it.
type Meta struct {
	Key     string
	Value   any
	Comment string
}

// Writer processes and persists frames. The encoder is chosen from the
// file extension.
type Writer struct {
	log *zap.Logger
}

func NewWriter(log *zap.Logger) *Writer {
	return &Writer{log: logger.OrNop(log)}
}

// Save processes frame per opts and writes it to path, creating the parent
// directory when needed.
func (w *Writer) Save(frame gocv.Mat, path string, opts iface.CaptureOptions, meta ...Meta) error {
	processed, err := ProcessFrame(frame, opts)
	if err != nil {
		return err
	}
	defer processed.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	switch NormalizeFormat(filepath.Ext(path)) {
	case FormatPNG, FormatJPEG:
		if !gocv.IMWrite(path, processed) {
			err = fmt.Errorf("imwrite %s failed", path)
		}
	case FormatTIFF:
		err = writeTIFF(path, processed)
	case FormatFITS:
		err = writeFITS(path, processed, meta)
	default:
		err = fmt.Errorf("unsupported image format %q", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	monitor.ImageSaved()
	w.log.Debug("image saved", zap.String("path", path))
	return nil
}

func writeTIFF(path string, m gocv.Mat) error {
	img, err := toImage(m)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("encode tiff: %w", err)
	}
	return f.Close()
}

// toImage converts a processed Mat into an image.Image, preserving 16-bit
// gray. 16-bit color is reduced to 8 bits.
func toImage(m gocv.Mat) (image.Image, error) {
	if m.Type() == gocv.MatTypeCV16UC1 {
		data, err := m.DataPtrUint16()
		if err != nil {
			return nil, err
		}
		img := image.NewGray16(image.Rect(0, 0, m.Cols(), m.Rows()))
		for i, v := range data {
			img.Pix[2*i] = uint8(v >> 8)
			img.Pix[2*i+1] = uint8(v)
		}
		return img, nil
	}
	if is16Bit(m) {
		eight := gocv.NewMat()
		defer eight.Close()
		imgproc.Downshift16(m, &eight)
		return eight.ToImage()
	}
	return m.ToImage()
}

// writeFITS stores a single 16-bit gray plane with BZERO/BSCALE so the
// unsigned range survives FITS's signed integers. 8-bit input is widened
// by 257 so full scale maps to full scale.
func writeFITS(path string, m gocv.Mat, meta []Meta) error {
	gray := gocv.NewMat()
	defer gray.Close()
	switch m.Channels() {
	case 3:
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(m, &gray, gocv.ColorBGRAToGray)
	default:
		m.CopyTo(&gray)
	}
	wide := gocv.NewMat()
	defer wide.Close()
	if gray.Type() == gocv.MatTypeCV16UC1 {
		gray.CopyTo(&wide)
	} else {
		gray.ConvertToWithParams(&wide, gocv.MatTypeCV16U, 257, 0)
	}
	buffer, err := wide.DataPtrUint16()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(16, []int{wide.Cols(), wide.Rows()})
	defer im.Close()
	cards := []fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
	}
	for _, kv := range meta {
		cards = append(cards, fitsio.Card{Name: kv.Key, Value: kv.Value, Comment: kv.Comment})
	}
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	out := make([]int16, len(buffer))
	for i, v := range buffer {
		out[i] = int16(v - 32768)
	}
	if err := im.Write(out); err != nil {
		return err
	}
	return fits.Write(im)
}

// FrameCapturer is the plain-capture collaborator: grab the current frame
// and write it under a point-indexed name.
type FrameCapturer struct {
	Camera iface.Camera
	Writer *Writer
	Log    *zap.Logger
}

func (c *FrameCapturer) CaptureImage(ctx context.Context, opts iface.CaptureOptions, pointIndex int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	frame, err := c.Camera.CurrentFrame()
	if err != nil {
		return "", fmt.Errorf("capture point %d: %w", pointIndex, err)
	}
	defer frame.Close()

	out := frame
	if opts.Width > 0 && opts.Height > 0 {
		center := iface.Point2D{X: float64(frame.Cols()) / 2, Y: float64(frame.Rows()) / 2}
		cropped := CropAround(frame, center, opts.Width, opts.Height)
		defer cropped.Close()
		out = cropped
	}
	path := filepath.Join(opts.Folder, PointFilename(opts.ClassName, pointIndex, opts.Format))
	if err := c.Writer.Save(out, path, opts); err != nil {
		return "", fmt.Errorf("capture point %d: %w", pointIndex, err)
	}
	logger.OrNop(c.Log).Info("point captured", zap.Int("point", pointIndex), zap.String("path", path))
	return path, nil
}
