package storage

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	iface "AutoFocusServer/interface"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"golang.org/x/image/tiff"
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "pollen_p0007_o02.png", ObjectFilename("pollen", 7, 2, ""))
	assert.Equal(t, "pollen_p0012.tif", PointFilename("pollen", 12, "tiff"))
	assert.Equal(t, "my_class_p0000_o00.jpg", ObjectFilename("my class", 0, 0, "JPEG"))
	assert.Equal(t, "sample_p0001.fits", PointFilename("", 1, "fits"))

	assert.Equal(t, "pollen_vol00_z-10.000um.png", VolumetryFilename("pollen", 0, -10, "png"))
	assert.Equal(t, "pollen_vol05_z+0.000um.png", VolumetryFilename("pollen", 5, -0.0001, "png"))
	assert.Equal(t, "pollen_vol09_z+2.346um.tif", VolumetryFilename("pollen", 9, 2.3456, "tif"))

	assert.Equal(t, "sample_mf0002_z-5.000um.png", MultiFocalFilename("", 2, -5, "png"))
	assert.Equal(t, "sample_mf0002_z+0.000um.png", MultiFocalFilename("", 2, 0.0002, ""))

	assert.Equal(t, "bmp", NormalizeFormat(".BMP"))
}

func TestProcessFrame(t *testing.T) {
	t.Run("16 bit downshift", func(t *testing.T) {
		m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(51200, 0, 0, 0), 4, 4, gocv.MatTypeCV16UC1)
		defer m.Close()
		out, err := ProcessFrame(m, iface.CaptureOptions{Format: "png"})
		require.NoError(t, err)
		defer out.Close()
		assert.Equal(t, gocv.MatTypeCV8UC1, out.Type())
		assert.Equal(t, uint8(200), out.GetUCharAt(1, 1))
	})

	t.Run("16 bit downshift truncates", func(t *testing.T) {
		m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(25800, 0, 0, 0), 4, 4, gocv.MatTypeCV16UC1)
		defer m.Close()
		out, err := ProcessFrame(m, iface.CaptureOptions{Format: "png"})
		require.NoError(t, err)
		defer out.Close()
		assert.Equal(t, uint8(100), out.GetUCharAt(0, 3))
	})

	t.Run("16 bit kept", func(t *testing.T) {
		m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(51200, 0, 0, 0), 4, 4, gocv.MatTypeCV16UC1)
		defer m.Close()
		out, err := ProcessFrame(m, iface.CaptureOptions{Format: "tif", Keep16Bit: true})
		require.NoError(t, err)
		defer out.Close()
		assert.Equal(t, gocv.MatTypeCV16UC1, out.Type())

		jpg, err := ProcessFrame(m, iface.CaptureOptions{Format: "jpg", Keep16Bit: true})
		require.NoError(t, err)
		defer jpg.Close()
		assert.Equal(t, gocv.MatTypeCV8UC1, jpg.Type())
	})

	t.Run("channel selection", func(t *testing.T) {
		bgr := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 4, 4, gocv.MatTypeCV8UC3)
		defer bgr.Close()
		for channel, want := range map[string]uint8{"r": 30, "g": 20, "b": 10} {
			out, err := ProcessFrame(bgr, iface.CaptureOptions{Channel: channel})
			require.NoError(t, err)
			assert.Equal(t, 1, out.Channels(), channel)
			assert.Equal(t, want, out.GetUCharAt(0, 0), channel)
			out.Close()
		}
		gray, err := ProcessFrame(bgr, iface.CaptureOptions{Channel: "gray"})
		require.NoError(t, err)
		defer gray.Close()
		assert.Equal(t, 1, gray.Channels())

		rgb, err := ProcessFrame(bgr, iface.CaptureOptions{Channel: "rgb"})
		require.NoError(t, err)
		defer rgb.Close()
		assert.Equal(t, 3, rgb.Channels())

		_, err = ProcessFrame(bgr, iface.CaptureOptions{Channel: "uv"})
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		empty := gocv.NewMat()
		defer empty.Close()
		_, err := ProcessFrame(empty, iface.CaptureOptions{})
		assert.ErrorIs(t, err, iface.ErrNoFrame)
	})
}

func TestCropAround(t *testing.T) {
	m := gocv.NewMatWithSize(100, 200, gocv.MatTypeCV8UC1)
	defer m.Close()

	c := CropAround(m, iface.Point2D{X: 5, Y: 5}, 40, 30)
	defer c.Close()
	assert.Equal(t, 40, c.Cols())
	assert.Equal(t, 30, c.Rows())

	full := CropAround(m, iface.Point2D{}, 0, 0)
	defer full.Close()
	assert.Equal(t, 200, full.Cols())

	big := CropAround(m, iface.Point2D{X: 100, Y: 50}, 500, 50)
	defer big.Close()
	assert.Equal(t, 200, big.Cols())
	assert.Equal(t, 50, big.Rows())
}

func gradient16() gocv.Mat {
	m := gocv.NewMatWithSize(8, 16, gocv.MatTypeCV16UC1)
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			m.SetShortAt(y, x, int16(uint16(x*4000)))
		}
	}
	return m
}

func TestWriterSave(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(nil)
	frame := gradient16()
	defer frame.Close()

	t.Run("png", func(t *testing.T) {
		path := filepath.Join(dir, "nested", "a.png")
		require.NoError(t, w.Save(frame, path, iface.CaptureOptions{}))
		back := gocv.IMRead(path, gocv.IMReadUnchanged)
		defer back.Close()
		assert.Equal(t, 16, back.Cols())
		assert.Equal(t, gocv.MatTypeCV8UC1, back.Type())
	})

	t.Run("tiff keeps 16 bit", func(t *testing.T) {
		path := filepath.Join(dir, "a.tif")
		require.NoError(t, w.Save(frame, path, iface.CaptureOptions{Format: "tif", Keep16Bit: true}))
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		img, err := tiff.Decode(f)
		require.NoError(t, err)
		g16, ok := img.(*image.Gray16)
		require.True(t, ok)
		assert.Equal(t, uint16(3*4000), g16.Gray16At(3, 2).Y)
	})

	t.Run("fits", func(t *testing.T) {
		path := filepath.Join(dir, "a.fits")
		require.NoError(t, w.Save(frame, path, iface.CaptureOptions{Keep16Bit: true},
			Meta{Key: "Z_UM", Value: 12.5, Comment: "focus position"}))
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		fits, err := fitsio.Open(f)
		require.NoError(t, err)
		defer fits.Close()
		hdr := fits.HDU(0).Header()
		assert.Equal(t, 16, hdr.Bitpix())
		assert.Equal(t, []int{16, 8}, hdr.Axes())
		require.NotNil(t, hdr.Get("Z_UM"))
		assert.Equal(t, 12.5, hdr.Get("Z_UM").Value)
	})

	t.Run("unsupported", func(t *testing.T) {
		assert.Error(t, w.Save(frame, filepath.Join(dir, "a.bmpx"), iface.CaptureOptions{}))
	})
}

type stubCamera struct {
	frame gocv.Mat
	err   error
}

func (c *stubCamera) CurrentFrame() (gocv.Mat, error) {
	if c.err != nil {
		return gocv.NewMat(), c.err
	}
	return c.frame.Clone(), nil
}

func TestFrameCapturer(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 0, 0, 0), 60, 80, gocv.MatTypeCV8UC1)
	defer frame.Close()
	dir := t.TempDir()

	c := &FrameCapturer{Camera: &stubCamera{frame: frame}, Writer: NewWriter(nil)}
	path, err := c.CaptureImage(context.Background(), iface.CaptureOptions{
		Folder: dir, ClassName: "pollen", Format: "png", Width: 20, Height: 10,
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pollen_p0003.png"), path)
	back := gocv.IMRead(path, gocv.IMReadUnchanged)
	defer back.Close()
	assert.Equal(t, 20, back.Cols())
	assert.Equal(t, 10, back.Rows())

	c.Camera = &stubCamera{err: iface.ErrNoFrame}
	_, err = c.CaptureImage(context.Background(), iface.CaptureOptions{Folder: dir}, 4)
	assert.True(t, errors.Is(err, iface.ErrNoFrame))
}
