package engine

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	iface "AutoFocusServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// specimenFrame draws dark disks on a bright field.
func specimenFrame(radii ...int) gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(225, 225, 225, 0), 320, 480, gocv.MatTypeCV8UC1)
	x := 70
	for _, r := range radii {
		gocv.Circle(&m, image.Pt(x, 160), r, color.RGBA{35, 35, 35, 0}, -1)
		x += 2*r + 40
	}
	return m
}

func assertContract(t *testing.T, objects []iface.DetectedObject) {
	t.Helper()
	for i, obj := range objects {
		assert.Equal(t, i, obj.Index)
		assert.Greater(t, obj.Area, 0.0)
		assert.GreaterOrEqual(t, obj.Probability, 0.0)
		assert.LessOrEqual(t, obj.Probability, 1.0)
		assert.GreaterOrEqual(t, obj.Circularity, 0.0)
		assert.LessOrEqual(t, obj.Circularity, 1.0)
		assert.GreaterOrEqual(t, obj.AspectRatio, 0.0)
		assert.LessOrEqual(t, obj.AspectRatio, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, objects[i-1].Area, obj.Area)
		}
	}
}

func TestDetector_All(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("Test Fallback", func(t *testing.T) {
		c := cfg
		c.Backend = BackendSaliency
		c.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
		d := NewDetector(c, nil)
		defer d.Close()
		assert.Equal(t, BackendMorphology, d.Name())
	})

	t.Run("Test Saliency Unavailable", func(t *testing.T) {
		c := cfg
		c.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
		d, err := NewSaliencyEngine(c, nil)
		assert.Nil(t, d)
		assert.ErrorIs(t, err, ErrModelUnavailable)
	})

	t.Run("Test Unknown Backend", func(t *testing.T) {
		c := cfg
		c.Backend = "yolo"
		assert.Equal(t, BackendMorphology, NewDetector(c, nil).Name())
	})

	t.Run("Test Detect", func(t *testing.T) {
		frame := specimenFrame(20, 45, 30)
		defer frame.Close()
		d := NewMorphologyEngine(cfg, nil)

		det, err := d.Detect(frame)
		require.NoError(t, err)
		defer det.Close()

		require.Len(t, det.Objects, 3)
		assertContract(t, det.Objects)
		assert.Equal(t, frame.Rows(), det.Saliency.Rows())
		assert.Equal(t, frame.Cols(), det.Saliency.Cols())
		assert.Equal(t, gocv.MatTypeCV32FC1, det.Saliency.Type())

		largest := det.Objects[0]
		assert.InDelta(t, 150, largest.Centroid.X, 3)
		assert.InDelta(t, 160, largest.Centroid.Y, 3)
		assert.Greater(t, largest.Probability, 0.5)
		assert.Greater(t, largest.Circularity, 0.8)
	})

	t.Run("Test Detect 16 Bit", func(t *testing.T) {
		frame := specimenFrame(30)
		defer frame.Close()
		wide := gocv.NewMat()
		defer wide.Close()
		frame.ConvertToWithParams(&wide, gocv.MatTypeCV16U, 256, 0)

		det, err := NewMorphologyEngine(cfg, nil).Detect(wide)
		require.NoError(t, err)
		defer det.Close()
		require.Len(t, det.Objects, 1)
		assertContract(t, det.Objects)
	})

	t.Run("Test Empty Frame", func(t *testing.T) {
		empty := gocv.NewMat()
		defer empty.Close()
		_, err := NewMorphologyEngine(cfg, nil).Detect(empty)
		assert.ErrorIs(t, err, ErrEmptyFrame)
	})

	t.Run("Test Area Window", func(t *testing.T) {
		frame := specimenFrame(10, 45)
		defer frame.Close()
		c := cfg
		c.MinArea = 1000
		det, err := NewMorphologyEngine(c, nil).Detect(frame)
		require.NoError(t, err)
		defer det.Close()
		require.Len(t, det.Objects, 1)
		assert.Greater(t, det.Objects[0].Area, 1000.0)
	})
}

// Any backend producing a mask and a map goes through extractObjects, so
// the ordering and range guarantees hold for both.
func TestExtractObjectsContract(t *testing.T) {
	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 200, 300, gocv.MatTypeCV8UC1)
	defer mask.Close()
	white := color.RGBA{255, 255, 255, 0}
	gocv.Rectangle(&mask, image.Rect(10, 10, 40, 40), white, -1)
	gocv.Circle(&mask, image.Pt(150, 100), 40, white, -1)
	gocv.Rectangle(&mask, image.Rect(220, 20, 280, 60), white, -1)

	saliency := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0.8, 0, 0, 0), 200, 300, gocv.MatTypeCV32FC1)
	defer saliency.Close()

	objects := extractObjects(mask, saliency, 100, 0)
	require.Len(t, objects, 3)
	assertContract(t, objects)
	for _, obj := range objects {
		assert.InDelta(t, 0.8, obj.Probability, 1e-3)
		assert.NotEmpty(t, obj.Contour)
	}
	assert.InDelta(t, 150, objects[0].Centroid.X, 1)
	assert.InDelta(t, 100, objects[0].Centroid.Y, 1)
	assert.InDelta(t, 25, objects[2].Centroid.X, 1)
	assert.InDelta(t, 25, objects[2].Centroid.Y, 1)
}

func TestMomentCentroid(t *testing.T) {
	fill := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 50, 50, gocv.MatTypeCV8UC1)
	defer fill.Close()
	bbox := image.Rect(10, 20, 30, 24)

	t.Run("empty region falls back to bbox centre", func(t *testing.T) {
		c := momentCentroid(fill, bbox)
		assert.Equal(t, iface.Point2D{X: 20, Y: 22}, c)
	})

	t.Run("filled region", func(t *testing.T) {
		gocv.Rectangle(&fill, image.Rect(0, 0, 9, 9), color.RGBA{255, 255, 255, 0}, -1)
		c := momentCentroid(fill, bbox)
		assert.InDelta(t, 4.5, c.X, 1e-9)
		assert.InDelta(t, 4.5, c.Y, 1e-9)
	})
}

func TestFilterObjects(t *testing.T) {
	objects := []iface.DetectedObject{
		{Index: 0, Area: 9000, Circularity: 0.8, AspectRatio: 0.9},
		{Index: 1, Area: 4000, Circularity: 0.8, AspectRatio: 0.9},
	}

	t.Run("min area selects the larger object", func(t *testing.T) {
		th := Thresholds{MinArea: 5000, MinCircularity: 0.45, MinAspectRatio: 0.4}
		kept := FilterObjects(objects, th)
		require.Len(t, kept, 1)
		assert.Equal(t, 9000.0, kept[0].Area)
	})

	t.Run("idempotent", func(t *testing.T) {
		mixed := append(objects,
			iface.DetectedObject{Index: 2, Area: 6000, Circularity: 0.2, AspectRatio: 0.9},
			iface.DetectedObject{Index: 3, Area: 6000, Circularity: 0.9, AspectRatio: 0.1},
			iface.DetectedObject{Index: 4, Area: 7000, Circularity: 0.5, AspectRatio: 0.5},
		)
		th := DefaultThresholds()
		once := FilterObjects(mixed, th)
		assert.Equal(t, once, FilterObjects(once, th))
	})

	t.Run("gate order does not matter", func(t *testing.T) {
		obj := iface.DetectedObject{Area: 100, Circularity: 0.1, AspectRatio: 0.1}
		ok, reason := Evaluate(obj, DefaultThresholds())
		assert.False(t, ok)
		assert.Contains(t, reason, "area")
		ok, _ = Evaluate(iface.DetectedObject{Area: 1000, Circularity: 0.1, AspectRatio: 0.9}, DefaultThresholds())
		assert.False(t, ok)
		ok, reason = Evaluate(iface.DetectedObject{Area: 1000, Circularity: 0.9, AspectRatio: 0.1}, DefaultThresholds())
		assert.False(t, ok)
		assert.Contains(t, reason, "aspect")
	})

	t.Run("no upper bound when max area is zero", func(t *testing.T) {
		ok, reason := Evaluate(iface.DetectedObject{Area: 1e9, Circularity: 1, AspectRatio: 1}, Thresholds{})
		assert.True(t, ok)
		assert.Empty(t, reason)
	})
}

func TestThresholdStore(t *testing.T) {
	s := NewThresholdStore(DefaultThresholds())
	assert.Equal(t, DefaultThresholds(), s.Get())
	th := s.Get()
	th.MinArea = 5000
	s.Set(th)
	assert.Equal(t, 5000.0, s.Get().MinArea)
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())
	require.NoError(t, Thresholds{}.Validate())

	err := Thresholds{MinArea: -1, MaxArea: 10, MinCircularity: 1.5, MinAspectRatio: -0.1}.Validate()
	var verr *iface.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 3)

	err = Thresholds{MinArea: 100, MaxArea: 50}.Validate()
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"max_area is below min_area"}, verr.Problems)
}

func TestStateName(t *testing.T) {
	assert.Equal(t, "idle", StateName(IDLE))
	assert.Equal(t, "busy", StateName(BUSY))
	assert.Equal(t, "unknown", StateName(42))
}
