// Package imgproc holds the stateless image metrics used by detection and
// focus scoring. Every function accepts 8-bit or 16-bit, gray or color input;
// 16-bit data is reduced to 8 bits as value/256 before anything is measured.
package imgproc

import (
	"image"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

const (
	// minMaskPixels is the smallest mask that still yields a usable score.
	minMaskPixels = 10

	adaptiveBlockSize = 51
	adaptiveC         = 5
)

// downshiftBeta offsets the scaled value so convertTo's round-to-nearest
// lands on floor(v/256).
const downshiftBeta = -127.5 / 256.0

// Downshift16 writes src reduced to 8 bits per channel as value/256 into dst.
func Downshift16(src gocv.Mat, dst *gocv.Mat) {
	src.ConvertToWithParams(dst, gocv.MatTypeCV8U, 1.0/256.0, downshiftBeta)
}

// ToGray8 returns a new single-channel 8-bit copy of src.
func ToGray8(src gocv.Mat) gocv.Mat {
	eight := gocv.NewMat()
	switch src.Type() {
	case gocv.MatTypeCV16UC1, gocv.MatTypeCV16UC3, gocv.MatTypeCV16UC4:
		Downshift16(src, &eight)
	default:
		src.CopyTo(&eight)
	}
	var code gocv.ColorConversionCode
	switch eight.Channels() {
	case 3:
		code = gocv.ColorBGRToGray
	case 4:
		code = gocv.ColorBGRAToGray
	default:
		return eight
	}
	gray := gocv.NewMat()
	gocv.CvtColor(eight, &gray, code)
	eight.Close()
	return gray
}

// continuous returns m itself when its data is contiguous, otherwise a
// compact clone. The bool reports whether the caller must Close the result.
func continuous(m gocv.Mat) (gocv.Mat, bool) {
	if m.IsContinuous() {
		return m, false
	}
	return m.Clone(), true
}

func maskBytes(mask *gocv.Mat) ([]byte, func()) {
	if mask == nil || mask.Empty() {
		return nil, func() {}
	}
	m, owned := continuous(*mask)
	data := m.ToBytes()
	return data, func() {
		if owned {
			m.Close()
		}
	}
}

// LaplacianVariance measures second-derivative energy; higher is sharper.
// When mask is non-nil only pixels where mask > 0 contribute, and a mask
// covering fewer than 10 pixels yields 0.
func LaplacianVariance(img gocv.Mat, mask *gocv.Mat, kernelSize int, scale float64) float64 {
	if img.Empty() {
		return 0
	}
	if kernelSize <= 0 {
		kernelSize = 3
	}
	if scale == 0 {
		scale = 1
	}
	gray := ToGray8(img)
	defer gray.Close()

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, kernelSize, scale, 0, gocv.BorderDefault)

	values, err := lap.DataPtrFloat64()
	if err != nil {
		return 0
	}
	m, release := maskBytes(mask)
	defer release()
	if m == nil {
		if len(values) == 0 {
			return 0
		}
		return stat.PopVariance(values, nil)
	}
	if len(m) != len(values) {
		return 0
	}
	selected := make([]float64, 0, len(values)/4)
	for i, v := range values {
		if m[i] != 0 {
			selected = append(selected, v)
		}
	}
	if len(selected) < minMaskPixels {
		return 0
	}
	return stat.PopVariance(selected, nil)
}

// BrennerGradient averages the squared two-pixel horizontal and vertical
// differences. Isolated noise pixels contribute far less than with the
// Laplacian.
func BrennerGradient(img gocv.Mat, mask *gocv.Mat) float64 {
	if img.Empty() {
		return 0
	}
	gray := ToGray8(img)
	defer gray.Close()
	rows, cols := gray.Rows(), gray.Cols()
	p := gray.ToBytes()
	m, release := maskBytes(mask)
	defer release()
	if m != nil && len(m) != len(p) {
		return 0
	}

	var sum float64
	count := 0
	for y := 0; y < rows; y++ {
		row := y * cols
		for x := 0; x < cols; x++ {
			i := row + x
			if m != nil && m[i] == 0 {
				continue
			}
			var s float64
			if x+2 < cols {
				d := float64(p[i+2]) - float64(p[i])
				s += d * d
			}
			if y+2 < rows {
				d := float64(p[i+2*cols]) - float64(p[i])
				s += d * d
			}
			sum += s
			count++
		}
	}
	if m != nil && count < minMaskPixels {
		return 0
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// PreprocessForDetection applies CLAHE followed by a Gaussian blur.
func PreprocessForDetection(img gocv.Mat, clipLimit float64, tileSize, blurSize int) gocv.Mat {
	gray := ToGray8(img)
	defer gray.Close()
	if tileSize <= 0 {
		tileSize = 8
	}
	clahe := gocv.NewCLAHEWithParams(clipLimit, image.Pt(tileSize, tileSize))
	defer clahe.Close()

	equalized := gocv.NewMat()
	clahe.Apply(gray, &equalized)
	if blurSize <= 1 {
		return equalized
	}
	defer equalized.Close()
	k := blurSize | 1
	out := gocv.NewMat()
	gocv.GaussianBlur(equalized, &out, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	return out
}

// BinaryMaskCombined ORs an inverted Otsu threshold with an inverted adaptive
// threshold, so dark specimens on a bright field become 255.
func BinaryMaskCombined(img gocv.Mat) gocv.Mat {
	gray := ToGray8(img)
	defer gray.Close()

	otsu := gocv.NewMat()
	defer otsu.Close()
	gocv.Threshold(gray, &otsu, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)

	block := adaptiveBlockSize
	if side := min(gray.Rows(), gray.Cols()); side < block {
		block = side
		if block%2 == 0 {
			block--
		}
	}
	out := gocv.NewMat()
	if block < 3 {
		otsu.CopyTo(&out)
		return out
	}
	adaptive := gocv.NewMat()
	defer adaptive.Close()
	gocv.AdaptiveThreshold(gray, &adaptive, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinaryInv, block, adaptiveC)
	gocv.BitwiseOr(otsu, adaptive, &out)
	return out
}

// CleanMask runs close → open → dilate to drop speckle and bridge gaps.
// A size of zero skips that step.
func CleanMask(mask gocv.Mat, closeSize, openSize, dilateIters int) gocv.Mat {
	out := mask.Clone()
	if closeSize > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(closeSize, closeSize))
		gocv.MorphologyEx(out, &out, gocv.MorphClose, kernel)
		kernel.Close()
	}
	if openSize > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(openSize, openSize))
		gocv.MorphologyEx(out, &out, gocv.MorphOpen, kernel)
		kernel.Close()
	}
	if dilateIters > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(3, 3))
		for i := 0; i < dilateIters; i++ {
			gocv.Dilate(out, &out, kernel)
		}
		kernel.Close()
	}
	return out
}
