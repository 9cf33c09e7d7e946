package engine

import (
	"fmt"
	"sync"

	iface "AutoFocusServer/interface"
)

// Thresholds are the shape and size gates an object must pass before it is
// focused. MaxArea <= 0 disables the upper bound.
type Thresholds struct {
	MinArea        float64 `json:"min_area" yaml:"min_area"`
	MaxArea        float64 `json:"max_area" yaml:"max_area"`
	MinCircularity float64 `json:"min_circularity" yaml:"min_circularity"`
	MinAspectRatio float64 `json:"min_aspect_ratio" yaml:"min_aspect_ratio"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinArea:        500,
		MaxArea:        500000,
		MinCircularity: 0.45,
		MinAspectRatio: 0.4,
	}
}

// Validate reports every out-of-range threshold.
func (t Thresholds) Validate() error {
	v := &iface.ValidationError{}
	if t.MinArea < 0 {
		v.Add("min_area must not be negative")
	}
	if t.MaxArea > 0 && t.MaxArea < t.MinArea {
		v.Add("max_area is below min_area")
	}
	if t.MinCircularity < 0 || t.MinCircularity > 1 {
		v.Add("min_circularity must be within [0, 1]")
	}
	if t.MinAspectRatio < 0 || t.MinAspectRatio > 1 {
		v.Add("min_aspect_ratio must be within [0, 1]")
	}
	return v.Err()
}

// Evaluate applies every gate independently. The reason names the first
// failing gate and is empty when the object passes.
func Evaluate(obj iface.DetectedObject, th Thresholds) (bool, string) {
	switch {
	case obj.Area < th.MinArea:
		return false, fmt.Sprintf("area %.0f below min %.0f", obj.Area, th.MinArea)
	case th.MaxArea > 0 && obj.Area > th.MaxArea:
		return false, fmt.Sprintf("area %.0f above max %.0f", obj.Area, th.MaxArea)
	case obj.Circularity < th.MinCircularity:
		return false, fmt.Sprintf("circularity %.2f below %.2f", obj.Circularity, th.MinCircularity)
	case obj.AspectRatio < th.MinAspectRatio:
		return false, fmt.Sprintf("aspect ratio %.2f below %.2f", obj.AspectRatio, th.MinAspectRatio)
	}
	return true, ""
}

// FilterObjects keeps the objects passing every gate, preserving order.
func FilterObjects(objects []iface.DetectedObject, th Thresholds) []iface.DetectedObject {
	kept := make([]iface.DetectedObject, 0, len(objects))
	for _, obj := range objects {
		if ok, _ := Evaluate(obj, th); ok {
			kept = append(kept, obj)
		}
	}
	return kept
}

// ThresholdStore holds the live thresholds. Writers (the REST API) and
// readers (every predetect) may run concurrently.
type ThresholdStore struct {
	mu sync.RWMutex
	th Thresholds
}

func NewThresholdStore(th Thresholds) *ThresholdStore {
	return &ThresholdStore{th: th}
}

func (s *ThresholdStore) Get() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.th
}

func (s *ThresholdStore) Set(th Thresholds) {
	s.mu.Lock()
	s.th = th
	s.mu.Unlock()
}
