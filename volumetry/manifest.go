package volumetry

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	iface "AutoFocusServer/interface"
)

const ManifestName = "metadata.json"

// Image is one captured plane.
type Image struct {
	Index    int     `json:"index"`
	Filename string  `json:"filename"`
	ZUm      float64 `json:"z_um"`
	OffsetUm float64 `json:"z_offset_um"`
	Score    float64 `json:"score"`
	IsBPoF   bool    `json:"is_bpof"`
}

// ObjectInfo describes the object the stack was taken around.
type ObjectInfo struct {
	Centroid iface.Point2D   `json:"centroid"`
	Area     float64         `json:"area"`
	BBox     image.Rectangle `json:"bbox"`
}

// Manifest is written once at the end of a run and not changed afterwards.
type Manifest struct {
	Timestamp    time.Time  `json:"timestamp"`
	ClassName    string     `json:"class_name"`
	Distribution string     `json:"distribution"`
	ZBPoF        float64    `json:"z_bpof_um"`
	BPoFScore    float64    `json:"bpof_score"`
	ScanMin      float64    `json:"z_scan_min_um"`
	ScanMax      float64    `json:"z_scan_max_um"`
	Object       ObjectInfo `json:"object"`
	Aborted      bool       `json:"aborted"`
	NImages      int        `json:"n_images"`
	Images       []Image    `json:"images"`
}

// WriteManifest writes m as dir/metadata.json and returns the path.
func WriteManifest(dir string, m *Manifest) (string, error) {
	m.NImages = len(m.Images)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &m, nil
}
