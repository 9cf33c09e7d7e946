package microscopy

import (
	"fmt"
	"os"
	"time"

	iface "AutoFocusServer/interface"
	"AutoFocusServer/storage"
)

// Timing holds the scheduler constants. They are tuned for a specific
// stage and camera; override them per rig.
type Timing struct {
	PauseSpin      time.Duration `json:"pause_spin" yaml:"pause_spin"`
	FirstCheck     time.Duration `json:"first_check" yaml:"first_check"`
	CheckInterval  time.Duration `json:"check_interval" yaml:"check_interval"`
	CheckCap       int           `json:"check_cap" yaml:"check_cap"`
	ConfirmTimeout time.Duration `json:"confirm_timeout" yaml:"confirm_timeout"`
}

func DefaultTiming() Timing {
	return Timing{
		PauseSpin:      200 * time.Millisecond,
		FirstCheck:     100 * time.Millisecond,
		CheckInterval:  100 * time.Millisecond,
		CheckCap:       100,
		ConfirmTimeout: 10 * time.Second,
	}
}

// Config describes one run.
type Config struct {
	Trajectory []iface.StagePoint `json:"trajectory" yaml:"trajectory"`

	Folder    string `json:"folder" yaml:"folder"`
	ClassName string `json:"class_name" yaml:"class_name"`
	Format    string `json:"format" yaml:"format"`
	Channel   string `json:"channel" yaml:"channel"`
	Keep16Bit bool   `json:"keep_16bit" yaml:"keep_16bit"`
	Width     int    `json:"width" yaml:"width"`
	Height    int    `json:"height" yaml:"height"`

	// DelayBefore settles the stage before capture, DelayAfter holds the
	// point after capture before moving on.
	DelayBefore time.Duration `json:"delay_before" yaml:"delay_before"`
	DelayAfter  time.Duration `json:"delay_after" yaml:"delay_after"`

	Autofocus   bool `json:"autofocus" yaml:"autofocus"`
	UseFullScan bool `json:"use_full_scan" yaml:"use_full_scan"`

	LearningMode   bool `json:"learning_mode" yaml:"learning_mode"`
	LearningTarget int  `json:"learning_target" yaml:"learning_target"`

	Timing Timing `json:"timing" yaml:"timing"`
}

func DefaultConfig() Config {
	return Config{
		Folder:         "captures",
		ClassName:      "sample",
		Format:         storage.FormatPNG,
		Channel:        storage.ChannelGray,
		DelayBefore:    300 * time.Millisecond,
		UseFullScan:    true,
		LearningTarget: 20,
		Timing:         DefaultTiming(),
	}
}

// HardwareStatus is what the run needs to know about connected devices.
type HardwareStatus struct {
	StageConnected  bool
	ZConnected      bool
	CameraConnected bool
	ZRange          float64
}

// CaptureOptions is the per-image part of the run configuration.
func (c Config) CaptureOptions() iface.CaptureOptions {
	return iface.CaptureOptions{
		Folder:    c.Folder,
		ClassName: c.ClassName,
		Format:    c.Format,
		Channel:   c.Channel,
		Keep16Bit: c.Keep16Bit,
		Width:     c.Width,
		Height:    c.Height,
	}
}

// Validate reports every problem with the run configuration and the
// hardware it needs.
func (c Config) Validate(hw HardwareStatus) error {
	v := &iface.ValidationError{}
	if len(c.Trajectory) == 0 {
		v.Add("trajectory is empty")
	}
	if c.Folder == "" {
		v.Add("output folder is not set")
	} else if err := checkWritable(c.Folder); err != nil {
		v.Add(fmt.Sprintf("output folder %q is not writable: %v", c.Folder, err))
	}
	switch storage.NormalizeFormat(c.Format) {
	case storage.FormatPNG, storage.FormatJPEG, storage.FormatTIFF, storage.FormatFITS:
	default:
		v.Add(fmt.Sprintf("unsupported image format %q", c.Format))
	}
	switch c.Channel {
	case "", storage.ChannelGray, storage.ChannelRGB, storage.ChannelR, storage.ChannelG, storage.ChannelB:
	default:
		v.Add(fmt.Sprintf("unknown channel %q", c.Channel))
	}
	if c.Width < 0 || c.Height < 0 {
		v.Add("crop size must not be negative")
	}
	if c.DelayBefore < 0 {
		v.Add("delay before capture must not be negative")
	}
	if c.DelayAfter < 0 {
		v.Add("delay after capture must not be negative")
	}
	if c.LearningMode {
		if !c.Autofocus {
			v.Add("learning mode requires autofocus")
		}
		if c.LearningTarget <= 0 {
			v.Add("learning target must be positive")
		}
	}
	t := c.Timing
	if t.PauseSpin <= 0 || t.FirstCheck <= 0 || t.CheckInterval <= 0 {
		v.Add("scheduler intervals must be positive")
	}
	if t.CheckCap <= 0 {
		v.Add("position check cap must be positive")
	}
	if t.ConfirmTimeout <= 0 {
		v.Add("confirmation timeout must be positive")
	}

	if !hw.StageConnected {
		v.Add("stage is not connected")
	}
	if !hw.CameraConnected {
		v.Add("camera is not connected")
	}
	if c.Autofocus {
		if !hw.ZConnected {
			v.Add("autofocus requested but Z axis is not connected")
		} else if hw.ZRange <= 0 {
			v.Add("autofocus requested but Z axis range is unknown")
		}
	}
	return v.Err()
}

// checkWritable creates folder if needed and writes a scratch file in it.
func checkWritable(folder string) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(folder, ".afs-write-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
