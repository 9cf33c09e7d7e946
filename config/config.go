// Package config layers the service configuration: built-in defaults, then
// config.yaml, then AFS_ environment variables (AFS_AUTOFOCUS__COARSE_STEP
// sets autofocus.coarse_step).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"AutoFocusServer/autofocus"
	"AutoFocusServer/engine"
	"AutoFocusServer/hardware"
	"AutoFocusServer/microscopy"
	"AutoFocusServer/volumetry"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"gopkg.in/yaml.v3"
)

const (
	FileName  = "config.yaml"
	EnvPrefix = "AFS_"
)

type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCPort int    `json:"grpc_port" yaml:"grpc_port"`
	Mode     string `json:"mode" yaml:"mode"`
}

type Logging struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

type Registry struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Addr     string        `json:"addr" yaml:"addr"`
	Port     int           `json:"port" yaml:"port"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

type Monitor struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Port     int           `json:"port" yaml:"port"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

type Config struct {
	Server     Server            `json:"server" yaml:"server"`
	Logging    Logging           `json:"logging" yaml:"logging"`
	Hardware   hardware.Config   `json:"hardware" yaml:"hardware"`
	Detector   engine.Config     `json:"detector" yaml:"detector"`
	Filter     engine.Thresholds `json:"filter" yaml:"filter"`
	Autofocus  autofocus.Config  `json:"autofocus" yaml:"autofocus"`
	Microscopy microscopy.Config `json:"microscopy" yaml:"microscopy"`
	Volumetry  volumetry.Config  `json:"volumetry" yaml:"volumetry"`
	Registry   Registry          `json:"registry" yaml:"registry"`
	Monitor    Monitor           `json:"monitor" yaml:"monitor"`
}

func Default() Config {
	return Config{
		Server:     Server{Addr: ":8080", GRPCPort: 9090, Mode: "release"},
		Logging:    Logging{Level: "info"},
		Hardware:   hardware.DefaultConfig(),
		Detector:   engine.DefaultConfig(),
		Filter:     engine.DefaultThresholds(),
		Autofocus:  autofocus.DefaultConfig(),
		Microscopy: microscopy.DefaultConfig(),
		Volumetry:  volumetry.DefaultConfig(),
		Registry:   Registry{Addr: "127.0.0.1", Port: 8500, Interval: 5 * time.Second},
		Monitor:    Monitor{Enabled: true, Port: 9100, Interval: 5 * time.Second},
	}
}

// envKey maps AFS_SECTION__FIELD_NAME onto section.field_name.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Load builds the configuration. A missing file is not an error; an empty
// path skips the file layer.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	var c Config
	if err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}
	return c, nil
}

// WriteDefault dumps the defaults as YAML, ready to edit.
func WriteDefault(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return err
	}
	return enc.Close()
}
