/*Package config loads the server's boot-time configuration. It follows
the same koanf-based layering the teacher's cmd/multiserver and
cmd/andorhttp3 binaries use: defaults supplied via structs.Provider,
then overridden by an on-disk YAML file if one is present.
*/
package config

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// ChannelConfig is one [CH<i>] entry from the boot config's channel
// list, the initial seed for package registry's Channel table.
type ChannelConfig struct {
	Name            string  `yaml:"name"`
	FiberSwitch     int     `yaml:"fiberSwitch"`
	DACChannel      int     `yaml:"dacChannel"`
	TargetFrequency float64 `yaml:"targetFrequency"`
	ExposureTimeMs  int     `yaml:"exposureTimeMs"`
	PP              float64 `yaml:"pp"`
	II              float64 `yaml:"ii"`
	DD              float64 `yaml:"dd"`
	Gain            float64 `yaml:"gain"`
}

// PIDConfig seeds pidloop.Config; field names mirror the §4.4 INI
// snapshot's [PID] section keys.
type PIDConfig struct {
	SwitchSafeMs       int     `yaml:"switchSafeMs"`
	AutoExposureStep   float64 `yaml:"autoExposureStep"`
	MaxFrequencyOffset float64 `yaml:"maxFrequencyOffset"`
	MaxFrequencyChange float64 `yaml:"maxFrequencyChange"`
}

// Config is the top-level boot-time configuration for cmd/wavemeterd.
type Config struct {
	// ListenAddr is the TCP address the client protocol listens on.
	ListenAddr string `yaml:"listenAddr"`

	// AdminAddr is the HTTP address the read-only admin surface listens
	// on; empty disables it.
	AdminAddr string `yaml:"adminAddr"`

	// LogLevel is unused by the standard "log" package directly but kept
	// for operator-facing documentation of intended verbosity, matching
	// teacher configs that carry a LogLevel-shaped field even when the
	// binary only uses log.Printf.
	LogLevel string `yaml:"logLevel"`

	// Driver selects which wmdriver/dacdriver implementation to build:
	// "simulated" or "networked".
	Driver string `yaml:"driver"`

	// WavemeterAddr and DACAddr are used only when Driver == "networked".
	WavemeterAddr string `yaml:"wavemeterAddr"`
	DACAddr       string `yaml:"dacAddr"`

	// SnapshotDir is loaded and printed with the rest of the config but is
	// not passed to the Controller: SCF with an empty filename writes
	// <hostname>.ini to the process's working directory, not to SnapshotDir.
	SnapshotDir string `yaml:"snapshotDir"`

	PID      PIDConfig       `yaml:"pid"`
	Channels []ChannelConfig `yaml:"channels"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr: ":9010",
		AdminAddr:  ":9011",
		LogLevel:   "info",
		Driver:     "simulated",
		SnapshotDir: ".",
		PID: PIDConfig{
			SwitchSafeMs:       50,
			AutoExposureStep:   1.5,
			MaxFrequencyOffset: 1.0,
			MaxFrequencyChange: 1.0,
		},
		Channels: []ChannelConfig{
			{Name: "Ch1", FiberSwitch: 1, DACChannel: 0, ExposureTimeMs: 10, Gain: 1},
		},
	}
}

// Load reads path as YAML over top of Default(), matching setupconfig's
// structs.Provider-then-file.Provider layering in the teacher's
// cmd/multiserver and cmd/andorhttp3 mains. A missing file is not an
// error; Default() alone is returned in that case.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return Config{}, err
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
