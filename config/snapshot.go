package config

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/RemoteEntanglement/Wavemeter-Server/registry"
)

// Snapshot implements controller.SnapshotWriter structurally; neither
// package imports the other. cmd/wavemeterd constructs a config.Snapshot
// and hands it to controller.New as its SnapshotWriter.
type Snapshot struct {
	PID PIDConfig
}

// WriteSnapshot writes the §4.4 INI document: one [PID] section, then
// one [CH<i>] section per channel in order, using gopkg.in/ini.v1 (none
// of the retrieved example repos parse INI; this is the one dependency
// sourced outside the pack, see DESIGN.md).
func (s Snapshot) WriteSnapshot(path string, channels []*registry.Channel, order []string) error {
	f := ini.Empty()

	pid, err := f.NewSection("PID")
	if err != nil {
		return err
	}
	pid.NewKey("switch safe", fmt.Sprintf("%d", s.PID.SwitchSafeMs))
	pid.NewKey("auto exposure step", fmt.Sprintf("%v", s.PID.AutoExposureStep))
	pid.NewKey("max frequency offset", fmt.Sprintf("%v", s.PID.MaxFrequencyOffset))
	pid.NewKey("max frequency change", fmt.Sprintf("%v", s.PID.MaxFrequencyChange))

	for i, ch := range channels {
		sec, err := f.NewSection(fmt.Sprintf("CH%d", i+1))
		if err != nil {
			return err
		}
		ch.Lock()
		sec.NewKey("name", ch.Name)
		sec.NewKey("fiber switch", fmt.Sprintf("%d", ch.FiberSwitch))
		sec.NewKey("dac channel", fmt.Sprintf("%d", ch.DACChannel))
		sec.NewKey("target frequency", fmt.Sprintf("%v", ch.TargetFrequency))
		sec.NewKey("exposure time", fmt.Sprintf("%d", ch.ExposureTime))
		sec.NewKey("pp", fmt.Sprintf("%v", ch.PP))
		sec.NewKey("ii", fmt.Sprintf("%v", ch.II))
		sec.NewKey("dd", fmt.Sprintf("%v", ch.DD))
		sec.NewKey("gain", fmt.Sprintf("%v", ch.Gain))
		ch.Unlock()
	}

	return f.SaveTo(path)
}

// LoadSnapshot reads back an INI document written by WriteSnapshot,
// returning the PID section and one ChannelConfig per CH<i> section in
// file order (iteration order of sections in a gopkg.in/ini.v1 file
// matches the on-disk order, matching spec.md §4.4's stable-output
// requirement in reverse).
func LoadSnapshot(path string) (PIDConfig, []ChannelConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return PIDConfig{}, nil, err
	}

	var pid PIDConfig
	if sec, err := f.GetSection("PID"); err == nil {
		pid.SwitchSafeMs = sec.Key("switch safe").MustInt(50)
		pid.AutoExposureStep = sec.Key("auto exposure step").MustFloat64(1.5)
		pid.MaxFrequencyOffset = sec.Key("max frequency offset").MustFloat64(1.0)
		pid.MaxFrequencyChange = sec.Key("max frequency change").MustFloat64(1.0)
	}

	var channels []ChannelConfig
	for _, sec := range f.Sections() {
		if len(sec.Name()) < 3 || sec.Name()[:2] != "CH" {
			continue
		}
		channels = append(channels, ChannelConfig{
			Name:            sec.Key("name").MustString(sec.Name()),
			FiberSwitch:     sec.Key("fiber switch").MustInt(0),
			DACChannel:      sec.Key("dac channel").MustInt(0),
			TargetFrequency: sec.Key("target frequency").MustFloat64(0),
			ExposureTimeMs:  sec.Key("exposure time").MustInt(10),
			PP:              sec.Key("pp").MustFloat64(0),
			II:              sec.Key("ii").MustFloat64(0),
			DD:              sec.Key("dd").MustFloat64(0),
			Gain:            sec.Key("gain").MustFloat64(1),
		})
	}
	return pid, channels, nil
}
