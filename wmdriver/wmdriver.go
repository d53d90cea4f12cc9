/*Package wmdriver defines the vendor wavemeter driver contract (spec.md
§6.2) and provides two implementations: Simulated, a deterministic
in-memory stand-in good for tests and hardware-free operation, and
Networked, built on comm.RemoteDevice for a wavemeter that exposes a raw
TCP control port.

GetFrequency's sentinel values (0, -3, -4) mirror the original
DummyWavemeter/HighFinesse driver contract in original_source/ exactly:
0 means no signal, -3 means underexposed (raise exposure), -4 means
overexposed (lower exposure). These are returned as ordinary float64
values, not errors, since the PID loop needs to distinguish them from a
transport failure (a real error) to decide whether to auto-adjust
exposure.
*/
package wmdriver

import (
	"fmt"
	"sync"

	"github.com/RemoteEntanglement/Wavemeter-Server/comm"
)

// Sentinel GetFrequency readings, grounded in dummy_wavemeter.py /
// wavemeter_controller.py's literal 0/-3/-4 checks.
const (
	NoSignal     = 0.0
	Underexposed = -3.0
	Overexposed  = -4.0
)

// Exposure and switch-settle bounds, in milliseconds, grounded in the
// original's cExposureMin/cExposureMax/switch_delay constants.
const (
	ExposureMin   = 1
	ExposureMax   = 1000
	SwitchDelayMs = 10
)

// Driver is the contract a vendor wavemeter adapter must satisfy.
type Driver interface {
	StartMeasurement() error
	StopMeasurement() error
	SetSwitchChannel(ch int) error
	SetExposure(ch, ms int) error
	GetFrequency(ch int) (float64, error)
}

// Simulated is a deterministic, hardware-free Driver. Reading is a
// pluggable function so tests can script sentinel returns, jumps, and
// steady-state values without a real instrument.
type Simulated struct {
	mu      sync.Mutex
	running bool

	// Reading, if non-nil, is called by GetFrequency for every switch
	// channel to produce the next reading. Defaults to a fixed 300.0 THz
	// for any channel, if left nil.
	Reading func(ch int) (float64, error)

	switchCh int
	exposure map[int]int
}

// NewSimulated builds a Simulated driver with default constant readings.
func NewSimulated() *Simulated {
	return &Simulated{exposure: make(map[int]int)}
}

func (s *Simulated) StartMeasurement() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

func (s *Simulated) StopMeasurement() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *Simulated) SetSwitchChannel(ch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switchCh = ch
	return nil
}

func (s *Simulated) SetExposure(ch, ms int) error {
	if ms < ExposureMin || ms > ExposureMax {
		return fmt.Errorf("wmdriver: exposure %dms out of range [%d,%d]", ms, ExposureMin, ExposureMax)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposure[ch] = ms
	return nil
}

func (s *Simulated) GetFrequency(ch int) (float64, error) {
	s.mu.Lock()
	running := s.running
	fn := s.Reading
	s.mu.Unlock()
	if !running {
		return 0, fmt.Errorf("wmdriver: GetFrequency called while measurement stopped")
	}
	if fn == nil {
		return 300.0, nil
	}
	return fn(ch)
}

// Networked drives a real wavemeter over a raw TCP/serial control port
// via comm.RemoteDevice, for sites where the vendor instrument exposes
// one directly rather than through a USB vendor library. Command
// framing is left to the concrete wire format of the instrument in use;
// this type supplies the Driver methods atop a line-oriented
// SendRecv-style protocol matching the comm package's conventions.
type Networked struct {
	comm.RemoteDevice
}

// NewNetworked builds a Networked driver talking to addr (host:port).
func NewNetworked(addr string) *Networked {
	rd := comm.NewRemoteDevice(addr, false, nil, nil)
	return &Networked{RemoteDevice: rd}
}

func (n *Networked) StartMeasurement() error {
	_, err := n.OpenSendRecvClose([]byte("MEAS:START"))
	return err
}

func (n *Networked) StopMeasurement() error {
	_, err := n.OpenSendRecvClose([]byte("MEAS:STOP"))
	return err
}

func (n *Networked) SetSwitchChannel(ch int) error {
	_, err := n.OpenSendRecvClose([]byte(fmt.Sprintf("SWITCH:CH %d", ch)))
	return err
}

func (n *Networked) SetExposure(ch, ms int) error {
	if ms < ExposureMin || ms > ExposureMax {
		return fmt.Errorf("wmdriver: exposure %dms out of range [%d,%d]", ms, ExposureMin, ExposureMax)
	}
	_, err := n.OpenSendRecvClose([]byte(fmt.Sprintf("EXPOSURE:CH %d %d", ch, ms)))
	return err
}

func (n *Networked) GetFrequency(ch int) (float64, error) {
	resp, err := n.OpenSendRecvClose([]byte(fmt.Sprintf("FREQ? %d", ch)))
	if err != nil {
		return 0, err
	}
	var f float64
	if _, err := fmt.Sscanf(string(resp), "%g", &f); err != nil {
		return 0, fmt.Errorf("wmdriver: could not parse frequency reply %q: %w", resp, err)
	}
	return f, nil
}
