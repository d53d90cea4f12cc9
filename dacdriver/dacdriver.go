/*Package dacdriver defines the DAC output contract (spec.md §6.3), used
by the PID loop to command the laser lock voltage. The interface is
grounded directly in the teacher's mccdaq.DAC.Write(channel int, data
float64) error method signature.
*/
package dacdriver

import (
	"fmt"
	"sync"

	"github.com/RemoteEntanglement/Wavemeter-Server/comm"
)

// Driver is the contract a DAC adapter must satisfy.
type Driver interface {
	SetVoltage(ch int, volts float64) error
}

// Simulated is an in-memory Driver, good for tests and hardware-free
// operation. It records the last commanded voltage per channel.
type Simulated struct {
	mu      sync.Mutex
	voltage map[int]float64
}

// NewSimulated builds a Simulated DAC driver.
func NewSimulated() *Simulated {
	return &Simulated{voltage: make(map[int]float64)}
}

func (s *Simulated) SetVoltage(ch int, volts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voltage[ch] = volts
	return nil
}

// LastVoltage returns the most recently commanded voltage for ch, for
// use in tests.
func (s *Simulated) LastVoltage(ch int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltage[ch]
}

// Networked drives a real DAC over a raw TCP/serial control port via
// comm.RemoteDevice, mirroring mccdaq.DAC's write-only command style.
type Networked struct {
	comm.RemoteDevice
}

// NewNetworked builds a Networked DAC driver talking to addr (host:port).
func NewNetworked(addr string) *Networked {
	rd := comm.NewRemoteDevice(addr, false, nil, nil)
	return &Networked{RemoteDevice: rd}
}

func (n *Networked) SetVoltage(ch int, volts float64) error {
	_, err := n.OpenSendRecvClose([]byte(fmt.Sprintf("DAC:CH %d %f", ch, volts)))
	return err
}
