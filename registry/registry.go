/*Package registry holds the in-memory Channel and Client tables owned by
the Controller.

Channels are created once at startup from configuration and live for the
process lifetime; Clients come and go with connections. Both types embed
a sync.Mutex, following the same embedded-lock idiom the teacher repo
uses on comm.RemoteDevice and fsm.ControlLoop, so that the PID worker can
safely read the handful of fields it needs (monitor_list membership,
pid_on, auto_exposure_on) without racing the Controller goroutine that
owns structural mutation. See DESIGN.md for the field-ownership split
between the Controller and the PID worker.
*/
package registry

import (
	"sync"
	"time"

	"github.com/RemoteEntanglement/Wavemeter-Server/wireproto"
)

// Status is the server's coarse operating mode.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusStarted Status = "started"
	StatusFocused Status = "focused"
)

// Handle is the session layer's back-reference for delivering a framed
// message to one connected client. Implemented by package session; kept
// as a narrow interface here so registry does not import session.
type Handle interface {
	Send(flag byte, command string, data ...wireproto.Value) error
}

// Channel is one logical laser: a fiber-switch position, a DAC output,
// a PID setpoint, and the bookkeeping the PID loop needs to lock it.
//
// Field ownership (see DESIGN.md and spec.md §4.3/§5): the Controller
// goroutine is the sole writer of the structural fields (Name,
// FiberSwitch, DACChannel, TargetFrequency, PP/II/DD/Gain, AutoExposureOn,
// PIDOn, monitor list). The PID worker goroutine writes the measurement
// fields (CurrentFrequency, WeightedFrequency, ExposureTime, Accumulator,
// Proportional, Differentiator, RecentOutputVoltage, CurrentTime); the
// Controller also writes ExposureTime on EXP and RecentOutputVoltage on
// VLT. Both sides take the embedded mutex
// only across the handful of field accesses that cross goroutines, never
// across a measurement or a sleep.
type Channel struct {
	sync.Mutex

	Name         string
	FiberSwitch  int
	DACChannel   int

	TargetFrequency float64

	CurrentFrequency  float64
	WeightedFrequency float64

	ExposureTime int

	PP, II, DD, Gain float64

	Accumulator, Proportional, Differentiator float64

	RecentOutputVoltage float64
	CurrentTime         time.Time

	AutoExposureOn bool
	PIDOn          bool

	monitors *orderedSet
}

// NewChannel builds a Channel with sane zeroed PID state and an empty
// monitor list, ready to be registered with a Controller.
func NewChannel(name string, fiberSwitch, dacChannel int, exposureMs int) *Channel {
	return &Channel{
		Name:         name,
		FiberSwitch:  fiberSwitch,
		DACChannel:   dacChannel,
		ExposureTime: exposureMs,
		monitors:     newOrderedSet(),
	}
}

// AddMonitor adds name to the channel's monitor list. Returns false if
// name was already present (idempotent, matching UON's "add if absent"
// semantics).
func (c *Channel) AddMonitor(name string) bool {
	c.Lock()
	defer c.Unlock()
	return c.monitors.add(name)
}

// RemoveMonitor removes name from the channel's monitor list. If the
// list becomes empty, AutoExposureOn and PIDOn are forced false per
// spec.md §3's invariant. Returns whether the list is now empty.
func (c *Channel) RemoveMonitor(name string) (nowEmpty bool) {
	c.Lock()
	defer c.Unlock()
	c.monitors.remove(name)
	if c.monitors.len() == 0 {
		c.AutoExposureOn = false
		c.PIDOn = false
		return true
	}
	return false
}

// Monitors returns a snapshot copy of the monitor list, in subscription
// order.
func (c *Channel) Monitors() []string {
	c.Lock()
	defer c.Unlock()
	return c.monitors.items()
}

// HasMonitors reports whether the channel currently has at least one
// subscriber, the condition the PID sweep uses to decide whether to
// measure a channel at all.
func (c *Channel) HasMonitors() bool {
	c.Lock()
	defer c.Unlock()
	return c.monitors.len() > 0
}

// IsMonitoredBy reports whether name is currently subscribed.
func (c *Channel) IsMonitoredBy(name string) bool {
	c.Lock()
	defer c.Unlock()
	return c.monitors.contains(name)
}

// Client is one connected session and the channels it has subscribed to.
type Client struct {
	sync.Mutex

	Name     string
	Handle   Handle
	channels *orderedSet
}

// NewClient builds a Client with an empty subscription list.
func NewClient(name string, handle Handle) *Client {
	return &Client{Name: name, Handle: handle, channels: newOrderedSet()}
}

// Subscribe adds ch to the client's channel list.
func (cl *Client) Subscribe(ch string) bool {
	cl.Lock()
	defer cl.Unlock()
	return cl.channels.add(ch)
}

// Unsubscribe removes ch from the client's channel list.
func (cl *Client) Unsubscribe(ch string) bool {
	cl.Lock()
	defer cl.Unlock()
	return cl.channels.remove(ch)
}

// Channels returns a snapshot copy of the client's subscribed channel
// names, in subscription order.
func (cl *Client) Channels() []string {
	cl.Lock()
	defer cl.Unlock()
	return cl.channels.items()
}

// IsSubscribedTo reports whether the client currently subscribes to ch.
func (cl *Client) IsSubscribedTo(ch string) bool {
	cl.Lock()
	defer cl.Unlock()
	return cl.channels.contains(ch)
}

// orderedSet is an insertion-ordered set of strings, used for both
// Channel.monitor_list and Client.channel_list so that fan-out and
// iteration order match the order subscriptions were made, matching the
// original's list-based (not hash-based) bookkeeping.
type orderedSet struct {
	order []string
	index map[string]int
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[string]int)}
}

func (s *orderedSet) add(v string) bool {
	if _, ok := s.index[v]; ok {
		return false
	}
	s.index[v] = len(s.order)
	s.order = append(s.order, v)
	return true
}

func (s *orderedSet) remove(v string) bool {
	i, ok := s.index[v]
	if !ok {
		return false
	}
	s.order = append(s.order[:i], s.order[i+1:]...)
	delete(s.index, v)
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j]] = j
	}
	return true
}

func (s *orderedSet) contains(v string) bool {
	_, ok := s.index[v]
	return ok
}

func (s *orderedSet) len() int { return len(s.order) }

func (s *orderedSet) items() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
