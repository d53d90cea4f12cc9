/*Package controller implements the dispatch state machine described in
spec.md §4.1: a single goroutine consumes WorkItems off a FIFO queue and
is the sole mutator of the channel and client registries. All control
and data commands are handled by an exhaustive switch; anything this
switch does not recognize, or that is illegal in the current state,
gets a NAK back to its originator.

The work queue is a buffered Go channel consumed by one goroutine
(Controller.Run), matching the teacher's single-goroutine-owns-state
idiom (comm.Pool's background goroutine, fsm.ControlLoop) rather than a
direct translation of the original's mutex+condition-variable list.
*/
package controller

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/RemoteEntanglement/Wavemeter-Server/dacdriver"
	"github.com/RemoteEntanglement/Wavemeter-Server/pidloop"
	"github.com/RemoteEntanglement/Wavemeter-Server/registry"
	"github.com/RemoteEntanglement/Wavemeter-Server/util"
	"github.com/RemoteEntanglement/Wavemeter-Server/wireproto"
	"github.com/RemoteEntanglement/Wavemeter-Server/wmdriver"
)

// SpeedOfLight is the conversion constant spec.md §4.1 fixes for TWL's
// wavelength-to-frequency conversion (f = c/λ), matching the original's
// literal SPEED_OF_LIGHT = 299792458.0.
const SpeedOfLight = 299792458.0

// WorkItem is one (control, command, data, originator) tuple consumed
// from the work queue, matching spec.md §4.1's WorkItem exactly. Client
// is the already-deduplicated user name the session layer assigned this
// connection; Handle is that connection's send-back reference, needed
// verbatim for CON (before a Client record exists to look the handle up
// again).
type WorkItem struct {
	Control byte
	Command string
	Data    []wireproto.Value
	Client  string
	Handle  registry.Handle
}

// Controller is the singleton dispatch state machine plus the channel
// and client registries it owns.
type Controller struct {
	mu sync.Mutex // guards status, highPriName, and the clients map

	status      registry.Status
	highPriName string

	channels map[string]*registry.Channel
	order    []string // insertion order, fixed after New

	clients map[string]*registry.Client

	workQueue chan WorkItem

	wm   wmdriver.Driver
	dac  dacdriver.Driver
	loop *pidloop.Loop

	snapshotWriter SnapshotWriter
}

// SnapshotWriter persists the current channel/PID configuration for
// SCF, implemented by package config against gopkg.in/ini.v1.
type SnapshotWriter interface {
	WriteSnapshot(path string, channels []*registry.Channel, order []string) error
}

// New builds a Controller over the given channels (in the order they
// should be iterated for normal-mode sweeps and SCF output) and drivers.
// pidCfg seeds the PID loop's tunable parameters.
func New(channels []*registry.Channel, wm wmdriver.Driver, dac dacdriver.Driver, pidCfg pidloop.Config, snap SnapshotWriter) *Controller {
	c := &Controller{
		status:         registry.StatusStopped,
		channels:       make(map[string]*registry.Channel, len(channels)),
		clients:        make(map[string]*registry.Client),
		workQueue:      make(chan WorkItem, 256),
		wm:             wm,
		dac:            dac,
		snapshotWriter: snap,
	}
	for _, ch := range channels {
		c.channels[ch.Name] = ch
		c.order = append(c.order, ch.Name)
	}
	c.loop = pidloop.New(wm, dac, c, c.fanout, pidCfg)
	return c
}

// Enqueue pushes a WorkItem onto the queue. Control-plane commands are
// sent with a blocking send since losing one would corrupt state; this
// matches spec.md §9's design note. Callers on the session layer that
// want non-blocking best-effort behavior for pure fan-out traffic do not
// call Enqueue at all (fan-out is the Controller's output path, not its
// input path).
func (c *Controller) Enqueue(item WorkItem) {
	c.workQueue <- item
}

// Run is the Controller's single dispatch goroutine; call it once in
// its own goroutine, and run the PID loop's own goroutine alongside it.
func (c *Controller) Run() {
	go c.loop.Run()
	for item := range c.workQueue {
		c.dispatch(item)
	}
}

// PIDLoop exposes the underlying PID worker, e.g. for cmd/wavemeterd to
// wire up shutdown.
func (c *Controller) PIDLoop() *pidloop.Loop { return c.loop }

func (c *Controller) dispatch(item WorkItem) {
	switch item.Control {
	case wireproto.Control:
		c.dispatchControl(item)
	case wireproto.Data:
		c.dispatchData(item)
	default:
		c.nak(item, fmt.Sprintf("unknown control flag %q", item.Control))
	}
}

func (c *Controller) dispatchControl(item WorkItem) {
	switch item.Command {
	case "CON":
		c.handleCON(item)
	case "DCN":
		c.handleDCN(item)
	case "SRT":
		c.handleSRT(item)
	case "STP":
		c.handleSTP(item)
	case "KIL":
		c.handleKIL(item)
	case "UON":
		c.handleUON(item)
	case "UOF":
		c.handleUOF(item)
	case "PON":
		c.handlePONPOF(item, true)
	case "POF":
		c.handlePONPOF(item, false)
	case "FON":
		c.handleFON(item)
	case "FOF":
		c.handleFOF(item, false)
	case "AEN":
		c.handleAENAEF(item, true)
	case "AEF":
		c.handleAENAEF(item, false)
	case "WMS":
		c.handleWMS(item)
	case "SCF":
		c.handleSCF(item)
	default:
		c.nak(item, fmt.Sprintf("unknown control command %q", item.Command))
	}
}

func (c *Controller) dispatchData(item WorkItem) {
	if len(item.Data) == 0 {
		c.nak(item, "missing channel argument")
		return
	}
	chName, err := item.Data[0].AsString()
	if err != nil {
		c.nak(item, "channel argument must be a string")
		return
	}
	ch, ok := c.channels[chName]
	if !ok {
		c.nak(item, fmt.Sprintf("unknown channel %q", chName))
		return
	}

	switch item.Command {
	case "TWL":
		c.handleTWL(item, ch)
	case "TFR":
		c.handleTFR(item, ch)
	case "EXP":
		c.handleEXP(item, ch)
	case "VLT":
		c.handleVLT(item, ch)
	case "PPP":
		c.handlePIDCoeff(item, ch, func(v float64) { ch.Lock(); ch.PP = v; ch.Unlock() })
	case "III":
		c.handlePIDCoeff(item, ch, func(v float64) { ch.Lock(); ch.II = v; ch.Unlock() })
	case "DDD":
		c.handlePIDCoeff(item, ch, func(v float64) { ch.Lock(); ch.DD = v; ch.Unlock() })
	case "GAN":
		c.handlePIDCoeff(item, ch, func(v float64) { ch.Lock(); ch.Gain = v; ch.Unlock() })
	default:
		c.nak(item, fmt.Sprintf("unknown data command %q", item.Command))
	}
}

// --- control commands ---

func (c *Controller) handleCON(item WorkItem) {
	name := item.Client
	c.mu.Lock()
	c.clients[name] = registry.NewClient(name, item.Handle)
	status := c.status
	c.mu.Unlock()
	c.send(item.Handle, "STA", wireproto.Str(string(status)))
}

func (c *Controller) handleDCN(item WorkItem) {
	c.mu.Lock()
	cl, ok := c.clients[item.Client]
	delete(c.clients, item.Client)
	c.mu.Unlock()
	if !ok {
		return // DCN is idempotent; nothing to do
	}
	for _, chName := range cl.Channels() {
		if ch, ok := c.channels[chName]; ok {
			ch.RemoveMonitor(cl.Name)
		}
	}
}

func (c *Controller) handleSRT(item WorkItem) {
	c.mu.Lock()
	status := c.status
	if status == registry.StatusStarted || status == registry.StatusFocused {
		c.mu.Unlock()
		c.send(item.Handle, "STA", wireproto.Str(string(status)))
		return
	}
	if err := c.wm.StartMeasurement(); err != nil {
		c.mu.Unlock()
		log.Printf("controller: StartMeasurement: %v", err)
		c.nak(item, "failed to start wavemeter measurement")
		return
	}
	c.status = registry.StatusStarted
	c.mu.Unlock()
	c.loop.Activate()
	c.broadcast("STA", wireproto.Str(string(registry.StatusStarted)))
}

func (c *Controller) handleSTP(item WorkItem) {
	c.mu.Lock()
	if c.status == registry.StatusStopped {
		c.mu.Unlock()
		c.send(item.Handle, "STA", wireproto.Str(string(registry.StatusStopped)))
		return
	}
	if err := c.wm.StopMeasurement(); err != nil {
		log.Printf("controller: StopMeasurement: %v", err)
	}
	c.status = registry.StatusStopped
	c.highPriName = ""
	c.mu.Unlock()
	c.loop.Deactivate()
	c.broadcast("STA", wireproto.Str(string(registry.StatusStopped)))
}

// handleKIL stops the driver and sets stopped, same as STP, without
// terminating the process; see SPEC_FULL.md §9(b) for why this
// Controller never calls os.Exit itself.
func (c *Controller) handleKIL(item WorkItem) {
	c.handleSTP(item)
}

func (c *Controller) handleUON(item WorkItem) {
	if len(item.Data) == 0 {
		c.nak(item, "missing channel argument")
		return
	}
	chName, err := item.Data[0].AsString()
	if err != nil {
		c.nak(item, "channel argument must be a string")
		return
	}
	ch, ok := c.channels[chName]
	if !ok {
		c.nak(item, fmt.Sprintf("unknown channel %q", chName))
		return
	}
	c.mu.Lock()
	focused := c.highPriName != ""
	isFocusedChannel := c.highPriName == chName
	cl, ok := c.clients[item.Client]
	c.mu.Unlock()
	if !ok {
		c.nak(item, "unknown client")
		return
	}
	if focused && !isFocusedChannel {
		c.nak(item, "server is focused on a different channel")
		return
	}
	ch.AddMonitor(cl.Name)
	cl.Subscribe(chName)
	c.loop.Activate()
}

func (c *Controller) handleUOF(item WorkItem) {
	if len(item.Data) == 0 {
		c.nak(item, "missing channel argument")
		return
	}
	chName, err := item.Data[0].AsString()
	if err != nil {
		c.nak(item, "channel argument must be a string")
		return
	}
	ch, ok := c.channels[chName]
	if !ok {
		c.nak(item, fmt.Sprintf("unknown channel %q", chName))
		return
	}
	c.mu.Lock()
	cl, ok := c.clients[item.Client]
	c.mu.Unlock()
	if !ok {
		c.nak(item, "unknown client")
		return
	}
	ch.RemoveMonitor(cl.Name)
	cl.Unsubscribe(chName)
}

func (c *Controller) handlePONPOF(item WorkItem, on bool) {
	ch, ok := c.channelArg(item)
	if !ok {
		return
	}
	if !c.allowedOnFocusedChannel(ch.Name) {
		c.nak(item, "server is focused on a different channel")
		return
	}
	ch.Lock()
	ch.PIDOn = on
	pp, ii, dd, gain := ch.PP, ch.II, ch.DD, ch.Gain
	ch.Unlock()
	if on {
		c.fanout(ch, "PON", wireproto.Str(ch.Name),
			wireproto.Float(pp), wireproto.Float(ii), wireproto.Float(dd), wireproto.Float(gain))
	} else {
		c.fanout(ch, "POF", wireproto.Str(ch.Name))
	}
}

func (c *Controller) handleFON(item WorkItem) {
	ch, ok := c.channelArg(item)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.status != registry.StatusStarted || c.highPriName != "" {
		c.mu.Unlock()
		c.nak(item, "cannot focus: server not started or already focused")
		return
	}
	c.highPriName = ch.Name
	c.status = registry.StatusFocused
	c.mu.Unlock()
	c.broadcast("FON", wireproto.Str(ch.Name))
}

// handleFOF is also used internally (from the PID loop, via
// InternalFocusOff) when a focused channel loses its last subscriber.
func (c *Controller) handleFOF(item WorkItem, internal bool) {
	var chName string
	if internal {
		chName = item.Client
	} else {
		ch, ok := c.channelArg(item)
		if !ok {
			return
		}
		chName = ch.Name
	}
	c.mu.Lock()
	if c.highPriName != chName {
		c.mu.Unlock()
		if !internal {
			c.nak(item, "channel is not the focused channel")
		}
		return
	}
	c.highPriName = ""
	c.status = registry.StatusStarted
	c.mu.Unlock()
	c.broadcast("FOF", wireproto.Str(chName))
}

func (c *Controller) handleAENAEF(item WorkItem, on bool) {
	ch, ok := c.channelArg(item)
	if !ok {
		return
	}
	if !c.allowedOnFocusedChannel(ch.Name) {
		c.nak(item, "server is focused on a different channel")
		return
	}
	ch.Lock()
	ch.AutoExposureOn = on
	ch.Unlock()
	cmd := "AEF"
	if on {
		cmd = "AEN"
	}
	c.fanout(ch, cmd, wireproto.Str(ch.Name))
}

func (c *Controller) handleWMS(item WorkItem) {
	c.mu.Lock()
	status := c.status
	focused := c.highPriName
	nClients := len(c.clients)
	c.mu.Unlock()
	data := []wireproto.Value{
		wireproto.Str(string(status)),
		wireproto.Str(focused),
		wireproto.Int(int32(nClients)),
	}
	c.send(c.resolveHandle(item), "WMS", data...)
}

func (c *Controller) handleSCF(item WorkItem) {
	path := ""
	if len(item.Data) > 0 {
		if s, err := item.Data[0].AsString(); err == nil {
			path = s
		}
	}
	if path == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "wavemeter"
		}
		path = host + ".ini"
	}
	if c.snapshotWriter == nil {
		c.nak(item, "no snapshot writer configured")
		return
	}
	chs := make([]*registry.Channel, 0, len(c.order))
	for _, name := range c.order {
		chs = append(chs, c.channels[name])
	}
	if err := c.snapshotWriter.WriteSnapshot(path, chs, c.order); err != nil {
		log.Printf("controller: SCF write to %s: %v", path, err)
		c.nak(item, fmt.Sprintf("could not write snapshot: %v", err))
	}
}

// --- data commands ---

func (c *Controller) handleTWL(item WorkItem, ch *registry.Channel) {
	if len(item.Data) < 2 {
		c.nak(item, "missing wavelength argument")
		return
	}
	lambda, err := item.Data[1].AsFloat()
	if err != nil {
		c.nak(item, "wavelength must be numeric")
		return
	}
	if lambda == 0 {
		c.nak(item, "wavelength must be nonzero")
		return
	}
	freq := SpeedOfLight / lambda
	ch.Lock()
	ch.TargetFrequency = freq
	ch.Unlock()
	c.fanout(ch, "TFR", wireproto.Str(ch.Name), wireproto.Float(freq))
}

func (c *Controller) handleTFR(item WorkItem, ch *registry.Channel) {
	v, ok := c.floatArg(item)
	if !ok {
		return
	}
	ch.Lock()
	ch.TargetFrequency = v
	ch.Unlock()
	c.fanout(ch, "TFR", wireproto.Str(ch.Name), wireproto.Float(v))
}

func (c *Controller) handleEXP(item WorkItem, ch *registry.Channel) {
	if len(item.Data) < 2 {
		c.nak(item, "missing exposure argument")
		return
	}
	v, err := item.Data[1].AsInt()
	if err != nil {
		c.nak(item, "exposure must be an integer")
		return
	}
	v = util.ClampInt(v, wmdriver.ExposureMin, wmdriver.ExposureMax)
	ch.Lock()
	ch.ExposureTime = v
	ch.Unlock()
	c.fanout(ch, "EXP", wireproto.Str(ch.Name), wireproto.Int(int32(v)))
}

func (c *Controller) handleVLT(item WorkItem, ch *registry.Channel) {
	v, ok := c.floatArg(item)
	if !ok {
		return
	}
	// spec.md §9(d): recent_output_voltage is set authoritatively first,
	// then the DAC is commanded.
	ch.Lock()
	ch.RecentOutputVoltage = v
	dacCh := ch.DACChannel
	ch.Unlock()
	if err := c.dac.SetVoltage(dacCh, v); err != nil {
		log.Printf("controller: SetVoltage(%d, %f) for %s: %v", dacCh, v, ch.Name, err)
	}
	c.fanout(ch, "VLT", wireproto.Str(ch.Name), wireproto.Float(v))
}

func (c *Controller) handlePIDCoeff(item WorkItem, ch *registry.Channel, apply func(float64)) {
	v, ok := c.floatArg(item)
	if !ok {
		return
	}
	apply(v)
	c.fanout(ch, item.Command, wireproto.Str(ch.Name), wireproto.Float(v))
}

// --- helpers ---

func (c *Controller) channelArg(item WorkItem) (*registry.Channel, bool) {
	if len(item.Data) == 0 {
		c.nak(item, "missing channel argument")
		return nil, false
	}
	chName, err := item.Data[0].AsString()
	if err != nil {
		c.nak(item, "channel argument must be a string")
		return nil, false
	}
	ch, ok := c.channels[chName]
	if !ok {
		c.nak(item, fmt.Sprintf("unknown channel %q", chName))
		return nil, false
	}
	return ch, true
}

func (c *Controller) floatArg(item WorkItem) (float64, bool) {
	if len(item.Data) < 2 {
		c.nak(item, "missing value argument")
		return 0, false
	}
	v, err := item.Data[1].AsFloat()
	if err != nil {
		c.nak(item, "value must be numeric")
		return 0, false
	}
	return v, true
}

// allowedOnFocusedChannel enforces the "PON/AEN on non-focused channel
// while focused" StatusViolation rule shared by PON/POF/AEN/AEF.
func (c *Controller) allowedOnFocusedChannel(chName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highPriName == "" || c.highPriName == chName
}

func (c *Controller) resolveHandle(item WorkItem) registry.Handle {
	if item.Handle != nil {
		return item.Handle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[item.Client]; ok {
		return cl.Handle
	}
	return nil
}

func (c *Controller) nak(item WorkItem, reason string) {
	c.send(c.resolveHandle(item), "NAK", wireproto.Str(reason))
}

func (c *Controller) send(h registry.Handle, command string, data ...wireproto.Value) {
	if h == nil {
		return
	}
	if err := h.Send(wireproto.Control, command, data...); err != nil {
		log.Printf("controller: send %s failed: %v", command, err)
	}
}

// fanout delivers a Data-flag message to every current subscriber of ch.
// It satisfies pidloop.Fanout, and is also used directly by data-command
// handlers for their own fan-out.
func (c *Controller) fanout(ch *registry.Channel, command string, data ...wireproto.Value) {
	names := ch.Monitors()
	c.mu.Lock()
	handles := make([]registry.Handle, 0, len(names))
	for _, n := range names {
		if cl, ok := c.clients[n]; ok {
			handles = append(handles, cl.Handle)
		}
	}
	c.mu.Unlock()
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Send(wireproto.Data, command, data...); err != nil {
			log.Printf("controller: fanout %s failed: %v", command, err)
		}
	}
}

// broadcast delivers a Control-flag message to every connected client.
func (c *Controller) broadcast(command string, data ...wireproto.Value) {
	c.mu.Lock()
	handles := make([]registry.Handle, 0, len(c.clients))
	for _, cl := range c.clients {
		handles = append(handles, cl.Handle)
	}
	c.mu.Unlock()
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Send(wireproto.Control, command, data...); err != nil {
			log.Printf("controller: broadcast %s failed: %v", command, err)
		}
	}
}

// --- pidloop.ChannelSource ---

func (c *Controller) FocusedChannel() (*registry.Channel, bool) {
	c.mu.Lock()
	name := c.highPriName
	c.mu.Unlock()
	if name == "" {
		return nil, false
	}
	ch, ok := c.channels[name]
	return ch, ok
}

func (c *Controller) LowPriChannels() []*registry.Channel {
	out := make([]*registry.Channel, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.channels[name])
	}
	return out
}

func (c *Controller) InternalFocusOff(name string) {
	c.handleFOF(WorkItem{Client: name}, true)
}

func (c *Controller) InternalUpdateExposure(ch *registry.Channel, newExposureMs int) {
	ch.Lock()
	ch.ExposureTime = newExposureMs
	ch.Unlock()
	c.fanout(ch, "EXP", wireproto.Str(ch.Name), wireproto.Int(int32(newExposureMs)))
}

// --- adminhttp.StatusProvider ---

// Status reports a snapshot of the coarse server state, for the
// read-only /status admin endpoint.
func (c *Controller) Status() (status registry.Status, focusedChannel string, numClients int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.highPriName, len(c.clients)
}

// ChannelSnapshot is a read-only view of one channel's public fields,
// independent of package adminhttp so controller has no import on it;
// cmd/wavemeterd adapts this into adminhttp.ChannelSnapshot, which has
// the same field set by construction.
type ChannelSnapshot struct {
	Name              string
	TargetFrequency   float64
	CurrentFrequency  float64
	WeightedFrequency float64
	ExposureTimeMs    int
	PIDOn             bool
	AutoExposureOn    bool
	MonitorCount      int
}

// ChannelSnapshots reports a point-in-time view of every channel, for
// the read-only /channels admin endpoint.
func (c *Controller) ChannelSnapshots() []ChannelSnapshot {
	out := make([]ChannelSnapshot, 0, len(c.order))
	for _, name := range c.order {
		ch := c.channels[name]
		monitorCount := len(ch.Monitors()) // Monitors() takes its own lock
		ch.Lock()
		out = append(out, ChannelSnapshot{
			Name:              ch.Name,
			TargetFrequency:   ch.TargetFrequency,
			CurrentFrequency:  ch.CurrentFrequency,
			WeightedFrequency: ch.WeightedFrequency,
			ExposureTimeMs:    ch.ExposureTime,
			PIDOn:             ch.PIDOn,
			AutoExposureOn:    ch.AutoExposureOn,
			MonitorCount:      monitorCount,
		})
		ch.Unlock()
	}
	return out
}
