/*Package pidloop implements the periodic measurement/lock scheduler
described in spec.md §4.2: one worker goroutine that, once activated,
repeatedly walks either the single focused channel or every subscribed
channel in the low-priority set, reads a frequency from the wavemeter
driver, folds it into a weighted EWMA, runs the PID update, and commands
the DAC.

The worker is gated by a channel-based doorbell (a buffered chan
struct{} used as a condition-variable substitute) rather than a raw
sync.Cond, matching the teacher's fsm.Disturbance play/pause/stop idiom
in fsm/fsm.go. Fiber-switch commands are rate limited with
golang.org/x/time/rate, the same library and pattern the teacher's
nkt/nkt.go uses to protect a laser source from command flooding.
*/
package pidloop

import (
	"context"
	"log"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/RemoteEntanglement/Wavemeter-Server/dacdriver"
	"github.com/RemoteEntanglement/Wavemeter-Server/mathx"
	"github.com/RemoteEntanglement/Wavemeter-Server/registry"
	"github.com/RemoteEntanglement/Wavemeter-Server/util"
	"github.com/RemoteEntanglement/Wavemeter-Server/wireproto"
	"github.com/RemoteEntanglement/Wavemeter-Server/wmdriver"
)

// Config holds the tunable PID-loop parameters that live in the §4.4
// INI snapshot's [PID] section.
type Config struct {
	SwitchSafeMs        int
	AutoExposureStep    float64
	MaxFrequencyOffset  float64
	MaxFrequencyChange  float64
}

// DefaultConfig returns the conservative defaults the original shipped
// with, in the absence of a loaded snapshot.
func DefaultConfig() Config {
	return Config{
		SwitchSafeMs:       50,
		AutoExposureStep:   1.5,
		MaxFrequencyOffset: 1.0,
		MaxFrequencyChange: 1.0,
	}
}

// ChannelSource gives the PID worker read access to the Controller's
// registries without importing package controller (which itself starts
// and stops this loop, so the dependency must run one way only).
type ChannelSource interface {
	// FocusedChannel returns the single high-priority channel and true,
	// or (nil, false) if no channel is currently focused.
	FocusedChannel() (*registry.Channel, bool)

	// LowPriChannels returns every registered channel in insertion order.
	LowPriChannels() []*registry.Channel

	// InternalFocusOff is called when the focused channel has lost all
	// its subscribers mid-sweep; it must clear the high-priority slot
	// and fan out FOF, the same as a client-issued FOF would.
	InternalFocusOff(name string)

	// InternalUpdateExposure applies an auto-exposure adjustment and
	// fans out EXP, the same as a client-issued EXP would.
	InternalUpdateExposure(ch *registry.Channel, newExposureMs int)
}

// Fanout delivers a Data-flag message to every subscriber of a channel.
type Fanout func(ch *registry.Channel, command string, data ...wireproto.Value)

// Loop is the PID worker.
type Loop struct {
	wm  wmdriver.Driver
	dac dacdriver.Driver
	src ChannelSource
	out Fanout
	cfg Config

	limiter *rate.Limiter

	doorbell   chan struct{}
	deactivate chan struct{}
	active     bool
	done       chan struct{}
}

// New builds a Loop. The rate limiter defaults to 15 switch commands/sec
// with a burst of 15, identical to the teacher's nkt.go NewLimiter(15, 15)
// call, since both guard a similarly fragile piece of optical hardware.
func New(wm wmdriver.Driver, dac dacdriver.Driver, src ChannelSource, out Fanout, cfg Config) *Loop {
	return &Loop{
		wm:         wm,
		dac:        dac,
		src:        src,
		out:        out,
		cfg:        cfg,
		limiter:    rate.NewLimiter(15, 15),
		doorbell:   make(chan struct{}, 1),
		deactivate: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Activate wakes the worker if it is currently idle. Idempotent.
func (l *Loop) Activate() {
	select {
	case <-l.deactivate:
	default:
	}
	select {
	case l.doorbell <- struct{}{}:
	default:
	}
}

// Deactivate signals the worker to stop sweeping as soon as it next
// checks in, which happens between every switch-channel/measure step -
// not just between whole sweeps. Called from handleSTP/handleKIL so that
// server_status = stopped implies the PID loop is actually inactive, per
// spec.md §3, instead of letting an in-flight sweep keep driving
// wm.GetFrequency/dac.SetVoltage after the driver was told to stop.
func (l *Loop) Deactivate() {
	select {
	case <-l.doorbell:
	default:
	}
	select {
	case l.deactivate <- struct{}{}:
	default:
	}
}

// checkDeactivate drains a pending Deactivate signal, if any, clearing
// l.active and reporting whether it did so.
func (l *Loop) checkDeactivate() bool {
	select {
	case <-l.deactivate:
		l.active = false
		return true
	default:
		return false
	}
}

// Stop terminates the worker goroutine permanently.
func (l *Loop) Stop() { close(l.done) }

// Run is the worker's main loop; call it in its own goroutine.
func (l *Loop) Run() {
	for {
		if !l.active {
			select {
			case <-l.done:
				return
			case <-l.doorbell:
				l.active = true
			}
		}

		select {
		case <-l.done:
			return
		default:
		}
		if l.checkDeactivate() {
			continue
		}

		start := time.Now()
		timeConsumedMs := 0
		focused := false

		if fc, ok := l.src.FocusedChannel(); ok {
			focused = true
			timeConsumedMs += l.cfg.SwitchSafeMs
			time.Sleep(time.Duration(l.cfg.SwitchSafeMs) * time.Millisecond)
			if l.checkDeactivate() {
				continue
			}
			if !fc.HasMonitors() {
				l.src.InternalFocusOff(fc.Name)
			} else {
				l.measure(fc)
			}
		} else {
			anyMonitored := false
			for _, ch := range l.src.LowPriChannels() {
				if l.checkDeactivate() {
					break
				}
				timeConsumedMs += l.cfg.SwitchSafeMs
				time.Sleep(time.Duration(l.cfg.SwitchSafeMs) * time.Millisecond)
				if l.checkDeactivate() {
					break
				}
				if !ch.HasMonitors() {
					continue
				}
				anyMonitored = true
				elapsed := l.measure(ch)
				timeConsumedMs += elapsed
			}
			if !l.active {
				continue
			}
			if !anyMonitored {
				l.active = false
				continue
			}
		}

		if !l.active {
			continue
		}

		if !focused && timeConsumedMs < 1000 {
			remaining := time.Second - time.Since(start)
			if remaining > 0 {
				time.Sleep(remaining)
			}
		}
	}
}

// measure runs the 8-step channel_measure sequence from spec.md §4.2 for
// one channel and returns the milliseconds of switch/exposure wait it
// consumed, for the caller's round-cap bookkeeping.
func (l *Loop) measure(ch *registry.Channel) int {
	if err := l.limiter.Wait(context.Background()); err != nil {
		log.Printf("pidloop: rate limiter wait failed: %v", err)
	}
	if err := l.wm.SetSwitchChannel(ch.FiberSwitch); err != nil {
		log.Printf("pidloop: SetSwitchChannel(%d) for %s: %v", ch.FiberSwitch, ch.Name, err)
	}

	ch.Lock()
	exposureMs := ch.ExposureTime
	ch.Unlock()

	waitMs := exposureMs + wmdriver.SwitchDelayMs
	time.Sleep(time.Duration(waitMs) * time.Millisecond)

	f, err := l.wm.GetFrequency(ch.FiberSwitch)
	if err != nil {
		log.Printf("pidloop: GetFrequency(%d) for %s: %v", ch.FiberSwitch, ch.Name, err)
		return waitMs
	}

	ch.Lock()
	previousWeighted := ch.WeightedFrequency
	previousTime := ch.CurrentTime
	ch.CurrentTime = time.Now()
	autoExposureOn := ch.AutoExposureOn
	pidOn := ch.PIDOn
	ch.Unlock()

	l.out(ch, "CFR", wireproto.Str(ch.Name), wireproto.Float(f))

	switch f {
	case wmdriver.NoSignal:
		return waitMs
	case wmdriver.Underexposed:
		if autoExposureOn {
			newExp := util.ClampInt(int(mathx.Round(float64(exposureMs)*l.cfg.AutoExposureStep, 1)), wmdriver.ExposureMin, wmdriver.ExposureMax)
			l.src.InternalUpdateExposure(ch, newExp)
		}
		return waitMs
	case wmdriver.Overexposed:
		if autoExposureOn {
			newExp := util.ClampInt(int(mathx.Round(float64(exposureMs)/l.cfg.AutoExposureStep, 1)), wmdriver.ExposureMin, wmdriver.ExposureMax)
			l.src.InternalUpdateExposure(ch, newExp)
		}
		return waitMs
	}

	// f is a valid reading past this point (spec.md §3: current_frequency
	// is never a sentinel), so it is safe to record now.
	ch.Lock()
	ch.CurrentFrequency = f
	ch.Unlock()

	var weighted float64
	if math.Abs(f-previousWeighted) > 0.001 {
		weighted = f
	} else {
		weighted = f*0.9 + previousWeighted*0.1
	}

	ch.Lock()
	ch.WeightedFrequency = weighted
	ch.Unlock()

	if !pidOn {
		return waitMs
	}

	ch.Lock()
	target := ch.TargetFrequency
	recentOutput := ch.RecentOutputVoltage
	pp, ii, dd, gain := ch.PP, ch.II, ch.DD, ch.Gain
	currentTime := ch.CurrentTime
	ch.Unlock()

	// offset and deltaF are clamped on the upper side only, matching the
	// original's frequency_offset/delta_f clamps exactly.
	offset := weighted - target
	if offset > l.cfg.MaxFrequencyOffset {
		offset = l.cfg.MaxFrequencyOffset
	}

	deltaT := currentTime.Sub(previousTime).Seconds()
	deltaF := weighted - previousWeighted
	if deltaF > l.cfg.MaxFrequencyChange {
		deltaF = l.cfg.MaxFrequencyChange
	}

	if previousTime.IsZero() || deltaT == 0 {
		// first sample this channel has taken; nothing to differentiate against
		return waitMs
	}

	ch.Lock()
	ch.Accumulator += ii * offset * deltaT
	ch.Proportional = pp * offset
	ch.Differentiator = dd * deltaF / deltaT
	accumulator, proportional, differentiator := ch.Accumulator, ch.Proportional, ch.Differentiator
	newOutput := recentOutput + (accumulator+proportional+differentiator)*gain
	ch.RecentOutputVoltage = newOutput
	ch.Unlock()

	// Route the commanded output through the same VLT path a client's
	// VLT command would take (spec.md §4.2 step 8, §4.1's VLT effect):
	// command the DAC and fan out VLT to the channel's subscribers, in
	// addition to the APD term breakdown.
	if err := l.dac.SetVoltage(ch.DACChannel, newOutput); err != nil {
		log.Printf("pidloop: SetVoltage(%d, %f) for %s: %v", ch.DACChannel, newOutput, ch.Name, err)
	}
	l.out(ch, "VLT", wireproto.Str(ch.Name), wireproto.Float(newOutput))
	l.out(ch, "APD", wireproto.Str(ch.Name),
		wireproto.Float(accumulator), wireproto.Float(proportional), wireproto.Float(differentiator))

	return waitMs
}
