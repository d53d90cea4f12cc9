package controller_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RemoteEntanglement/Wavemeter-Server/controller"
	"github.com/RemoteEntanglement/Wavemeter-Server/dacdriver"
	"github.com/RemoteEntanglement/Wavemeter-Server/pidloop"
	"github.com/RemoteEntanglement/Wavemeter-Server/registry"
	"github.com/RemoteEntanglement/Wavemeter-Server/wireproto"
	"github.com/RemoteEntanglement/Wavemeter-Server/wmdriver"
	"github.com/stretchr/testify/require"
)

// recordingHandle is a test double for registry.Handle that records
// every message sent to it.
type recordingHandle struct {
	mu       sync.Mutex
	messages []wireproto.Message
}

func (r *recordingHandle) Send(flag byte, command string, data ...wireproto.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, wireproto.Message{Flag: flag, Command: command, Data: data})
	return nil
}

func (r *recordingHandle) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Command
	}
	return out
}

func newTestController(t *testing.T) (*controller.Controller, *registry.Channel) {
	t.Helper()
	ch := registry.NewChannel("Ch1", 1, 0, 10)
	wm := wmdriver.NewSimulated()
	dac := dacdriver.NewSimulated()
	c := controller.New([]*registry.Channel{ch}, wm, dac, pidloop.DefaultConfig(), nil)
	go c.Run()
	return c, ch
}

func TestConReturnsCurrentStatus(t *testing.T) {
	c, _ := newTestController(t)
	h := &recordingHandle{}
	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "CON", Client: "alice", Handle: h, Data: []wireproto.Value{wireproto.Str("alice")}})
	waitFor(t, func() bool { return len(h.commands()) == 1 })
	require.Equal(t, []string{"STA"}, h.commands())
}

func TestUnknownCommandIsNAKed(t *testing.T) {
	c, _ := newTestController(t)
	h := &recordingHandle{}
	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "CON", Client: "alice", Handle: h})
	waitFor(t, func() bool { return len(h.commands()) == 1 })

	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "BOGUS", Client: "alice"})
	waitFor(t, func() bool { return len(h.commands()) == 2 })
	require.Equal(t, "NAK", h.commands()[1])
}

func TestUnknownChannelIsNAKed(t *testing.T) {
	c, _ := newTestController(t)
	h := &recordingHandle{}
	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "CON", Client: "alice", Handle: h})
	waitFor(t, func() bool { return len(h.commands()) == 1 })

	c.Enqueue(controller.WorkItem{Control: wireproto.Data, Command: "TFR", Client: "alice",
		Data: []wireproto.Value{wireproto.Str("NoSuchChannel"), wireproto.Float(300)}})
	waitFor(t, func() bool { return len(h.commands()) == 2 })
	require.Equal(t, "NAK", h.commands()[1])
}

func TestUONAddsMonitorAndDCNCleansUp(t *testing.T) {
	c, ch := newTestController(t)
	h := &recordingHandle{}
	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "CON", Client: "alice", Handle: h})
	waitFor(t, func() bool { return len(h.commands()) == 1 })

	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "UON", Client: "alice",
		Data: []wireproto.Value{wireproto.Str("Ch1")}})
	waitFor(t, func() bool { return ch.IsMonitoredBy("alice") })

	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "DCN", Client: "alice"})
	waitFor(t, func() bool { return !ch.IsMonitoredBy("alice") })
}

func TestSecondFONWhileFocusedIsNAKed(t *testing.T) {
	c, ch := newTestController(t)
	h := &recordingHandle{}
	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "CON", Client: "alice", Handle: h})
	waitFor(t, func() bool { return len(h.commands()) == 1 })

	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "SRT", Client: "alice", Handle: h})
	waitFor(t, func() bool { return len(h.commands()) == 2 })

	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "FON", Client: "alice", Handle: h,
		Data: []wireproto.Value{wireproto.Str(ch.Name)}})
	waitFor(t, func() bool { return len(h.commands()) == 3 })

	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "FON", Client: "alice", Handle: h,
		Data: []wireproto.Value{wireproto.Str(ch.Name)}})
	waitFor(t, func() bool { return len(h.commands()) == 4 })
	require.Equal(t, "NAK", h.commands()[3])
}

// TestSTPStopsPIDLoopEvenWithLiveSubscribers pins down spec.md §3's
// invariant that server_status = stopped implies the PID loop is
// inactive: UON leaves the channel subscribed, so without a real
// Deactivate signal the loop would keep polling the wavemeter driver
// forever after STP.
func TestSTPStopsPIDLoopEvenWithLiveSubscribers(t *testing.T) {
	ch := registry.NewChannel("Ch1", 1, 0, 5)
	var reads int32
	wm := wmdriver.NewSimulated()
	wm.Reading = func(int) (float64, error) {
		atomic.AddInt32(&reads, 1)
		return 300.0, nil
	}
	dac := dacdriver.NewSimulated()
	cfg := pidloop.DefaultConfig()
	cfg.SwitchSafeMs = 5
	c := controller.New([]*registry.Channel{ch}, wm, dac, cfg, nil)
	go c.Run()

	h := &recordingHandle{}
	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "CON", Client: "alice", Handle: h})
	waitFor(t, func() bool { return len(h.commands()) == 1 })

	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "SRT", Client: "alice", Handle: h})
	waitFor(t, func() bool { return len(h.commands()) == 2 })

	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "UON", Client: "alice", Handle: h,
		Data: []wireproto.Value{wireproto.Str(ch.Name)}})
	waitFor(t, func() bool { return ch.IsMonitoredBy("alice") })

	require.Eventually(t, func() bool { return atomic.LoadInt32(&reads) >= 1 }, 2*time.Second, time.Millisecond,
		"PID loop should be measuring the subscribed channel once started")

	c.Enqueue(controller.WorkItem{Control: wireproto.Control, Command: "STP", Client: "alice", Handle: h})
	waitFor(t, func() bool { return len(h.commands()) == 3 })

	countAfterStop := atomic.LoadInt32(&reads)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, countAfterStop, atomic.LoadInt32(&reads),
		"STP must deactivate the PID loop even though Ch1 is still subscribed by alice")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
