package wmdriver_test

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/RemoteEntanglement/Wavemeter-Server/wmdriver"
	"github.com/stretchr/testify/require"
)

func TestSimulatedRequiresStartedMeasurement(t *testing.T) {
	s := wmdriver.NewSimulated()
	_, err := s.GetFrequency(1)
	require.Error(t, err)

	require.NoError(t, s.StartMeasurement())
	f, err := s.GetFrequency(1)
	require.NoError(t, err)
	require.Equal(t, 300.0, f)
}

func TestSimulatedRejectsExposureOutOfRange(t *testing.T) {
	s := wmdriver.NewSimulated()
	require.Error(t, s.SetExposure(1, 0))
	require.Error(t, s.SetExposure(1, wmdriver.ExposureMax+1))
	require.NoError(t, s.SetExposure(1, wmdriver.ExposureMin))
}

func TestSimulatedReadingHookControlsSentinel(t *testing.T) {
	s := wmdriver.NewSimulated()
	s.Reading = func(ch int) (float64, error) { return wmdriver.Underexposed, nil }
	require.NoError(t, s.StartMeasurement())
	f, err := s.GetFrequency(3)
	require.NoError(t, err)
	require.Equal(t, wmdriver.Underexposed, f)
}

// fakeInstrument is a minimal stand-in for a real wavemeter's raw TCP
// control port: it reads '\r'-terminated commands and writes back
// '\r'-terminated replies, matching comm.RemoteDevice's default
// terminator, so it can drive wmdriver.Networked over an actual socket.
func fakeInstrument(t *testing.T, ln net.Listener, reply func(cmd string) string) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\r')
			if err != nil {
				return
			}
			cmd := strings.TrimSuffix(line, "\r")
			if _, err := conn.Write([]byte(reply(cmd) + "\r")); err != nil {
				return
			}
		}
	}()
}

func TestNetworkedRoundTripsCommandsOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var seen []string
	fakeInstrument(t, ln, func(cmd string) string {
		seen = append(seen, cmd)
		if strings.HasPrefix(cmd, "FREQ?") {
			return "300.125"
		}
		return "OK"
	})

	n := wmdriver.NewNetworked(ln.Addr().String())
	require.NoError(t, n.StartMeasurement())
	require.NoError(t, n.SetSwitchChannel(2))
	require.NoError(t, n.SetExposure(2, 50))

	f, err := n.GetFrequency(2)
	require.NoError(t, err)
	require.InDelta(t, 300.125, f, 1e-9)

	require.NoError(t, n.StopMeasurement())

	require.Equal(t, []string{"MEAS:START", "SWITCH:CH 2", "EXPOSURE:CH 2 50", "FREQ? 2", "MEAS:STOP"}, seen)
}

func TestNetworkedSetExposureRejectsOutOfRangeWithoutDialing(t *testing.T) {
	n := wmdriver.NewNetworked("127.0.0.1:1")
	require.Error(t, n.SetExposure(1, wmdriver.ExposureMax+1))
}
