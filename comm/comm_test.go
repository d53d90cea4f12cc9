package comm_test

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/RemoteEntanglement/Wavemeter-Server/comm"
)

// fakeInstrument is a minimal stand-in for a real instrument's raw TCP
// control port: it reads '\r'-terminated commands and writes back
// '\r'-terminated replies, matching RemoteDevice's default terminator.
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

// TestOpenSendRecvCloseRoundTrips exercises the exact path
// wmdriver.Networked and dacdriver.Networked drive: OpenSendRecvClose
// over a plain TCP RemoteDevice, with no connection pool involved.
func TestOpenSendRecvCloseRoundTrips(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	defer ln.Close()

	var seen []string
	fakeInstrument(t, ln, func(cmd string) string {
		seen = append(seen, cmd)
		return "OK"
	})

	rd := comm.NewRemoteDevice(ln.Addr().String(), false, nil, nil)
	resp, err := rd.OpenSendRecvClose([]byte("FOO?"))
	if err != nil {
		t.Fatalf("OpenSendRecvClose: %v", err)
	}
	if string(resp) != "OK" {
		t.Errorf("expected reply %q, got %q", "OK", string(resp))
	}

	resp2, err := rd.OpenSendRecvClose([]byte("BAR 1 2"))
	if err != nil {
		t.Fatalf("OpenSendRecvClose: %v", err)
	}
	if string(resp2) != "OK" {
		t.Errorf("expected reply %q, got %q", "OK", string(resp2))
	}

	if len(seen) != 2 || seen[0] != "FOO?" || seen[1] != "BAR 1 2" {
		t.Errorf("instrument saw unexpected commands: %v", seen)
	}
}

// TestSendRecvErrorsWithoutOpen exercises that SendRecv refuses to run
// against a RemoteDevice that was never opened, rather than panicking on
// a nil Conn.
func TestSendRecvErrorsWithoutOpen(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false, nil, nil)
	if _, err := rd.SendRecv([]byte("FOO?")); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

// TestOpenSendRecvCloseFailsOnRefusedConnection exercises that Open
// returns an error, once its backoff has retried the refused dial for its
// elapsed time budget, when nothing is listening on addr.
func TestOpenSendRecvCloseFailsOnRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens at addr now

	rd := comm.NewRemoteDevice(addr, false, nil, nil)
	if _, err := rd.OpenSendRecvClose([]byte("FOO?")); err == nil {
		t.Error("expected an error dialing a closed port, got nil")
	}
}
