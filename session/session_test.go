package session_test

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/RemoteEntanglement/Wavemeter-Server/registry"
	"github.com/RemoteEntanglement/Wavemeter-Server/session"
	"github.com/RemoteEntanglement/Wavemeter-Server/wireproto"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	control byte
	command string
	data    []wireproto.Value
	client  string
}

func startTestServer(t *testing.T) (*session.Server, *sync.Mutex, *[]recordedCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []recordedCall
	srv, err := session.New("127.0.0.1:0", func(control byte, command string, data []wireproto.Value, clientName string, handle registry.Handle) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, recordedCall{control, command, data, clientName})
	})
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, &mu, &calls
}

func TestCONAssignsNameAndDedups(t *testing.T) {
	srv, mu, calls := startTestServer(t)

	conn1, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn1.Close()
	require.NoError(t, wireproto.WriteMessage(conn1, wireproto.New(wireproto.Control, "CON", wireproto.Str("alice"))))

	conn2, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, wireproto.WriteMessage(conn2, wireproto.New(wireproto.Control, "CON", wireproto.Str("alice"))))

	waitForCalls(t, mu, calls, 2)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "alice", (*calls)[0].client)
	require.Equal(t, "alice(1)", (*calls)[1].client)
}

func TestDCNRemovesClientAndAllowsNameReuse(t *testing.T) {
	srv, mu, calls := startTestServer(t)

	conn1, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, wireproto.WriteMessage(conn1, wireproto.New(wireproto.Control, "CON", wireproto.Str("bob"))))
	waitForCalls(t, mu, calls, 1)
	require.NoError(t, wireproto.WriteMessage(conn1, wireproto.New(wireproto.Control, "DCN", wireproto.Str("bob"))))
	// the client's DCN is forwarded, then dropClient forwards its own DCN
	waitForCalls(t, mu, calls, 3)
	conn1.Close()

	conn2, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, wireproto.WriteMessage(conn2, wireproto.New(wireproto.Control, "CON", wireproto.Str("bob"))))
	waitForCalls(t, mu, calls, 4)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "CON", (*calls)[3].command)
	require.Equal(t, "bob", (*calls)[3].client)
}

func TestHandleSendDeliversFramedMessageBack(t *testing.T) {
	var gotHandle registry.Handle
	var mu sync.Mutex
	srv, err := session.New("127.0.0.1:0", func(control byte, command string, data []wireproto.Value, clientName string, handle registry.Handle) {
		mu.Lock()
		defer mu.Unlock()
		gotHandle = handle
	})
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wireproto.WriteMessage(conn, wireproto.New(wireproto.Control, "CON", wireproto.Str("alice"))))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		h := gotHandle
		mu.Unlock()
		if h != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	h := gotHandle
	mu.Unlock()
	require.NotNil(t, h)

	require.NoError(t, h.Send(wireproto.Control, "STA", wireproto.Str("started")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := wireproto.ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	require.Equal(t, "STA", got.Command)
}

func waitForCalls(t *testing.T, mu *sync.Mutex, calls *[]recordedCall, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		l := len(*calls)
		mu.Unlock()
		if l >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected calls not observed before deadline")
}
