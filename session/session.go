/*Package session is the external-facing transport layer (spec.md §1's
"Session layer (external)"): a TCP listener that accepts client
connections, decodes inbound frames with wireproto, deduplicates user
names, and enqueues decoded commands onto a Controller's work queue. It
also owns each client's outbound send queue so that fan-out writes to a
given connection are delivered strictly in the order the Controller
produced them (P7), even though sends themselves are non-blocking from
the Controller's point of view.

The user-name deduplication and failure-counting behavior is grounded
directly in dummy_server_socket.py's CommHandler: fixUserName's
"(N)" suffix scheme, and a per-connection failure counter that drops the
client after numFailure reaches 10.
*/
package session

import (
	"bufio"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/RemoteEntanglement/Wavemeter-Server/registry"
	"github.com/RemoteEntanglement/Wavemeter-Server/wireproto"
)

// maxSendFailures is the consecutive-failure threshold after which a
// connection is dropped, matching CommHandler.numFailure >= 10.
const maxSendFailures = 10

// Server accepts connections and decodes inbound frames, handing each
// one to a dispatch callback (typically controller.Controller.Enqueue,
// wrapped to build a controller.WorkItem; session has no compile-time
// dependency on package controller).
type Server struct {
	listener net.Listener
	dispatch func(control byte, command string, data []wireproto.Value, clientName string, handle registry.Handle)

	mu      sync.Mutex
	clients map[string]*clientHandle
}

// New builds a Server listening on addr. dispatch is called for every
// decoded inbound frame (including CON/DCN), with clientName already
// deduplicated.
func New(addr string, dispatch func(control byte, command string, data []wireproto.Value, clientName string, handle registry.Handle)) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{listener: ln, dispatch: dispatch, clients: make(map[string]*clientHandle)}, nil
}

// Addr returns the listener's bound address, useful when addr was
// "host:0" and the OS chose the port.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) handleConn(conn net.Conn) {
	ch := newClientHandle(conn)
	defer ch.closeConn()
	go ch.sendLoop()

	r := bufio.NewReader(conn)
	for {
		msg, err := wireproto.ReadMessage(r)
		if err != nil {
			if ch.userName != "" {
				s.dropClient(ch)
			}
			return
		}

		if msg.Target != "" && msg.Target != wireproto.Target {
			continue // addressed to a different logical target; ignore
		}

		if msg.Flag == wireproto.Control && msg.Command == "CON" {
			requested := "client"
			if len(msg.Data) > 0 {
				if name, err := msg.Data[0].AsString(); err == nil && name != "" {
					requested = name
				}
			}
			ch.userName = s.assignUniqueName(requested, ch)
			s.registerClient(ch)
			s.dispatch(msg.Flag, msg.Command, []wireproto.Value{wireproto.Str(ch.userName)}, ch.userName, ch)
			continue
		}

		if msg.Flag == wireproto.Control && msg.Command == "DCN" {
			s.dispatch(msg.Flag, msg.Command, msg.Data, ch.userName, ch)
			s.dropClient(ch)
			return
		}

		s.dispatch(msg.Flag, msg.Command, msg.Data, ch.userName, ch)
	}
}

// assignUniqueName implements fixUserName's duplicate-suffix scheme:
// repeatedly append "(N)" until the name is not already taken by a
// different live connection.
func (s *Server) assignUniqueName(requested string, self *clientHandle) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := requested
	index := 0
	for {
		other, taken := s.clients[name]
		if !taken || other == self {
			return name
		}
		index++
		name = requested + "(" + strconv.Itoa(index) + ")"
	}
}

func (s *Server) registerClient(ch *clientHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[ch.userName] = ch
}

func (s *Server) dropClient(ch *clientHandle) {
	s.mu.Lock()
	if s.clients[ch.userName] == ch {
		delete(s.clients, ch.userName)
	}
	s.mu.Unlock()
	s.dispatch(wireproto.Control, "DCN", []wireproto.Value{wireproto.Str(ch.userName)}, ch.userName, ch)
}

// clientHandle implements registry.Handle over one live connection. Its
// send queue preserves fan-out ordering (P7): Send enqueues onto a
// 256-message buffered channel drained by a single goroutine per
// connection, so a slow client cannot reorder its own messages; when the
// channel is full Send drops the oldest queued message instead of blocking
// the Controller goroutine.
type clientHandle struct {
	conn     net.Conn
	userName string

	outbox   chan wireproto.Message
	failures int
	mu       sync.Mutex
}

func newClientHandle(conn net.Conn) *clientHandle {
	return &clientHandle{conn: conn, outbox: make(chan wireproto.Message, 256)}
}

// Send implements registry.Handle.
func (ch *clientHandle) Send(flag byte, command string, data ...wireproto.Value) error {
	select {
	case ch.outbox <- wireproto.New(flag, command, data...):
		return nil
	default:
		// outbox full: drop the oldest queued message to make room,
		// matching spec.md §9's backpressure design note for best-effort
		// fan-out, and never silently block a caller on a stuck client.
		select {
		case <-ch.outbox:
		default:
		}
		select {
		case ch.outbox <- wireproto.New(flag, command, data...):
		default:
		}
		return nil
	}
}

func (ch *clientHandle) sendLoop() {
	for msg := range ch.outbox {
		if err := wireproto.WriteMessage(ch.conn, msg); err != nil {
			ch.mu.Lock()
			ch.failures++
			n := ch.failures
			ch.mu.Unlock()
			log.Printf("session: write to %s failed (%d consecutive): %v", ch.name(), n, err)
			if n >= maxSendFailures {
				ch.closeConn()
				return
			}
			continue
		}
		ch.mu.Lock()
		ch.failures = 0
		ch.mu.Unlock()
	}
}

func (ch *clientHandle) closeConn() {
	ch.conn.Close()
}

func (ch *clientHandle) name() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.userName
}
