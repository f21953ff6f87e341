package tunnel

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
)

func init() {
	obs.SetOutput(io.Discard)
}

// fakeServer plays the rendezvous server. The first connection is the
// control channel: its TunnelRequest is pushed to requests and, when reply is
// set, answered before the connection is handed to control. Later
// connections are data channels and go to data.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	reply *proto.Message
	// everyControl treats every connection as a control channel, as a server
	// seen by a reconnecting client does.
	everyControl bool

	requests chan proto.Message
	control  chan net.Conn
	data     chan net.Conn

	mu    sync.Mutex
	conns []net.Conn
	n     int
}

type serverOption func(*fakeServer)

func withReply(m proto.Message) serverOption {
	return func(s *fakeServer) { s.reply = &m }
}

func noReply() serverOption {
	return func(s *fakeServer) { s.reply = nil }
}

func everyControl() serverOption {
	return func(s *fakeServer) { s.everyControl = true }
}

func newFakeServer(t *testing.T, opts ...serverOption) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	reply := proto.NewTunnelResponse(35100)
	s := &fakeServer{
		t:        t,
		ln:       ln,
		reply:    &reply,
		requests: make(chan proto.Message, 16),
		control:  make(chan net.Conn, 16),
		data:     make(chan net.Conn, 16),
	}
	for _, o := range opts {
		o(s)
	}
	go s.accept()
	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		first := s.n == 0
		s.n++
		s.mu.Unlock()

		if first || s.everyControl {
			go s.handshake(conn)
			continue
		}
		s.data <- conn
	}
}

func (s *fakeServer) handshake(conn net.Conn) {
	msg, err := proto.ReadMessage(conn)
	if err != nil {
		return
	}
	s.requests <- msg
	if s.reply != nil {
		if err := proto.WriteMessage(conn, *s.reply); err != nil {
			return
		}
	}
	s.control <- conn
}

func (s *fakeServer) close() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *fakeServer) waitControl() net.Conn {
	s.t.Helper()
	select {
	case c := <-s.control:
		return c
	case <-time.After(2 * time.Second):
		s.t.Fatal("no control connection")
		return nil
	}
}

func (s *fakeServer) waitData() net.Conn {
	s.t.Helper()
	select {
	case c := <-s.data:
		return c
	case <-time.After(2 * time.Second):
		s.t.Fatal("no data connection")
		return nil
	}
}

// localService is an echo-style service standing in for the user's local
// port: each connection gets handler.
func localService(t *testing.T, handler func(net.Conn)) (addr string, port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handler(c)
			}()
		}
	}()
	_, p, _ := net.SplitHostPort(ln.Addr().String())
	n, _ := strconv.Atoi(p)
	return ln.Addr().String(), uint16(n)
}

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("tunnel did not close, state %s", c.State())
	}
}

func readMsg(t *testing.T, conn net.Conn) proto.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := proto.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read from client: %v", err)
	}
	return m
}

func writeMsg(t *testing.T, conn net.Conn, m proto.Message) {
	t.Helper()
	if err := proto.WriteMessage(conn, m); err != nil {
		t.Fatalf("write to client: %v", err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
