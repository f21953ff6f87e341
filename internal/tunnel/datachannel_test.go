package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matst80/burrow/internal/bufferpool"
	"github.com/matst80/burrow/internal/proto"
	"github.com/matst80/burrow/internal/ratelimit"
)

func echo(c net.Conn) { _, _ = io.Copy(c, c) }

func expectRead(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %q: %v", want, err)
	}
	if string(buf) != want {
		t.Errorf("got %q, want %q", buf, want)
	}
}

func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var b [1]byte
	if _, err := conn.Read(b[:]); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestDataChannelForwards(t *testing.T) {
	localAddr, localPort := localService(t, func(c net.Conn) {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "ping" {
			return
		}
		_, _ = c.Write([]byte("pong"))
	})
	srv := newFakeServer(t)
	startClient(t, Config{ServerAddr: srv.addr(), LocalPort: localPort, LocalAddr: localAddr})
	control := srv.waitControl()

	writeMsg(t, control, proto.CreateDataChannel())
	data := srv.waitData()
	if _, err := data.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	expectRead(t, data, "pong")
	// local side closed after replying, so the server side ends too
	expectEOF(t, data)
}

func TestDataChannelDefaultsToLoopback(t *testing.T) {
	_, localPort := localService(t, echo)
	srv := newFakeServer(t)
	startClient(t, Config{ServerAddr: srv.addr(), LocalPort: localPort})
	control := srv.waitControl()

	writeMsg(t, control, proto.CreateDataChannel())
	data := srv.waitData()
	_, _ = data.Write([]byte("hello"))
	expectRead(t, data, "hello")
}

func TestDataChannelsAreIndependent(t *testing.T) {
	localAddr, localPort := localService(t, echo)
	srv := newFakeServer(t)
	c := startClient(t, Config{ServerAddr: srv.addr(), LocalPort: localPort, LocalAddr: localAddr})
	control := srv.waitControl()

	writeMsg(t, control, proto.CreateDataChannel())
	writeMsg(t, control, proto.CreateDataChannel())
	first := srv.waitData()
	second := srv.waitData()

	_, _ = first.Write([]byte("aaaa"))
	_, _ = second.Write([]byte("bbbbbb"))
	expectRead(t, second, "bbbbbb")
	expectRead(t, first, "aaaa")

	_ = first.Close()
	_, _ = second.Write([]byte("still here"))
	expectRead(t, second, "still here")

	if c.State() != StateEstablished {
		t.Errorf("state = %s, want established", c.State())
	}
}

func TestDataChannelLocalUnreachable(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, Config{
		ServerAddr:        srv.addr(),
		LocalPort:         8080,
		LocalAddr:         closedPort(t),
		HeartbeatInterval: time.Hour,
	})
	control := srv.waitControl()

	writeMsg(t, control, proto.CreateDataChannel())
	data := srv.waitData()
	expectEOF(t, data)

	// the control channel keeps working
	writeMsg(t, control, proto.Heartbeat())
	if m := readMsg(t, control); m.Type != proto.TypeHeartbeat {
		t.Errorf("expected Heartbeat, got %s", m)
	}
	if c.State() != StateEstablished {
		t.Errorf("state = %s, want established", c.State())
	}
}

func TestDataChannelSurvivesStop(t *testing.T) {
	localAddr, localPort := localService(t, echo)
	srv := newFakeServer(t)
	c := startClient(t, Config{ServerAddr: srv.addr(), LocalPort: localPort, LocalAddr: localAddr})
	control := srv.waitControl()

	writeMsg(t, control, proto.CreateDataChannel())
	data := srv.waitData()
	_, _ = data.Write([]byte("x"))
	expectRead(t, data, "x")

	c.Stop()
	waitDone(t, c)
	if n := c.ActiveDataChannels(); n != 1 {
		t.Fatalf("active data channels = %d, want 1", n)
	}
	_, _ = data.Write([]byte("after stop"))
	expectRead(t, data, "after stop")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain with open channel = %v, want deadline exceeded", err)
	}

	_ = data.Close()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := c.Drain(ctx2); err != nil {
		t.Errorf("Drain = %v, want nil", err)
	}
	if n := c.ActiveDataChannels(); n != 0 {
		t.Errorf("active data channels = %d, want 0", n)
	}
}

func TestDialLimiterRefusesBursts(t *testing.T) {
	localAddr, localPort := localService(t, echo)
	srv := newFakeServer(t)
	startClient(t, Config{
		ServerAddr:  srv.addr(),
		LocalPort:   localPort,
		LocalAddr:   localAddr,
		DialLimiter: ratelimit.NewTokenBucket(0.001, 1),
	})
	control := srv.waitControl()

	writeMsg(t, control, proto.CreateDataChannel())
	writeMsg(t, control, proto.CreateDataChannel())
	srv.waitData()
	select {
	case <-srv.data:
		t.Error("second data channel opened despite the limiter")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPipeCountsBothDirections(t *testing.T) {
	serverApp, server := net.Pipe()
	localApp, local := net.Pipe()
	f := &forwarder{pool: bufferpool.New(8)}

	type result struct {
		sent, received int64
		err            error
	}
	res := make(chan result, 1)
	go func() {
		s, r, err := f.pipe(server, local)
		res <- result{s, r, err}
	}()

	toLocal := bytes.Repeat([]byte("a"), 20)
	go func() { _, _ = serverApp.Write(toLocal) }()
	got := make([]byte, len(toLocal))
	if _, err := io.ReadFull(localApp, got); err != nil {
		t.Fatal(err)
	}
	go func() { _, _ = localApp.Write([]byte("reply")) }()
	got = make([]byte, 5)
	if _, err := io.ReadFull(serverApp, got); err != nil {
		t.Fatal(err)
	}
	_ = localApp.Close()

	select {
	case r := <-res:
		if r.err != nil {
			t.Errorf("pipe err = %v", r.err)
		}
		if r.received != 20 || r.sent != 5 {
			t.Errorf("sent=%d received=%d, want 5 and 20", r.sent, r.received)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not finish after one side closed")
	}
	// the other side was closed too
	if _, err := serverApp.Write([]byte("late")); err == nil {
		t.Error("server side still open after local side closed")
	}
}
