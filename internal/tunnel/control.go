package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
)

// controlChannel owns the persistent connection to the server. The receive
// loop and the heartbeat scheduler both write to it, so every write goes
// through send.
type controlChannel struct {
	conn         net.Conn
	idleTimeout  time.Duration
	writeTimeout time.Duration
	echoWindow   time.Duration

	wmu    sync.Mutex
	closed bool
	cause  error

	closeOnce sync.Once
	// lastBeat is the send time (unix nanos) of our newest heartbeat that
	// has not been matched with an echo; 0 when none is outstanding.
	lastBeat atomic.Int64
}

func newControlChannel(conn net.Conn, cfg Config) *controlChannel {
	return &controlChannel{
		conn:         conn,
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
		echoWindow:   cfg.echoWindow(),
	}
}

// send writes one frame. Once the channel is closed it fails with net.ErrClosed
// without touching the socket.
func (cc *controlChannel) send(m proto.Message) error {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	if cc.closed {
		return net.ErrClosed
	}
	if cc.writeTimeout > 0 {
		_ = cc.conn.SetWriteDeadline(time.Now().Add(cc.writeTimeout))
	}
	return proto.WriteMessage(cc.conn, m)
}

// shutdown closes the socket and records why. Only the first call has any
// effect; when it returns the channel is closed.
func (cc *controlChannel) shutdown(cause error) {
	cc.closeOnce.Do(func() {
		// Close before taking wmu so a writer blocked on a full socket
		// buffer is released instead of holding the lock forever.
		_ = cc.conn.Close()
		cc.wmu.Lock()
		cc.closed = true
		cc.cause = cause
		cc.wmu.Unlock()
	})
}

// failure returns the cause passed to the first shutdown.
func (cc *controlChannel) failure() error {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	return cc.cause
}

// handshake sends TunnelRequest and waits for TunnelResponse. Cancelling ctx
// aborts the wait.
func (cc *controlChannel) handshake(ctx context.Context, localPort uint16, setState func(State)) (uint16, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = cc.conn.SetDeadline(time.Unix(1, 0))
	})
	aborted := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	if err := cc.send(proto.NewTunnelRequest(localPort)); err != nil {
		stop()
		return 0, fmt.Errorf("send TunnelRequest: %w", aborted(err))
	}
	setState(StateAwaitingTunnelResponse)

	msg, err := proto.ReadMessage(cc.conn)
	if err != nil {
		stop()
		return 0, fmt.Errorf("waiting for TunnelResponse: %w", aborted(err))
	}
	if !stop() {
		// ctx ended while the response was in flight; the deadline above
		// may already have been applied to the socket.
		return 0, fmt.Errorf("waiting for TunnelResponse: %w", ctx.Err())
	}
	if msg.Type != proto.TypeTunnelResponse {
		return 0, fmt.Errorf("%w: expected %s, got %s", proto.ErrProtocol, proto.TypeTunnelResponse, msg.Type)
	}
	_ = cc.conn.SetDeadline(time.Time{})
	return msg.AssignedPort, nil
}

// serve is the Established receive loop. It returns when the connection
// fails, a frame cannot be decoded, or ctx is cancelled (the caller closes
// the socket to unblock the read).
func (cc *controlChannel) serve(ctx context.Context, onDataChannel func()) error {
	for ctx.Err() == nil {
		if cc.idleTimeout > 0 {
			_ = cc.conn.SetReadDeadline(time.Now().Add(cc.idleTimeout))
		}
		msg, err := proto.ReadMessage(cc.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
				return fmt.Errorf("%w: nothing received for %s", ErrIdleTimeout, cc.idleTimeout)
			}
			return err
		}
		switch msg.Type {
		case proto.TypeCreateDataChannel:
			obs.DataChannelsTotal.Inc()
			onDataChannel()
		case proto.TypeHeartbeat:
			obs.HeartbeatsTotal.WithLabelValues("received").Inc()
			if cc.takeEcho() {
				obs.Debug("heartbeat.echo_received", nil)
				continue
			}
			if err := cc.send(proto.Heartbeat()); err != nil {
				return fmt.Errorf("echo heartbeat: %w", err)
			}
			obs.HeartbeatsTotal.WithLabelValues("echoed").Inc()
		case proto.TypeTunnelRequest, proto.TypeTunnelResponse:
			return fmt.Errorf("%w: unexpected %s after handshake", proto.ErrProtocol, msg.Type)
		}
	}
	return ctx.Err()
}

func (cc *controlChannel) markHeartbeat() {
	cc.lastBeat.Store(time.Now().UnixNano())
}

// takeEcho reports whether an inbound heartbeat answers one of ours: a
// heartbeat of ours is outstanding and was sent within the echo window.
func (cc *controlChannel) takeEcho() bool {
	sent := cc.lastBeat.Swap(0)
	return sent != 0 && time.Since(time.Unix(0, sent)) <= cc.echoWindow
}
