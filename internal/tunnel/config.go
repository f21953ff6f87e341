package tunnel

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/matst80/burrow/internal/ratelimit"
)

const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second

	// maxEchoWindow bounds how long after sending a heartbeat an inbound one
	// is taken as its echo.
	maxEchoWindow = 5 * time.Second
)

// DialFunc opens a network connection; it matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config holds the tunnel's connection parameters. Zero durations select the
// defaults above.
type Config struct {
	// ServerAddr is the rendezvous server, host:port. Control and data
	// channels both connect here.
	ServerAddr string
	// LocalPort is announced to the server in TunnelRequest.
	LocalPort uint16
	// LocalAddr is where data channels connect locally; defaults to
	// 127.0.0.1:LocalPort.
	LocalAddr string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	// IdleTimeout closes the control channel after this long without any
	// inbound message. Negative disables it.
	IdleTimeout  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// BufferSize is the data channel copy chunk size.
	BufferSize int

	// DialLimiter, when set, refuses CreateDataChannel requests arriving
	// faster than it allows.
	DialLimiter *ratelimit.TokenBucket
	// Dial replaces net.Dialer for every outbound connection (tests).
	Dial DialFunc
}

func (c Config) withDefaults() Config {
	if c.LocalAddr == "" {
		c.LocalAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(int(c.LocalPort)))
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Dial == nil {
		c.Dial = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}
	return c
}

func (c Config) validate() error {
	if c.ServerAddr == "" {
		return errors.New("server address is required")
	}
	if _, _, err := net.SplitHostPort(c.ServerAddr); err != nil {
		return err
	}
	return nil
}

// echoWindow is half the heartbeat period, capped at maxEchoWindow.
func (c Config) echoWindow() time.Duration {
	w := c.HeartbeatInterval / 2
	if w > maxEchoWindow {
		w = maxEchoWindow
	}
	return w
}
