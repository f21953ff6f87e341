// Package tunnel is the client side of the reverse tunnel: it registers a
// local port with a rendezvous server over a control connection, keeps that
// connection alive, and opens a fresh data connection for every visitor the
// server announces.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/matst80/burrow/internal/obs"
)

var (
	// ErrHandshake wraps every failure of Start.
	ErrHandshake = errors.New("handshake failed")
	// ErrControlChannel wraps the cause of an unrequested tunnel shutdown.
	ErrControlChannel = errors.New("control channel lost")
	// ErrDataChannel wraps failures confined to one data channel.
	ErrDataChannel = errors.New("data channel failed")
	// ErrIdleTimeout is the cause when the server sent nothing for IdleTimeout.
	ErrIdleTimeout = errors.New("control channel idle")

	// ErrAlreadyStarted is returned by a second Start on a running tunnel.
	ErrAlreadyStarted = errors.New("tunnel already started")
	// ErrClosed is returned by Start once the tunnel is stopped or closed.
	ErrClosed = errors.New("tunnel closed")
)

// Client runs one tunnel. It is single use: after Done is closed a new
// Client is needed to reconnect (see Supervisor).
type Client struct {
	cfg Config
	fwd *forwarder

	state        atomic.Int32
	started      atomic.Bool
	assignedPort atomic.Uint32
	active       atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	err     error

	done   chan struct{}
	dataWG sync.WaitGroup
}

// New returns an unstarted Client with defaults applied to cfg.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		fwd:  newForwarder(cfg),
		done: make(chan struct{}),
	}
}

// Start connects to the server and performs the handshake, blocking until
// the server assigns a port or the handshake fails. On success the receive
// loop and heartbeat run in the background until Stop is called, ctx is
// cancelled, or the control connection fails.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped || c.State() == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}
	if err := c.cfg.validate(); err != nil {
		err = fmt.Errorf("%w: invalid config: %w", ErrHandshake, err)
		c.close(err)
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		err := fmt.Errorf("%w: %w", ErrHandshake, context.Canceled)
		c.close(err)
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	cc, port, err := c.connect(runCtx)
	if err != nil {
		cancel()
		obs.HandshakesTotal.WithLabelValues("failed").Inc()
		obs.Error("control.handshake.failed", obs.Fields{"server": c.cfg.ServerAddr, "err": err})
		c.close(err)
		return err
	}

	c.assignedPort.Store(uint32(port))
	c.setState(StateEstablished)
	obs.HandshakesTotal.WithLabelValues("ok").Inc()
	obs.TunnelUp.Set(1)
	obs.AssignedPort.Set(float64(port))
	obs.Info("control.established", obs.Fields{"server": c.cfg.ServerAddr, "local_port": c.cfg.LocalPort, "assigned_port": port})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-runCtx.Done()
		cc.shutdown(nil)
	}()
	go func() {
		defer wg.Done()
		runHeartbeat(runCtx, cc, c.cfg.HeartbeatInterval)
	}()
	go func() {
		err := cc.serve(runCtx, c.openDataChannel)
		requested := runCtx.Err() != nil
		cc.shutdown(err)
		cancel()
		wg.Wait()

		var final error
		if cause := cc.failure(); cause != nil && !requested {
			final = fmt.Errorf("%w: %w", ErrControlChannel, cause)
			obs.Error("control.closed", obs.Fields{"server": c.cfg.ServerAddr, "err": cause})
			obs.ErrorsTotal.WithLabelValues("control_channel").Inc()
		} else {
			obs.Info("control.stopped", obs.Fields{"server": c.cfg.ServerAddr, "assigned_port": port})
		}
		c.close(final)
	}()
	return nil
}

// connect dials the server and runs the handshake within HandshakeTimeout.
func (c *Client) connect(ctx context.Context) (*controlChannel, uint16, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	c.setState(StateConnecting)
	obs.Debug("control.dial", obs.Fields{"server": c.cfg.ServerAddr})
	conn, err := c.cfg.Dial(hctx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: dial %s: %w", ErrHandshake, c.cfg.ServerAddr, err)
	}
	cc := newControlChannel(conn, c.cfg)
	port, err := cc.handshake(hctx, c.cfg.LocalPort, c.setState)
	if err != nil {
		cc.shutdown(err)
		return nil, 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return cc, port, nil
}

// openDataChannel is called by the receive loop for every CreateDataChannel.
// It never blocks the loop.
func (c *Client) openDataChannel() {
	if !c.cfg.DialLimiter.Allow() {
		obs.Warn("datachannel.throttled", obs.Fields{"local": c.cfg.LocalAddr})
		obs.ErrorsTotal.WithLabelValues("datachannel_throttled").Inc()
		return
	}
	id := uuid.NewString()
	c.dataWG.Add(1)
	c.active.Add(1)
	obs.DataChannelsActive.Inc()
	go func() {
		defer func() {
			c.active.Add(-1)
			obs.DataChannelsActive.Dec()
			c.dataWG.Done()
		}()
		if err := c.fwd.forward(id); err != nil {
			obs.Error("datachannel.failed", obs.Fields{"id": id, "err": err})
		}
	}()
}

// Stop ends the tunnel. It is idempotent and does not wait; use Done. Data
// channels already forwarding are left to finish on their own.
func (c *Client) Stop() {
	// stopped is recorded before started flips, so a racing Start sees it.
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()
	if c.started.CompareAndSwap(false, true) {
		c.close(nil)
		return
	}
	if cancel != nil {
		cancel()
	}
}

// close moves to Closed exactly once per Client.
func (c *Client) close(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.setState(StateClosed)
	obs.TunnelUp.Set(0)
	obs.AssignedPort.Set(0)
	close(c.done)
}

// Done is closed when the tunnel has reached StateClosed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the tunnel closed: nil after Stop or context cancellation,
// an ErrHandshake or ErrControlChannel error otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// AssignedPort is the public port the server allocated; 0 until Start succeeds.
func (c *Client) AssignedPort() uint16 { return uint16(c.assignedPort.Load()) }

// State reports the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// ActiveDataChannels counts data channels currently forwarding.
func (c *Client) ActiveDataChannels() int { return int(c.active.Load()) }

// Config returns the effective configuration, defaults applied.
func (c *Client) Config() Config { return c.cfg }

// Drain waits for the tunnel to close and then for its data channels to
// finish, or for ctx to end.
func (c *Client) Drain(ctx context.Context) error {
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	drained := make(chan struct{})
	go func() {
		c.dataWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setState only moves forward.
func (c *Client) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) >= s || c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}
