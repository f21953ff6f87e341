package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/matst80/burrow/internal/bufferpool"
	"github.com/matst80/burrow/internal/obs"
)

// forwarder opens data channels. It holds only read-only parameters, so any
// number of forward calls may run at once.
type forwarder struct {
	serverAddr  string
	localAddr   string
	dial        DialFunc
	dialTimeout time.Duration
	pool        *bufferpool.BufferPool
}

func newForwarder(cfg Config) *forwarder {
	return &forwarder{
		serverAddr:  cfg.ServerAddr,
		localAddr:   cfg.LocalAddr,
		dial:        cfg.Dial,
		dialTimeout: cfg.DialTimeout,
		pool:        bufferpool.New(cfg.BufferSize),
	}
}

// forward serves one CreateDataChannel request: it connects to the server and
// to the local service and copies bytes both ways until either side ends.
// Both sockets are closed on every return path.
func (f *forwarder) forward(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.dialTimeout)
	defer cancel()

	server, err := f.dial(ctx, "tcp", f.serverAddr)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("datachannel_dial_server").Inc()
		return fmt.Errorf("%w: dial server %s: %w", ErrDataChannel, f.serverAddr, err)
	}
	defer server.Close()

	local, err := f.dial(ctx, "tcp", f.localAddr)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("datachannel_dial_local").Inc()
		return fmt.Errorf("%w: dial local %s: %w", ErrDataChannel, f.localAddr, err)
	}
	defer local.Close()
	cancel()

	obs.Debug("datachannel.open", obs.Fields{"id": id, "server": server.LocalAddr().String(), "local": f.localAddr})
	start := time.Now()
	sent, received, err := f.pipe(server, local)
	elapsed := time.Since(start)
	obs.DataChannelSeconds.Observe(elapsed.Seconds())
	obs.Debug("datachannel.closed", obs.Fields{
		"id":       id,
		"sent":     sizestr.ToString(sent),
		"received": sizestr.ToString(received),
		"duration": elapsed.String(),
	})
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("datachannel_io").Inc()
		return fmt.Errorf("%w: %w", ErrDataChannel, err)
	}
	return nil
}

// pipe runs server->local and local->server copies. The first direction to
// finish closes both sockets, which unblocks the other. sent counts bytes
// toward the server, received bytes toward the local service. err is the
// first direction's I/O error; end of stream is not an error.
func (f *forwarder) pipe(server, local net.Conn) (sent, received int64, err error) {
	var wg sync.WaitGroup
	var once sync.Once
	finish := func(e error) {
		once.Do(func() {
			if e != nil && !errors.Is(e, net.ErrClosed) {
				err = e
			}
			_ = server.Close()
			_ = local.Close()
		})
	}

	inbound := obs.DataChannelBytesTotal.WithLabelValues("inbound")
	outbound := obs.DataChannelBytesTotal.WithLabelValues("outbound")

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, e := f.pool.Copy(local, server, func(n int) { inbound.Add(float64(n)) })
		received = n
		finish(e)
	}()
	go func() {
		defer wg.Done()
		n, e := f.pool.Copy(server, local, func(n int) { outbound.Add(float64(n)) })
		sent = n
		finish(e)
	}()
	wg.Wait()
	return sent, received, err
}
