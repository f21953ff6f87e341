package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/matst80/burrow/internal/obs"
)

const (
	DefaultMinRetryInterval = 3 * time.Second
	DefaultMaxRetryInterval = time.Minute
)

// Supervisor keeps a tunnel up by starting a new Client whenever the
// previous one fails, with exponential backoff between attempts. Every
// reconnect may be assigned a different public port.
type Supervisor struct {
	Config Config

	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
	// MaxRetries is the number of consecutive failed attempts tolerated;
	// zero or negative retries forever.
	MaxRetries int

	// OnEstablished runs after every successful handshake.
	OnEstablished func(*Client)
	// OnLost runs when an established tunnel fails.
	OnLost func(*Client, error)
}

// Run blocks until ctx is cancelled (returning nil) or MaxRetries
// consecutive attempts have failed.
func (s *Supervisor) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    s.MinRetryInterval,
		Max:    s.MaxRetryInterval,
		Factor: 2,
		Jitter: true,
	}
	if b.Min <= 0 {
		b.Min = DefaultMinRetryInterval
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxRetryInterval
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}

	for {
		c := New(s.Config)
		err := c.Start(ctx)
		if err == nil {
			b.Reset()
			if s.OnEstablished != nil {
				s.OnEstablished(c)
			}
			select {
			case <-c.Done():
			case <-ctx.Done():
				c.Stop()
				<-c.Done()
				return nil
			}
			err = c.Err()
			if err == nil {
				// stopped from outside the supervisor
				return nil
			}
			if s.OnLost != nil {
				s.OnLost(c, err)
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt := int(b.Attempt()) + 1
		if s.MaxRetries > 0 && attempt > s.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		wait := b.Duration()
		obs.ReconnectsTotal.Inc()
		obs.Warn("tunnel.reconnect", obs.Fields{"server": s.Config.ServerAddr, "attempt": attempt, "in": wait.String(), "err": err})

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
