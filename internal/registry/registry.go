// Package registry records which public port each running tunnel was given,
// so other processes can find a tunnel by name. The in-memory store serves a
// single process; the Redis store shares announcements across hosts.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/matst80/burrow/internal/obs"
)

// ErrNotFound is returned when no live announcement exists for a name.
var ErrNotFound = errors.New("tunnel not announced")

// Announcement describes one established tunnel.
type Announcement struct {
	Name         string    `json:"name"`
	Server       string    `json:"server"`
	LocalPort    uint16    `json:"local_port"`
	AssignedPort uint16    `json:"assigned_port"`
	Since        time.Time `json:"since"`
}

// Store abstracts where announcements live.
type Store interface {
	// Announce publishes a, replacing any previous announcement with the same name.
	Announce(ctx context.Context, a Announcement) error
	// Refresh extends the lifetime of the named announcement.
	Refresh(ctx context.Context, name string) error
	// Withdraw removes the named announcement; missing names are not an error.
	Withdraw(ctx context.Context, name string) error
	Lookup(ctx context.Context, name string) (Announcement, error)
	Close() error
}

// New creates either an in-memory or Redis-backed store. Entries expire after
// ttl unless refreshed; ttl <= 0 disables expiry.
func New(redisAddr, redisPassword string, redisDB int, ttl time.Duration) (Store, error) {
	if redisAddr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(ttl), nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedisStore(redisAddr, redisPassword, redisDB, ttl)
}

// Maintain refreshes name every interval until ctx ends.
func Maintain(ctx context.Context, s Store, name string, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Refresh(ctx, name); err != nil && ctx.Err() == nil {
				obs.Error("registry.refresh", obs.Fields{"err": err, "name": name})
				obs.ErrorsTotal.WithLabelValues("registry_refresh").Inc()
			}
		}
	}
}
