package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/registry"
	"github.com/matst80/burrow/internal/tunnel"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := cfg.validate(); err != nil {
		pterm.Error.Println(err.Error())
		flag.Usage()
		os.Exit(2)
	}
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := cfg.tunnelName()
	tcfg := cfg.tunnelConfig()
	obs.Info("client.start", obs.Fields{"name": name, "server": tcfg.ServerAddr, "local": tcfg.LocalAddr, "reconnect": cfg.Reconnect})
	pterm.Info.Println(fmt.Sprintf("Connecting to %s to expose %s", tcfg.ServerAddr, tcfg.LocalAddr))

	reg, err := registry.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RegistryTTL)
	if err != nil {
		obs.Error("registry.init", obs.Fields{"err": err})
		return 1
	}
	defer reg.Close()

	t := &tracker{}
	if cfg.MetricsAddr != "" {
		go startStatusServer(ctx, cfg.MetricsAddr, statusHandler(name, t, reg))
	}

	var regCancel context.CancelFunc = func() {}
	onEstablished := func(c *tunnel.Client) {
		t.established(c)
		pterm.Success.Println(fmt.Sprintf("Tunnel established! Remote port: %d", c.AssignedPort()))
		regCancel()
		var rctx context.Context
		rctx, regCancel = context.WithCancel(ctx)
		announce(rctx, reg, name, c)
	}
	defer func() {
		regCancel()
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := reg.Withdraw(wctx, name); err != nil {
			obs.Warn("registry.withdraw", obs.Fields{"err": err, "name": name})
		}
	}()

	if cfg.Reconnect {
		s := &tunnel.Supervisor{
			Config:           tcfg,
			MinRetryInterval: cfg.MinRetryInterval,
			MaxRetryInterval: cfg.MaxRetryInterval,
			MaxRetries:       cfg.MaxRetries,
			OnEstablished:    onEstablished,
			OnLost: func(_ *tunnel.Client, err error) {
				t.lost(err)
				pterm.Warning.Println(fmt.Sprintf("Tunnel lost: %v", err))
			},
		}
		err := s.Run(ctx)
		if c := t.current(); c != nil {
			drain(c)
		}
		if err != nil {
			pterm.Error.Println(err.Error())
			return 1
		}
		return 0
	}

	c := tunnel.New(tcfg)
	if err := c.Start(ctx); err != nil {
		pterm.Error.Println(fmt.Sprintf("Could not establish tunnel: %v", err))
		return 1
	}
	onEstablished(c)

	select {
	case <-ctx.Done():
		obs.Info("client.shutdown.signal", obs.Fields{})
		c.Stop()
		<-c.Done()
	case <-c.Done():
	}
	drain(c)
	if err := c.Err(); err != nil {
		t.lost(err)
		pterm.Error.Println(fmt.Sprintf("Tunnel closed: %v", err))
		return 1
	}
	obs.Info("client.shutdown.complete", obs.Fields{})
	return 0
}

// announce publishes the assigned port and keeps the entry fresh until ctx
// ends or the tunnel closes.
func announce(ctx context.Context, reg registry.Store, name string, c *tunnel.Client) {
	tc := c.Config()
	a := registry.Announcement{
		Name:         name,
		Server:       tc.ServerAddr,
		LocalPort:    tc.LocalPort,
		AssignedPort: c.AssignedPort(),
		Since:        time.Now().UTC(),
	}
	if err := reg.Announce(ctx, a); err != nil {
		obs.Warn("registry.announce", obs.Fields{"err": err, "name": name})
		return
	}
	interval := cfg.RegistryTTL / 3
	if interval <= 0 {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.Done():
		case <-rctx.Done():
		}
		cancel()
	}()
	go registry.Maintain(rctx, reg, name, interval)
}

// drain gives in-flight data channels up to -grace-period to finish.
func drain(c *tunnel.Client) {
	if cfg.GracePeriod <= 0 || c.ActiveDataChannels() == 0 {
		return
	}
	obs.Info("client.drain", obs.Fields{"active": c.ActiveDataChannels(), "grace": cfg.GracePeriod.String()})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod)
	defer cancel()
	if err := c.Drain(ctx); errors.Is(err, context.DeadlineExceeded) {
		obs.Warn("client.drain.timeout", obs.Fields{"active": c.ActiveDataChannels()})
	}
}
