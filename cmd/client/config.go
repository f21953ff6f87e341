package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/matst80/burrow/internal/bufferpool"
	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/tunnel"
)

// Config holds client runtime configuration.
type Config struct {
	ServerHost string
	ServerPort int
	LocalPort  int
	LocalHost  string
	Name       string

	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	DialTimeout      time.Duration
	BufferSize       int
	DialRate         float64
	DialBurst        int

	Reconnect        bool
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
	MaxRetries       int
	GracePeriod      time.Duration

	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RegistryTTL   time.Duration
	Debug         bool
}

var cfg Config

// init registers all client flags into the default flag set; main parses them.
func init() {
	flag.StringVar(&cfg.ServerHost, "server", "127.0.0.1", "rendezvous server host")
	flag.IntVar(&cfg.ServerPort, "port", 2333, "rendezvous server port (control and data channels)")
	flag.IntVar(&cfg.LocalPort, "local-port", 0, "local port to expose (required)")
	flag.StringVar(&cfg.LocalHost, "local-host", "127.0.0.1", "host the local service listens on")
	flag.StringVar(&cfg.Name, "name", "", "registry name for this tunnel (default <server>-<local-port>)")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", tunnel.DefaultHeartbeatInterval, "heartbeat interval")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", tunnel.DefaultHandshakeTimeout, "time allowed for the server to assign a port")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", tunnel.DefaultIdleTimeout, "close the tunnel after this long without server traffic (negative disables)")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", tunnel.DefaultDialTimeout, "timeout for each data channel dial")
	flag.IntVar(&cfg.BufferSize, "buffer-size", bufferpool.DefaultSize, "data channel copy buffer size in bytes")
	flag.Float64Var(&cfg.DialRate, "dial-rate", 0, "max data channels opened per second (0 = unlimited)")
	flag.IntVar(&cfg.DialBurst, "dial-burst", 10, "data channel burst allowed above -dial-rate")
	flag.BoolVar(&cfg.Reconnect, "reconnect", false, "re-establish the tunnel after failures with exponential backoff")
	flag.DurationVar(&cfg.MinRetryInterval, "min-retry-interval", tunnel.DefaultMinRetryInterval, "first reconnect delay")
	flag.DurationVar(&cfg.MaxRetryInterval, "max-retry-interval", tunnel.DefaultMaxRetryInterval, "longest reconnect delay")
	flag.IntVar(&cfg.MaxRetries, "max-retries", 0, "consecutive failed reconnects before giving up (0 = forever)")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", 0, "time to wait for active data channels to drain after shutdown signal (0 = immediate)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", "", "metrics, health and status listen address (empty disables)")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the tunnel registry (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.DurationVar(&cfg.RegistryTTL, "registry-ttl", time.Minute, "lifetime of a registry entry between refreshes")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

func (c Config) serverAddr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

func (c Config) tunnelName() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("%s-%d", c.ServerHost, c.LocalPort)
}

func (c Config) validate() error {
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return errors.New("-local-port must be between 1 and 65535")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return errors.New("-port must be between 1 and 65535")
	}
	if c.ServerHost == "" {
		return errors.New("-server is required")
	}
	return nil
}

// tunnelConfig maps flags onto the engine configuration.
func (c Config) tunnelConfig() tunnel.Config {
	return tunnel.Config{
		ServerAddr:        c.serverAddr(),
		LocalPort:         uint16(c.LocalPort),
		LocalAddr:         net.JoinHostPort(c.LocalHost, strconv.Itoa(c.LocalPort)),
		HeartbeatInterval: c.Heartbeat,
		HandshakeTimeout:  c.HandshakeTimeout,
		IdleTimeout:       c.IdleTimeout,
		DialTimeout:       c.DialTimeout,
		BufferSize:        c.BufferSize,
		DialLimiter:       ratelimit.NewTokenBucket(c.DialRate, c.DialBurst),
	}
}
