package main

import (
	"sync"
	"time"

	"github.com/matst80/burrow/internal/tunnel"
)

// Stats represents the current tunnel state for the status page & API.
type Stats struct {
	Name         string `json:"name"`
	Server       string `json:"server"`
	Local        string `json:"local"`
	State        string `json:"state"`
	AssignedPort uint16 `json:"assigned_port"`
	DataChannels int    `json:"data_channels"`
	Reconnects   int64  `json:"reconnects"`
	LastError    string `json:"last_error,omitempty"`
	Since        string `json:"since,omitempty"`
	Now          string `json:"now"`
}

// tracker follows the current Client, which changes on every reconnect.
type tracker struct {
	mu         sync.Mutex
	client     *tunnel.Client
	since      time.Time
	reconnects int64
	lastErr    error
}

func (t *tracker) established(c *tunnel.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.reconnects++
	}
	t.client = c
	t.since = time.Now()
}

func (t *tracker) lost(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
}

func (t *tracker) current() *tunnel.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// ready reports whether a tunnel is currently established.
func (t *tracker) ready() bool {
	c := t.current()
	return c != nil && c.State() == tunnel.StateEstablished
}

func (t *tracker) collect(name string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{
		Name:       name,
		State:      tunnel.StateDisconnected.String(),
		Reconnects: t.reconnects,
		Now:        time.Now().UTC().Format(time.RFC3339),
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	if c := t.client; c != nil {
		tc := c.Config()
		st.Server = tc.ServerAddr
		st.Local = tc.LocalAddr
		st.State = c.State().String()
		st.AssignedPort = c.AssignedPort()
		st.DataChannels = c.ActiveDataChannels()
		st.Since = t.since.UTC().Format(time.RFC3339)
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Name":         s.Name,
		"Server":       s.Server,
		"Local":        s.Local,
		"State":        s.State,
		"AssignedPort": s.AssignedPort,
		"DataChannels": s.DataChannels,
		"Reconnects":   s.Reconnects,
		"LastError":    s.LastError,
		"Since":        s.Since,
	}
}
