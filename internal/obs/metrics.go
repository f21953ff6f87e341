package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TunnelUp              = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_tunnel_up", Help: "1 while the control channel is established"})
	AssignedPort          = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_assigned_port", Help: "Public port assigned by the server (0 when down)"})
	HandshakesTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_handshakes_total", Help: "Control channel handshakes by result"}, []string{"result"})
	HeartbeatsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_heartbeats_total", Help: "Heartbeats by kind (sent, received, echoed)"}, []string{"kind"})
	DataChannelsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_data_channels_total", Help: "Data channels requested by the server"})
	DataChannelsActive    = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_data_channels_active", Help: "Data channels currently forwarding"})
	DataChannelBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_data_channel_bytes_total", Help: "Bytes forwarded by direction"}, []string{"direction"})
	DataChannelSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "burrow_data_channel_duration_seconds", Help: "Data channel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	ReconnectsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_reconnects_total", Help: "Reconnect attempts made by the supervisor"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_errors_total", Help: "Errors by type"}, []string{"type"})
)
