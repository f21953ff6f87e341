package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
)

// runHeartbeat sends a Heartbeat every interval until ctx ends. A failed send
// shuts the control channel down with that error as the cause.
func runHeartbeat(ctx context.Context, cc *controlChannel, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			obs.Debug("heartbeat.stopped", nil)
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			cc.markHeartbeat()
			if err := cc.send(proto.Heartbeat()); err != nil {
				if ctx.Err() != nil {
					return
				}
				obs.Error("heartbeat.send", obs.Fields{"err": err})
				obs.ErrorsTotal.WithLabelValues("heartbeat_send").Inc()
				cc.shutdown(fmt.Errorf("send heartbeat: %w", err))
				return
			}
			obs.HeartbeatsTotal.WithLabelValues("sent").Inc()
			obs.Debug("heartbeat.sent", nil)
		}
	}
}
