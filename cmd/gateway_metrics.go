package cmd

import (
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
)

// registerMetrics exposes pipeline, routing and plugin counters on /metrics.
// Everything is sampled at scrape time from the components' own stats.
func registerMetrics(m *gateway.Metrics, server *gateway.Server, d *dispatch.Dispatcher, svc *routing.Service, mgr *channels.Manager) {
	m.GaugeFunc("active_connections", "Open WebSocket control-plane connections.", func() float64 {
		return float64(server.ActiveConnections())
	})
	m.GaugeFunc("inbound_queue_length", "Messages waiting in the inbound queue.", func() float64 {
		return float64(d.Stats().QueueLength)
	})
	m.GaugeFunc("idempotency_entries", "Entries in the inbound dedup cache.", func() float64 {
		return float64(d.Idempotency().Len())
	})
	m.GaugeFunc("pending_acks", "Replies sent but not yet acknowledged as delivered.", func() float64 {
		return float64(d.Acks().Stats().PendingCount)
	})
	m.GaugeFunc("sessions", "Conversations tracked by the session registry.", func() float64 {
		return float64(d.Sessions().Len())
	})
	m.GaugeFunc("session_threads", "Sessions bound to an assistant thread.", func() float64 {
		return float64(d.Sessions().ThreadCount(""))
	})

	m.CounterFunc("messages_received_total", "Messages offered to the pipeline.", func() float64 {
		return float64(d.Stats().Received)
	})
	m.CounterFunc("messages_duplicate_total", "Messages rejected as duplicates.", func() float64 {
		return float64(d.Stats().Duplicates)
	})
	m.CounterFunc("messages_dropped_total", "Messages dropped because the queue was full.", func() float64 {
		return float64(d.Stats().Dropped)
	})
	m.CounterFunc("messages_processed_total", "Messages handled by the thread engine.", func() float64 {
		return float64(d.Stats().Processed)
	})
	m.CounterFunc("messages_failed_total", "Messages whose handler returned an error.", func() float64 {
		return float64(d.Stats().Failed)
	})

	m.CounterFunc("route_resolutions_total", "Routing decisions computed.", func() float64 {
		return float64(svc.Stats().TotalResolutions)
	})
	m.GaugeFunc("route_cache_entries", "Cached routing decisions.", func() float64 {
		return float64(svc.Stats().CacheSize)
	})
	m.GaugeFunc("route_bindings", "Active routing bindings.", func() float64 {
		return float64(svc.Stats().BindingCount)
	})

	m.GaugeFunc("channels_connected", "Platform plugins currently connected.", func() float64 {
		return float64(mgr.Stats().ConnectedChannels)
	})
	m.CounterFunc("channel_reconnections_total", "Plugin reconnect attempts scheduled.", func() float64 {
		return float64(mgr.Stats().TotalReconnections)
	})
}
