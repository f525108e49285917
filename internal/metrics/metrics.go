package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WSConnections 当前在线的 websocket 连接数
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liveconsult_ws_connections",
		Help: "Number of live websocket connections.",
	})

	wsEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveconsult_ws_events_total",
		Help: "Inbound websocket events by name and result.",
	}, []string{"event", "result"})

	messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveconsult_messages_total",
		Help: "Messages persisted by direction.",
	}, []string{"direction"})

	calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveconsult_calls_total",
		Help: "Call signaling outcomes.",
	}, []string{"outcome"})

	rateLimitDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveconsult_rate_limit_drops_total",
		Help: "Requests or events rejected by a rate limiter.",
	}, []string{"prefix"})
)

func init() {
	prometheus.MustRegister(WSConnections, wsEvents, messages, calls, rateLimitDrops)
}

// ObserveEvent counts one dispatched websocket event; result is "ok" or an error code.
func ObserveEvent(event, result string) {
	wsEvents.WithLabelValues(event, result).Inc()
}

// IncMessage counts one persisted message.
func IncMessage(direction string) {
	messages.WithLabelValues(direction).Inc()
}

// IncCall counts a call outcome: initiated, answered, declined, ended, missed, failed.
func IncCall(outcome string) {
	calls.WithLabelValues(outcome).Inc()
}

// rateLimitStats mirrors the drop counter so the stats endpoint can report it
// without scraping prometheus.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.WithLabelValues(prefix).Inc()
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
