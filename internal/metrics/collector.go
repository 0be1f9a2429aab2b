package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/streamkeeper/internal/connection"
	"github.com/rickgao/streamkeeper/internal/model"
)

const namespace = "streamkeeper"

// StatusSource provides provider status snapshots.
type StatusSource interface {
	Status() []connection.StreamStatus
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(s connection.Statistics) int64
}

// Collector implements prometheus.Collector over a StatusSource.
type Collector struct {
	src StatusSource

	state          *prometheus.Desc
	counters       []counterDesc
	latency        *prometheus.Desc
	uptime         *prometheus.Desc
	lastMessageAge *prometheus.Desc
	subscriptions  *prometheus.Desc
	fallbackActive *prometheus.Desc
	backoffAttempt *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src StatusSource) *Collector {
	provider := []string{"provider"}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append(provider, labels...), nil)
	}

	c := &Collector{
		src:            src,
		state:          desc("connection_state", "Current connection state (1 for the active state).", "state"),
		latency:        desc("latency_avg_seconds", "Average delivery latency over the sample window."),
		uptime:         desc("uptime_seconds", "Time since the current connection was established."),
		lastMessageAge: desc("last_message_age_seconds", "Time since the last message on the current connection."),
		subscriptions:  desc("subscriptions", "Number of subscribed items.", "topic"),
		fallbackActive: desc("fallback_active", "Whether REST fallback polling is active."),
		backoffAttempt: desc("backoff_attempt", "Current reconnect attempt number."),
	}

	counters := []struct {
		name, help string
		value      func(s connection.Statistics) int64
	}{
		{"messages_received_total", "Messages received from the stream.", func(s connection.Statistics) int64 { return s.MessagesReceived }},
		{"bytes_received_total", "Bytes received from the stream.", func(s connection.Statistics) int64 { return s.BytesReceived }},
		{"messages_sent_total", "Subscription commands sent.", func(s connection.Statistics) int64 { return s.MessagesSent }},
		{"bytes_sent_total", "Bytes sent in subscription commands.", func(s connection.Statistics) int64 { return s.BytesSent }},
		{"reconnects_total", "Successful reconnects after the first connection.", func(s connection.Statistics) int64 { return s.ReconnectCount }},
		{"queue_dropped_total", "Events evicted from the full event queue.", func(s connection.Statistics) int64 { return s.DroppedMessages }},
		{"broadcast_dropped_total", "Events missed by slow broadcast subscribers.", func(s connection.Statistics) int64 { return s.BroadcastDropped }},
		{"subscription_errors_total", "Subscription changes that could not be forwarded.", func(s connection.Statistics) int64 { return s.SubscriptionErrors }},
		{"fallback_polls_total", "Successful REST fallback fetches.", func(s connection.Statistics) int64 { return s.FallbackPolls }},
		{"fallback_errors_total", "Failed REST fallback fetches.", func(s connection.Statistics) int64 { return s.FallbackErrors }},
	}
	for _, ct := range counters {
		c.counters = append(c.counters, counterDesc{desc: desc(ct.name, ct.help), value: ct.value})
	}

	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	for _, ct := range c.counters {
		ch <- ct.desc
	}
	ch <- c.latency
	ch <- c.uptime
	ch <- c.lastMessageAge
	ch <- c.subscriptions
	ch <- c.fallbackActive
	ch <- c.backoffAttempt
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.Status() {
		p := string(st.Provider)

		for _, s := range model.States() {
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, boolValue(st.State == s), p, string(s))
		}
		for _, ct := range c.counters {
			ch <- prometheus.MustNewConstMetric(ct.desc, prometheus.CounterValue, float64(ct.value(st.Statistics)), p)
		}

		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, st.Statistics.AvgLatencyMs/1000, p)
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, float64(st.Statistics.UptimeMs)/1000, p)
		if st.LastMessageAgeMs != nil {
			ch <- prometheus.MustNewConstMetric(c.lastMessageAge, prometheus.GaugeValue, float64(*st.LastMessageAgeMs)/1000, p)
		}
		ch <- prometheus.MustNewConstMetric(c.subscriptions, prometheus.GaugeValue, float64(len(st.Subscriptions.Symbols)), p, "symbols")
		ch <- prometheus.MustNewConstMetric(c.subscriptions, prometheus.GaugeValue, float64(len(st.Subscriptions.Addresses)), p, "addresses")
		ch <- prometheus.MustNewConstMetric(c.fallbackActive, prometheus.GaugeValue, boolValue(st.Fallback != nil && st.Fallback.Active), p)
		ch <- prometheus.MustNewConstMetric(c.backoffAttempt, prometheus.GaugeValue, float64(st.Backoff.Attempt), p)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
