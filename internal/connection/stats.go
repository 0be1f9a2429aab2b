package connection

import (
	"sync"
	"sync/atomic"
	"time"
)

// stats holds the additive counters for one provider. Counters are atomic;
// the latency window has its own lock.
type stats struct {
	messagesReceived   atomic.Int64
	bytesReceived      atomic.Int64
	messagesSent       atomic.Int64
	bytesSent          atomic.Int64
	reconnects         atomic.Int64
	broadcastDropped   atomic.Int64
	subscriptionErrors atomic.Int64
	fallbackPolls      atomic.Int64
	fallbackErrors     atomic.Int64

	latMu   sync.Mutex
	latency []time.Duration // ring of recent samples
	latNext int
	latLen  int
}

func newStats(window int) *stats {
	if window < 1 {
		window = 1
	}
	return &stats{latency: make([]time.Duration, window)}
}

func (s *stats) recordReceived(size int) {
	s.messagesReceived.Add(1)
	if size > 0 {
		s.bytesReceived.Add(int64(size))
	}
}

func (s *stats) recordSent(size int) {
	s.messagesSent.Add(1)
	if size > 0 {
		s.bytesSent.Add(int64(size))
	}
}

// recordLatency adds one sample, overwriting the oldest when full.
func (s *stats) recordLatency(d time.Duration) {
	if d < 0 {
		return
	}
	s.latMu.Lock()
	s.latency[s.latNext] = d
	s.latNext = (s.latNext + 1) % len(s.latency)
	if s.latLen < len(s.latency) {
		s.latLen++
	}
	s.latMu.Unlock()
}

// avgLatency returns the mean of the current window in milliseconds.
func (s *stats) avgLatency() (float64, int) {
	s.latMu.Lock()
	defer s.latMu.Unlock()

	if s.latLen == 0 {
		return 0, 0
	}
	var sum time.Duration
	for i := 0; i < s.latLen; i++ {
		sum += s.latency[i]
	}
	avg := sum / time.Duration(s.latLen)
	return float64(avg) / float64(time.Millisecond), s.latLen
}

// snapshot copies the counters into a Statistics value. Queue and uptime
// fields are filled in by the caller.
func (s *stats) snapshot() Statistics {
	avg, n := s.avgLatency()
	return Statistics{
		MessagesReceived:   s.messagesReceived.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		MessagesSent:       s.messagesSent.Load(),
		BytesSent:          s.bytesSent.Load(),
		ReconnectCount:     s.reconnects.Load(),
		BroadcastDropped:   s.broadcastDropped.Load(),
		SubscriptionErrors: s.subscriptionErrors.Load(),
		FallbackPolls:      s.fallbackPolls.Load(),
		FallbackErrors:     s.fallbackErrors.Load(),
		AvgLatencyMs:       avg,
		LatencySamples:     n,
	}
}
