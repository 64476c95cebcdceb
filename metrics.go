package pathoram

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// BytesCrossed counts bytes crossing the sealed-device boundary, exposed
// both as plain atomically-updated uint64 fields for ad hoc benchmarking and,
// via Prometheus, for whatever monitoring stack a deployment already runs.
// Grounded on app_storage.go's AppStorageCommits and the per-backend
// S3Ops/B2Ops/GCSOps counters: every I/O-adjacent component here exposes a
// prometheus.Counter alongside its actual work.
type BytesCrossed struct {
	sent     uint64
	received uint64
}

// BytesSent returns the total bytes written through the sealed layer.
func (b *BytesCrossed) BytesSent() uint64 { return atomic.LoadUint64(&b.sent) }

// BytesReceived returns the total bytes read through the sealed layer.
func (b *BytesCrossed) BytesReceived() uint64 { return atomic.LoadUint64(&b.received) }

func (b *BytesCrossed) addSent(n int) {
	atomic.AddUint64(&b.sent, uint64(n))
	EngineBytesSent.Add(float64(n))
}

func (b *BytesCrossed) addReceived(n int) {
	atomic.AddUint64(&b.received, uint64(n))
	EngineBytesReceived.Add(float64(n))
}

// EngineBytesSent and EngineBytesReceived are the Prometheus counterparts
// of BytesCrossed, process-wide rather than per-Engine since a Prometheus
// registry is itself process-wide.
var (
	EngineBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pathoram_bytes_sent_total",
		Help: "Total plaintext bytes written through the encrypted block layer across all sessions.",
	})
	EngineBytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pathoram_bytes_received_total",
		Help: "Total plaintext bytes read through the encrypted block layer across all sessions.",
	})
	EngineAccesses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pathoram_accesses_total",
		Help: "Number of Access calls completed, labeled by operation and outcome.",
	}, []string{"op", "outcome"})
	EngineStashSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pathoram_stash_size",
		Help: "Number of records currently sitting in the client-side stash, across the last completed access.",
	})
)
