// Package metrics exposes every collaborator's stats() surface as Prometheus
// gauges/counters: buffer pool occupancy, worker pool queue depth and active
// count, connection pool hits/misses/evictions, session registry size, and TUN I/O engine
// byte/packet counters. Grounded on the teacher's EnablePrometheusMetrics/
// StartMetricsServer pair (internal/metrics.go) but built on
// github.com/prometheus/client_golang instead of a hand-rolled text
// encoder, since this repository's stats surface is wide enough (eight-plus
// components) to be worth a real registry rather than another bespoke map.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every gauge/counter this repository publishes. Callers
// set values directly from each component's Stats()/Stats-returning method
// on a timer (the orchestrator's timer tick is the natural place).
type Collectors struct {
	BufferAllocated prometheus.Gauge
	BufferPeak      prometheus.Gauge
	BufferCapacity  prometheus.Gauge

	WorkerQueueDepth prometheus.Gauge
	WorkerActive     prometheus.Gauge

	ConnPoolHits      prometheus.Counter
	ConnPoolMisses    prometheus.Counter
	ConnPoolEvictions prometheus.Counter

	SessionCount prometheus.Gauge

	TUNRXPackets prometheus.Counter
	TUNRXBytes   prometheus.Counter
	TUNTXPackets prometheus.Counter
	TUNTXBytes   prometheus.Counter
}

// New registers every collector with its own registry (not the global
// default, so multiple instances in tests don't collide) and returns both
// the collectors and the registry to serve.
func New() (*Collectors, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collectors{
		BufferAllocated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tun2socks5", Subsystem: "bufpool", Name: "allocated",
			Help: "Buffers currently checked out of the pool.",
		}),
		BufferPeak: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tun2socks5", Subsystem: "bufpool", Name: "peak",
			Help: "High-water mark of buffers checked out.",
		}),
		BufferCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tun2socks5", Subsystem: "bufpool", Name: "capacity",
			Help: "Fixed pool capacity.",
		}),
		WorkerQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tun2socks5", Subsystem: "workerpool", Name: "queue_depth",
			Help: "Tasks waiting in the worker pool queue.",
		}),
		WorkerActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tun2socks5", Subsystem: "workerpool", Name: "active",
			Help: "Worker goroutines currently executing a task.",
		}),
		ConnPoolHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tun2socks5", Subsystem: "connpool", Name: "hits_total",
			Help: "Connection pool lookups served by a reused socket.",
		}),
		ConnPoolMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tun2socks5", Subsystem: "connpool", Name: "misses_total",
			Help: "Connection pool lookups that dialed a new socket.",
		}),
		ConnPoolEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tun2socks5", Subsystem: "connpool", Name: "evictions_total",
			Help: "Sockets closed due to staleness or pool pressure.",
		}),
		SessionCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tun2socks5", Subsystem: "session", Name: "count",
			Help: "Live TCP/UDP sessions in the registry.",
		}),
		TUNRXPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tun2socks5", Subsystem: "tunio", Name: "rx_packets_total",
			Help: "Packets read from the TUN device.",
		}),
		TUNRXBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tun2socks5", Subsystem: "tunio", Name: "rx_bytes_total",
			Help: "Bytes read from the TUN device.",
		}),
		TUNTXPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tun2socks5", Subsystem: "tunio", Name: "tx_packets_total",
			Help: "Packets written to the TUN device.",
		}),
		TUNTXBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tun2socks5", Subsystem: "tunio", Name: "tx_bytes_total",
			Help: "Bytes written to the TUN device.",
		}),
	}
	return c, reg
}

// Server serves /metrics on addr until ctx is canceled, mirroring the
// teacher's StartMetricsServer shutdown-on-context-done pattern.
func Server(ctx context.Context, addr string, reg *prometheus.Registry) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("metrics: empty listen address")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	}
	return nil
}
