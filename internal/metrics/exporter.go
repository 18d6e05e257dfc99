package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wgfleet/internal/model"
)

const namespace = "wireguard"

// Exporter exposes the accumulator and fleet gauges on a private registry.
type Exporter struct {
	acc      *Accumulator
	registry *prometheus.Registry

	activeDesc    *prometheus.Desc
	bytesDesc     *prometheus.Desc
	handshakeDesc *prometheus.Desc

	cycles *prometheus.CounterVec
	units  *prometheus.GaugeVec
}

func NewExporter(acc *Accumulator) *Exporter {
	e := &Exporter{
		acc:      acc,
		registry: prometheus.NewRegistry(),
		activeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_connections"),
			"Number of peers reported by the tunnel engine in the last cycle",
			nil, nil,
		),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_transferred_total"),
			"Bytes transferred across all peers since process start",
			[]string{"direction"}, nil,
		),
		handshakeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "last_handshake_seconds"),
			"Unix time of the latest handshake per peer",
			[]string{"peer"}, nil,
		),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wgfleet",
			Subsystem: "telemetry",
			Name:      "cycles_total",
			Help:      "Telemetry collection cycles by result",
		}, []string{"result"}),
		units: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wgfleet",
			Name:      "managed_units",
			Help:      "Managed units by backend and state from the latest status snapshot",
		}, []string{"backend", "state"}),
	}
	e.registry.MustRegister(
		e,
		e.cycles,
		e.units,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.activeDesc
	ch <- e.bytesDesc
	ch <- e.handshakeDesc
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	v := e.acc.Values()
	ch <- prometheus.MustNewConstMetric(e.activeDesc, prometheus.GaugeValue, float64(v.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(e.bytesDesc, prometheus.CounterValue, float64(v.RxBytesTotal), "rx")
	ch <- prometheus.MustNewConstMetric(e.bytesDesc, prometheus.CounterValue, float64(v.TxBytesTotal), "tx")
	for peer, ts := range v.LastHandshakeByPeer {
		ch <- prometheus.MustNewConstMetric(e.handshakeDesc, prometheus.GaugeValue, float64(ts), peer)
	}
}

// CycleDone records the outcome of one telemetry cycle.
func (e *Exporter) CycleDone(err error) {
	if err != nil {
		e.cycles.WithLabelValues("error").Inc()
		return
	}
	e.cycles.WithLabelValues("ok").Inc()
}

// SetUnits replaces the managed unit gauges with the counts in units.
func (e *Exporter) SetUnits(units map[model.BackendKind][]model.ManagedUnit) {
	e.units.Reset()
	for backend, list := range units {
		for _, u := range list {
			e.units.WithLabelValues(string(backend), string(u.State)).Inc()
		}
	}
}

// Registry returns the registry backing the exporter.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve answers /metrics on ln until ctx is done.
func (e *Exporter) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
