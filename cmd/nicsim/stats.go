package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// serveStats exports r in the Prometheus text format on listen until ctx is
// done.
func serveStats(ctx context.Context, l *logrus.Entry, r metrics.Registry, listen string, interval time.Duration) error {
	pr := prometheus.NewRegistry()
	pc := mp.NewPrometheusProvider(r, "nicsim", "", pr, interval)
	go pc.UpdatePrometheusMetrics()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "nicsim",
		Name:        "info",
		Help:        "Build information for nicsim",
		ConstLabels: prometheus.Labels{"goversion": runtime.Version()},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))

	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	l.WithField("listen", listen).Info("prometheus stats listening at /metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// startGraphite pushes r to the carbon server at host every interval. The
// reporter runs for the life of the process.
func startGraphite(l *logrus.Entry, r metrics.Registry, host string, interval time.Duration) error {
	addr, err := net.ResolveTCPAddr("tcp", host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %w", err)
	}

	l.WithFields(logrus.Fields{"addr": addr, "interval": interval}).Info("starting graphite")
	go graphite.Graphite(r, interval, "nicsim", addr)

	return nil
}
