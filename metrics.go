package main

import (
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/addrummond/imask/pop3"
)

// Structs

// ImaskMetrics bundles the instrumentation of the gateway.
type ImaskMetrics struct {
	Server pop3.ServerMetrics
	Polls  metrics.Counter
}

// Functions

// NewImaskMetrics returns prometheus-backed counters, or
// discarding ones when no prometheus address is configured.
func NewImaskMetrics(prometheusAddr string) *ImaskMetrics {

	m := &ImaskMetrics{}

	if prometheusAddr == "" {
		m.Server = pop3.ServerMetrics{
			Sessions: discard.NewCounter(),
			Commands: discard.NewCounter(),
		}
		m.Polls = discard.NewCounter()
	} else {
		m.Server = pop3.ServerMetrics{
			Sessions: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "imask",
				Subsystem: "pop3",
				Name:      "sessions_total",
				Help:      "Number of accepted POP3 sessions",
			}, nil),
			Commands: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "imask",
				Subsystem: "pop3",
				Name:      "commands_total",
				Help:      "Number of POP3 commands served",
			}, []string{"command"}),
		}
		m.Polls = prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "imask",
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Number of IMAP polls by outcome",
		}, []string{"account", "status"})
	}

	return m
}

func runPromHTTP(logger log.Logger, addr string) {

	if addr == "" {
		level.Debug(logger).Log("msg", "prometheus addr is empty, not exposing prometheus metrics")
		return
	}

	http.Handle("/metrics", promhttp.Handler())

	level.Info(logger).Log(
		"msg", "exposing prometheus metrics",
		"addr", addr,
	)

	if err := http.ListenAndServe(addr, nil); err != nil {
		level.Error(logger).Log(
			"msg", "failed to serve prometheus metrics",
			"err", err,
		)
	}
}
