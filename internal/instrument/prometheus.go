// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes Prometheus counters for the cell and circuit
// traffic of a connection.
package instrument

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var (
	cellsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_cells_sent_total",
			Help: "Number of cells sent to the entry relay",
		},
		[]string{"command"},
	)
	cellsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_cells_received_total",
			Help: "Number of cells received from the entry relay",
		},
		[]string{"command"},
	)
	cellsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_cells_dropped_total",
			Help: "Number of received cells that were dropped",
		},
		[]string{"reason"},
	)
	circuitsBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_circuits_built_total",
			Help: "Number of circuits built to full length",
		},
	)
	circuitsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_circuits_failed_total",
			Help: "Number of circuit creations or extensions that failed",
		},
	)
	circuitsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_circuits_closed_total",
			Help: "Number of circuits torn down",
		},
		[]string{"by"},
	)
	handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_handshake_failures_total",
			Help: "Number of hop handshakes that failed validation",
		},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default registry.  It is safe to call
// Init more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(cellsSent)
		prometheus.MustRegister(cellsReceived)
		prometheus.MustRegister(cellsDropped)
		prometheus.MustRegister(circuitsBuilt)
		prometheus.MustRegister(circuitsFailed)
		prometheus.MustRegister(circuitsClosed)
		prometheus.MustRegister(handshakeFailures)
	})
}

// Serve exposes the registered metrics via HTTP on addr, returning the
// server so that the caller can shut it down.  The server's Addr is the
// bound address.
func Serve(addr string, log *logging.Logger) (*http.Server, error) {
	Init()

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	srv := &http.Server{Addr: l.Addr().String(), Handler: router}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	log.Noticef("Metrics available at http://%v/metrics", srv.Addr)
	return srv, nil
}

// CellSent counts a cell written to the link.
func CellSent(command string) {
	cellsSent.With(prometheus.Labels{"command": command}).Inc()
}

// CellReceived counts a cell read from the link.
func CellReceived(command string) {
	cellsReceived.With(prometheus.Labels{"command": command}).Inc()
}

// CellDropped counts a received cell that was discarded.
func CellDropped(reason string) {
	cellsDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// CircuitBuilt counts a completed circuit.
func CircuitBuilt() {
	circuitsBuilt.Inc()
}

// CircuitFailed counts a failed creation or extension.
func CircuitFailed() {
	circuitsFailed.Inc()
}

// CircuitClosed counts a torn down circuit.
func CircuitClosed(byPeer bool) {
	by := "local"
	if byPeer {
		by = "peer"
	}
	circuitsClosed.With(prometheus.Labels{"by": by}).Inc()
}

// HandshakeFailed counts a hop handshake that failed validation.
func HandshakeFailed() {
	handshakeFailures.Inc()
}
