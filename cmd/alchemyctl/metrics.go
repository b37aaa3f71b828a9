package main

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
)

// metricsServer exposes a registry on /metrics for as long as the platform
// runs.
type metricsServer struct {
	addr   string
	reg    *prometheus.Registry
	logger *slog.Logger

	srv      *http.Server
	listener net.Listener
}

func newMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *metricsServer {
	return &metricsServer{addr: addr, reg: reg, logger: logger}
}

func (m *metricsServer) Name() string { return "metrics" }

func (m *metricsServer) Start(context.Context) error {
	if err := m.reg.Register(collectors.NewGoCollector()); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
	}
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg}))
	m.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	m.listener = ln
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server stopped", "addr", ln.Addr().String(), "error", err)
		}
	}()
	m.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (m *metricsServer) Stop(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := m.srv.Shutdown(ctx)
	m.srv = nil
	return err
}

// Addr is the bound listen address, useful when addr asked for port 0.
func (m *metricsServer) Addr() string {
	if m.listener == nil {
		return m.addr
	}
	return m.listener.Addr().String()
}
