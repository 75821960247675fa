package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	gmprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/pcf"
	"go.uber.org/multierr"
)

// Daemon owns a fabric node and its admin API.
type Daemon struct {
	Config Config
	Fabric *pcf.Fabric

	logger  *slog.Logger
	events  chan pcf.Event
	metrics http.Handler
}

// New builds the daemon. Nothing binds before Serve.
func New(cfg Config) (*Daemon, error) {
	handler, err := cfg.Logging.LogHandler()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		Config: cfg,
		logger: slog.New(handler).With("component", "daemon"),
		events: make(chan pcf.Event, 256),
	}

	opts, err := cfg.Options(handler)
	if err != nil {
		return nil, err
	}
	opts = append(opts, pcf.WithEvents(d.events))

	if cfg.Admin.Metrics {
		registry := prometheus.NewRegistry()
		sink, err := gmprom.NewPrometheusSinkFrom(gmprom.PrometheusOpts{
			Registerer: registry,
			Expiration: 10 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		d.metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		opts = append(opts, pcf.WithMetricSink(sink))
	}

	d.Fabric, err = pcf.Create(opts...)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Serve starts the node and its admin API, and blocks until ctx is done.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := d.Fabric.StartServices(ctx); err != nil {
		return multierr.Append(err, d.Fabric.Shutdown())
	}

	var srv *http.Server
	adminErr := make(chan error, 1)
	if d.Config.Admin.Listen != "" {
		ln, err := net.Listen("tcp", d.Config.Admin.Listen)
		if err != nil {
			return multierr.Append(fmt.Errorf("admin: %w", err), d.Fabric.Shutdown())
		}
		srv = &http.Server{
			Handler:           AdminHandler(d.Fabric, d.metrics),
			ReadHeaderTimeout: 10 * time.Second,
		}
		d.logger.Info("admin api listening", "addr", ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
	}

	d.logger.Info("node running", "self", d.Fabric.Self())

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err = <-adminErr:
			d.logger.Error("admin api failed", "error", err)
			break loop
		case ev := <-d.events:
			d.logEvent(ev)
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	return multierr.Append(err, d.Fabric.Shutdown())
}

func (d *Daemon) logEvent(ev pcf.Event) {
	switch ev.Kind {
	case pcf.EventPeerDiscovered:
		d.logger.Info("peer discovered", "addr", ev.Address)
	case pcf.EventError:
		d.logger.Warn("fabric error", "message", ev.Message)
	default:
		d.logger.Debug("event", "kind", ev.Kind)
	}
}
