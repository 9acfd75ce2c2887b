// Package app wires configuration into a running ingestion service: bus,
// listeners, dual-write coordinator, stores and the operational HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"usagetrail/internal/listener"
	"usagetrail/internal/platform/config"
	"usagetrail/internal/platform/httpserver"
	influxclient "usagetrail/internal/platform/influx"
	"usagetrail/internal/platform/metrics"
	pgclient "usagetrail/internal/platform/postgres"
	redisclient "usagetrail/internal/platform/redis"
	"usagetrail/internal/reporting"
	"usagetrail/pkg/analytics/dualwrite"
	"usagetrail/pkg/analytics/normalize"
	"usagetrail/pkg/analytics/publisher"
	"usagetrail/pkg/analytics/store/influx"
	"usagetrail/pkg/analytics/store/memory"
	"usagetrail/pkg/analytics/store/postgres"
	redisstore "usagetrail/pkg/analytics/store/redis"
	"usagetrail/pkg/platform/bus"
	"usagetrail/pkg/platform/bus/kafka"
	"usagetrail/pkg/platform/circuit"
	"usagetrail/pkg/platform/observability"
	"usagetrail/pkg/platform/tx"
)

// App is one configured service instance.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	observer observability.Observer
	metrics  *metrics.Metrics

	bus         bus.Bus
	coordinator *dualwrite.Coordinator
	listeners   []*listener.Listener
	publisher   *publisher.Publisher
	server      *http.Server

	probes  map[string]httpserver.Probe
	closers []func() error
}

// New connects every configured dependency and registers the listeners. On
// error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	m := metrics.New(cfg.App.Name)
	a := &App{
		cfg:      cfg,
		log:      log,
		observer: observability.New(log, observability.WithRegisterer(m.Registry)),
		metrics:  m,
		probes:   map[string]httpserver.Probe{},
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	metricsStore, usage, err := a.metricsStore(ctx)
	if err != nil {
		return nil, err
	}
	auditStore, events, err := a.auditStore(ctx)
	if err != nil {
		return nil, err
	}

	a.coordinator, err = dualwrite.New(metricsStore, auditStore,
		dualwrite.WithTimeouts(cfg.Pipeline.MetricsTimeout, cfg.Pipeline.AuditTimeout),
		dualwrite.WithBreakers(a.breaker(dualwrite.StoreMetrics), a.breaker(dualwrite.StoreAudit)),
		dualwrite.WithObserver(a.observer),
		dualwrite.WithMetrics(dualwrite.NewMetrics(m.Registry)),
	)
	if err != nil {
		return nil, err
	}
	a.probes["circuits"] = a.circuitProbe

	if a.bus, err = a.newBus(); err != nil {
		return nil, err
	}
	a.publisher = publisher.New(a.bus,
		publisher.WithObserver(a.observer),
		publisher.WithMetrics(publisher.NewMetrics(m.Registry)),
	)

	a.listeners, err = listener.Register(a.bus, bindings(cfg.Listeners), a.coordinator,
		listener.WithNormalizer(normalize.New()),
		listener.WithObserver(a.observer),
		listener.WithMetrics(listener.NewMetrics(m.Registry)),
	)
	if err != nil {
		return nil, err
	}

	router := httpserver.NewRouter(httpserver.Options{
		Logger:  log,
		Metrics: m.Handler(),
		Probes:  a.probes,
		OnReady: m.SetReady,
	}, reporting.New(usage, events, log).Register)
	a.server = httpserver.New(cfg.HTTP.Addr, router)
	return a, nil
}

func (a *App) breaker(store dualwrite.Store) *circuit.Breaker {
	p := a.cfg.Pipeline
	return circuit.New(store.String(),
		circuit.WithFailureThreshold(p.BreakerFailures),
		circuit.WithSuccessThreshold(p.BreakerSuccesses),
		circuit.WithCooldown(p.BreakerCooldown),
	)
}

func (a *App) metricsStore(ctx context.Context) (dualwrite.MetricsStore, reporting.UsageReader, error) {
	switch a.cfg.Pipeline.MetricsStore {
	case config.MetricsInflux:
		client, err := influxclient.New(ctx, a.cfg.Influx)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(func() error { client.Close(); return nil })
		a.probes["influx"] = client.Health
		// Influx answers usage through Flux queries, not this service.
		return influx.New(client.Writer(), influx.WithMeasurement(a.cfg.Influx.Measurement)), nil, nil
	case config.MetricsRedis:
		client, err := redisclient.New(ctx, a.cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(client.Close)
		a.probes["redis"] = client.Health
		store := redisstore.New(client,
			redisstore.WithMarkerTTL(a.cfg.Redis.MarkerTTL),
			redisstore.WithCounterTTL(a.cfg.Redis.CounterTTL),
		)
		return store, store, nil
	default:
		store := memory.NewMetricsStore()
		return store, store, nil
	}
}

func (a *App) auditStore(ctx context.Context) (dualwrite.AuditStore, reporting.EventLister, error) {
	if a.cfg.Pipeline.AuditStore != config.AuditPostgres {
		store := memory.NewAuditStore()
		return store, store, nil
	}
	db, err := pgclient.Open(ctx, a.cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	a.onClose(db.Close)
	a.probes["postgres"] = probeDB(db)

	store := postgres.New(db)
	if a.cfg.Postgres.EnsureSchema {
		if err := tx.Run(ctx, db, store.EnsureSchema); err != nil {
			return nil, nil, err
		}
	}
	return store, store, nil
}

func (a *App) newBus() (bus.Bus, error) {
	bc := bus.Config{
		Concurrency:     a.cfg.Bus.Concurrency,
		InboxSize:       a.cfg.Bus.InboxSize,
		MaxDeliveries:   a.cfg.Bus.MaxDeliveries,
		RedeliveryDelay: a.cfg.Bus.RedeliveryDelay,
		DrainTimeout:    a.cfg.Bus.DrainTimeout,
	}
	busMetrics := bus.NewMetrics(a.metrics.Registry)

	if a.cfg.Bus.Driver != config.BusKafka {
		return bus.NewMemory(bc,
			bus.WithObserver(a.observer),
			bus.WithMetrics(busMetrics),
			bus.WithDeadLetterHandler(func(ctx context.Context, dl bus.DeadLetter) {
				a.log.ErrorContext(ctx, "CRITICAL: event dead-lettered",
					"topic", dl.Message.Topic,
					"queue", dl.Message.Queue,
					"reason", dl.Reason,
				)
			}),
		), nil
	}

	k := a.cfg.Kafka
	b, err := kafka.New(kafka.Config{
		Config:            bc,
		Brokers:           k.Brokers,
		ClientID:          k.ClientID,
		FetchMaxWait:      k.FetchMaxWait,
		MaxPollRecords:    k.MaxPollRecords,
		Partitions:        k.Partitions,
		ReplicationFactor: k.ReplicationFactor,
		ProvisionTopics:   k.ProvisionTopics,
	}, kafka.WithObserver(a.observer), kafka.WithMetrics(busMetrics))
	if err != nil {
		return nil, err
	}
	a.probes["kafka"] = b.Ping
	return b, nil
}

// circuitProbe fails while any store circuit is open, so load balancers stop
// routing producers here while deliveries cannot complete.
func (a *App) circuitProbe(context.Context) error {
	var errs []error
	for store, state := range a.coordinator.BreakerStates() {
		if state == circuit.StateOpen {
			errs = append(errs, fmt.Errorf("%s store circuit open", store))
		}
	}
	return errors.Join(errs...)
}

// Run starts consuming and serving until ctx is cancelled, then shuts down
// the HTTP server and drains the bus.
func (a *App) Run(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		a.close()
		return err
	}
	a.log.InfoContext(ctx, "ingestion started",
		"bus", a.cfg.Bus.Driver,
		"metrics_store", a.cfg.Pipeline.MetricsStore,
		"audit_store", a.cfg.Pipeline.AuditStore,
		"listeners", len(a.listeners),
		"http_addr", a.cfg.HTTP.Addr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Bus.DrainTimeout+5*time.Second)
	defer cancel()

	a.log.InfoContext(ctx, "shutting down")
	errs := []error{a.server.Shutdown(ctx), a.bus.Shutdown(ctx)}
	a.close()
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases store clients in reverse order of opening.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close dependency", "error", err)
		}
	}
	a.closers = nil
}

// Publisher emits events on the service's bus.
func (a *App) Publisher() *publisher.Publisher { return a.publisher }

// Handler is the operational HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

func bindings(cfg []config.Listener) []listener.Binding {
	out := make([]listener.Binding, 0, len(cfg))
	for _, l := range cfg {
		out = append(out, listener.Binding{Domain: l.Domain, Pattern: l.Pattern, Queue: l.Queue})
	}
	return out
}

func probeDB(db *sql.DB) httpserver.Probe {
	return db.PingContext
}
