package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vantagehq/vantage/modules/ingester"
	"github.com/vantagehq/vantage/modules/ingester/receiver"
	"github.com/vantagehq/vantage/modules/opamp"
	"github.com/vantagehq/vantage/modules/querier"
	"github.com/vantagehq/vantage/modules/retention"
	"github.com/vantagehq/vantage/pkg/store"
	"github.com/vantagehq/vantage/pkg/store/migrate"
	"github.com/vantagehq/vantage/pkg/util/log"
)

// The various modules that make up vantage.
const (
	Server       string = "server"
	Store        string = "store"
	Schema       string = "schema"
	Ingester     string = "ingester"
	Receiver     string = "receiver"
	Querier      string = "querier"
	OpAMP        string = "opamp"
	Retention    string = "retention"
	SingleBinary string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	if t.cfg.EnableGoRuntimeMetrics {
		// unregister default Go collector
		prometheus.Unregister(collectors.NewGoCollector())
		// register Go collector with all available runtime metrics
		prometheus.MustRegister(collectors.NewGoCollector(
			collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll),
		))
	}

	DisableSignalHandling(&t.cfg.Server)

	srv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = srv
	s := NewServerService(srv, servicesToWaitFor)

	return s, nil
}

func (t *App) initStore() (services.Service, error) {
	// query windows clamp to whatever the retention sweep keeps
	t.cfg.Store.RetentionHorizon = t.cfg.Retention.Horizon

	s, err := store.New(t.cfg.Store, log.WithModule(Store))
	if err != nil {
		return nil, fmt.Errorf("failed to create store %w", err)
	}
	t.store = s

	return services.NewIdleService(nil, func(_ error) error {
		t.store.Close()
		return nil
	}), nil
}

func (t *App) initSchema() (services.Service, error) {
	t.schema = migrate.NewCoordinator(t.cfg.Schema, t.store, log.WithModule(Schema))

	// The migration runs once in starting. Failing it fails startup; writes
	// stay gated until it has completed.
	starting := func(ctx context.Context) error {
		return t.schema.Run(ctx)
	}
	running := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}

	return services.NewBasicService(starting, running, nil), nil
}

func (t *App) initIngester() (services.Service, error) {
	ing, err := ingester.New(t.cfg.Ingester, t.store, log.WithModule(Ingester))
	if err != nil {
		return nil, fmt.Errorf("failed to create ingester: %w", err)
	}
	t.ingester = ing

	return t.ingester, nil
}

func (t *App) initReceiver() (services.Service, error) {
	t.receiver = receiver.New(t.cfg.Ingester, t.ingester, log.WithModule(Receiver))

	t.receiver.RegisterGRPC(t.Server.GRPC)
	t.receiver.RegisterHTTP(t.Server.HTTP)

	return services.NewIdleService(nil, nil), nil
}

func (t *App) initQuerier() (services.Service, error) {
	t.querier = querier.New(t.cfg.Querier, t.store, log.WithModule(Querier))

	sub := t.Server.HTTP.NewRoute().Subrouter()
	sub.Use(func(next http.Handler) http.Handler {
		return gzhttp.GzipHandler(next)
	})
	t.querier.RegisterHTTP(sub)

	return services.NewIdleService(nil, nil), nil
}

func (t *App) initOpAMP() (services.Service, error) {
	coord, err := opamp.New(t.cfg.OpAMP, log.WithModule(OpAMP))
	if err != nil {
		return nil, fmt.Errorf("failed to create opamp coordinator %w", err)
	}
	t.opamp = coord

	t.Server.HTTP.Path(opamp.PathWebSocket).Handler(t.opamp.WebSocketHandler())
	t.opamp.RegisterHTTP(t.Server.HTTP)

	return t.opamp, nil
}

func (t *App) initRetention() (services.Service, error) {
	t.retention = retention.New(t.cfg.Retention, t.store, log.WithModule(Retention))

	return t.retention, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Schema, t.initSchema, modules.UserInvisibleModule)
	mm.RegisterModule(Ingester, t.initIngester)
	mm.RegisterModule(Receiver, t.initReceiver)
	mm.RegisterModule(Querier, t.initQuerier)
	mm.RegisterModule(OpAMP, t.initOpAMP)
	mm.RegisterModule(Retention, t.initRetention)
	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		// Server: nil,
		// Store:  nil,
		Schema:       {Store},
		Ingester:     {Store, Schema, Server},
		Receiver:     {Server, Ingester},
		Querier:      {Store, Schema, Server},
		OpAMP:        {Server},
		Retention:    {Store, Schema, Server},
		SingleBinary: {Receiver, Querier, OpAMP, Retention},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm

	return nil
}
