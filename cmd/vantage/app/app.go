package app

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/grpcutil"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v2"

	"github.com/vantagehq/vantage/modules/ingester"
	"github.com/vantagehq/vantage/modules/ingester/receiver"
	"github.com/vantagehq/vantage/modules/opamp"
	"github.com/vantagehq/vantage/modules/querier"
	"github.com/vantagehq/vantage/modules/retention"
	"github.com/vantagehq/vantage/pkg/store"
	"github.com/vantagehq/vantage/pkg/store/migrate"
	"github.com/vantagehq/vantage/pkg/util"
	"github.com/vantagehq/vantage/pkg/util/log"
)

const metricsNamespace = "vantage"

// Config is the root config for App.
type Config struct {
	Target                 string `yaml:"target,omitempty"`
	EnableGoRuntimeMetrics bool   `yaml:"enable_go_runtime_metrics,omitempty"`

	Server    server.Config    `yaml:"server,omitempty"`
	Store     store.Config     `yaml:"store,omitempty"`
	Schema    migrate.Config   `yaml:"schema,omitempty"`
	Ingester  ingester.Config  `yaml:"ingester,omitempty"`
	Querier   querier.Config   `yaml:"querier,omitempty"`
	OpAMP     opamp.Config     `yaml:"opamp,omitempty"`
	Retention retention.Config `yaml:"retention,omitempty"`
}

// NewDefaultConfig returns a config with all defaults applied.
func NewDefaultConfig() *Config {
	c := &Config{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	c.RegisterFlagsAndApplyDefaults("", fs)
	return c
}

// RegisterFlagsAndApplyDefaults registers flags.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	f.StringVar(&c.Target, "target", SingleBinary, "target module")
	f.BoolVar(&c.EnableGoRuntimeMetrics, "enable-go-runtime-metrics", false, "Set to true to enable all Go runtime metrics")

	// Server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3200, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 4317, "gRPC server listen port.")

	// Everything else
	c.Store.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "store"), f)
	c.Schema.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "schema"), f)
	c.Ingester.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "ingester"), f)
	c.Querier.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "querier"), f)
	c.OpAMP.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "opamp"), f)
	c.Retention.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "retention"), f)
}

// ConfigWarning bundles a warning message with an optional explanation.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig checks if config values are suspect and returns warnings.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Ingester.AdmissionTimeout < c.Ingester.MaxBatchDelay {
		warnings = append(warnings, ConfigWarning{
			Message: "ingester.admission-timeout < ingester.max-batch-delay",
			Explain: "Producers may time out before a batch is even cut. Raise the admission timeout or lower the batch delay.",
		})
	}

	if c.Retention.Horizon > 0 && c.Retention.Horizon < c.Retention.Interval {
		warnings = append(warnings, ConfigWarning{
			Message: "retention.horizon < retention.interval",
			Explain: "Expired rows will linger for up to a full sweep interval past the horizon.",
		})
	}

	if c.OpAMP.PendingTTL < c.OpAMP.StaleAfter {
		warnings = append(warnings, ConfigWarning{
			Message: "opamp.pending-ttl < opamp.stale-after",
			Explain: "Disconnected agents will be forgotten before a stale config delivery is ever retried.",
		})
	}

	return warnings
}

// App is the root datastructure.
type App struct {
	cfg Config

	Server    *server.Server
	store     *store.Store
	schema    *migrate.Coordinator
	ingester  *ingester.Ingester
	receiver  *receiver.Receiver
	querier   *querier.Querier
	opamp     *opamp.Coordinator
	retention *retention.Worker

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg: cfg,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	if !t.ModuleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	// before starting servers, register operational handlers and the gRPC
	// health check service.
	t.Server.HTTP.Path("/config").Handler(t.configHandler())
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))
	t.Server.HTTP.Path("/health").Handler(t.healthHandler())
	t.Server.HTTP.Path("/health/db").Handler(t.dbHealthHandler())
	grpc_health_v1.RegisterHealthServer(t.Server.GRPC, grpcutil.NewHealthCheck(sm))

	// Let's listen for events from this manager, and log them.
	healthy := func() { level.Info(log.Logger).Log("msg", "Vantage started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "Vantage stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		// The store has a special check that makes sure the schema has been
		// migrated far enough to accept writes.
		if t.store != nil && !t.store.Ready() {
			http.Error(w, "Store not ready: schema migration has not completed", http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}

func (t *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ok", http.StatusOK)
	}
}

func (t *App) dbHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.store == nil {
			http.Error(w, "no store configured for this target", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := t.store.Ping(ctx); err != nil {
			http.Error(w, "database unreachable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "ok", http.StatusOK)
	}
}
