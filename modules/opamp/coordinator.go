// Package opamp tracks collector agents over the OpAMP WebSocket protocol
// and delivers operator-supplied configuration updates. A REST facade
// exposes agent status and config management to the UI.
package opamp

import (
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/open-telemetry/opamp-go/server"
	"github.com/open-telemetry/opamp-go/server/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vantagehq/vantage/pkg/util"
)

// PathWebSocket is where collectors connect.
const PathWebSocket = "/v1/opamp"

var (
	metricConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vantage",
		Name:      "opamp_connected_agents",
		Help:      "Agents currently connected.",
	})
	metricConfigsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "opamp_configs_delivered_total",
		Help:      "Remote config payloads sent to agents.",
	})
	metricConfigsAcked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "opamp_configs_acked_total",
		Help:      "Pending configs cleared by agent acknowledgement.",
	})
)

// Config holds the coordinator knobs.
type Config struct {
	// PendingTTL bounds how long a disconnected agent's state, including
	// any queued config, is retained.
	PendingTTL time.Duration `yaml:"pending_ttl"`

	// StaleAfter re-arms a delivered-but-unacknowledged config.
	StaleAfter time.Duration `yaml:"stale_after"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&c.PendingTTL, util.PrefixConfig(prefix, "pending-ttl"), 30*time.Minute, "How long disconnected agent state is retained.")
	f.DurationVar(&c.StaleAfter, util.PrefixConfig(prefix, "stale-after"), 5*time.Minute, "Mark an unacknowledged config delivery stale after this long.")
	f.DurationVar(&c.SweepInterval, util.PrefixConfig(prefix, "sweep-interval"), time.Minute, "How often expired state is swept.")
}

// Coordinator is the OpAMP server plus the agent registry.
type Coordinator struct {
	services.Service

	cfg    Config
	logger log.Logger

	reg       *registry
	server    server.OpAMPServer
	wsHandler http.HandlerFunc
}

func New(cfg Config, logger log.Logger) (*Coordinator, error) {
	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		reg:    newRegistry(),
	}
	c.server = server.New(opampLogger{logger})

	handler, _, err := c.server.Attach(server.Settings{
		Callbacks: server.CallbacksStruct{
			OnConnectingFunc: c.onConnecting,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("attaching opamp server: %w", err)
	}
	c.wsHandler = http.HandlerFunc(handler)

	c.Service = services.NewTimerService(cfg.SweepInterval, nil, c.sweep, nil)
	return c, nil
}

// WebSocketHandler serves the agent-facing endpoint.
func (c *Coordinator) WebSocketHandler() http.Handler { return c.wsHandler }

func (c *Coordinator) sweep(_ context.Context) error {
	expired, stale := c.reg.sweep(c.cfg.PendingTTL, c.cfg.StaleAfter)
	if expired > 0 || stale > 0 {
		level.Info(c.logger).Log("msg", "opamp sweep", "expired_agents", expired, "stale_deliveries", stale)
	}
	metricConnectedAgents.Set(float64(c.reg.connectedCount()))
	return nil
}

func (c *Coordinator) onConnecting(_ *http.Request) types.ConnectionResponse {
	return types.ConnectionResponse{
		Accept: true,
		ConnectionCallbacks: server.ConnectionCallbacksStruct{
			OnMessageFunc:         c.onMessage,
			OnConnectionCloseFunc: c.onConnectionClose,
		},
	}
}

func (c *Coordinator) onConnectionClose(conn types.Connection) {
	c.reg.disconnect(conn)
	metricConnectedAgents.Set(float64(c.reg.connectedCount()))
}

// onMessage advances the agent state machine for one inbound report and
// builds the response, delivering any queued config. All agent state is
// read and written through the registry under its lock.
func (c *Coordinator) onMessage(_ context.Context, conn types.Connection, msg *protobufs.AgentToServer) *protobufs.ServerToAgent {
	resp := &protobufs.ServerToAgent{InstanceUid: msg.InstanceUid}
	if len(msg.InstanceUid) == 0 {
		level.Warn(c.logger).Log("msg", "agent report without instance uid")
		return resp
	}

	c.reg.upsert(msg.InstanceUid, conn)
	c.applyReport(msg.InstanceUid, msg)

	if body, hash, ok := c.reg.takePending(msg.InstanceUid); ok {
		resp.RemoteConfig = &protobufs.AgentRemoteConfig{
			Config: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"": {Body: body, ContentType: "text/yaml"},
				},
			},
			ConfigHash: hash,
		}
		metricConfigsDelivered.Inc()
		level.Info(c.logger).Log("msg", "delivering remote config", "instance_id", hex.EncodeToString(msg.InstanceUid))
	}
	return resp
}

// applyReport folds the fields of one status report into the agent state.
func (c *Coordinator) applyReport(uid []byte, msg *protobufs.AgentToServer) {
	if desc := msg.AgentDescription; desc != nil {
		var agentType, agentVersion string
		for _, kv := range desc.IdentifyingAttributes {
			switch kv.Key {
			case "service.name":
				agentType = kv.Value.GetStringValue()
			case "service.version":
				agentVersion = kv.Value.GetStringValue()
			}
		}
		c.reg.describe(uid, agentType, agentVersion)
	}

	if ec := msg.EffectiveConfig; ec != nil && ec.ConfigMap != nil {
		// An agent whose effective config already matches the pending one
		// acknowledges implicitly.
		if c.reg.setEffective(uid, flattenConfigMap(ec.ConfigMap)) {
			metricConfigsAcked.Inc()
		}
	}

	if st := msg.RemoteConfigStatus; st != nil &&
		st.Status == protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED {
		if c.reg.ack(uid, st.LastRemoteConfigHash) {
			metricConfigsAcked.Inc()
			level.Info(c.logger).Log("msg", "remote config acknowledged", "instance_id", hex.EncodeToString(uid))
		}
	}
}

// flattenConfigMap joins the named config files into one body. Single-file
// maps, the common case, pass through untouched.
func flattenConfigMap(m *protobufs.AgentConfigMap) []byte {
	if f, ok := m.ConfigMap[""]; ok && len(m.ConfigMap) == 1 {
		return f.Body
	}
	names := make([]string, 0, len(m.ConfigMap))
	for name := range m.ConfigMap {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "# %s\n", name)
		buf.Write(m.ConfigMap[name].Body)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// opampLogger adapts go-kit logging to the opamp server's logger.
type opampLogger struct {
	logger log.Logger
}

func (l opampLogger) Debugf(_ context.Context, format string, v ...interface{}) {
	level.Debug(l.logger).Log("msg", fmt.Sprintf(format, v...))
}

func (l opampLogger) Errorf(_ context.Context, format string, v ...interface{}) {
	level.Error(l.logger).Log("msg", fmt.Sprintf(format, v...))
}
