package opamp

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/open-telemetry/opamp-go/server/types"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id int
}

var _ types.Connection = (*fakeConn)(nil)

func (*fakeConn) Connection() net.Conn                                 { return nil }
func (*fakeConn) Send(context.Context, *protobufs.ServerToAgent) error { return nil }
func (*fakeConn) Disconnect() error                                    { return nil }

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := Config{PendingTTL: 30 * time.Minute, StaleAfter: 5 * time.Minute, SweepInterval: time.Minute}
	c, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	return c
}

func statusReport(uid []byte, effective string) *protobufs.AgentToServer {
	msg := &protobufs.AgentToServer{InstanceUid: uid}
	if effective != "" {
		msg.EffectiveConfig = &protobufs.EffectiveConfig{
			ConfigMap: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"": {Body: []byte(effective)},
				},
			},
		}
	}
	return msg
}

func TestHandshakeCapturesEffectiveConfig(t *testing.T) {
	c := testCoordinator(t)
	conn := &fakeConn{id: 1}

	msg := statusReport([]byte("agent-x"), "receivers: {}\n")
	msg.AgentDescription = &protobufs.AgentDescription{
		IdentifyingAttributes: []*protobufs.KeyValue{
			{Key: "service.name", Value: &protobufs.AnyValue{Value: &protobufs.AnyValue_StringValue{StringValue: "otelcol"}}},
			{Key: "service.version", Value: &protobufs.AnyValue{Value: &protobufs.AnyValue_StringValue{StringValue: "0.103.0"}}},
		},
	}

	resp := c.onMessage(context.Background(), conn, msg)
	require.Nil(t, resp.RemoteConfig)

	agent, ok := c.reg.get([]byte("agent-x"))
	require.True(t, ok)
	require.Equal(t, StatusConnected, agent.Status)
	require.Equal(t, "otelcol", agent.AgentType)
	require.Equal(t, "0.103.0", agent.AgentVersion)
	require.Equal(t, "receivers: {}\n", string(agent.EffectiveConfig))
}

func TestPendingConfigDeliveredAndAcked(t *testing.T) {
	c := testCoordinator(t)
	conn := &fakeConn{id: 1}
	uid := []byte("agent-x")

	c.onMessage(context.Background(), conn, statusReport(uid, "e0"))

	require.True(t, c.reg.setPending(uid, []byte("e1")))

	// Next status report carries the update.
	resp := c.onMessage(context.Background(), conn, statusReport(uid, "e0"))
	require.NotNil(t, resp.RemoteConfig)
	require.Equal(t, configHash([]byte("e1")), resp.RemoteConfig.ConfigHash)
	require.Equal(t, []byte("e1"), resp.RemoteConfig.Config.ConfigMap[""].Body)

	// Delivery is not repeated while the ack is outstanding.
	resp = c.onMessage(context.Background(), conn, statusReport(uid, "e0"))
	require.Nil(t, resp.RemoteConfig)

	// Ack with the matching hash clears the pending config.
	ack := statusReport(uid, "e1")
	ack.RemoteConfigStatus = &protobufs.RemoteConfigStatus{
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
		LastRemoteConfigHash: configHash([]byte("e1")),
	}
	c.onMessage(context.Background(), conn, ack)

	agent, _ := c.reg.get(uid)
	require.False(t, agent.HasPending())
	require.Equal(t, "e1", string(agent.EffectiveConfig))
}

func TestAckWithWrongHashKeepsPending(t *testing.T) {
	c := testCoordinator(t)
	conn := &fakeConn{id: 1}
	uid := []byte("agent-x")

	c.onMessage(context.Background(), conn, statusReport(uid, "e0"))
	c.reg.setPending(uid, []byte("e1"))
	c.onMessage(context.Background(), conn, statusReport(uid, "e0"))

	ack := statusReport(uid, "e0")
	ack.RemoteConfigStatus = &protobufs.RemoteConfigStatus{
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
		LastRemoteConfigHash: configHash([]byte("something else")),
	}
	c.onMessage(context.Background(), conn, ack)

	agent, _ := c.reg.get(uid)
	require.True(t, agent.HasPending())
}

func TestDisconnectRetainsStateForTTL(t *testing.T) {
	c := testCoordinator(t)
	conn := &fakeConn{id: 1}
	uid := []byte("agent-x")

	c.onMessage(context.Background(), conn, statusReport(uid, "e0"))
	c.onConnectionClose(conn)

	agent, ok := c.reg.get(uid)
	require.True(t, ok)
	require.Equal(t, StatusDisconnected, agent.Status)

	// Within the TTL the sweep keeps the agent.
	expired, _ := c.reg.sweep(30*time.Minute, 5*time.Minute)
	require.Zero(t, expired)

	// Past the TTL it is dropped.
	c.reg.mtx.Lock()
	c.reg.agents[string(uid)].DisconnectedAt = time.Now().Add(-time.Hour)
	c.reg.mtx.Unlock()
	expired, _ = c.reg.sweep(30*time.Minute, 5*time.Minute)
	require.Equal(t, 1, expired)
	_, ok = c.reg.get(uid)
	require.False(t, ok)
}

func TestStaleDeliveryIsRetried(t *testing.T) {
	c := testCoordinator(t)
	conn := &fakeConn{id: 1}
	uid := []byte("agent-x")

	c.onMessage(context.Background(), conn, statusReport(uid, "e0"))
	c.reg.setPending(uid, []byte("e1"))
	resp := c.onMessage(context.Background(), conn, statusReport(uid, "e0"))
	require.NotNil(t, resp.RemoteConfig)

	c.reg.mtx.Lock()
	c.reg.agents[string(uid)].PendingSentAt = time.Now().Add(-time.Hour)
	c.reg.mtx.Unlock()

	_, stale := c.reg.sweep(30*time.Minute, 5*time.Minute)
	require.Equal(t, 1, stale)

	resp = c.onMessage(context.Background(), conn, statusReport(uid, "e0"))
	require.NotNil(t, resp.RemoteConfig)
}

func TestRESTPostConfigAndStatus(t *testing.T) {
	c := testCoordinator(t)
	conn := &fakeConn{id: 1}
	c.onMessage(context.Background(), conn, statusReport([]byte{0xab}, "e0"))

	router := mux.NewRouter()
	c.RegisterHTTP(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/opamp/config?instance_id=ab", strings.NewReader("receivers: {}\n")))
	require.Equal(t, 202, rec.Code)

	var receipt configReceipt
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &receipt))
	require.True(t, receipt.Accepted)
	require.NotEmpty(t, receipt.ReceiptID)
	require.Equal(t, 1, receipt.Targets)
	require.Equal(t, []string{"ab"}, receipt.InstanceIDs)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/opamp/status", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), `"has_pending_config":true`)
}

func TestRESTPostConfigRejectsBadYAML(t *testing.T) {
	c := testCoordinator(t)
	router := mux.NewRouter()
	c.RegisterHTTP(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/opamp/config", strings.NewReader("a: [unclosed")))
	require.Equal(t, 400, rec.Code)
}

func TestRESTGetConfigUnknownAgent(t *testing.T) {
	c := testCoordinator(t)
	router := mux.NewRouter()
	c.RegisterHTTP(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/opamp/config?instance_id=ff", nil))
	require.Equal(t, 404, rec.Code)
}

func TestBroadcastReachesLateAgents(t *testing.T) {
	c := testCoordinator(t)
	router := mux.NewRouter()
	c.RegisterHTTP(router)

	// Fleet-wide update posted before any agent has connected.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/opamp/config", strings.NewReader("receivers: {}\n")))
	require.Equal(t, 202, rec.Code)

	var receipt configReceipt
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &receipt))
	require.True(t, receipt.Accepted)
	require.Zero(t, receipt.Targets)
	require.Empty(t, receipt.InstanceIDs)

	// The first agent to connect afterwards gets the retained config.
	resp := c.onMessage(context.Background(), &fakeConn{id: 1}, statusReport([]byte("late"), ""))
	require.NotNil(t, resp.RemoteConfig)
	require.Equal(t, []byte("receivers: {}\n"), resp.RemoteConfig.Config.ConfigMap[""].Body)

	// A reconnect of a known agent does not re-queue it.
	c.onMessage(context.Background(), &fakeConn{id: 1}, statusReport([]byte("late"), "receivers: {}\n"))
	agent, ok := c.reg.get([]byte("late"))
	require.True(t, ok)
	require.False(t, agent.HasPending())
}

func TestConcurrentReportsAndStatusReads(t *testing.T) {
	c := testCoordinator(t)
	router := mux.NewRouter()
	c.RegisterHTTP(router)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		conn := &fakeConn{id: i}
		uid := []byte{byte(i)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.onMessage(context.Background(), conn, statusReport(uid, "e0"))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/opamp/config", strings.NewReader("a: 1\n")))
			rec = httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/opamp/status", nil))
		}
	}()
	wg.Wait()
}

func TestRESTGetConfigSingleAgentDefault(t *testing.T) {
	c := testCoordinator(t)
	c.onMessage(context.Background(), &fakeConn{id: 1}, statusReport([]byte{0x01}, "e0"))

	router := mux.NewRouter()
	c.RegisterHTTP(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/opamp/config", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), `"effective_config":"e0"`)
}
