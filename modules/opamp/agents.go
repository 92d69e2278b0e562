package opamp

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/open-telemetry/opamp-go/server/types"
)

// AgentStatus is the connection state of an agent.
type AgentStatus string

const (
	StatusConnected    AgentStatus = "connected"
	StatusDisconnected AgentStatus = "disconnected"
)

// Agent is the tracked state of one collector instance. Disconnected agents
// are retained for the configured TTL so state survives reconnects.
//
// Config bodies and hashes are immutable once assigned; writers always
// replace the slice with a fresh allocation. A shallow copy taken under the
// registry lock is therefore a safe snapshot.
type Agent struct {
	InstanceID   []byte
	AgentType    string
	AgentVersion string
	Status       AgentStatus
	LastSeen     time.Time

	// EffectiveConfig is the config body the agent last reported.
	EffectiveConfig []byte

	// PendingConfig is queued for delivery; PendingHash is its content
	// hash, so hash equality implies config equality.
	PendingConfig  []byte
	PendingHash    []byte
	PendingSince   time.Time
	PendingSentAt  time.Time
	DisconnectedAt time.Time

	conn types.Connection
}

func (a *Agent) key() string { return string(a.InstanceID) }

// InstanceIDHex is the wire rendering of the opaque instance id.
func (a *Agent) InstanceIDHex() string { return hex.EncodeToString(a.InstanceID) }

// HasPending reports whether a config update is queued.
func (a *Agent) HasPending() bool { return len(a.PendingConfig) > 0 }

// configHash is the content hash binding acks to pending configs.
func configHash(body []byte) []byte {
	h := sha256.Sum256(body)
	return h[:]
}

// registry is the in-memory agent table. Live *Agent pointers never leave
// the lock; every accessor either mutates under the mutex or returns a
// snapshot copy. Callbacks from different connections race otherwise.
type registry struct {
	mtx    sync.Mutex
	agents map[string]*Agent

	// broadcastConfig is the last fleet-wide config update. It is queued
	// for agents that first connect after the update was posted.
	broadcastConfig []byte
	broadcastAt     time.Time
}

func newRegistry() *registry {
	return &registry{agents: map[string]*Agent{}}
}

// upsert marks the agent for the instance id connected on the given
// connection, creating it on first sight. A new agent inherits any
// outstanding fleet-wide config update.
func (r *registry) upsert(instanceID []byte, conn types.Connection) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	a, ok := r.agents[string(instanceID)]
	if !ok {
		a = &Agent{InstanceID: append([]byte(nil), instanceID...)}
		r.agents[a.key()] = a
		if len(r.broadcastConfig) > 0 {
			r.setPendingLocked(a, r.broadcastConfig)
		}
	}
	a.Status = StatusConnected
	a.LastSeen = time.Now()
	a.conn = conn
}

// get snapshots an agent by instance id.
func (r *registry) get(instanceID []byte) (Agent, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	a, ok := r.agents[string(instanceID)]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// describe records the agent's identifying attributes. Empty values leave
// the previously reported ones in place.
func (r *registry) describe(instanceID []byte, agentType, agentVersion string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	a, ok := r.agents[string(instanceID)]
	if !ok {
		return
	}
	if agentType != "" {
		a.AgentType = agentType
	}
	if agentVersion != "" {
		a.AgentVersion = agentVersion
	}
}

// setEffective records the config body the agent reported as applied. An
// effective config that already matches the pending one acknowledges it
// implicitly; the return value reports whether that happened.
func (r *registry) setEffective(instanceID, body []byte) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	a, ok := r.agents[string(instanceID)]
	if !ok {
		return false
	}
	a.EffectiveConfig = append([]byte(nil), body...)
	if a.HasPending() && bytes.Equal(configHash(body), a.PendingHash) {
		r.clearPendingLocked(a)
		return true
	}
	return false
}

// takePending claims the queued config for delivery. It returns the body
// and hash only when an update is pending and no delivery is outstanding,
// and marks the delivery sent.
func (r *registry) takePending(instanceID []byte) (body, hash []byte, ok bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	a, found := r.agents[string(instanceID)]
	if !found || !a.HasPending() || !a.PendingSentAt.IsZero() {
		return nil, nil, false
	}
	a.PendingSentAt = time.Now()
	return a.PendingConfig, a.PendingHash, true
}

// disconnect marks every agent bound to conn as disconnected.
func (r *registry) disconnect(conn types.Connection) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	now := time.Now()
	for _, a := range r.agents {
		if a.conn == conn {
			a.Status = StatusDisconnected
			a.DisconnectedAt = now
			a.conn = nil
		}
	}
}

// list snapshots all tracked agents.
func (r *registry) list() []Agent {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

// setPending queues a config update for one agent.
func (r *registry) setPending(instanceID, body []byte) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	a, ok := r.agents[string(instanceID)]
	if !ok {
		return false
	}
	r.setPendingLocked(a, body)
	return true
}

// setPendingAll queues a config update for every tracked agent and returns
// the affected instance ids. The body is retained so agents that connect
// later receive it too.
func (r *registry) setPendingAll(body []byte) []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var ids []string
	for _, a := range r.agents {
		r.setPendingLocked(a, body)
		ids = append(ids, a.InstanceIDHex())
	}
	r.broadcastConfig = append([]byte(nil), body...)
	r.broadcastAt = time.Now()
	return ids
}

func (r *registry) setPendingLocked(a *Agent, body []byte) {
	a.PendingConfig = append([]byte(nil), body...)
	a.PendingHash = configHash(body)
	a.PendingSince = time.Now()
	a.PendingSentAt = time.Time{}
}

func (r *registry) clearPendingLocked(a *Agent) {
	a.PendingConfig = nil
	a.PendingHash = nil
	a.PendingSince = time.Time{}
	a.PendingSentAt = time.Time{}
}

// ack clears the pending config iff the acknowledged hash matches.
func (r *registry) ack(instanceID, ackedHash []byte) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	a, ok := r.agents[string(instanceID)]
	if !ok || !a.HasPending() || !bytes.Equal(a.PendingHash, ackedHash) {
		return false
	}
	r.clearPendingLocked(a)
	return true
}

// sweep drops agents disconnected longer than ttl, expires a retained
// fleet-wide config of the same age, and re-arms pending deliveries that
// were sent but not acknowledged within staleAfter.
func (r *registry) sweep(ttl, staleAfter time.Duration) (expired, stale int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	now := time.Now()
	for key, a := range r.agents {
		if a.Status == StatusDisconnected && now.Sub(a.DisconnectedAt) > ttl {
			delete(r.agents, key)
			expired++
			continue
		}
		if a.HasPending() && !a.PendingSentAt.IsZero() && now.Sub(a.PendingSentAt) > staleAfter {
			// Stale: retried on the agent's next message.
			a.PendingSentAt = time.Time{}
			stale++
		}
	}
	if len(r.broadcastConfig) > 0 && now.Sub(r.broadcastAt) > ttl {
		r.broadcastConfig = nil
	}
	return expired, stale
}

// connectedCount reports how many agents are currently connected.
func (r *registry) connectedCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	n := 0
	for _, a := range r.agents {
		if a.Status == StatusConnected {
			n++
		}
	}
	return n
}
