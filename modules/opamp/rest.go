package opamp

import (
	"encoding/hex"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/vantagehq/vantage/pkg/api"
	"github.com/vantagehq/vantage/pkg/verrors"
)

const urlParamInstanceID = "instance_id"

// maxConfigBytes bounds an operator-supplied config body.
const maxConfigBytes = 1 << 20

// RegisterHTTP attaches the REST facade.
func (c *Coordinator) RegisterHTTP(router *mux.Router) {
	router.HandleFunc(api.PathOpAMPStatus, c.handleStatus).Methods("GET")
	router.HandleFunc(api.PathOpAMPConfig, c.handleGetConfig).Methods("GET")
	router.HandleFunc(api.PathOpAMPConfig, c.handlePostConfig).Methods("POST")
	router.HandleFunc(api.PathOpAMPHealth, c.handleHealth).Methods("GET")
}

// agentStatus is the wire rendering of one tracked agent.
type agentStatus struct {
	InstanceID   string `json:"instance_id"`
	AgentType    string `json:"agent_type,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	Status       string `json:"status"`
	LastSeen     string `json:"last_seen"`
	HasPending   bool   `json:"has_pending_config"`
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, _ *http.Request) {
	agents := c.reg.list()
	out := make([]agentStatus, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentStatus{
			InstanceID:   a.InstanceIDHex(),
			AgentType:    a.AgentType,
			AgentVersion: a.AgentVersion,
			Status:       string(a.Status),
			LastSeen:     a.LastSeen.UTC().Format(time.RFC3339),
			HasPending:   a.HasPending(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	api.WriteList(w, out, len(out), len(out), 0, false, "")
}

// configResponse is the wire rendering of an agent's configuration state.
type configResponse struct {
	InstanceID      string `json:"instance_id"`
	EffectiveConfig string `json:"effective_config"`
	PendingConfig   string `json:"pending_config,omitempty"`
	PendingHash     string `json:"pending_hash,omitempty"`
}

func (c *Coordinator) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	agent, err := c.resolveAgent(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	resp := configResponse{
		InstanceID:      agent.InstanceIDHex(),
		EffectiveConfig: string(agent.EffectiveConfig),
	}
	if agent.HasPending() {
		resp.PendingConfig = string(agent.PendingConfig)
		resp.PendingHash = hex.EncodeToString(agent.PendingHash)
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// resolveAgent finds the addressed agent and returns its snapshot. Without
// an instance_id the lookup succeeds only when exactly one agent is tracked.
func (c *Coordinator) resolveAgent(r *http.Request) (Agent, error) {
	idHex := r.URL.Query().Get(urlParamInstanceID)
	if idHex == "" {
		agents := c.reg.list()
		if len(agents) == 1 {
			return agents[0], nil
		}
		return Agent{}, verrors.E(verrors.KindInvalid, "%s is required when %d agents are tracked", urlParamInstanceID, len(agents))
	}

	id, err := hex.DecodeString(idHex)
	if err != nil {
		return Agent{}, verrors.E(verrors.KindInvalid, "invalid %s %q", urlParamInstanceID, idHex, err)
	}
	agent, ok := c.reg.get(id)
	if !ok {
		return Agent{}, verrors.E(verrors.KindNotFound, "unknown agent %s", idHex)
	}
	return agent, nil
}

// configReceipt acknowledges an accepted config update. The receipt id ties
// operator requests to coordinator log lines; Targets counts the agents the
// update was queued for at acceptance time.
type configReceipt struct {
	ReceiptID   string   `json:"receipt_id"`
	Accepted    bool     `json:"accepted"`
	ConfigHash  string   `json:"config_hash"`
	Targets     int      `json:"targets"`
	InstanceIDs []string `json:"instance_ids"`
}

// handlePostConfig validates the YAML body syntactically, queues it as
// pending for the addressed agent (or all agents when no id is given), and
// returns a receipt. Delivery happens on each agent's next message. A
// fleet-wide update is retained, so agents that first connect after the
// POST still receive it; the receipt's Targets reports zero in that case.
func (c *Coordinator) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBytes))
	if err != nil {
		api.WriteError(w, verrors.E(verrors.KindInvalid, "reading config body", err))
		return
	}
	if len(body) == 0 {
		api.WriteError(w, verrors.E(verrors.KindInvalid, "config body is required"))
		return
	}
	var parsed any
	if err := yaml.Unmarshal(body, &parsed); err != nil {
		api.WriteError(w, verrors.E(verrors.KindInvalid, "config is not valid YAML", err))
		return
	}

	receipt := configReceipt{
		ReceiptID:  uuid.NewString(),
		Accepted:   true,
		ConfigHash: hex.EncodeToString(configHash(body)),
	}

	if idHex := r.URL.Query().Get(urlParamInstanceID); idHex != "" {
		id, err := hex.DecodeString(idHex)
		if err != nil {
			api.WriteError(w, verrors.E(verrors.KindInvalid, "invalid %s %q", urlParamInstanceID, idHex, err))
			return
		}
		if !c.reg.setPending(id, body) {
			api.WriteError(w, verrors.E(verrors.KindNotFound, "unknown agent %s", idHex))
			return
		}
		receipt.InstanceIDs = []string{hex.EncodeToString(id)}
	} else {
		receipt.InstanceIDs = c.reg.setPendingAll(body)
	}
	receipt.Targets = len(receipt.InstanceIDs)

	api.WriteJSON(w, http.StatusAccepted, receipt)
}

// healthResponse summarizes coordinator health.
type healthResponse struct {
	Healthy         bool `json:"healthy"`
	ConnectedAgents int  `json:"connected_agents"`
	TrackedAgents   int  `json:"tracked_agents"`
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, healthResponse{
		Healthy:         true,
		ConnectedAgents: c.reg.connectedCount(),
		TrackedAgents:   len(c.reg.list()),
	})
}
