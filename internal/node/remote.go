package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/grid/internal/data"
)

// RemoteNode lets the distributor schedule onto a node that registered over
// HTTP. It speaks the node wire endpoints on the node's external URI and
// falls back to the last seen status when the node is unreachable.
type RemoteNode struct {
	secret data.Secret
	client *http.Client

	mu     sync.RWMutex
	status data.NodeStatus
}

func NewRemoteNode(status data.NodeStatus, secret data.Secret) *RemoteNode {
	return &RemoteNode{
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		status: status,
	}
}

func (r *RemoteNode) ID() data.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.NodeID
}

func (r *RemoteNode) ExternalURI() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.ExternalURI
}

func (r *RemoteNode) RegistrationSecret() data.Secret { return r.secret }

// UpdateStatus replaces the cached snapshot, normally from a heartbeat.
func (r *RemoteNode) UpdateStatus(status data.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

type remoteCreateRequest struct {
	RequestID    data.RequestID    `json:"requestId"`
	Capabilities data.Capabilities `json:"capabilities"`
}

type remoteCreateResponse struct {
	Session data.Session `json:"session"`
	Error   string       `json:"error,omitempty"`
}

func (r *RemoteNode) NewSession(ctx context.Context, req CreateRequest) (data.Session, error) {
	body, err := json.Marshal(remoteCreateRequest{RequestID: req.RequestID, Capabilities: req.Capabilities})
	if err != nil {
		return data.Session{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint("/se/grid/node/session"), bytes.NewReader(body))
	if err != nil {
		return data.Session{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return data.Session{}, fmt.Errorf("%w: %v", data.ErrFactoryFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return data.Session{}, data.ErrNoCapacity
	case http.StatusServiceUnavailable:
		return data.Session{}, data.ErrDraining
	case http.StatusBadRequest:
		return data.Session{}, data.ErrNoMatch
	default:
		return data.Session{}, fmt.Errorf("%w: node answered %s", data.ErrFactoryFailed, resp.Status)
	}

	var out remoteCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return data.Session{}, fmt.Errorf("%w: decoding node response: %v", data.ErrFactoryFailed, err)
	}
	return out.Session, nil
}

func (r *RemoteNode) Stop(ctx context.Context, id data.SessionID) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		r.endpoint("/se/grid/node/session/"+string(id)), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return data.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stop session %s: node answered %s", id, resp.Status)
	}
	return nil
}

func (r *RemoteNode) Drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("/se/grid/node/drain"), nil)
	if err != nil {
		return
	}
	if resp, err := r.client.Do(httpReq); err == nil {
		resp.Body.Close()
	}
	r.mu.Lock()
	r.status.IsDraining = true
	r.mu.Unlock()
}

func (r *RemoteNode) IsDraining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.IsDraining
}

func (r *RemoteNode) Status() data.NodeStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("/se/grid/node/status"), nil)
	if err == nil {
		if resp, err := r.client.Do(httpReq); err == nil {
			defer resp.Body.Close()
			var status data.NodeStatus
			if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&status) == nil {
				r.UpdateStatus(status)
				return status
			}
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *RemoteNode) HealthCheck() (data.Availability, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("/se/grid/node/status"), nil)
	if err != nil {
		return data.Down, err.Error()
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return data.Down, "node unreachable: " + err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return data.Down, "node status endpoint answered " + resp.Status
	}
	if r.IsDraining() {
		return data.Draining, "node draining"
	}
	return data.Up, "ok"
}

func (r *RemoteNode) endpoint(path string) string {
	return strings.TrimRight(r.ExternalURI(), "/") + path
}
