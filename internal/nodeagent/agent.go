// Package nodeagent keeps a standalone node attached to a distributor: one
// registration call at startup, then a status heartbeat on a ticker.
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/node"
	"github.com/example/grid/pkg/gridapi"
)

type Agent struct {
	distributorURL string
	secret         data.Secret
	node           *node.LocalNode
	interval       time.Duration
	httpClient     *http.Client
	log            *zap.Logger
}

func New(distributorURL string, secret data.Secret, n *node.LocalNode, interval time.Duration, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Agent{
		distributorURL: strings.TrimRight(distributorURL, "/"),
		secret:         secret,
		node:           n,
		interval:       interval,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		log:            log,
	}
}

// Register announces the node to the distributor.
func (a *Agent) Register(ctx context.Context) error {
	payload := gridapi.RegisterNodeRequest{
		Status: a.node.Status(),
		Secret: string(a.secret),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.distributorURL+"/se/grid/distributor/node", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return data.ErrNodeRejected
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register node failed with status %s", resp.Status)
	}
	a.log.Info("node registered", zap.String("distributor", a.distributorURL))
	return nil
}

// Run heartbeats until the context ends. A heartbeat answered with 404 means
// the distributor forgot us (restart, forcible removal); re-register and
// carry on.
func (a *Agent) Run(ctx context.Context) {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.heartbeat(ctx); err != nil {
				a.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	status := a.node.Status()
	body, err := json.Marshal(status)
	if err != nil {
		return err
	}
	url := a.distributorURL + "/se/grid/distributor/node/" + string(status.NodeID) + "/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		a.log.Info("distributor lost our registration, re-registering")
		return a.Register(ctx)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat failed with status %s", resp.Status)
	}
	return nil
}
