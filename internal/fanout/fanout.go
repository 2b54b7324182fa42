// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package fanout is the controller's registry of per-node control
// clients: it satisfies enforcement.NodeBlocker by name-dispatching to
// one controlclient.Client per configured node, and lets
// the admin facade add or remove nodes at runtime.
package fanout

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/controlclient"
)

// Registry is the controller's live view of node agents.
type Registry struct {
	secret     string
	httpClient *http.Client

	mu      sync.RWMutex
	clients map[string]*controlclient.Client
}

// New builds a Registry for nodes, sharing secret as every node's
// control-protocol credential.
func New(nodes []config.Node, secret string) *Registry {
	r := &Registry{
		secret:     secret,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		clients:    make(map[string]*controlclient.Client),
	}
	r.SetNodes(nodes)
	return r
}

// SetNodes replaces the registry's node set, for the admin facade's node
// CRUD.
func (r *Registry) SetNodes(nodes []config.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]*controlclient.Client, len(nodes))
	for _, n := range nodes {
		r.clients[n.Name] = controlclient.New(n.ControlAddress, r.secret, r.httpClient)
	}
}

// Nodes returns the currently registered node names.
func (r *Registry) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// Block satisfies enforcement.NodeBlocker: dispatches a block request to
// the named node.
func (r *Registry) Block(ctx context.Context, node, ip string, port int, ttl time.Duration) error {
	client, ok := r.clientFor(node)
	if !ok {
		return fmt.Errorf("fanout: unknown node %q", node)
	}
	return client.Block(ctx, ip, port, ttl)
}

// Unblock dispatches an unblock request to the named node.
func (r *Registry) Unblock(ctx context.Context, node, ip string, port int) error {
	client, ok := r.clientFor(node)
	if !ok {
		return fmt.Errorf("fanout: unknown node %q", node)
	}
	return client.Unblock(ctx, ip, port)
}

// Health polls the named node's /health endpoint.
func (r *Registry) Health(ctx context.Context, node string) (installedRules int, err error) {
	client, ok := r.clientFor(node)
	if !ok {
		return 0, fmt.Errorf("fanout: unknown node %q", node)
	}
	reply, err := client.Health(ctx)
	if err != nil {
		return 0, err
	}
	return reply.InstalledRules, nil
}

func (r *Registry) clientFor(node string) (*controlclient.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[node]
	return c, ok
}
