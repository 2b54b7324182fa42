// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package controlclient is the controller's HTTP client for the
// control protocol: calling block/unblock/clear on node agents.
package controlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"grimm.is/devicewall/internal/errors"
	"grimm.is/devicewall/internal/protocol"
)

// Client calls one node agent's control endpoints.
type Client struct {
	controlAddress string
	secret         string
	http           *http.Client
}

// New builds a Client for a single node, sharing the given *http.Client
// (connection-pooled across the fan-out).
func New(controlAddress, secret string, httpClient *http.Client) *Client {
	return &Client{controlAddress: controlAddress, secret: secret, http: httpClient}
}

// Block installs or extends a drop rule for ip on the node, for duration.
func (c *Client) Block(ctx context.Context, ip string, port int, duration time.Duration) error {
	body := protocol.BlockRequest{IP: ip, Port: port, Duration: int(duration.Seconds()), Secret: c.secret}
	return c.post(ctx, "/block", body)
}

// Unblock removes any matching rule for ip on the node.
func (c *Client) Unblock(ctx context.Context, ip string, port int) error {
	body := protocol.UnblockRequest{IP: ip, Port: port, Secret: c.secret}
	return c.post(ctx, "/unblock", body)
}

// Clear removes every rule this agent installed.
func (c *Client) Clear(ctx context.Context) error {
	body := protocol.ClearRequest{Secret: c.secret}
	return c.post(ctx, "/clear", body)
}

// Health fetches the agent's unauthenticated health reply.
func (c *Client) Health(ctx context.Context) (*protocol.AgentHealthReply, error) {
	url := fmt.Sprintf("http://%s/health", c.controlAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "controlclient: build health request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "controlclient: health")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf(errors.KindTransient, "controlclient: health returned status %d", resp.StatusCode)
	}
	var reply protocol.AgentHealthReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "controlclient: decode health reply")
	}
	return &reply, nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "controlclient: encode "+path)
	}
	url := fmt.Sprintf("http://%s%s", c.controlAddress, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "controlclient: build request "+path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "controlclient: "+path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf(errors.KindTransient, "controlclient: %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
