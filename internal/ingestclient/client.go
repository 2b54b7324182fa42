// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ingestclient is the agent's HTTP client for the controller's
// ingest protocol: posting single and batched connection reports.
// It mirrors internal/controlclient, which makes the same kind of call
// in the opposite direction.
package ingestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"grimm.is/devicewall/internal/errors"
	"grimm.is/devicewall/internal/protocol"
)

// Client posts parsed connection entries to the controller's /log and
// /log_batch endpoints on behalf of one node.
type Client struct {
	baseURL string
	node    string
	secret  string
	http    *http.Client
}

// New builds a Client. httpClient is shared so the agent keeps a single
// connection pool across streaming and batched posts.
func New(baseURL, node, secret string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, node: node, secret: secret, http: httpClient}
}

// PostOne posts a single entry to /log (the streaming upload mode).
func (c *Client) PostOne(ctx context.Context, e protocol.LogEntry) error {
	req := protocol.LogRequest{Subscriber: e.Subscriber, IP: e.IP, Node: c.node, Secret: c.secret}
	_, err := c.post(ctx, "/log", req)
	return err
}

// PostBatch posts a batch of entries to /log_batch (the batched upload
// mode), returning the number the controller reports as processed.
func (c *Client) PostBatch(ctx context.Context, entries []protocol.LogEntry) (int, error) {
	req := protocol.LogBatchRequest{Node: c.node, Secret: c.secret, Entries: entries}
	resp, err := c.post(ctx, "/log_batch", req)
	if err != nil {
		return 0, err
	}
	return resp.Processed, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (protocol.OKReply, error) {
	var reply protocol.OKReply
	payload, err := json.Marshal(body)
	if err != nil {
		return reply, errors.Wrap(err, errors.KindInternal, "ingestclient: encode "+path)
	}
	url := fmt.Sprintf("%s%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return reply, errors.Wrap(err, errors.KindInternal, "ingestclient: build request "+path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network hiccup: the caller (uploader) discards this batch
		// rather than retrying indefinitely.
		return reply, errors.Wrap(err, errors.KindTransient, "ingestclient: "+path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return reply, errors.Errorf(errors.KindTransient, "ingestclient: %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return reply, errors.Wrap(err, errors.KindInternal, "ingestclient: decode reply")
	}
	return reply, nil
}
