// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package subscription is the controller's client for the upstream
// subscription API: resolving a subscriber's UUID and device
// limit, and issuing enable/disable actions.
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/errors"
)

// User is the subset of the upstream user object the controller reads.
type User struct {
	UUID            string `json:"uuid"`
	HWIDDeviceLimit int    `json:"hwidDeviceLimit"`
	Status          string `json:"status"`
}

type userEnvelope struct {
	Response *User `json:"response"`
	*User
}

// Client calls the subscription API. Concurrent lookups for the
// same subscriber are collapsed via singleflight so a burst of violation
// evaluations doesn't fan out redundant HTTP calls.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	group   singleflight.Group
}

// New builds a Client from the subscription block of the controller
// config.
func New(cfg *config.SubscriptionAPI) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   string(cfg.Token),
		http:    &http.Client{Timeout: timeout},
	}
}

// ResolveUser resolves a subscriber's upstream record. Lookups for the
// same subscriberID made while one is already in flight share its result.
func (c *Client) ResolveUser(ctx context.Context, subscriberID string) (*User, error) {
	v, err, _ := c.group.Do("user:"+subscriberID, func() (interface{}, error) {
		return c.getUser(ctx, subscriberID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*User), nil
}

// GetUser satisfies limitcache.UserResolver, narrowing ResolveUser's
// result to the UUID and device limit fields the cache needs.
func (c *Client) GetUser(ctx context.Context, subscriberID string) (uuid string, limit uint32, err error) {
	u, err := c.ResolveUser(ctx, subscriberID)
	if err != nil {
		return "", 0, err
	}
	if u.HWIDDeviceLimit < 0 {
		return u.UUID, 0, nil
	}
	return u.UUID, uint32(u.HWIDDeviceLimit), nil
}

func (c *Client) getUser(ctx context.Context, subscriberID string) (*User, error) {
	url := fmt.Sprintf("%s/api/users/by-id/%s", c.baseURL, subscriberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "subscription: build request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "subscription: get user")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.New(errors.KindNotFound, "subscription: subscriber not found: "+subscriberID)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errors.Errorf(errors.KindAuth, "subscription: bearer rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf(errors.KindTransient, "subscription: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "subscription: read body")
	}
	var env userEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "subscription: decode user")
	}
	if env.Response != nil {
		return env.Response, nil
	}
	if env.User != nil {
		return env.User, nil
	}
	return nil, errors.New(errors.KindInternal, "subscription: empty user response")
}

// ResolveUUID satisfies enforcement.UserResolver, resolving just the
// upstream UUID that Disable/Enable operate on.
func (c *Client) ResolveUUID(ctx context.Context, subscriberID string) (string, error) {
	u, err := c.ResolveUser(ctx, subscriberID)
	if err != nil {
		return "", err
	}
	return u.UUID, nil
}

// Disable calls POST /api/users/{uuid}/actions/disable.
func (c *Client) Disable(ctx context.Context, uuid string) error {
	return c.action(ctx, uuid, "disable")
}

// Enable calls POST /api/users/{uuid}/actions/enable.
func (c *Client) Enable(ctx context.Context, uuid string) error {
	return c.action(ctx, uuid, "enable")
}

func (c *Client) action(ctx context.Context, uuid, verb string) error {
	url := fmt.Sprintf("%s/api/users/%s/actions/%s", c.baseURL, uuid, verb)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "subscription: build request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "subscription: "+verb)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Errorf(errors.KindAuth, "subscription: bearer rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf(errors.KindTransient, "subscription: %s returned status %d", verb, resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
