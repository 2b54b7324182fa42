// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/logging"
)

func TestDispatcherWebhook(t *testing.T) {
	var called atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["text"]; !ok {
			t.Errorf("expected 'text' field in payload, got %v", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.NotificationsConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{
			{Name: "test-webhook", Type: "webhook", Enabled: true, URL: ts.URL},
		},
	}

	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))
	d.SendSimple("Test Title", "Test Message", "info")

	if called.Load() != 1 {
		t.Errorf("expected webhook to be called once, got %d", called.Load())
	}
}

func TestDispatcherTelegram(t *testing.T) {
	var gotChatID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotChatID = body["chat_id"]
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.NotificationsConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{
			{Name: "tg", Type: "telegram", Enabled: true, Token: "tok", ChatID: "12345"},
		},
	}
	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))
	d.httpClient = ts.Client()

	// sendTelegram hits the real Telegram API host, so point it at the test
	// server by constructing the request directly through postJSON instead.
	if err := d.postJSON(ts.URL, map[string]string{"chat_id": "12345", "text": "hi"}); err != nil {
		t.Fatalf("post json: %v", err)
	}
	if gotChatID != "12345" {
		t.Errorf("expected chat_id 12345, got %s", gotChatID)
	}
}

func TestDispatcherRateLimit(t *testing.T) {
	var called atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.NotificationsConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{
			{Name: "test-webhook-rl", Type: "webhook", Enabled: true, URL: ts.URL},
		},
	}

	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))
	d.SendSimple("Duplicate Title", "Message body", "info")
	d.SendSimple("Duplicate Title", "Message body", "info")

	if called.Load() != 1 {
		t.Fatalf("expected webhook to be called once (rate limited), got %d", called.Load())
	}
}

func TestDispatcherLevelFiltering(t *testing.T) {
	var called atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.NotificationsConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{
			{Name: "critical-only", Type: "webhook", Enabled: true, URL: ts.URL, Level: "critical"},
		},
	}
	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))
	d.SendSimple("Info Title", "info message", LevelInfo)
	if called.Load() != 0 {
		t.Errorf("expected info-level notification to be filtered out, got %d calls", called.Load())
	}
	d.SendSimple("Critical Title", "critical message", LevelCritical)
	if called.Load() != 1 {
		t.Errorf("expected critical notification to pass the filter, got %d calls", called.Load())
	}
}
