// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package notification is the controller's side-notification dispatcher
// : fan out an enforcement event to configured channels,
// transport only — message content is this package's concern, not the
// policy that decided to send it.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/logging"
)

// Level constants for notification severity.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Notification is one event to fan out to the configured channels.
type Notification struct {
	Title     string
	Message   string
	Level     string
	Timestamp time.Time
}

// Dispatcher manages notification channels and dispatching.
type Dispatcher struct {
	config *config.NotificationsConfig
	logger *logging.Logger
	mu     sync.RWMutex

	lastSent map[string]time.Time

	httpClient *http.Client
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(cfg *config.NotificationsConfig, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default().WithComponent("notification")
	}
	return &Dispatcher{
		config:   cfg,
		logger:   logger,
		lastSent: make(map[string]time.Time),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// UpdateConfig replaces the dispatcher's channel configuration, used when
// the admin facade edits the node/notification set live.
func (d *Dispatcher) UpdateConfig(cfg *config.NotificationsConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = cfg
}

// Send dispatches a notification to every enabled, level-matching
// channel concurrently, waiting for all sends to finish.
func (d *Dispatcher) Send(n Notification) {
	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()

	if cfg == nil || !cfg.Enabled {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var wg sync.WaitGroup
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if !shouldSend(n.Level, ch.Level) {
			continue
		}
		if d.isRateLimited(ch.Name, n.Title) {
			d.logger.Debug("notification rate limited", "channel", ch.Name, "title", n.Title)
			continue
		}

		wg.Add(1)
		go func(channel config.NotificationChannel) {
			defer wg.Done()
			if err := d.sendToChannel(channel, n); err != nil {
				d.logger.Error("failed to send notification",
					"channel", channel.Name,
					"type", channel.Type,
					"error", err)
			}
		}(ch)
	}
	wg.Wait()
}

// SendSimple is a convenience helper for enforcement-path call sites.
func (d *Dispatcher) SendSimple(title, message, level string) {
	d.Send(Notification{Title: title, Message: message, Level: level})
}

// isRateLimited suppresses repeat sends of the same title on the same
// channel within 60s, so a flapping subscriber doesn't storm the channel.
func (d *Dispatcher) isRateLimited(channelName, title string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := channelName + ":" + title
	last, ok := d.lastSent[key]
	now := time.Now()
	if ok && now.Sub(last) < 60*time.Second {
		return true
	}
	d.lastSent[key] = now
	if len(d.lastSent) > 1000 {
		d.lastSent = map[string]time.Time{key: now}
	}
	return false
}

func shouldSend(msgLevel, chanLevel string) bool {
	if chanLevel == "" {
		return true
	}
	levels := map[string]int{LevelInfo: 1, LevelWarning: 2, LevelCritical: 3}
	return levels[strings.ToLower(msgLevel)] >= levels[strings.ToLower(chanLevel)]
}

func (d *Dispatcher) sendToChannel(ch config.NotificationChannel, n Notification) error {
	switch strings.ToLower(ch.Type) {
	case "telegram":
		return d.sendTelegram(ch, n)
	case "webhook":
		return d.sendWebhook(ch, n)
	default:
		return fmt.Errorf("notification: unknown channel type %q", ch.Type)
	}
}

// sendTelegram posts to the Telegram Bot API's sendMessage method
// (transport only, no formatting beyond a plain title/message
// concatenation).
func (d *Dispatcher) sendTelegram(ch config.NotificationChannel, n Notification) error {
	if ch.Token == "" || ch.ChatID == "" {
		return fmt.Errorf("notification: telegram channel %q missing token or chat_id", ch.Name)
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", ch.Token)
	payload := map[string]string{
		"chat_id": ch.ChatID,
		"text":    fmt.Sprintf("[%s] %s\n%s", strings.ToUpper(n.Level), n.Title, n.Message),
	}
	return d.postJSON(url, payload)
}

func (d *Dispatcher) sendWebhook(ch config.NotificationChannel, n Notification) error {
	if ch.URL == "" {
		return fmt.Errorf("notification: webhook channel %q missing url", ch.Name)
	}
	payload := map[string]string{
		"text": fmt.Sprintf("*%s*\n%s\n_Level: %s_", n.Title, n.Message, n.Level),
	}
	return d.postJSON(ch.URL, payload)
}

func (d *Dispatcher) postJSON(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification: channel returned status %d", resp.StatusCode)
	}
	return nil
}
