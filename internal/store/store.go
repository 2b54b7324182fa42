// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store is the controller's durable state: the windowed connection
// index and the persisted BlockedSubscriber map, both
// backed by an embedded SQLite database so a controller restart resumes
// from the last known state without an external dependency.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/devicewall/internal/model"
)

// Store owns the connection index and BlockedSubscriber tables.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path, in WAL mode.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS connection_entries (
		subscriber_id TEXT NOT NULL,
		ip TEXT NOT NULL,
		node_last_seen_on TEXT NOT NULL,
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (subscriber_id, ip)
	);
	CREATE INDEX IF NOT EXISTS idx_connection_entries_subscriber ON connection_entries(subscriber_id);
	CREATE INDEX IF NOT EXISTS idx_connection_entries_last_seen ON connection_entries(last_seen);

	CREATE TABLE IF NOT EXISTS blocked_subscribers (
		subscriber_id TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert records a connection event, updating last_seen and the owning
// node if the (subscriber, ip) pair already exists.
func (s *Store) Upsert(e model.ConnectionEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO connection_entries (subscriber_id, ip, node_last_seen_on, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subscriber_id, ip) DO UPDATE SET
			node_last_seen_on = excluded.node_last_seen_on,
			last_seen = excluded.last_seen
	`, e.SubscriberID, e.IP, e.Node, e.ObservedAt.Unix())
	return err
}

// IPsOf returns the set of IPs seen for subscriber within window, with
// their last-seen timestamps and owning node.
func (s *Store) IPsOf(subscriberID string, window time.Duration, now time.Time) ([]model.ConnectionEntry, error) {
	cutoff := now.Add(-window).Unix()
	rows, err := s.db.Query(`
		SELECT subscriber_id, ip, node_last_seen_on, last_seen
		FROM connection_entries
		WHERE subscriber_id = ? AND last_seen > ?
	`, subscriberID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// NodesOf returns the distinct nodes a subscriber's fresh entries were
// last seen on within window.
func (s *Store) NodesOf(subscriberID string, window time.Duration, now time.Time) (map[string]struct{}, error) {
	entries, err := s.IPsOf(subscriberID, window, now)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		nodes[e.NodeLastSeenOn] = struct{}{}
	}
	return nodes, nil
}

// ActiveSubscribers returns every subscriber with at least one entry
// fresher than window.
func (s *Store) ActiveSubscribers(window time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-window).Unix()
	rows, err := s.db.Query(`
		SELECT DISTINCT subscriber_id FROM connection_entries WHERE last_seen > ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TouchedSince returns subscribers whose entries changed at or after ts,
// supporting the event-driven evaluation path without a full scan.
func (s *Store) TouchedSince(ts time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT subscriber_id FROM connection_entries WHERE last_seen >= ?
	`, ts.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Counts returns how many fresh connection entries and distinct
// subscribers the index holds within window, for health and status
// replies.
func (s *Store) Counts(window time.Duration, now time.Time) (connections, subscribers int, err error) {
	cutoff := now.Add(-window).Unix()
	err = s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT subscriber_id)
		FROM connection_entries WHERE last_seen > ?
	`, cutoff).Scan(&connections, &subscribers)
	return connections, subscribers, err
}

// Prune deletes connection entries older than retain, relative to now.
func (s *Store) Prune(retain time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retain).Unix()
	res, err := s.db.Exec(`DELETE FROM connection_entries WHERE last_seen <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]model.ConnectionEntry, error) {
	var out []model.ConnectionEntry
	for rows.Next() {
		var e model.ConnectionEntry
		var lastSeen int64
		if err := rows.Scan(&e.SubscriberID, &e.IP, &e.NodeLastSeenOn, &lastSeen); err != nil {
			return nil, err
		}
		e.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetBlocked persists BlockedSubscriber[subscriberID] = expiresAt,
// surviving a controller restart.
func (s *Store) SetBlocked(subscriberID string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO blocked_subscribers (subscriber_id, expires_at)
		VALUES (?, ?)
		ON CONFLICT(subscriber_id) DO UPDATE SET expires_at = excluded.expires_at
	`, subscriberID, expiresAt.Unix())
	return err
}

// ClearBlocked removes a subscriber from the BlockedSubscriber map, called
// on successful re-enable or a manual admin un-disable.
func (s *Store) ClearBlocked(subscriberID string) error {
	_, err := s.db.Exec(`DELETE FROM blocked_subscribers WHERE subscriber_id = ?`, subscriberID)
	return err
}

// AllBlocked returns the full BlockedSubscriber map, used both to drive
// the re-enable sweep and to resume timers after a restart.
func (s *Store) AllBlocked() ([]model.BlockedSubscriber, error) {
	rows, err := s.db.Query(`SELECT subscriber_id, expires_at FROM blocked_subscribers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BlockedSubscriber
	for rows.Next() {
		var b model.BlockedSubscriber
		var exp int64
		if err := rows.Scan(&b.SubscriberID, &exp); err != nil {
			return nil, err
		}
		b.ExpiresAt = time.Unix(exp, 0)
		out = append(out, b)
	}
	return out, rows.Err()
}

// IsBlocked reports whether subscriberID currently has an active block.
func (s *Store) IsBlocked(subscriberID string) (bool, time.Time, error) {
	var exp int64
	err := s.db.QueryRow(`SELECT expires_at FROM blocked_subscribers WHERE subscriber_id = ?`, subscriberID).Scan(&exp)
	if err == sql.ErrNoRows {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}
	return true, time.Unix(exp, 0), nil
}
