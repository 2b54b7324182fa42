// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package analytics keeps a time-bucketed history of ingest activity per
// node and subscriber, feeding the admin facade's diagnostic views. It is
// deliberately separate from the windowed connection index: the index
// answers "who is active right now", this answers "what has the fleet
// been seeing lately".
package analytics

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/devicewall/internal/clock"
)

// Summary is one (bucket, node, subscriber) aggregate: how many
// connection reports arrived and how many distinct client IPs they named.
type Summary struct {
	BucketTime  time.Time `json:"bucket_time"`
	Node        string    `json:"node"`
	Subscriber  string    `json:"subscriber"`
	Events      int64     `json:"events"`
	DistinctIPs int64     `json:"distinct_ips"`
}

// Store handles persistence of activity summaries to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the analytics database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics db: %w", err)
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
	CREATE TABLE IF NOT EXISTS activity_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket_time INTEGER NOT NULL, -- Unix timestamp
		node TEXT NOT NULL,
		subscriber TEXT NOT NULL,
		events INTEGER DEFAULT 0,
		distinct_ips INTEGER DEFAULT 0,
		UNIQUE(bucket_time, node, subscriber)
	);
	CREATE INDEX IF NOT EXISTS idx_activity_summaries_time ON activity_summaries(bucket_time);
	CREATE INDEX IF NOT EXISTS idx_activity_summaries_subscriber ON activity_summaries(subscriber);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordSummaries persists a batch of activity summaries using UPSERT.
// Event counts add across flushes of the same bucket; the distinct-IP
// count keeps the larger of the stored and new values. Each flush counts
// only the addresses seen since the previous flush, so for a bucket
// flushed more than once the stored distinct-IP count is a lower bound.
func (s *Store) RecordSummaries(summaries []Summary) error {
	if len(summaries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO activity_summaries (bucket_time, node, subscriber, events, distinct_ips)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket_time, node, subscriber) DO UPDATE SET
			events = events + excluded.events,
			distinct_ips = MAX(distinct_ips, excluded.distinct_ips)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, sum := range summaries {
		_, err := stmt.Exec(
			sum.BucketTime.Unix(),
			sum.Node,
			sum.Subscriber,
			sum.Events,
			sum.DistinctIPs,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// ActivityPoint is one bucket of the per-node event-rate series.
type ActivityPoint struct {
	Time   time.Time `json:"time"`
	Events int64     `json:"events"`
}

// GetActivitySeries returns events per bucket in a time range, optionally
// filtered to one node.
func (s *Store) GetActivitySeries(node string, from, to time.Time) ([]ActivityPoint, error) {
	query := `
		SELECT bucket_time, SUM(events)
		FROM activity_summaries
		WHERE bucket_time >= ? AND bucket_time <= ?
	`
	args := []interface{}{from.Unix(), to.Unix()}

	if node != "" {
		query += " AND node = ?"
		args = append(args, node)
	}

	query += " GROUP BY bucket_time ORDER BY bucket_time ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ActivityPoint
	for rows.Next() {
		var ts, n int64
		if err := rows.Scan(&ts, &n); err != nil {
			return nil, err
		}
		result = append(result, ActivityPoint{Time: time.Unix(ts, 0), Events: n})
	}
	return result, rows.Err()
}

// GetTopSubscribers returns the N subscribers with the most connection
// reports in a time range, the admin facade's "who is busiest" view.
func (s *Store) GetTopSubscribers(from, to time.Time, limit int) ([]Summary, error) {
	query := `
		SELECT subscriber, SUM(events), MAX(distinct_ips)
		FROM activity_summaries
		WHERE bucket_time >= ? AND bucket_time <= ?
		GROUP BY subscriber
		ORDER BY SUM(events) DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, from.Unix(), to.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Subscriber, &sum.Events, &sum.DistinctIPs); err != nil {
			return nil, err
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

// GetSubscriberHistory returns a subscriber's bucketed activity with
// paging, newest first.
func (s *Store) GetSubscriberHistory(subscriber string, from, to time.Time, limit, offset int) ([]Summary, error) {
	query := `
		SELECT bucket_time, node, subscriber, events, distinct_ips
		FROM activity_summaries
		WHERE bucket_time >= ? AND bucket_time <= ?
	`
	args := []interface{}{from.Unix(), to.Unix()}
	if subscriber != "" {
		query += " AND subscriber = ?"
		args = append(args, subscriber)
	}

	query += " ORDER BY bucket_time DESC, events DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Summary
	for rows.Next() {
		var sum Summary
		var ts int64
		if err := rows.Scan(&ts, &sum.Node, &sum.Subscriber, &sum.Events, &sum.DistinctIPs); err != nil {
			return nil, err
		}
		sum.BucketTime = time.Unix(ts, 0)
		result = append(result, sum)
	}
	return result, rows.Err()
}

// Cleanup removes records older than the retention period.
func (s *Store) Cleanup(retention time.Duration) (int64, error) {
	cutoff := clock.Now().Add(-retention).Unix()
	result, err := s.db.Exec("DELETE FROM activity_summaries WHERE bucket_time < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
