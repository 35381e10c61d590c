// Package audit keeps a per-request trail of gateway decisions in SQLite.
// Writes are buffered and applied by a single goroutine so the request
// path never blocks on disk.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_log (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	client TEXT,
	provider TEXT NOT NULL,
	model TEXT,
	status TEXT NOT NULL,
	detection_type TEXT,
	reason TEXT,
	masked_count INTEGER,
	latency_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_request_status ON request_log(status);
CREATE INDEX IF NOT EXISTS idx_request_provider ON request_log(provider);
CREATE INDEX IF NOT EXISTS idx_request_timestamp ON request_log(timestamp);
`

// Store manages the SQLite request log.
type Store struct {
	db            *sql.DB
	writes        chan Entry
	done          chan struct{}
	logger        *slog.Logger
	retentionDays int
}

// NewStore opens (or creates) the SQLite database. Entries older than
// retentionDays are purged on open; retentionDays <= 0 keeps everything.
func NewStore(dbPath string, logger *slog.Logger, retentionDays int) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:            db,
		writes:        make(chan Entry, 256),
		done:          make(chan struct{}),
		logger:        logger,
		retentionDays: retentionDays,
	}

	if err := s.purgeExpired(); err != nil {
		logger.Warn("purging expired audit entries failed", "error", err)
	}

	go s.writeLoop()
	return s, nil
}

// Log enqueues an audit entry for async writing.
func (s *Store) Log(entry Entry) {
	select {
	case s.writes <- entry:
	default:
		s.logger.Warn("audit write buffer full, dropping entry", "id", entry.ID)
	}
}

// Query returns audit entries matching the given filters, newest first.
func (s *Store) Query(opts QueryOpts) ([]Entry, error) {
	query := "SELECT id, timestamp, client, provider, model, status, detection_type, reason, masked_count, latency_ms FROM request_log WHERE 1=1"
	var args []any

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.Provider != "" {
		query += " AND provider = ?"
		args = append(args, opts.Provider)
	}
	if opts.Model != "" {
		query += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.Since != "" {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY timestamp DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var client, model, kind, reason sql.NullString
		var masked sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Timestamp, &client, &e.Provider, &model,
			&e.Status, &kind, &reason, &masked, &e.LatencyMs); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.Client = client.String
		e.Model = model.String
		e.DetectionKind = kind.String
		e.Reason = reason.String
		e.MaskedCount = int(masked.Int64)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts aggregates entries per status since the given RFC3339 timestamp.
// An empty since covers everything.
func (s *Store) Counts(since string) (StatusCounts, error) {
	query := "SELECT status, COUNT(*) FROM request_log"
	var args []any
	if since != "" {
		query += " WHERE timestamp >= ?"
		args = append(args, since)
	}
	query += " GROUP BY status"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("counting audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var c StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("scanning count: %w", err)
		}
		switch status {
		case StatusForwarded:
			c.Forwarded = n
		case StatusBlocked:
			c.Blocked = n
		case StatusMasked:
			c.Masked = n
		case StatusError:
			c.Errors = n
		}
		c.Total += n
	}
	return c, rows.Err()
}

// ProviderStats aggregates totals, blocks, and average latency per provider.
func (s *Store) ProviderStats() ([]ProviderStat, error) {
	rows, err := s.db.Query(`SELECT provider, COUNT(*),
		SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END),
		AVG(latency_ms)
		FROM request_log GROUP BY provider ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying provider stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []ProviderStat
	for rows.Next() {
		var p ProviderStat
		var avg sql.NullFloat64
		if err := rows.Scan(&p.Provider, &p.Total, &p.Blocked, &avg); err != nil {
			return nil, fmt.Errorf("scanning provider stat: %w", err)
		}
		p.AvgLatencyMs = avg.Float64
		stats = append(stats, p)
	}
	return stats, rows.Err()
}

// ModelStats aggregates request counts per model, most used first.
func (s *Store) ModelStats() (map[string]int, error) {
	rows, err := s.db.Query("SELECT model, COUNT(*) FROM request_log WHERE model != '' GROUP BY model")
	if err != nil {
		return nil, fmt.Errorf("querying model stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("scanning model stat: %w", err)
		}
		stats[model] = n
	}
	return stats, rows.Err()
}

// DB exposes the underlying database for bulk tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Flush blocks until all buffered writes so far have been applied.
func (s *Store) Flush() {
	ack := make(chan struct{})
	s.writes <- Entry{ID: "", Status: "__flush__", flushAck: ack}
	<-ack
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	return s.db.Close()
}

func (s *Store) purgeExpired() error {
	if s.retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UTC().Format(time.RFC3339)
	_, err := s.db.Exec("DELETE FROM request_log WHERE timestamp < ?", cutoff)
	return err
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for entry := range s.writes {
		if entry.flushAck != nil {
			close(entry.flushAck)
			continue
		}
		_, err := s.db.Exec(
			`INSERT INTO request_log (id, timestamp, client, provider, model, status, detection_type, reason, masked_count, latency_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Timestamp, entry.Client, entry.Provider, entry.Model,
			entry.Status, entry.DetectionKind, entry.Reason, entry.MaskedCount, entry.LatencyMs,
		)
		if err != nil {
			s.logger.Error("audit write failed", "id", entry.ID, "error", err)
		}
	}
}
