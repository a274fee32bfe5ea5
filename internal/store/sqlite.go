package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements EventStore using SQLite.
type SQLiteStore struct {
	db             *sql.DB
	eventTTLDays   int
	dropLogTTLDays int
}

// Options configures a SQLiteStore. Zero values disable the corresponding
// retention sweep.
type Options struct {
	EventTTLDays   int
	DropLogTTLDays int
}

// Open creates or opens a SQLite-backed event store at dbPath.
func Open(dbPath string, opts Options) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Events may carry raw request/response bodies; keep the file
	// owner-only the same way the admin token and CA key are kept.
	if err := setSecureFilePermissions(dbPath); err != nil {
		_ = err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, eventTTLDays: opts.EventTTLDays, dropLogTTLDays: opts.DropLogTTLDays}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	os.Chmod(path+"-wal", 0600)
	os.Chmod(path+"-shm", 0600)
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{migrationV1, migrationV2}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}
	return nil
}

// migrationV1 lays out the event/device schema. Indexes match the set
// spec.md's event store contract requires at startup: timestamp,
// (provider_id, timestamp), (model, timestamp), context.program,
// context.project, (program, timestamp), (project, timestamp),
// device_id, is_token_consuming, (device_id, timestamp).
const migrationV1 = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	provider_id TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	response_status INTEGER NOT NULL DEFAULT 0,
	streaming INTEGER NOT NULL DEFAULT 0,
	truncated INTEGER NOT NULL DEFAULT 0,
	client_type TEXT NOT NULL DEFAULT 'generic',
	device_id TEXT NOT NULL DEFAULT '',
	is_token_consuming INTEGER NOT NULL DEFAULT 0,
	has_budget_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_cost REAL,
	capture_mode TEXT NOT NULL DEFAULT 'known_only',
	context_program TEXT NOT NULL DEFAULT '',
	context_project TEXT NOT NULL DEFAULT '',
	context_session TEXT NOT NULL DEFAULT '',
	context_tags TEXT,
	context_custom TEXT,
	program TEXT NOT NULL DEFAULT '',
	project TEXT NOT NULL DEFAULT '',
	messages TEXT,
	system TEXT,
	tools TEXT,
	thinking TEXT,
	request_metadata TEXT,
	raw_request BLOB,
	raw_response BLOB,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	expires_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_provider_timestamp ON events(provider_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_model_timestamp ON events(model, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_context_program ON events(context_program);
CREATE INDEX IF NOT EXISTS idx_events_context_project ON events(context_project);
CREATE INDEX IF NOT EXISTS idx_events_program_timestamp ON events(program, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_project_timestamp ON events(project, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id);
CREATE INDEX IF NOT EXISTS idx_events_token_consuming ON events(is_token_consuming);
CREATE INDEX IF NOT EXISTS idx_events_device_timestamp ON events(device_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	name TEXT,
	session_id TEXT,
	os TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	browser TEXT NOT NULL DEFAULT '',
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL
);
`

// migrationV2 adds the flag distinguishing provider-reported token counts
// from the tiktoken-based text_sample estimate used when a provider's
// response carries no usage field.
const migrationV2 = `
ALTER TABLE events ADD COLUMN tokens_estimated INTEGER NOT NULL DEFAULT 0;
`

// InsertEvent appends a new event. Events are immutable once accepted;
// there is no corresponding update.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev *Event) error {
	messages, _ := json.Marshal(ev.Messages)
	tags, _ := json.Marshal(ev.Context.Tags)
	custom, _ := json.Marshal(ev.Context.Custom)
	tools, _ := json.Marshal(ev.Tools)
	metadata, _ := json.Marshal(ev.RequestMetadata)

	var expiresAt any
	if s.eventTTLDays > 0 {
		expiresAt = ev.Timestamp.AddDate(0, 0, s.eventTTLDays).Format(time.RFC3339Nano)
	} else {
		expiresAt = formatNullableTime(ev.ExpiresAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			id, timestamp, duration_ms, provider_id, model,
			input_tokens, output_tokens, total_tokens, cache_creation_tokens, cache_read_tokens,
			response_status, streaming, truncated, client_type, device_id,
			is_token_consuming, has_budget_tokens, tokens_estimated, estimated_cost, capture_mode,
			context_program, context_project, context_session, context_tags, context_custom,
			program, project, messages, system, tools, thinking, request_metadata,
			raw_request, raw_response, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.Timestamp.Format(time.RFC3339Nano), ev.DurationMs, ev.ProviderID, ev.Model,
		ev.InputTokens, ev.OutputTokens, ev.TotalTokens, ev.CacheCreationTokens, ev.CacheReadTokens,
		ev.ResponseStatus, ev.Streaming, ev.Truncated, ev.ClientType, ev.DeviceID,
		ev.IsTokenConsuming, ev.HasBudgetTokens, ev.TokensEstimated, ev.EstimatedCost, ev.CaptureMode,
		ev.Context.Program, ev.Context.Project, ev.Context.Session, string(tags), string(custom),
		ev.Program, ev.Project, string(messages), ev.System, string(tools), ev.Thinking, string(metadata),
		ev.RawRequest, ev.RawResponse, expiresAt,
	)
	return err
}

const eventColumns = `
	id, timestamp, duration_ms, provider_id, model,
	input_tokens, output_tokens, total_tokens, cache_creation_tokens, cache_read_tokens,
	response_status, streaming, truncated, client_type, device_id,
	is_token_consuming, has_budget_tokens, tokens_estimated, estimated_cost, capture_mode,
	context_program, context_project, context_session, context_tags, context_custom,
	program, project, messages, system, tools, thinking, request_metadata,
	raw_request, raw_response, created_at, expires_at
`

func (s *SQLiteStore) whereClause(filter EventFilter) (string, []any) {
	var b strings.Builder
	var args []any
	b.WriteString(" WHERE 1=1")

	if filter.ProviderID != nil {
		b.WriteString(" AND provider_id = ?")
		args = append(args, *filter.ProviderID)
	}
	if filter.Model != nil {
		b.WriteString(" AND model = ?")
		args = append(args, *filter.Model)
	}
	if filter.Program != nil {
		b.WriteString(" AND program = ?")
		args = append(args, *filter.Program)
	}
	if filter.Project != nil {
		b.WriteString(" AND project = ?")
		args = append(args, *filter.Project)
	}
	if filter.DeviceID != nil {
		b.WriteString(" AND device_id = ?")
		args = append(args, *filter.DeviceID)
	}
	if filter.IsTokenConsuming != nil {
		b.WriteString(" AND is_token_consuming = ?")
		args = append(args, *filter.IsTokenConsuming)
	}
	if filter.StartTime != nil {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, filter.StartTime.Format(time.RFC3339Nano))
	}
	if filter.EndTime != nil {
		b.WriteString(" AND timestamp <= ?")
		args = append(args, filter.EndTime.Format(time.RFC3339Nano))
	}
	return b.String(), args
}

// FindEvents returns events matching filter, newest first.
func (s *SQLiteStore) FindEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	where, args := s.whereClause(filter)
	query := "SELECT " + eventColumns + " FROM events" + where + " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEvents returns the count of events matching filter, ignoring
// Limit/Offset.
func (s *SQLiteStore) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	where, args := s.whereClause(filter)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var ts, createdAt string
	var expiresAt, system, thinking sql.NullString
	var tags, custom, messages, tools, metadata sql.NullString
	var estimatedCost sql.NullFloat64
	var rawReq, rawResp []byte

	err := row.Scan(
		&ev.ID, &ts, &ev.DurationMs, &ev.ProviderID, &ev.Model,
		&ev.InputTokens, &ev.OutputTokens, &ev.TotalTokens, &ev.CacheCreationTokens, &ev.CacheReadTokens,
		&ev.ResponseStatus, &ev.Streaming, &ev.Truncated, &ev.ClientType, &ev.DeviceID,
		&ev.IsTokenConsuming, &ev.HasBudgetTokens, &ev.TokensEstimated, &estimatedCost, &ev.CaptureMode,
		&ev.Context.Program, &ev.Context.Project, &ev.Context.Session, &tags, &custom,
		&ev.Program, &ev.Project, &messages, &system, &tools, &thinking, &metadata,
		&rawReq, &rawResp, &createdAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		ev.ExpiresAt = &t
	}
	if estimatedCost.Valid {
		ev.EstimatedCost = &estimatedCost.Float64
	}
	if system.Valid {
		ev.System = &system.String
	}
	if thinking.Valid {
		ev.Thinking = &thinking.String
	}
	if tags.Valid {
		json.Unmarshal([]byte(tags.String), &ev.Context.Tags)
	}
	if custom.Valid {
		json.Unmarshal([]byte(custom.String), &ev.Context.Custom)
	}
	if messages.Valid {
		json.Unmarshal([]byte(messages.String), &ev.Messages)
	}
	if tools.Valid {
		json.Unmarshal([]byte(tools.String), &ev.Tools)
	}
	if metadata.Valid {
		json.Unmarshal([]byte(metadata.String), &ev.RequestMetadata)
	}
	ev.RawRequest = rawReq
	ev.RawResponse = rawResp

	return &ev, nil
}

// UpsertDevice inserts a device or updates its last_seen/identity fields,
// last-write-wins, leaving any operator-assigned Name untouched when d.Name
// is nil.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *Device) error {
	now := d.LastSeen
	if now.IsZero() {
		now = d.FirstSeen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, session_id, os, ip, user_agent, browser, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			os = excluded.os,
			ip = excluded.ip,
			user_agent = excluded.user_agent,
			browser = excluded.browser,
			last_seen = excluded.last_seen,
			name = COALESCE(devices.name, excluded.name)
	`,
		d.ID, d.Name, d.SessionID, d.OS, d.IP, d.UserAgent, d.Browser,
		d.FirstSeen.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	return err
}

// GetDevice returns a device by id, or nil if absent.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, session_id, os, ip, user_agent, browser, first_seen, last_seen
		FROM devices WHERE id = ?
	`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDevices returns every registered device.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, session_id, os, ip, user_agent, browser, first_seen, last_seen
		FROM devices ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RenameDevice sets the operator-assigned name for a device.
func (s *SQLiteStore) RenameDevice(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE devices SET name = ? WHERE id = ?", name, id)
	return err
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var name, sessionID sql.NullString
	var firstSeen, lastSeen string

	err := row.Scan(&d.ID, &name, &sessionID, &d.OS, &d.IP, &d.UserAgent, &d.Browser, &firstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	if name.Valid {
		d.Name = &name.String
	}
	if sessionID.Valid {
		d.SessionID = &sessionID.String
	}
	d.FirstSeen, _ = time.Parse(time.RFC3339Nano, firstSeen)
	d.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &d, nil
}

// RunRetention deletes events (and drop-log style rows, if any future
// table needs it) past their TTL.
func (s *SQLiteStore) RunRetention(ctx context.Context) (int64, error) {
	var totalDeleted int64

	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at < datetime('now')")
	if err != nil {
		return totalDeleted, err
	}
	n, _ := res.RowsAffected()
	totalDeleted += n

	return totalDeleted, nil
}

// DeleteAllEvents wipes every event row, for the admin surface's
// destructive reset operation. Devices are left intact.
func (s *SQLiteStore) DeleteAllEvents(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM events")
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
