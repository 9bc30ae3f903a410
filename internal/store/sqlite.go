// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: UUID keys, reference-table enumerations, version-guarded updates, integrity signatures

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC3339 with fixed-width nanoseconds so that lexicographic
// ordering of stored strings matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Options configures a SQLiteStore.
type Options struct {
	// IntegrityKey enables keyed integrity signatures when non-empty.
	IntegrityKey []byte

	// Agents and Types seed the reference tables. Seeding is additive:
	// identities already present are left alone, nothing is removed.
	Agents []string
	Types  []string
}

// SQLiteStore implements the Store interface using SQLite.
//
// Sender, recipient, and type are constrained by reference tables rather than
// CHECK constraints: adding an agent or message type is an INSERT, not a
// schema migration.
type SQLiteStore struct {
	db     *sql.DB
	signer *Signer
	logger *slog.Logger

	mu    sync.Mutex
	hooks []InsertHook
}

// NewSQLiteStore creates a SQLite store at the given path. The schema is
// created if missing and reference tables are seeded from opts. Parent
// directories are created if needed.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "backend", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		signer: NewSigner(opts.IntegrityKey),
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := s.seed(opts.Agents, opts.Types); err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding reference tables: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "signing", s.signer != nil)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			added_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS message_types (
			name     TEXT PRIMARY KEY,
			added_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			sender          TEXT NOT NULL REFERENCES agents(agent_id),
			recipient       TEXT NOT NULL REFERENCES agents(agent_id),
			type            TEXT NOT NULL REFERENCES message_types(name),
			payload         TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'SENT'
				CHECK (status IN ('SENT', 'ACKNOWLEDGED', 'PROCESSED')),
			priority        INTEGER NOT NULL DEFAULT 5,
			context_id      TEXT,
			acknowledged_by TEXT,
			acknowledged_at TEXT,
			read_at         TEXT,
			expires_at      TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			version         INTEGER NOT NULL DEFAULT 1,
			signature       TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
		CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type);
		CREATE INDEX IF NOT EXISTS idx_messages_inbox
			ON messages(recipient, status, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_unacked
			ON messages(recipient, created_at) WHERE status = 'SENT';
		CREATE INDEX IF NOT EXISTS idx_messages_expires
			ON messages(expires_at) WHERE expires_at IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'read_at'`,
			apply:  `ALTER TABLE messages ADD COLUMN read_at TEXT`,
			column: "read_at",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'signature'`,
			apply:  `ALTER TABLE messages ADD COLUMN signature TEXT`,
			column: "signature",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	return nil
}

// seed inserts initial agents and message types, ignoring duplicates.
func (s *SQLiteStore) seed(agents, types []string) error {
	ctx := context.Background()
	for _, id := range agents {
		if err := s.EnsureAgent(ctx, id); err != nil {
			return err
		}
	}
	for _, name := range types {
		if err := s.EnsureType(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// EnsureAgent adds an identity to the agents reference table. Re-adding an
// existing identity is a no-op, so extending the identity set never requires
// a destructive migration.
func (s *SQLiteStore) EnsureAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return errors.New("agent id must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agents (agent_id, added_at) VALUES (?, ?)`,
		agentID, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// EnsureType adds a message type to the reference table.
func (s *SQLiteStore) EnsureType(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("message type must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_types (name, added_at) VALUES (?, ?)`,
		name, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting message type: %w", err)
	}
	return nil
}

// Insert persists a new message and fires insert hooks.
func (s *SQLiteStore) Insert(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		return errors.New("message id must not be empty")
	}
	if msg.Version == 0 {
		msg.Version = 1
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	msg.Signature, err = s.signer.Sign(msg)
	if err != nil {
		return fmt.Errorf("signing message: %w", err)
	}

	query := `
		INSERT INTO messages (
			id, sender, recipient, type, payload, status, priority, context_id,
			acknowledged_by, acknowledged_at, read_at, expires_at,
			created_at, updated_at, version, signature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.Sender,
		msg.Recipient,
		msg.Type,
		string(payload),
		string(msg.Status),
		msg.Priority,
		nullString(msg.ContextID),
		nullString(msg.AcknowledgedBy),
		nullTime(msg.AcknowledgedAt),
		nullTime(msg.ReadAt),
		nullTime(msg.ExpiresAt),
		msg.CreatedAt.UTC().Format(timeLayout),
		msg.UpdatedAt.UTC().Format(timeLayout),
		msg.Version,
		nullString(msg.Signature),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("sender, recipient, or type not in reference tables: %w", err)
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("inserted message", "id", msg.ID, "type", msg.Type, "recipient", msg.Recipient)

	s.mu.Lock()
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(msg)
	}
	return nil
}

// isForeignKeyViolation checks if the error is a SQLite FK constraint failure
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

const messageColumns = `
	id, sender, recipient, type, payload, status, priority, context_id,
	acknowledged_by, acknowledged_at, read_at, expires_at,
	created_at, updated_at, version, signature
`

// Get retrieves one message by ID. When signing is enabled the stored
// signature is verified and a mismatch is logged; the row is still returned.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}

	if ok, verr := s.signer.Verify(msg); verr == nil && !ok {
		s.logger.Warn("message failed integrity verification", "id", msg.ID)
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var payload, status, createdAt, updatedAt string
	var contextID, ackBy, ackAt, readAt, expiresAt, signature sql.NullString

	err := row.Scan(
		&msg.ID,
		&msg.Sender,
		&msg.Recipient,
		&msg.Type,
		&payload,
		&status,
		&msg.Priority,
		&contextID,
		&ackBy,
		&ackAt,
		&readAt,
		&expiresAt,
		&createdAt,
		&updatedAt,
		&msg.Version,
		&signature,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}
	msg.Status = Status(status)
	msg.ContextID = contextID.String
	msg.AcknowledgedBy = ackBy.String
	msg.Signature = signature.String

	if msg.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if msg.AcknowledgedAt, err = parseNullTime(ackAt); err != nil {
		return nil, fmt.Errorf("parsing acknowledged_at: %w", err)
	}
	if msg.ReadAt, err = parseNullTime(readAt); err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	if msg.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &msg, nil
}

// List returns messages matching params, newest first. Uses the
// (recipient, status, created_at) composite index for the pending-messages
// access pattern.
func (s *SQLiteStore) List(ctx context.Context, params ListParams) ([]*Message, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	var args []any

	if params.Recipient != "" {
		query += ` AND recipient = ?`
		args = append(args, params.Recipient)
	}
	if params.Sender != "" {
		query += ` AND sender = ?`
		args = append(args, params.Sender)
	}
	if params.Type != "" {
		query += ` AND type = ?`
		args = append(args, params.Type)
	}
	if params.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(params.Status))
	}
	if params.Unacknowledged {
		query += ` AND status = ?`
		args = append(args, string(StatusSent))
	}

	query += ` ORDER BY created_at DESC, priority DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// UpdateStatus applies a version-guarded status transition inside a
// transaction. The caller must present the version it last read; a mismatch
// yields ErrVersionConflict and the caller should re-read and retry.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, update StatusUpdate) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, update.ID)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}

	if msg.Version != update.Version {
		return nil, ErrVersionConflict
	}
	if !msg.Status.CanTransitionTo(update.Status) {
		return nil, ErrStatusRegression
	}

	msg.Status = update.Status
	if update.AcknowledgedBy != "" {
		msg.AcknowledgedBy = update.AcknowledgedBy
	}
	if update.AcknowledgedAt != nil {
		t := *update.AcknowledgedAt
		msg.AcknowledgedAt = &t
	}
	msg.UpdatedAt = time.Now().UTC()
	msg.Version++

	msg.Signature, err = s.signer.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, acknowledged_by = ?, acknowledged_at = ?,
		    updated_at = ?, version = ?, signature = ?
		WHERE id = ? AND version = ?
	`,
		string(msg.Status),
		nullString(msg.AcknowledgedBy),
		nullTime(msg.AcknowledgedAt),
		msg.UpdatedAt.Format(timeLayout),
		msg.Version,
		nullString(msg.Signature),
		msg.ID,
		update.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("updating message status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing status update: %w", err)
	}

	s.logger.Debug("updated message status",
		"id", msg.ID, "status", msg.Status, "version", msg.Version)
	return msg, nil
}

// MarkRead stamps the read timestamp. The first stamp wins.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_at = COALESCE(read_at, ?) WHERE id = ?`,
		at.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a message by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted message", "id", id)
	return nil
}

// DeleteExpired removes messages whose explicit expiry has passed.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired messages: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		s.logger.Debug("deleted expired messages", "count", rowsAffected)
	}
	return int(rowsAffected), nil
}

// PurgeOlderThan removes terminal-status messages created before the cutoff.
// In-flight messages are never deleted regardless of age.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status = ? AND created_at < ?`,
		string(StatusProcessed), cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purging old messages: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		s.logger.Info("purged old messages", "count", rowsAffected, "cutoff", cutoff)
	}
	return int(rowsAffected), nil
}

// Stats returns aggregate message counts.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByType:     make(map[string]int),
		ByPriority: make(map[int]int),
		ByStatus:   make(map[Status]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, priority, status, COUNT(*) FROM messages GROUP BY type, priority, status`)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgType, status string
		var priority, count int
		if err := rows.Scan(&msgType, &priority, &status, &count); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		stats.Total += count
		stats.ByType[msgType] += count
		stats.ByPriority[priority] += count
		stats.ByStatus[Status(status)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stats rows: %w", err)
	}
	return stats, nil
}

// VerifyMessage recomputes the integrity signature for a stored message.
func (s *SQLiteStore) VerifyMessage(msg *Message) (bool, error) {
	return s.signer.Verify(msg)
}

// OnInsert registers a change-notification hook fired after each insert.
func (s *SQLiteStore) OnInsert(hook InsertHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// nullString returns nil for empty strings, otherwise the string
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// nullTime returns nil for nil times, otherwise the formatted timestamp
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
