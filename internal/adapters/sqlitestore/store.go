// Package sqlitestore is a LocalStore backed by SQLite, for a talon-sync
// process that needs its log and cell view to survive a restart. Uses
// jmoiron/sqlx over mattn/go-sqlite3, with a single connection since
// SQLite serializes writes anyway.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/hlc"
	"github.com/Jaaco/talon/internal/message"
	"github.com/Jaaco/talon/internal/store"
)

var _ store.LocalStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS message_log (
	id               TEXT PRIMARY KEY,
	"table"          TEXT NOT NULL,
	row              TEXT NOT NULL,
	column_name      TEXT NOT NULL,
	data_type        TEXT NOT NULL,
	value            TEXT NOT NULL,
	local_timestamp  TEXT NOT NULL,
	server_timestamp INTEGER,
	user_id          TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	has_been_applied INTEGER NOT NULL,
	has_been_synced  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_log_cell ON message_log("table", row, column_name);
CREATE INDEX IF NOT EXISTS idx_message_log_unsynced ON message_log(has_been_synced);

CREATE TABLE IF NOT EXISTS cell_view (
	"table"     TEXT NOT NULL,
	row         TEXT NOT NULL,
	column_name TEXT NOT NULL,
	data_type   TEXT NOT NULL,
	value       TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	PRIMARY KEY ("table", row, column_name)
);

CREATE TABLE IF NOT EXISTS sync_cursor (
	id     INTEGER PRIMARY KEY CHECK (id = 0),
	cursor INTEGER NOT NULL
);
`

// Store is a SQLite-backed LocalStore. Safe for concurrent use: SQLite
// serializes writes at the database level, and the driver is opened with a
// single connection (see Open) so Go-level concurrent callers queue behind
// that rather than behind a separate in-process mutex.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) a SQLite database at path and returns
// a Store. Call Init before first use to create the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// SQLite doesn't benefit from concurrent Go-level connections; a single
	// connection avoids SQLITE_BUSY errors from overlapping writers.
	db.SetMaxOpenConns(1)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("sqlitestore: init schema: %w", err)
	}
	return nil
}

func (s *Store) ApplyToView(ctx context.Context, m message.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cell_view ("table", row, column_name, data_type, value, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT("table", row, column_name) DO UPDATE SET
			data_type = excluded.data_type,
			value     = excluded.value,
			timestamp = excluded.timestamp
	`, m.Table, m.Row, m.Column, m.DataType, m.Value, m.LocalTimestamp)
	if err != nil {
		return fmt.Errorf("sqlitestore: apply_to_view: %w", err)
	}
	return nil
}

func (s *Store) AppendToLog(ctx context.Context, m message.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_log
			(id, "table", row, column_name, data_type, value, local_timestamp,
			 server_timestamp, user_id, client_id, has_been_applied, has_been_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, m.Table, m.Row, m.Column, m.DataType, m.Value, m.LocalTimestamp,
		m.ServerTimestamp, m.UserID, m.ClientID, m.HasBeenApplied, m.HasBeenSynced)
	if err != nil {
		return fmt.Errorf("sqlitestore: append_to_log: %w", err)
	}
	return nil
}

// GetLatestCellTimestamp scans every logged timestamp for the cell rather
// than trusting cell_view.timestamp, because cell_view only reflects the
// winning message; a losing message must still be comparable against for
// future arrivals, so the maximum is taken over the log, not the view.
func (s *Store) GetLatestCellTimestamp(ctx context.Context, table, row, column string) (string, bool) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT local_timestamp FROM message_log WHERE "table" = ? AND row = ? AND column_name = ?
	`, table, row, column)
	if err != nil {
		s.logger.Warn("get_latest_cell_timestamp query failed", zap.Error(err))
		return "", false
	}
	defer rows.Close()

	var latest string
	found := false
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			s.logger.Warn("get_latest_cell_timestamp scan failed", zap.Error(err))
			continue
		}
		if !found || hlc.ComparePacked(ts, latest) > 0 {
			latest = ts
			found = true
		}
	}
	return latest, found
}

func (s *Store) SaveLocalChange(ctx context.Context, m message.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: save_local_change: begin: %w", err)
	}
	defer tx.Rollback()

	if err := applyToViewTx(ctx, tx, m); err != nil {
		return err
	}
	if err := appendToLogTx(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SaveServerMessage(ctx context.Context, m message.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: save_server_message: begin: %w", err)
	}
	defer tx.Rollback()

	if err := saveServerMessageTx(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SaveServerBatch(ctx context.Context, batch []message.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: save_server_batch: begin: %w", err)
	}
	defer tx.Rollback()

	var maxServerTS uint64
	sawServerTS := false
	for _, m := range batch {
		if err := saveServerMessageTx(ctx, tx, m); err != nil {
			// Rolled back via defer: the batch is all-or-nothing, so a
			// partial failure never leaves the cursor advanced past a
			// message that didn't actually land.
			return err
		}
		if m.ServerTimestamp != nil {
			sawServerTS = true
			if *m.ServerTimestamp > maxServerTS {
				maxServerTS = *m.ServerTimestamp
			}
		}
	}
	if sawServerTS {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_cursor (id, cursor) VALUES (0, ?)
			ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor WHERE excluded.cursor > sync_cursor.cursor
		`, maxServerTS); err != nil {
			return fmt.Errorf("sqlitestore: save_server_batch: advance cursor: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ReadCursor(ctx context.Context) (uint64, bool) {
	var cursor uint64
	err := s.db.GetContext(ctx, &cursor, `SELECT cursor FROM sync_cursor WHERE id = 0`)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Warn("read_cursor failed", zap.Error(err))
		}
		return 0, false
	}
	return cursor, true
}

func (s *Store) WriteCursor(ctx context.Context, cursor uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, cursor) VALUES (0, ?)
		ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor
	`, cursor)
	if err != nil {
		return fmt.Errorf("sqlitestore: write_cursor: %w", err)
	}
	return nil
}

func (s *Store) Unsynced(ctx context.Context) ([]message.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, "table", row, column_name, data_type, value, local_timestamp,
		       server_timestamp, user_id, client_id, has_been_applied, has_been_synced
		FROM message_log WHERE has_been_synced = 0 ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: unsynced: %w", err)
	}
	defer rows.Close()

	out := make([]message.Message, 0)
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.Table, &m.Row, &m.Column, &m.DataType, &m.Value,
			&m.LocalTimestamp, &m.ServerTimestamp, &m.UserID, &m.ClientID,
			&m.HasBeenApplied, &m.HasBeenSynced); err != nil {
			return nil, fmt.Errorf("sqlitestore: unsynced: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: mark_synced: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `UPDATE message_log SET has_been_synced = 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("sqlitestore: mark_synced: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return fmt.Errorf("sqlitestore: mark_synced: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.logger.Warn("mark_synced: unknown message id", zap.String("id", id))
		}
	}
	return tx.Commit()
}

func applyToViewTx(ctx context.Context, tx *sqlx.Tx, m message.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cell_view ("table", row, column_name, data_type, value, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT("table", row, column_name) DO UPDATE SET
			data_type = excluded.data_type,
			value     = excluded.value,
			timestamp = excluded.timestamp
	`, m.Table, m.Row, m.Column, m.DataType, m.Value, m.LocalTimestamp)
	if err != nil {
		return fmt.Errorf("sqlitestore: apply_to_view: %w", err)
	}
	return nil
}

func appendToLogTx(ctx context.Context, tx *sqlx.Tx, m message.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_log
			(id, "table", row, column_name, data_type, value, local_timestamp,
			 server_timestamp, user_id, client_id, has_been_applied, has_been_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, m.Table, m.Row, m.Column, m.DataType, m.Value, m.LocalTimestamp,
		m.ServerTimestamp, m.UserID, m.ClientID, m.HasBeenApplied, m.HasBeenSynced)
	if err != nil {
		return fmt.Errorf("sqlitestore: append_to_log: %w", err)
	}
	return nil
}

// saveServerMessageTx inlines the same hlc.Wins decision internal/store.Memory
// uses, against the log-wide maximum (queried within tx for read-your-write
// consistency across the batch), not just cell_view's current winner.
func saveServerMessageTx(ctx context.Context, tx *sqlx.Tx, m message.Message) error {
	if err := appendToLogTx(ctx, tx, m); err != nil {
		return err
	}

	rows, err := tx.QueryxContext(ctx, `
		SELECT local_timestamp FROM message_log WHERE "table" = ? AND row = ? AND column_name = ?
	`, m.Table, m.Row, m.Column)
	if err != nil {
		return fmt.Errorf("sqlitestore: save_server_message: query latest: %w", err)
	}
	var latest string
	found := false
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			rows.Close()
			return fmt.Errorf("sqlitestore: save_server_message: scan latest: %w", err)
		}
		if !found || hlc.ComparePacked(ts, latest) > 0 {
			latest = ts
			found = true
		}
	}
	rows.Close()

	if hlc.Wins(m.LocalTimestamp, latest, found) {
		return applyToViewTx(ctx, tx, m)
	}
	return nil
}
