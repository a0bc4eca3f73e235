package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chorebot/internal/chore"
	"chorebot/internal/recurrence"
	logx "chorebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./chorebot.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const definitionCols = `id, owner_id, chore_name, rule_kind, rule_day, time_of_day,
	chat_id, confirm_chat_id, next_fire_at, paused_until, created_at`

func (s *sqliteStore) CreateDefinition(ctx context.Context, d *chore.Definition) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_definitions
		 (owner_id, chore_name, rule_kind, rule_day, time_of_day, chat_id, confirm_chat_id, next_fire_at, paused_until, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		d.OwnerID, d.Name, string(d.Rule.Kind), d.Rule.Day, d.TimeOfDay.String(),
		d.ChatID, d.ConfirmChatID, encodeTime(d.NextFireAt), nullTime(d.PausedUntil), encodeTime(d.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	d.ID = id
	return nil
}

func (s *sqliteStore) GetDefinition(ctx context.Context, owner int64, name string) (*chore.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionCols+` FROM reminder_definitions WHERE owner_id = ? AND chore_name = ?`,
		owner, name,
	)
	return scanDefinition(row)
}

func (s *sqliteStore) GetDefinitionByID(ctx context.Context, id int64) (*chore.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionCols+` FROM reminder_definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

func (s *sqliteStore) ListDefinitions(ctx context.Context, owner int64) ([]*chore.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionCols+` FROM reminder_definitions WHERE owner_id = ? ORDER BY next_fire_at`,
		owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

func (s *sqliteStore) DueDefinitions(ctx context.Context, asOf time.Time) ([]*chore.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionCols+` FROM reminder_definitions d
		 WHERE d.next_fire_at <= ?
		   AND (d.paused_until IS NULL OR d.paused_until <= ?)
		   AND NOT EXISTS (
		       SELECT 1 FROM chore_instances i
		       WHERE i.definition_id = d.id AND i.state != 'verified'
		   )
		 ORDER BY d.next_fire_at`,
		encodeTime(asOf), encodeTime(asOf),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

func (s *sqliteStore) PauseDefinition(ctx context.Context, owner int64, name string, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_definitions SET paused_until = ? WHERE owner_id = ? AND chore_name = ?`,
		nullTime(until), owner, name,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *sqliteStore) DeleteDefinition(ctx context.Context, owner int64, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM reminder_definitions WHERE owner_id = ? AND chore_name = ?`,
		owner, name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return err
	}

	// Explicit cascade: foreign_keys may be off on old database files.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chore_instances WHERE definition_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reminder_definitions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

const instanceCols = `id, definition_id, state, created_at, due_at, claimed_at,
	resolved_at, follow_up_count, reminder_msg_id, verify_msg_id`

const upsertInstanceSQL = `INSERT INTO chore_instances
	 (id, definition_id, state, created_at, due_at, claimed_at, resolved_at, follow_up_count, reminder_msg_id, verify_msg_id)
	 VALUES(?,?,?,?,?,?,?,?,?,?)
	 ON CONFLICT(id) DO UPDATE SET
	   state=excluded.state, due_at=excluded.due_at, claimed_at=excluded.claimed_at,
	   resolved_at=excluded.resolved_at, follow_up_count=excluded.follow_up_count,
	   reminder_msg_id=excluded.reminder_msg_id, verify_msg_id=excluded.verify_msg_id`

func instanceArgs(inst *chore.Instance) []any {
	return []any{
		inst.ID, inst.DefinitionID, string(inst.State), encodeTime(inst.CreatedAt), encodeTime(inst.DueAt),
		nullTime(inst.ClaimedAt), nullTime(inst.ResolvedAt), inst.FollowUps, inst.ReminderMsgID, inst.VerifyMsgID,
	}
}

func (s *sqliteStore) UpsertInstance(ctx context.Context, inst *chore.Instance) error {
	_, err := s.db.ExecContext(ctx, upsertInstanceSQL, instanceArgs(inst)...)
	return err
}

func (s *sqliteStore) CompleteCycle(ctx context.Context, inst *chore.Instance, next time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertInstanceSQL, instanceArgs(inst)...); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE reminder_definitions SET next_fire_at = ? WHERE id = ?`,
		encodeTime(next), inst.DefinitionID,
	)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetInstance(ctx context.Context, id string) (*chore.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM chore_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	return inst, err
}

func (s *sqliteStore) SetInstanceMessage(ctx context.Context, instanceID string, slot MessageSlot, messageID int) error {
	col := "reminder_msg_id"
	if slot == SlotVerify {
		col = "verify_msg_id"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chore_instances SET `+col+` = ? WHERE id = ?`,
		messageID, instanceID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *sqliteStore) ActiveInstance(ctx context.Context, defID int64) (*chore.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM chore_instances
		 WHERE definition_id = ? AND state != 'verified'
		 ORDER BY created_at DESC LIMIT 1`,
		defID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inst, err
}

func (s *sqliteStore) DueInstances(ctx context.Context, asOf time.Time) ([]*chore.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.definition_id, i.state, i.created_at, i.due_at, i.claimed_at,
		        i.resolved_at, i.follow_up_count, i.reminder_msg_id, i.verify_msg_id
		 FROM chore_instances i
		 JOIN reminder_definitions d ON d.id = i.definition_id
		 WHERE i.state != 'verified'
		   AND i.due_at <= ?
		   AND (d.paused_until IS NULL OR d.paused_until <= ?)
		 ORDER BY i.due_at`,
		encodeTime(asOf), encodeTime(asOf),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chore.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneVerified(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chore_instances WHERE state = 'verified' AND resolved_at < ?`,
		encodeTime(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*chore.Definition, error) {
	var (
		d        chore.Definition
		kind     string
		tod      string
		nextFire int64
		paused   sql.NullInt64
		created  int64
	)
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &kind, &d.Rule.Day, &tod,
		&d.ChatID, &d.ConfirmChatID, &nextFire, &paused, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Rule.Kind = recurrence.Kind(kind)
	if d.TimeOfDay, err = recurrence.ParseTimeOfDay(tod); err != nil {
		return nil, fmt.Errorf("definition %d: %w", d.ID, err)
	}
	d.NextFireAt = decodeTime(nextFire)
	d.PausedUntil = decodeNullTime(paused)
	d.CreatedAt = decodeTime(created)
	return &d, nil
}

func collectDefinitions(rows *sql.Rows) ([]*chore.Definition, error) {
	var out []*chore.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*chore.Instance, error) {
	var (
		inst     chore.Instance
		state    string
		created  int64
		due      int64
		claimed  sql.NullInt64
		resolved sql.NullInt64
	)
	err := row.Scan(&inst.ID, &inst.DefinitionID, &state, &created, &due,
		&claimed, &resolved, &inst.FollowUps, &inst.ReminderMsgID, &inst.VerifyMsgID)
	if err != nil {
		return nil, err
	}

	inst.State = chore.State(state)
	inst.CreatedAt = decodeTime(created)
	inst.DueAt = decodeTime(due)
	inst.ClaimedAt = decodeNullTime(claimed)
	inst.ResolvedAt = decodeNullTime(resolved)
	return &inst, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeTime(t time.Time) int64 {
	return t.UnixMilli()
}

func decodeTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return encodeTime(t)
}

func decodeNullTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return decodeTime(v.Int64)
}
