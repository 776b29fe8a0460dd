package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema embed.FS

// DB is the Postgres-backed store.
type DB struct{ *pgxpool.Pool }

var _ Store = (*DB)(nil)

func Open(dsn string) (*DB, error) {
	p, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	return &DB{p}, nil
}

func (db *DB) Close(ctx context.Context)      { db.Pool.Close() }
func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

func Migrate(ctx context.Context, db *DB) error {
	sqlBytes, err := schema.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, string(sqlBytes))
	return err
}

func (db *DB) Config(ctx context.Context) (Config, error) {
	var cfg Config
	err := db.QueryRow(ctx, `
        SELECT prompt, current_step, rounds_count
          FROM arena_config
         WHERE singleton
    `).Scan(&cfg.Prompt, &cfg.CurrentStep, &cfg.RoundsCount)
	if errors.Is(err, pgx.ErrNoRows) {
		// Unmigrated or wiped config row: behave as a disabled experiment.
		return Config{}, nil
	}
	return cfg, err
}

func (db *DB) SetConfig(ctx context.Context, cfg Config) error {
	_, err := db.Exec(ctx, `
        INSERT INTO arena_config(singleton, prompt, current_step, rounds_count)
        VALUES (TRUE, $1, $2, $3)
        ON CONFLICT (singleton) DO UPDATE
          SET prompt = EXCLUDED.prompt,
              current_step = EXCLUDED.current_step,
              rounds_count = EXCLUDED.rounds_count
    `, cfg.Prompt, cfg.CurrentStep, cfg.RoundsCount)
	return err
}

func (db *DB) FindOrCreateOption(ctx context.Context, text, source, sessionID string) (Option, error) {
	// DO UPDATE on the text itself makes the insert race-safe and always
	// returns a row, without touching the first writer's metadata.
	var o Option
	err := db.QueryRow(ctx, `
        INSERT INTO options(text, source, session_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (text) DO UPDATE SET text = EXCLUDED.text
        RETURNING id, text, source, session_id, created_at
    `, Normalize(text), source, sessionID).Scan(&o.ID, &o.Text, &o.Source, &o.SessionID, &o.CreatedAt)
	return o, err
}

func (db *DB) OptionByID(ctx context.Context, id int64) (Option, error) {
	var o Option
	err := db.QueryRow(ctx, `
        SELECT id, text, source, session_id, created_at
          FROM options WHERE id = $1
    `, id).Scan(&o.ID, &o.Text, &o.Source, &o.SessionID, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Option{}, fmt.Errorf("option %d: %w", id, ErrNotFound)
	}
	return o, err
}

func (db *DB) OptionsByIDs(ctx context.Context, ids []int64) (map[int64]Option, error) {
	out := make(map[int64]Option, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.Query(ctx, `
        SELECT id, text, source, session_id, created_at
          FROM options WHERE id = ANY($1)
    `, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.ID, &o.Text, &o.Source, &o.SessionID, &o.CreatedAt); err != nil {
			return nil, err
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

func (db *DB) GetOrCreateSession(ctx context.Context, sessionKey string) (Session, error) {
	if _, err := db.Exec(ctx, `
        INSERT INTO sessions(session_key) VALUES ($1)
        ON CONFLICT (session_key) DO NOTHING
    `, sessionKey); err != nil {
		return Session{}, err
	}
	var s Session
	err := db.QueryRow(ctx, `
        SELECT session_key, current_round, is_completed, step_completed
          FROM sessions WHERE session_key = $1
    `, sessionKey).Scan(&s.SessionKey, &s.CurrentRound, &s.IsCompleted, &s.StepCompleted)
	return s, err
}

func (db *DB) SaveSession(ctx context.Context, s Session) error {
	tag, err := db.Exec(ctx, `
        UPDATE sessions
           SET current_round = $2,
               is_completed = $3,
               step_completed = $4
         WHERE session_key = $1
    `, s.SessionKey, s.CurrentRound, s.IsCompleted, s.StepCompleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %q: %w", s.SessionKey, ErrNotFound)
	}
	return nil
}

func (db *DB) AppendChoice(ctx context.Context, c Choice) (Choice, error) {
	err := db.QueryRow(ctx, `
        INSERT INTO choices(selected_id, rejected_id, step, selected_position, session_id, client_addr)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, created_at
    `, c.SelectedID, c.RejectedID, c.Step, c.SelectedPosition, c.SessionID, c.ClientAddr).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Choice{}, fmt.Errorf("choice references missing option: %w", ErrNotFound)
		}
		return Choice{}, err
	}
	return c, nil
}

const choiceCols = `id, selected_id, rejected_id, step, selected_position, session_id, client_addr, created_at`

func scanChoices(rows pgx.Rows) ([]Choice, error) {
	defer rows.Close()
	var out []Choice
	for rows.Next() {
		var c Choice
		if err := rows.Scan(&c.ID, &c.SelectedID, &c.RejectedID, &c.Step,
			&c.SelectedPosition, &c.SessionID, &c.ClientAddr, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) ChoicesBySession(ctx context.Context, sessionID string, step int) ([]Choice, error) {
	rows, err := db.Query(ctx, `
        SELECT `+choiceCols+`
          FROM choices
         WHERE session_id = $1 AND step = $2
         ORDER BY created_at, id
    `, sessionID, step)
	if err != nil {
		return nil, err
	}
	return scanChoices(rows)
}

func (db *DB) LastChoice(ctx context.Context, sessionID string, step int) (*Choice, error) {
	var c Choice
	err := db.QueryRow(ctx, `
        SELECT `+choiceCols+`
          FROM choices
         WHERE session_id = $1 AND step = $2
         ORDER BY created_at DESC, id DESC
         LIMIT 1
    `, sessionID, step).Scan(&c.ID, &c.SelectedID, &c.RejectedID, &c.Step,
		&c.SelectedPosition, &c.SessionID, &c.ClientAddr, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) SelectedTexts(ctx context.Context, sessionID string, step int) ([]string, error) {
	return db.textList(ctx, `
        SELECT o.text
          FROM choices c
          JOIN options o ON o.id = c.selected_id
         WHERE c.session_id = $1 AND c.step = $2 AND c.selected_id IS NOT NULL
         ORDER BY c.created_at, c.id
    `, sessionID, step)
}

func (db *DB) NeitherRejectedTexts(ctx context.Context, sessionID string, step int) ([]string, error) {
	return db.textList(ctx, `
        SELECT o.text
          FROM choices c
          JOIN options o ON o.id = c.rejected_id
         WHERE c.session_id = $1 AND c.step = $2 AND c.selected_id IS NULL
         ORDER BY c.created_at, c.id
    `, sessionID, step)
}

func (db *DB) textList(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (db *DB) ChoicesByStep(ctx context.Context, step int, clientAddr string) ([]Choice, error) {
	query := `
        SELECT ` + choiceCols + `
          FROM choices
         WHERE step = $1`
	args := []any{step}
	if clientAddr != "" {
		query += ` AND client_addr = $2`
		args = append(args, clientAddr)
	}
	query += ` ORDER BY session_id, created_at, id`
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanChoices(rows)
}

func (db *DB) EligibleOptions(ctx context.Context) ([]Option, error) {
	rows, err := db.Query(ctx, `
        SELECT o.id, o.text, o.source, o.session_id, o.created_at
          FROM options o
         WHERE o.id IN (
               SELECT DISTINCT selected_id FROM choices
                WHERE step = 1 AND selected_id IS NOT NULL)
         ORDER BY o.id
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Option
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.ID, &o.Text, &o.Source, &o.SessionID, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (db *DB) SelectionCounts(ctx context.Context, step int, clientAddr string) ([]OptionCount, error) {
	query := `
        SELECT o.id, o.text, o.source, o.session_id, o.created_at, COUNT(*)::int AS ct
          FROM choices c
          JOIN options o ON o.id = c.selected_id
         WHERE c.step = $1 AND c.selected_id IS NOT NULL`
	args := []any{step}
	if clientAddr != "" {
		query += ` AND c.client_addr = $2`
		args = append(args, clientAddr)
	}
	query += `
         GROUP BY o.id, o.text, o.source, o.session_id, o.created_at
         ORDER BY ct DESC, o.id`
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OptionCount
	for rows.Next() {
		var oc OptionCount
		if err := rows.Scan(&oc.Option.ID, &oc.Option.Text, &oc.Option.Source,
			&oc.Option.SessionID, &oc.Option.CreatedAt, &oc.Count); err != nil {
			return nil, err
		}
		out = append(out, oc)
	}
	return out, rows.Err()
}

func (db *DB) DistinctClients(ctx context.Context, step int) ([]string, error) {
	return db.textList(ctx, `
        SELECT DISTINCT client_addr FROM choices
         WHERE step = $1 AND client_addr <> ''
         ORDER BY client_addr
    `, step)
}

func (db *DB) DedupeOptions(ctx context.Context, dryRun bool) ([]Merge, error) {
	rows, err := db.Query(ctx, `
        SELECT id, text, source, session_id, created_at
          FROM options
         ORDER BY created_at, id
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var all []Option
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.ID, &o.Text, &o.Source, &o.SessionID, &o.CreatedAt); err != nil {
			return nil, err
		}
		all = append(all, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	merges := planMerges(all)
	if dryRun || len(merges) == 0 {
		return merges, nil
	}

	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // safe if already committed

	for _, m := range merges {
		if _, err := tx.Exec(ctx,
			`UPDATE choices SET selected_id = $1 WHERE selected_id = $2`, m.Into.ID, m.From.ID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE choices SET rejected_id = $1 WHERE rejected_id = $2`, m.Into.ID, m.From.ID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM options WHERE id = $1`, m.From.ID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE options SET text = $1 WHERE id = $2`, Normalize(m.Into.Text), m.Into.ID); err != nil {
			return nil, err
		}
	}
	return merges, tx.Commit(ctx)
}

// planMerges groups options by normalized text (input must be in creation
// order) and keeps the oldest of each group.
func planMerges(all []Option) []Merge {
	keeper := make(map[string]Option, len(all))
	var merges []Merge
	for _, o := range all {
		key := Normalize(o.Text)
		first, ok := keeper[key]
		if !ok {
			keeper[key] = o
			continue
		}
		merges = append(merges, Merge{From: o, Into: first})
	}
	return merges
}
