package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/policy"
)

// PostgresStore persists profiles, history, and the model catalog in
// PostgreSQL.
type PostgresStore struct {
	pool     *pgxpool.Pool
	defaults Defaults
}

func NewPostgresStore(ctx context.Context, databaseURL string, defaults Defaults) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, defaults: defaults}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			preferred_model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			access_level TEXT NOT NULL DEFAULT 'basic',
			credit BIGINT NOT NULL DEFAULT 0 CHECK (credit >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			seq BIGSERIAL,
			role TEXT NOT NULL,
			parts JSONB NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			token_estimate INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_user_seq ON turns (user_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_model ON turns (model);`,
		`CREATE TABLE IF NOT EXISTS models (
			name TEXT PRIMARY KEY,
			credit_cost INT NOT NULL DEFAULT 0,
			min_access_level TEXT NOT NULL DEFAULT 'basic',
			supports_images BOOLEAN NOT NULL DEFAULT FALSE
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, preferred_model, system_prompt, access_level, credit, created_at, updated_at
		 FROM profiles WHERE user_id = $1`, userID)
	return scanProfile(row)
}

func (s *PostgresStore) EnsureProfile(ctx context.Context, userID string) (Profile, error) {
	p := s.defaults.newProfile(userID, time.Now().UTC())
	row := s.pool.QueryRow(ctx,
		`INSERT INTO profiles (user_id, preferred_model, system_prompt, access_level, credit, created_at, updated_at)
		 VALUES ($1, $2, '', $3, $4, $5, $5)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING user_id, preferred_model, system_prompt, access_level, credit, created_at, updated_at`,
		p.UserID, p.PreferredModel, p.AccessLevel.String(), p.Credit, p.CreatedAt)
	return scanProfile(row)
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (Profile, error) {
	var level *string
	if upd.AccessLevel != nil {
		v := upd.AccessLevel.String()
		level = &v
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE profiles SET
			preferred_model = COALESCE($2, preferred_model),
			system_prompt = COALESCE($3, system_prompt),
			access_level = COALESCE($4, access_level),
			updated_at = now()
		 WHERE user_id = $1
		 RETURNING user_id, preferred_model, system_prompt, access_level, credit, created_at, updated_at`,
		userID, upd.PreferredModel, upd.SystemPrompt, level)
	return scanProfile(row)
}

func (s *PostgresStore) AdjustCredit(ctx context.Context, userID string, delta, expectedMin int) (int, error) {
	var balance int
	err := s.pool.QueryRow(ctx,
		`UPDATE profiles SET credit = credit + $2, updated_at = now()
		 WHERE user_id = $1 AND credit >= $3 AND credit + $2 >= 0
		 RETURNING credit`,
		userID, delta, expectedMin).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the profile is missing or the conditional check failed.
		if _, perr := s.GetProfile(ctx, userID); perr != nil {
			return 0, perr
		}
		return 0, ErrCreditConflict
	}
	if err != nil {
		return 0, fmt.Errorf("adjust credit: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) History(ctx context.Context, userID string) ([]chat.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, role, parts, model, token_estimate, created_at
		 FROM turns WHERE user_id = $1 ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []chat.Turn
	for rows.Next() {
		var (
			t     chat.Turn
			parts []byte
			role  string
		)
		if err := rows.Scan(&t.ID, &role, &parts, &t.Model, &t.TokenEstimate, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = chat.Role(role)
		if err := json.Unmarshal(parts, &t.Parts); err != nil {
			return nil, fmt.Errorf("decode turn parts: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, userID string, turn chat.Turn) error {
	return insertTurn(ctx, s.pool, userID, stamped(turn))
}

func (s *PostgresStore) AppendExchange(ctx context.Context, userID string, userTurn, assistantTurn chat.Turn) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin exchange: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertTurn(ctx, tx, userID, stamped(userTurn)); err != nil {
		return err
	}
	if err := insertTurn(ctx, tx, userID, stamped(assistantTurn)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTurn(ctx context.Context, db execer, userID string, t chat.Turn) error {
	parts, err := json.Marshal(t.Parts)
	if err != nil {
		return fmt.Errorf("encode turn parts: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO turns (id, user_id, role, parts, model, token_estimate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, userID, string(t.Role), parts, t.Model, t.TokenEstimate, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetModel(ctx context.Context, name string) (ModelDescriptor, error) {
	var (
		m     ModelDescriptor
		level string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT name, credit_cost, min_access_level, supports_images FROM models WHERE name = $1`,
		name).Scan(&m.Name, &m.CreditCost, &level, &m.SupportsImages)
	if errors.Is(err, pgx.ErrNoRows) {
		return ModelDescriptor{}, ErrModelNotFound
	}
	if err != nil {
		return ModelDescriptor{}, fmt.Errorf("get model: %w", err)
	}
	m.MinAccessLevel = policy.ParseAccessLevel(level)
	return m, nil
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, credit_cost, min_access_level, supports_images FROM models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []ModelDescriptor
	for rows.Next() {
		var (
			m     ModelDescriptor
			level string
		)
		if err := rows.Scan(&m.Name, &m.CreditCost, &level, &m.SupportsImages); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m.MinAccessLevel = policy.ParseAccessLevel(level)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutModel(ctx context.Context, m ModelDescriptor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO models (name, credit_cost, min_access_level, supports_images)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET
			credit_cost = EXCLUDED.credit_cost,
			min_access_level = EXCLUDED.min_access_level,
			supports_images = EXCLUDED.supports_images`,
		m.Name, m.CreditCost, m.MinAccessLevel.String(), m.SupportsImages)
	if err != nil {
		return fmt.Errorf("put model: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveModel(ctx context.Context, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin model removal: %w", err)
	}
	defer tx.Rollback(ctx)

	var inUse bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE preferred_model = $1)
			OR EXISTS (SELECT 1 FROM turns WHERE model = $1)`, name).Scan(&inUse)
	if err != nil {
		return fmt.Errorf("check model references: %w", err)
	}
	if inUse {
		return ErrModelInUse
	}

	tag, err := tx.Exec(ctx, `DELETE FROM models WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("remove model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrModelNotFound
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p     Profile
		level string
	)
	err := row.Scan(&p.UserID, &p.PreferredModel, &p.SystemPrompt, &level, &p.Credit, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	p.AccessLevel = policy.ParseAccessLevel(level)
	return p, nil
}
