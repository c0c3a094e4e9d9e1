package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/lib/pq"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	version    INTEGER NOT NULL DEFAULT 0,
	definition JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_log (
	task_id     TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	snapshot_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	errors      JSONB,
	results     JSONB,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS execution_log_strategy_idx ON execution_log (strategy_id, finished_at);

CREATE TABLE IF NOT EXISTS backtest_reports (
	id          TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	report      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// definition is the JSON column holding the nested parts of a strategy.
type definition struct {
	Rules []types.Rule         `json:"rules"`
	Risk  types.RiskParameters `json:"risk"`
	AI    types.AISettings     `json:"ai"`
}

type PostgresStorage struct {
	db *sql.DB
}

// NewPostgres opens the database, retrying the first ping with exponential
// backoff until connectTimeout elapses.
func NewPostgres(ctx context.Context, url string, connectTimeout time.Duration) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := db.PingContext(ctx); err != nil {
			log.Warn().Err(err).Msg("PostgreSQL not ready, retrying")
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(connectTimeout))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Info().Msg("Connected to PostgreSQL")

	return &PostgresStorage{db: db}, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

const strategyColumns = `id, name, type, status, priority, version, definition, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row scanner) (*types.Strategy, error) {
	var strategy types.Strategy
	var defJSON []byte

	err := row.Scan(
		&strategy.ID,
		&strategy.Name,
		&strategy.Type,
		&strategy.Status,
		&strategy.Priority,
		&strategy.Version,
		&defJSON,
		&strategy.CreatedAt,
		&strategy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var def definition
	if err := json.Unmarshal(defJSON, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition of %s: %w", strategy.ID, err)
	}
	strategy.Rules = def.Rules
	strategy.Risk = def.Risk
	strategy.AI = def.AI

	return &strategy, nil
}

func (s *PostgresStorage) ListActive(ctx context.Context) ([]types.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE status = $1 ORDER BY priority DESC, id`

	rows, err := s.db.QueryContext(ctx, query, types.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var strategies []types.Strategy
	for rows.Next() {
		strategy, err := scanStrategy(rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan strategy")
			continue
		}
		strategies = append(strategies, *strategy)
	}

	return strategies, rows.Err()
}

func (s *PostgresStorage) Get(ctx context.Context, id string) (*types.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = $1`

	strategy, err := scanStrategy(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrStrategyNotFound, id)
		}
		return nil, err
	}
	return strategy, nil
}

// Update inserts or replaces a strategy.
func (s *PostgresStorage) Update(ctx context.Context, strategy *types.Strategy) error {
	defJSON, err := json.Marshal(definition{Rules: strategy.Rules, Risk: strategy.Risk, AI: strategy.AI})
	if err != nil {
		return err
	}

	query := `
		INSERT INTO strategies (` + strategyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			version = EXCLUDED.version,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		strategy.ID,
		strategy.Name,
		strategy.Type,
		strategy.Status,
		strategy.Priority,
		strategy.Version,
		defJSON,
		strategy.CreatedAt,
		strategy.UpdatedAt,
	)
	return err
}

// Append writes an execution record. Records are keyed by task id, so a
// replayed append is a no-op.
func (s *PostgresStorage) Append(ctx context.Context, rec types.ExecutionRecord) error {
	errorsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return err
	}
	resultsJSON, err := json.Marshal(rec.Results)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO execution_log (task_id, strategy_id, snapshot_id, status, attempts, reason, errors, results, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.TaskID,
		rec.StrategyID,
		rec.SnapshotID,
		rec.Status,
		rec.Attempts,
		rec.Reason,
		errorsJSON,
		resultsJSON,
		rec.FinishedAt,
	)
	return err
}

func (s *PostgresStorage) SaveReport(ctx context.Context, id string, report *types.BacktestReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backtest_reports (id, strategy_id, report) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		id, report.StrategyID, reportJSON,
	)
	return err
}

func (s *PostgresStorage) GetReport(ctx context.Context, id string) (*types.BacktestReport, error) {
	var reportJSON []byte
	err := s.db.QueryRowContext(ctx, `SELECT report FROM backtest_reports WHERE id = $1`, id).Scan(&reportJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
		}
		return nil, err
	}

	var report types.BacktestReport
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
