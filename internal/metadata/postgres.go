package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/paircache/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresConfig holds connection settings for the epoch store
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Database string `yaml:"database" mapstructure:"database"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	MaxConns int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int    `yaml:"min_conns" mapstructure:"min_conns"`
}

const createEpochTable = `
	CREATE TABLE IF NOT EXISTS pair_epochs (
		pair_id     TEXT PRIMARY KEY,
		epoch       BIGINT NOT NULL,
		active_node TEXT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)
`

// PostgresStore implements EpochStore on PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects, pings and ensures the epoch table exists
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 1
	}
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConns, cfg.MinConns,
	)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createEpochTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create epoch table: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Load returns the record of pairID
func (s *PostgresStore) Load(ctx context.Context, pairID string) (*EpochRecord, error) {
	query := `
		SELECT pair_id, epoch, active_node, updated_at
		FROM pair_epochs
		WHERE pair_id = $1
	`

	var (
		rec   EpochRecord
		epoch int64
	)
	err := s.pool.QueryRow(ctx, query, pairID).Scan(&rec.PairID, &epoch, &rec.ActiveNode, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &EpochRecord{PairID: pairID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load epoch: %w", err)
	}
	rec.Epoch = model.Epoch(epoch)
	return &rec, nil
}

// Advance moves the epoch of pairID from expected to next with optimistic
// locking
func (s *PostgresStore) Advance(ctx context.Context, pairID string, expected, next model.Epoch, activeNode string) (*EpochRecord, error) {
	if next <= expected {
		return nil, fmt.Errorf("epoch must increase: %d -> %d", expected, next)
	}

	query := `
		INSERT INTO pair_epochs (pair_id, epoch, active_node, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pair_id) DO UPDATE
		SET epoch = EXCLUDED.epoch, active_node = EXCLUDED.active_node, updated_at = EXCLUDED.updated_at
		WHERE pair_epochs.epoch = $5
	`

	rec := EpochRecord{
		PairID:     pairID,
		Epoch:      next,
		ActiveNode: activeNode,
		UpdatedAt:  time.Now().UTC(),
	}
	result, err := s.pool.Exec(ctx, query, rec.PairID, int64(rec.Epoch), rec.ActiveNode, rec.UpdatedAt, int64(expected))
	if err != nil {
		return nil, fmt.Errorf("failed to advance epoch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: expected %d", ErrEpochConflict, expected)
	}

	s.logger.Info("Epoch advanced",
		zap.String("pair_id", pairID),
		zap.Uint64("epoch", uint64(rec.Epoch)),
		zap.String("active_node", activeNode))
	return &rec, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
