// internal/storage/postgres.go
// Package storage provides the PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent configuration.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

// postgres provides persistent storage for origins, mappings, and policies.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL configuration store.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Origins table for upstream object-storage endpoints
		CREATE TABLE IF NOT EXISTS origins (
		    id TEXT PRIMARY KEY,
		    name TEXT NOT NULL,
		    domain TEXT NOT NULL,
		    base_path TEXT NOT NULL DEFAULT '',
		    headers JSONB NOT NULL DEFAULT '{}',
		    cache_ttl INTEGER NOT NULL DEFAULT 0,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Mappings table associating request patterns with origins and policies
		CREATE TABLE IF NOT EXISTS mappings (
		    id TEXT PRIMARY KEY,
		    match_kind TEXT NOT NULL,
		    pattern TEXT NOT NULL,
		    origin_id TEXT NOT NULL REFERENCES origins(id),
		    policy_id TEXT,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    UNIQUE(match_kind, pattern)
		);

		CREATE INDEX IF NOT EXISTS idx_mappings_origin_id ON mappings(origin_id);

		-- Policies table holding transformation steps and output directives as JSON
		CREATE TABLE IF NOT EXISTS policies (
		    id TEXT PRIMARY KEY,
		    name TEXT NOT NULL UNIQUE,
		    is_default BOOLEAN NOT NULL DEFAULT FALSE,
		    transformations JSONB NOT NULL DEFAULT '[]',
		    outputs JSONB NOT NULL DEFAULT '[]',
		    cache_ttl INTEGER NOT NULL DEFAULT 0,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- At most one default policy across the deployment
		CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_single_default
		    ON policies ((TRUE)) WHERE is_default;
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// ScanConfig performs the full configuration scan consumed at index build.
func (p *postgres) ScanConfig(ctx context.Context) (*model.ConfigSnapshot, error) {
	snap := &model.ConfigSnapshot{}

	rows, err := p.db.Query(ctx, `SELECT id, name, domain, base_path, headers, cache_ttl, created_at FROM origins ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan origins: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o model.Origin
		var headersJSON []byte
		if err := rows.Scan(&o.ID, &o.Name, &o.Domain, &o.BasePath, &headersJSON, &o.CacheTTL, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan origin: %w", err)
		}
		if err := json.Unmarshal(headersJSON, &o.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal origin headers: %w", err)
		}
		snap.Origins = append(snap.Origins, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating origins: %w", err)
	}

	mrows, err := p.db.Query(ctx, `SELECT id, match_kind, pattern, origin_id, COALESCE(policy_id, ''), created_at FROM mappings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mappings: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var m model.Mapping
		if err := mrows.Scan(&m.ID, &m.MatchKind, &m.Pattern, &m.OriginID, &m.PolicyID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		snap.Mappings = append(snap.Mappings, m)
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}

	prows, err := p.db.Query(ctx, `SELECT id, name, is_default, transformations, outputs, cache_ttl, created_at FROM policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan policies: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var pol model.TransformationPolicy
		var stepsJSON, outputsJSON []byte
		if err := prows.Scan(&pol.ID, &pol.Name, &pol.IsDefault, &stepsJSON, &outputsJSON, &pol.CacheTTL, &pol.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		if err := json.Unmarshal(stepsJSON, &pol.Transformations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal policy transformations: %w", err)
		}
		if err := json.Unmarshal(outputsJSON, &pol.Outputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal policy outputs: %w", err)
		}
		snap.Policies = append(snap.Policies, pol)
	}
	if err := prows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}

	return snap, nil
}

// PutOrigin inserts or updates an origin.
func (p *postgres) PutOrigin(ctx context.Context, origin model.Origin) error {
	headersJSON, err := json.Marshal(origin.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal origin headers: %w", err)
	}
	if origin.CreatedAt.IsZero() {
		origin.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO origins (id, name, domain, base_path, headers, cache_ttl, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (id) DO UPDATE
	          SET name = $2, domain = $3, base_path = $4, headers = $5, cache_ttl = $6`

	_, err = p.db.Exec(ctx, query, origin.ID, origin.Name, origin.Domain, origin.BasePath, headersJSON, origin.CacheTTL, origin.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to put origin: %w", err)
	}
	return nil
}

// GetOrigin retrieves an origin by id.
func (p *postgres) GetOrigin(ctx context.Context, id string) (*model.Origin, error) {
	query := `SELECT id, name, domain, base_path, headers, cache_ttl, created_at FROM origins WHERE id = $1`

	var o model.Origin
	var headersJSON []byte
	err := p.db.QueryRow(ctx, query, id).Scan(&o.ID, &o.Name, &o.Domain, &o.BasePath, &headersJSON, &o.CacheTTL, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get origin: %w", err)
	}
	if err := json.Unmarshal(headersJSON, &o.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal origin headers: %w", err)
	}
	return &o, nil
}

// DeleteOrigin removes an origin that is not referenced by any mapping.
func (p *postgres) DeleteOrigin(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `DELETE FROM origins WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23503: foreign_key_violation - a mapping still references this origin
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrOriginInUse
		}
		return fmt.Errorf("failed to delete origin: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PutMapping inserts or updates a mapping; the origin must exist.
func (p *postgres) PutMapping(ctx context.Context, mapping model.Mapping) error {
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now().UTC()
	}
	var policyID *string
	if mapping.PolicyID != "" {
		policyID = &mapping.PolicyID
	}

	query := `INSERT INTO mappings (id, match_kind, pattern, origin_id, policy_id, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (id) DO UPDATE
	          SET match_kind = $2, pattern = $3, origin_id = $4, policy_id = $5`

	_, err := p.db.Exec(ctx, query, mapping.ID, mapping.MatchKind, mapping.Pattern, mapping.OriginID, policyID, mapping.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503": // foreign_key_violation - unknown origin
				return ErrNotFound
			case "23505": // unique_violation - duplicate pattern
				return ErrConflict
			}
		}
		return fmt.Errorf("failed to put mapping: %w", err)
	}
	return nil
}

// DeleteMapping removes a mapping by id.
func (p *postgres) DeleteMapping(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `DELETE FROM mappings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PutPolicy inserts or updates a policy. Writing a second default policy
// trips the partial unique index and surfaces as ErrDefaultExists.
func (p *postgres) PutPolicy(ctx context.Context, policy model.TransformationPolicy) error {
	stepsJSON, err := json.Marshal(policy.Transformations)
	if err != nil {
		return fmt.Errorf("failed to marshal policy transformations: %w", err)
	}
	outputsJSON, err := json.Marshal(policy.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal policy outputs: %w", err)
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO policies (id, name, is_default, transformations, outputs, cache_ttl, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (id) DO UPDATE
	          SET name = $2, is_default = $3, transformations = $4, outputs = $5, cache_ttl = $6`

	_, err = p.db.Exec(ctx, query, policy.ID, policy.Name, policy.IsDefault, stepsJSON, outputsJSON, policy.CacheTTL, policy.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "idx_policies_single_default" {
				return ErrDefaultExists
			}
			return ErrConflict
		}
		return fmt.Errorf("failed to put policy: %w", err)
	}
	return nil
}

// GetPolicy retrieves a policy by id.
func (p *postgres) GetPolicy(ctx context.Context, id string) (*model.TransformationPolicy, error) {
	query := `SELECT id, name, is_default, transformations, outputs, cache_ttl, created_at FROM policies WHERE id = $1`

	var pol model.TransformationPolicy
	var stepsJSON, outputsJSON []byte
	err := p.db.QueryRow(ctx, query, id).Scan(&pol.ID, &pol.Name, &pol.IsDefault, &stepsJSON, &outputsJSON, &pol.CacheTTL, &pol.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &pol.Transformations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy transformations: %w", err)
	}
	if err := json.Unmarshal(outputsJSON, &pol.Outputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy outputs: %w", err)
	}
	return &pol, nil
}

// DeletePolicy removes a policy by id.
func (p *postgres) DeletePolicy(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
