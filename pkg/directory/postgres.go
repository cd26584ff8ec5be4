package directory

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/recognition"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresOptions configures the Postgres backend.
type PostgresOptions struct {
	DSN           string
	MaxConns      int32
	RunMigrations bool
}

// PostgresDirectory stores profiles in a single Postgres table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory connects to Postgres and optionally applies migrations.
func NewPostgresDirectory(ctx context.Context, opts PostgresOptions) (*PostgresDirectory, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	poolCfg.MaxConnIdleTime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	pd := &PostgresDirectory{pool: pool}
	if opts.RunMigrations {
		if err := pd.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logging.Component("directory").Info("Connected to postgres")
	return pd, nil
}

// Migrate applies the embedded goose migrations.
func (pd *PostgresDirectory) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(pd.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migration setup failed: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// GetReferenceSignature returns identity's enrolled signature.
func (pd *PostgresDirectory) GetReferenceSignature(ctx context.Context, identity string) (recognition.Signature, error) {
	const query = `SELECT signature FROM profiles WHERE identity = $1 AND signature IS NOT NULL`

	var values []float32
	if err := pd.pool.QueryRow(ctx, query, identity).Scan(&values); err != nil {
		return recognition.Signature{}, mapNoRows(err)
	}
	return toSignature(values)
}

// PutReferenceSignature upserts identity's reference and stamps enrolled_at.
func (pd *PostgresDirectory) PutReferenceSignature(ctx context.Context, identity string, sig recognition.Signature) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}

	const query = `
        INSERT INTO profiles (identity, signature, enrolled_at, updated_at)
        VALUES ($1, $2, NOW(), NOW())
        ON CONFLICT (identity) DO UPDATE
        SET signature = EXCLUDED.signature, enrolled_at = NOW(), updated_at = NOW()`

	if _, err := pd.pool.Exec(ctx, query, identity, sig[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	return nil
}

// GetRole returns identity's stored role.
func (pd *PostgresDirectory) GetRole(ctx context.Context, identity string) (string, error) {
	const query = `SELECT role FROM profiles WHERE identity = $1 AND role IS NOT NULL`

	var role string
	if err := pd.pool.QueryRow(ctx, query, identity).Scan(&role); err != nil {
		return "", mapNoRows(err)
	}
	return role, nil
}

// SetRole upserts identity's role without touching the signature.
func (pd *PostgresDirectory) SetRole(ctx context.Context, identity, role string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}

	const query = `
        INSERT INTO profiles (identity, role, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (identity) DO UPDATE
        SET role = EXCLUDED.role, updated_at = NOW()`

	if _, err := pd.pool.Exec(ctx, query, identity, role); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	return nil
}

// GetProfile loads identity's full profile row.
func (pd *PostgresDirectory) GetProfile(ctx context.Context, identity string) (*Profile, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}

	const query = `
        SELECT identity, signature, COALESCE(role, ''), enrolled_at, updated_at
        FROM profiles WHERE identity = $1`

	var (
		p          Profile
		values     []float32
		enrolledAt *time.Time
	)
	err := pd.pool.QueryRow(ctx, query, identity).Scan(&p.Identity, &values, &p.Role, &enrolledAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if values != nil {
		sig, err := toSignature(values)
		if err != nil {
			return nil, err
		}
		p.Signature = &sig
	}
	if enrolledAt != nil {
		p.EnrolledAt = *enrolledAt
	}
	return &p, nil
}

// DeleteProfile removes identity's row.
func (pd *PostgresDirectory) DeleteProfile(ctx context.Context, identity string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}

	cmd, err := pd.pool.Exec(ctx, `DELETE FROM profiles WHERE identity = $1`, identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIdentities returns all stored identities, sorted.
func (pd *PostgresDirectory) ListIdentities(ctx context.Context) ([]string, error) {
	rows, err := pd.pool.Query(ctx, `SELECT identity FROM profiles ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	identities, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	return identities, nil
}

// Ping verifies database connectivity.
func (pd *PostgresDirectory) Ping(ctx context.Context) error {
	return pd.pool.Ping(ctx)
}

// Close releases pool resources.
func (pd *PostgresDirectory) Close() error {
	pd.pool.Close()
	return nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStorageAccess, err)
}

func toSignature(values []float32) (recognition.Signature, error) {
	var sig recognition.Signature
	if len(values) != len(sig) {
		return sig, fmt.Errorf("stored signature has %d values, want %d", len(values), len(sig))
	}
	copy(sig[:], values)
	return sig, nil
}
