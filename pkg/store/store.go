// package store is the client for the ledger database. Every call maps
// onto a stored procedure; the service holds no SQL of its own beyond
// the selector predicate fragments it passes through.
package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/env"
)

var (
	ErrBadSelector = errors.New("selector does not parse as a predicate")
	ErrUnavailable = errors.New("database unavailable")
)

type DB struct {
	pool *pgxpool.Pool
}

// Open connects using the environment: DATABASE_URL, or DB_PREFIX plus
// <PREFIX>_DATABASE, _USER, _PASSWORD, _HOST, _PORT. Any truthy PGSSL
// turns on TLS without certificate verification.
func Open(ctx context.Context) (*DB, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	dsn := env.Default("DATABASE_URL", "")
	if dsn == "" {
		prefix := env.Default("DB_PREFIX", "")
		if prefix == "" {
			return nil, fmt.Errorf("neither DATABASE_URL nor DB_PREFIX is set")
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			env.Default(prefix+"_USER", "postgres"),
			env.GetSecret(prefix+"_PASSWORD", "").Secret(),
			env.Default(prefix+"_HOST", "localhost"),
			env.Default(prefix+"_PORT", "5432"),
			env.Default(prefix+"_DATABASE", "evently"),
		)
	}

	return OpenDSN(ctx, dsn, truthy(env.Default("PGSSL", "")))
}

func OpenDSN(ctx context.Context, dsn string, sslNoVerify bool) (*DB, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if sslNoVerify {
		cfg.ConnConfig.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() { db.pool.Close() }

func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// PgMessage digs the primary message out of a database error.
func PgMessage(err error) string {
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		return pg.Message
	}
	return ""
}

// IsSyntax reports a malformed predicate (SQLSTATE 42601).
func IsSyntax(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "42601"
}

// IsUniqueViolation reports SQLSTATE 23505, optionally on one constraint.
func IsUniqueViolation(err error, constraintSuffix string) bool {
	var pg *pgconn.PgError
	if !errors.As(err, &pg) || pg.Code != "23505" {
		return false
	}
	return constraintSuffix == "" || strings.HasSuffix(pg.ConstraintName, constraintSuffix)
}

// IsUnavailable reports a connection level failure.
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}
