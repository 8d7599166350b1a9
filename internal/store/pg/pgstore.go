// Package pg persists registry namespaces in a single PostgreSQL table.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"c19x.org/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects using the pgx stdlib driver. The kv table is created by
// the migrations in internal/migrate.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Namespace(name string) store.Namespace {
	return &namespace{db: s.db, name: name}
}

type namespace struct {
	db   *sql.DB
	name string
}

func (n *namespace) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := n.db.QueryRowContext(ctx,
		`select value from kv where namespace = $1 and key = $2`, n.name, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pg get %s/%s: %w", n.name, key, err)
	}
	return v, true, nil
}

func (n *namespace) Put(ctx context.Context, key, value string) error {
	_, err := n.db.ExecContext(ctx, `
		insert into kv(namespace, key, value, updated_at)
		values ($1, $2, $3, now())
		on conflict (namespace, key) do update
		set value = excluded.value, updated_at = excluded.updated_at`,
		n.name, key, value)
	if err != nil {
		return fmt.Errorf("pg put %s/%s: %w", n.name, key, err)
	}
	return nil
}

func (n *namespace) Remove(ctx context.Context, key string) error {
	if _, err := n.db.ExecContext(ctx,
		`delete from kv where namespace = $1 and key = $2`, n.name, key); err != nil {
		return fmt.Errorf("pg remove %s/%s: %w", n.name, key, err)
	}
	return nil
}

func (n *namespace) Keys(ctx context.Context) ([]string, error) {
	rows, err := n.db.QueryContext(ctx,
		`select key from kv where namespace = $1 order by key`, n.name)
	if err != nil {
		return nil, fmt.Errorf("pg keys %s: %w", n.name, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (n *namespace) Entries(ctx context.Context) (map[string]string, error) {
	rows, err := n.db.QueryContext(ctx,
		`select key, value from kv where namespace = $1`, n.name)
	if err != nil {
		return nil, fmt.Errorf("pg entries %s: %w", n.name, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
