package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/delivery-relay/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the bundled migrations in file name order. Every
// migration is idempotent so it is safe to run on each start.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o *models.Offer) error {
	snapshot, err := json.Marshal(o.Order)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", o.OrderID, err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO urgent_offers(id, order_id, customer_id, order_snapshot, eligible_drivers, declined_drivers, state, winner_id, created_at, expires_at, resolved_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO NOTHING`,
		o.ID, string(o.OrderID), o.Order.CustomerID, snapshot, pq.Array(nonNil(o.Eligible)), pq.Array(nonNil(o.Declined)),
		string(o.State), nullString(o.WinnerID), o.CreatedAt, o.Deadline, nullTime(o.ResolvedAt))
	return err
}

// UpdateOffer upserts so a lost SaveOffer does not lose the outcome. Rows
// already in a terminal state are left alone.
func (p *PostgresStore) UpdateOffer(ctx context.Context, o *models.Offer) error {
	snapshot, err := json.Marshal(o.Order)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", o.OrderID, err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO urgent_offers(id, order_id, customer_id, order_snapshot, eligible_drivers, declined_drivers, state, winner_id, created_at, expires_at, resolved_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
    declined_drivers = EXCLUDED.declined_drivers,
    state = EXCLUDED.state,
    winner_id = EXCLUDED.winner_id,
    resolved_at = EXCLUDED.resolved_at
WHERE urgent_offers.state = 'PENDING'`,
		o.ID, string(o.OrderID), o.Order.CustomerID, snapshot, pq.Array(nonNil(o.Eligible)), pq.Array(nonNil(o.Declined)),
		string(o.State), nullString(o.WinnerID), o.CreatedAt, o.Deadline, nullTime(o.ResolvedAt))
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// text[] columns are NOT NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
