package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"keyconnect/internal/license"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

const sellerColumns = `id, slug, username, password_hash, suspended, maintenance_mode, created_at, updated_at`

const subscriptionColumns = `id, seller_id, key, max_devices, bound_devices, expires_at,
	maintenance_paused_at, note, created_at, updated_at`

// PostgresStore serialises device binding with SELECT ... FOR UPDATE on the
// subscription row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres migrates the schema and connects a pool.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the pool for metrics registration.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Sellers

func (s *PostgresStore) CreateSeller(ctx context.Context, seller license.Seller) (license.Seller, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sellers (`+sellerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		seller.ID, seller.Slug, seller.Username, seller.PasswordHash,
		seller.Suspended, seller.MaintenanceMode, seller.CreatedAt, seller.UpdatedAt)
	if isPgCode(err, pgUniqueViolation) {
		return license.Seller{}, license.ErrSellerExists
	}
	if err != nil {
		return license.Seller{}, fmt.Errorf("create seller %s: %w", seller.Slug, err)
	}
	return seller, nil
}

func (s *PostgresStore) FindSeller(ctx context.Context, slug string) (license.Seller, error) {
	return s.findSeller(ctx, `slug = $1`, slug)
}

func (s *PostgresStore) FindSellerByUsername(ctx context.Context, username string) (license.Seller, error) {
	return s.findSeller(ctx, `username = $1`, username)
}

func (s *PostgresStore) findSeller(ctx context.Context, where, arg string) (license.Seller, error) {
	seller, err := scanSeller(s.pool.QueryRow(ctx, `SELECT `+sellerColumns+` FROM sellers WHERE `+where, arg))
	if err != nil {
		return license.Seller{}, notFound(err, "get seller")
	}
	return seller, nil
}

func (s *PostgresStore) ListSellers(ctx context.Context) ([]license.Seller, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sellerColumns+` FROM sellers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sellers: %w", err)
	}
	defer rows.Close()

	var out []license.Seller
	for rows.Next() {
		seller, err := scanSeller(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seller: %w", err)
		}
		out = append(out, seller)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSeller(ctx context.Context, id string, fn func(*license.Seller) error) (license.Seller, error) {
	var updated license.Seller
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		seller, err := scanSeller(tx.QueryRow(ctx, `SELECT `+sellerColumns+` FROM sellers WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "lock seller")
		}
		if err := fn(&seller); err != nil {
			return err
		}
		if err := updateSeller(ctx, tx, seller); err != nil {
			return err
		}
		updated = seller
		return nil
	})
	return updated, err
}

func (s *PostgresStore) SetMaintenance(ctx context.Context, sellerID string, enabled bool, now time.Time) (license.Seller, error) {
	var updated license.Seller
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		seller, err := scanSeller(tx.QueryRow(ctx, `SELECT `+sellerColumns+` FROM sellers WHERE id = $1 FOR UPDATE`, sellerID))
		if err != nil {
			return notFound(err, "lock seller")
		}
		wasOn := seller.MaintenanceMode
		seller.MaintenanceMode = enabled
		seller.UpdatedAt = now
		if err := updateSeller(ctx, tx, seller); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE seller_id = $1 FOR UPDATE`, sellerID)
		if err != nil {
			return fmt.Errorf("lock subscriptions: %w", err)
		}
		subs, err := collectSubscriptions(rows)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if !license.ApplyMaintenance(&sub, wasOn, enabled, now) {
				continue
			}
			if err := updateSubscription(ctx, tx, sub); err != nil {
				return err
			}
		}
		updated = seller
		return nil
	})
	return updated, err
}

// Subscriptions

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub license.Subscription) (license.Subscription, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.SellerID, sub.Key, sub.MaxDevices, sub.BoundDevices.Slice(), sub.ExpiresAt,
		sub.MaintenancePausedAt, sub.Note, sub.CreatedAt, sub.UpdatedAt)
	if isPgCode(err, pgUniqueViolation) {
		return license.Subscription{}, license.ErrDuplicateKey
	}
	if err != nil {
		return license.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) FindSubscription(ctx context.Context, sellerID, key string) (license.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE seller_id = $1 AND key = $2`, sellerID, key))
	if err != nil {
		return license.Subscription{}, notFound(err, "get subscription")
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, sellerID string) ([]license.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE seller_id = $1 ORDER BY created_at DESC`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, fn func(*license.Subscription) (bool, error)) (license.Subscription, error) {
	var result license.Subscription
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sub, err := scanSubscription(tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "lock subscription")
		}
		changed, err := fn(&sub)
		if err != nil {
			return err
		}
		result = sub
		if !changed {
			return nil
		}
		return updateSubscription(ctx, tx, sub)
	})
	if err != nil {
		return license.Subscription{}, err
	}
	return result, nil
}

func (s *PostgresStore) PersistDevices(ctx context.Context, id string, devices license.DeviceSet) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET bound_devices = $2, updated_at = now() WHERE id = $1`, id, devices.Slice())
	if isPgCode(err, pgCheckViolation) {
		return license.ErrDeviceLimitBelowBound
	}
	return affected(tag, err, "persist devices")
}

func (s *PostgresStore) PersistExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET expires_at = $2, updated_at = now() WHERE id = $1`, id, expiresAt)
	return affected(tag, err, "persist expiry")
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	return affected(tag, err, "delete subscription")
}

func (s *PostgresStore) DeleteSubscriptionsBySeller(ctx context.Context, sellerID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE seller_id = $1`, sellerID)
	if err != nil {
		return 0, fmt.Errorf("delete subscriptions for seller %s: %w", sellerID, err)
	}
	return int(tag.RowsAffected()), nil
}

func updateSeller(ctx context.Context, tx pgx.Tx, seller license.Seller) error {
	_, err := tx.Exec(ctx,
		`UPDATE sellers SET suspended = $2, maintenance_mode = $3, password_hash = $4, updated_at = $5 WHERE id = $1`,
		seller.ID, seller.Suspended, seller.MaintenanceMode, seller.PasswordHash, seller.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update seller %s: %w", seller.ID, err)
	}
	return nil
}

func updateSubscription(ctx context.Context, tx pgx.Tx, sub license.Subscription) error {
	_, err := tx.Exec(ctx,
		`UPDATE subscriptions
		 SET max_devices = $2, bound_devices = $3, expires_at = $4, maintenance_paused_at = $5, note = $6, updated_at = $7
		 WHERE id = $1`,
		sub.ID, sub.MaxDevices, sub.BoundDevices.Slice(), sub.ExpiresAt, sub.MaintenancePausedAt, sub.Note, sub.UpdatedAt)
	if isPgCode(err, pgCheckViolation) {
		return license.ErrDeviceLimitBelowBound
	}
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	return nil
}

func scanSeller(row pgx.Row) (license.Seller, error) {
	var seller license.Seller
	if err := row.Scan(&seller.ID, &seller.Slug, &seller.Username, &seller.PasswordHash,
		&seller.Suspended, &seller.MaintenanceMode, &seller.CreatedAt, &seller.UpdatedAt); err != nil {
		return license.Seller{}, err
	}
	seller.CreatedAt = seller.CreatedAt.UTC()
	seller.UpdatedAt = seller.UpdatedAt.UTC()
	return seller, nil
}

func scanSubscription(row pgx.Row) (license.Subscription, error) {
	var (
		sub     license.Subscription
		devices []string
		paused  *time.Time
	)
	if err := row.Scan(&sub.ID, &sub.SellerID, &sub.Key, &sub.MaxDevices, &devices, &sub.ExpiresAt,
		&paused, &sub.Note, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return license.Subscription{}, err
	}
	sub.BoundDevices = license.NewDeviceSet(devices...)
	sub.ExpiresAt = sub.ExpiresAt.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if paused != nil {
		p := paused.UTC()
		sub.MaintenancePausedAt = &p
	}
	return sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]license.Subscription, error) {
	defer rows.Close()
	var out []license.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return license.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func affected(tag pgconn.CommandTag, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return license.ErrNotFound
	}
	return nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
