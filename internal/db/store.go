package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"energy-exchange/internal/model"
)

// Store is the postgres side of the exchange: participant accounts, the
// wallets the engine escrows against, and the persisted audit event stream.
type Store struct{ DB *sql.DB }

// Connect opens the pool and verifies the database is reachable.
func Connect(dsn string) (*Store, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(20)
	pool.SetConnMaxLifetime(5 * time.Minute)
	if err := pool.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: pool}, nil
}

// Migrate applies any pending SQL migrations from dir.
func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// IsUniqueViolation reports whether err is a postgres unique-constraint
// failure, e.g. a duplicate registration email.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ── Participants ─────────────────────────────────────

const userColumns = `id, email, password_hash, role, created_at`

func scanUser(row *sql.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateParticipant inserts the account row and its empty wallet together;
// a participant without a wallet could never receive a refund or payout.
func (s *Store) CreateParticipant(ctx context.Context, email, passwordHash string, role model.Role) (*model.User, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u := &model.User{}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (id, email, password_hash, role) VALUES ($1,$2,$3,$4)
		 RETURNING `+userColumns,
		uuid.New().String(), email, passwordHash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallets (user_id) VALUES ($1)`, u.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

// UserByEmail returns nil without error when no such participant exists.
func (s *Store) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	return scanUser(s.DB.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email=$1`, email))
}

func (s *Store) UserByID(ctx context.Context, id string) (*model.User, error) {
	return scanUser(s.DB.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

// Participants lists every account with its wallet balance.
func (s *Store) Participants(ctx context.Context) ([]model.Participant, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT u.id, u.email, u.role, u.created_at, w.balance_cents
		 FROM users u JOIN wallets w ON w.user_id = u.id
		 ORDER BY u.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.Email, &p.Role, &p.CreatedAt, &p.BalanceCents); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Wallets ──────────────────────────────────────────

func (s *Store) WalletBalance(ctx context.Context, userID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, balance_cents FROM wallets WHERE user_id=$1`, userID,
	).Scan(&w.UserID, &w.BalanceCents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) Deposit(ctx context.Context, userID string, cents int64) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`UPDATE wallets SET balance_cents = balance_cents + $1 WHERE user_id=$2
		 RETURNING user_id, balance_cents`, cents, userID,
	).Scan(&w.UserID, &w.BalanceCents)
	return w, err
}

// WalletDebit moves escrow out of a wallet inside tx; it fails when the
// balance cannot cover the amount.
func WalletDebit(tx *sql.Tx, userID string, cents int64) error {
	res, err := tx.Exec(
		`UPDATE wallets SET balance_cents = balance_cents - $1
		 WHERE user_id=$2 AND balance_cents >= $1`, cents, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("insufficient balance")
	}
	return nil
}

// WalletCreditTx returns value to a wallet inside tx. The engine's payout
// batches run every credit of one roll through a single transaction so a
// mid-batch failure undoes them all.
func WalletCreditTx(tx *sql.Tx, userID string, cents int64) error {
	res, err := tx.Exec(
		`UPDATE wallets SET balance_cents = balance_cents + $1 WHERE user_id=$2`, cents, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no wallet for user %s", userID)
	}
	return nil
}

// ── Audit Event Log ──────────────────────────────────

func (s *Store) AppendAuditEvent(ctx context.Context, bucketID int64, evType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO audit_events (bucket_id, type, payload_json) VALUES ($1,$2,$3)`,
		bucketID, evType, body,
	)
	return err
}

func (s *Store) ListAuditEvents(ctx context.Context, bucketID *int64, limit int) ([]model.AuditEvent, error) {
	query := `SELECT id, bucket_id, type, payload_json, created_at FROM audit_events`
	var args []any
	if bucketID != nil {
		query += ` WHERE bucket_id=$1`
		args = append(args, *bucketID)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var raw []byte
		if err := rows.Scan(&e.ID, &e.BucketID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &e.PayloadJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}
