package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"requirements-agent/internal/domain"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(128) NOT NULL PRIMARY KEY,
		email VARCHAR(320) NOT NULL DEFAULT '',
		name VARCHAR(255) NOT NULL DEFAULT '',
		photo_url TEXT,
		credits INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		plan VARCHAR(64) NOT NULL,
		credits INT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_purchases_user (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_entries (
		request_id VARCHAR(64) NOT NULL PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		outcome VARCHAR(32) NOT NULL,
		chunks INT NOT NULL,
		output_size INT NOT NULL,
		started_at DATETIME(6) NOT NULL,
		finished_at DATETIME(6) NOT NULL,
		INDEX idx_usage_user (user_id)
	)`,
}

// sqlConn is the subset of *sql.DB used by MySQLClient.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// MySQLClient is the relational ledger store. Balance mutations are single
// conditional UPDATE statements; the new balance is returned through
// LAST_INSERT_ID(expr) so no second read is needed.
type MySQLClient struct {
	db sqlConn
}

// NewMySQL wraps an open connection pool.
func NewMySQL(db sqlConn) (*MySQLClient, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &MySQLClient{db: db}, nil
}

// MySQLConfig parses dsn and forces the options the ledger relies on.
func MySQLConfig(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("repository: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	// Report matched rows rather than changed rows, so a reset of an
	// already-zero balance still counts as found.
	cfg.ClientFoundRows = true
	return cfg, nil
}

// OpenMySQL opens and pings a connection pool for dsn.
func OpenMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := MySQLConfig(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping mysql: %w", err)
	}
	return db, nil
}

// Migrate creates the ledger tables when they do not exist.
func (c *MySQLClient) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: Migrate: %w", err)
		}
	}
	return nil
}

func (c *MySQLClient) GetUser(ctx context.Context, userID string) (domain.UserRecord, error) {
	var (
		rec   domain.UserRecord
		photo sql.NullString
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT id, email, name, photo_url, credits, created_at, updated_at FROM users WHERE id = ?`, userID,
	).Scan(&rec.UserID, &rec.Email, &rec.Name, &photo, &rec.Credits, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserRecord{}, domain.ErrUserNotFound
		}
		return domain.UserRecord{}, fmt.Errorf("repository: GetUser: %w", err)
	}
	rec.PhotoURL = photo.String
	return rec, nil
}

func (c *MySQLClient) CreateUser(ctx context.Context, rec domain.UserRecord) (bool, error) {
	if strings.TrimSpace(rec.UserID) == "" {
		return false, errors.New("repository: CreateUser: user id is required")
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT IGNORE INTO users (id, email, name, photo_url, credits, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.Email, rec.Name, rec.PhotoURL, rec.Credits, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("repository: CreateUser: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: CreateUser rows affected: %w", err)
	}
	return n == 1, nil
}

func (c *MySQLClient) DecrementCredits(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE users SET credits = LAST_INSERT_ID(credits - 1), updated_at = ? WHERE id = ? AND credits > 0`,
		at.UTC(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("repository: DecrementCredits: %w", err)
	}
	credits, found, err := balanceFromResult(res)
	if err != nil {
		return 0, fmt.Errorf("repository: DecrementCredits: %w", err)
	}
	if found {
		return credits, nil
	}
	if _, err := c.GetUser(ctx, userID); err != nil {
		return 0, err
	}
	return 0, domain.ErrInsufficientCredits
}

func (c *MySQLClient) IncrementCredits(ctx context.Context, userID string, amount int, at time.Time) (int, error) {
	return c.addCredits(ctx, c.db, "IncrementCredits", userID, amount, at)
}

func (c *MySQLClient) SetCredits(ctx context.Context, userID string, value int, at time.Time) (int, error) {
	return c.updateBalance(ctx, c.db, "SetCredits",
		`UPDATE users SET credits = LAST_INSERT_ID(?), updated_at = ? WHERE id = ?`,
		value, at.UTC(), userID)
}

func (c *MySQLClient) RecordPurchase(ctx context.Context, p domain.Purchase) (credits int, err error) {
	if p.ID == "" || p.UserID == "" {
		return 0, errors.New("repository: RecordPurchase: purchase id and user id are required")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("repository: RecordPurchase begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO purchases (id, user_id, plan, credits, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Plan, p.Credits, p.CreatedAt.UTC(),
	); err != nil {
		return 0, fmt.Errorf("repository: RecordPurchase insert: %w", err)
	}
	credits, err = c.addCredits(ctx, tx, "RecordPurchase", p.UserID, p.Credits, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("repository: RecordPurchase commit: %w", err)
	}
	return credits, nil
}

func (c *MySQLClient) RecordUsage(ctx context.Context, e domain.UsageEntry) error {
	if e.UserID == "" || e.RequestID == "" {
		return errors.New("repository: RecordUsage: user id and request id are required")
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO usage_entries (request_id, user_id, outcome, chunks, output_size, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.UserID, e.Outcome, e.Chunks, e.OutputSize, e.StartedAt.UTC(), e.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository: RecordUsage: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// addCredits raises the balance only while it stays within domain.MaxCredits.
// The ceiling check is in the WHERE clause, so it is atomic with the write.
func (c *MySQLClient) addCredits(ctx context.Context, ex execer, op, userID string, amount int, at time.Time) (int, error) {
	if amount < 0 || amount > domain.MaxCredits {
		return 0, domain.ErrBalanceLimit
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE users SET credits = LAST_INSERT_ID(credits + ?), updated_at = ? WHERE id = ? AND credits <= ?`,
		amount, at.UTC(), userID, domain.MaxCredits-amount,
	)
	if err != nil {
		return 0, fmt.Errorf("repository: %s: %w", op, err)
	}
	credits, found, err := balanceFromResult(res)
	if err != nil {
		return 0, fmt.Errorf("repository: %s: %w", op, err)
	}
	if found {
		return credits, nil
	}
	if _, err := c.GetUser(ctx, userID); err != nil {
		return 0, err
	}
	return 0, domain.ErrBalanceLimit
}

func (c *MySQLClient) updateBalance(ctx context.Context, ex execer, op, query string, args ...any) (int, error) {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("repository: %s: %w", op, err)
	}
	credits, found, err := balanceFromResult(res)
	if err != nil {
		return 0, fmt.Errorf("repository: %s: %w", op, err)
	}
	if !found {
		return 0, domain.ErrUserNotFound
	}
	return credits, nil
}

func balanceFromResult(res sql.Result) (int, bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("last insert id: %w", err)
	}
	return int(id), true, nil
}
