package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hatbazar/payments/internal/config"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool // Track if we created the DB connection (for Close())
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// NOTE: db.Close() error is intentionally ignored during initialization cleanup.
		// The primary error is returned to the caller.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing
// connection pool, allowing the pool to be shared across components.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// createTables creates the necessary tables if they don't exist.
func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS payment_providers (
			id TEXT PRIMARY KEY,
			gateway TEXT NOT NULL,
			merchant_id TEXT NOT NULL,
			public_key TEXT NOT NULL,
			private_key TEXT NOT NULL,
			sandbox BOOLEAN NOT NULL DEFAULT TRUE,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			total_amount BIGINT NOT NULL,
			payment_method TEXT,
			payment_transaction_ref TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS payment_transactions (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			gateway TEXT NOT NULL,
			external_reference TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			raw_response JSONB,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (gateway, external_reference)
		);

		CREATE INDEX IF NOT EXISTS idx_payment_providers_gateway_active ON payment_providers(gateway) WHERE active;
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
		CREATE INDEX IF NOT EXISTS idx_payment_transactions_order ON payment_transactions(order_id);
		CREATE INDEX IF NOT EXISTS idx_payment_transactions_created ON payment_transactions(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection if this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// GetActiveProvider returns the single active credential row for a gateway.
func (s *PostgresStore) GetActiveProvider(ctx context.Context, gateway string) (ProviderConfig, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	// LIMIT 2 so a second active row is observable as a conflict.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, gateway, merchant_id, public_key, private_key, sandbox, active, created_at, updated_at
		FROM payment_providers
		WHERE gateway = $1 AND active
		LIMIT 2
	`, gateway)
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("query provider: %w", err)
	}
	defer rows.Close()

	var found []ProviderConfig
	for rows.Next() {
		var p ProviderConfig
		if err := rows.Scan(&p.ID, &p.Gateway, &p.MerchantID, &p.PublicKey, &p.PrivateKey,
			&p.Sandbox, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return ProviderConfig{}, fmt.Errorf("scan provider: %w", err)
		}
		found = append(found, p)
	}
	if err := rows.Err(); err != nil {
		return ProviderConfig{}, err
	}

	switch len(found) {
	case 0:
		return ProviderConfig{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return ProviderConfig{}, ErrProviderConflict
	}
}

// UpsertProvider inserts or replaces a provider credential row.
func (s *PostgresStore) UpsertProvider(ctx context.Context, p ProviderConfig) error {
	if err := validateAndPrepareProvider(&p, time.Now().UTC()); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_providers (id, gateway, merchant_id, public_key, private_key, sandbox, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			gateway = EXCLUDED.gateway,
			merchant_id = EXCLUDED.merchant_id,
			public_key = EXCLUDED.public_key,
			private_key = EXCLUDED.private_key,
			sandbox = EXCLUDED.sandbox,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.Gateway, p.MerchantID, p.PublicKey, p.PrivateKey, p.Sandbox, p.Active,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC())

	return err
}

// GetOrder retrieves an order by ID.
func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var (
		o          Order
		method     sql.NullString
		paymentRef sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, total_amount, payment_method, payment_transaction_ref, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, orderID).Scan(&o.ID, &o.UserID, &o.Status, &o.TotalAmount, &method, &paymentRef, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order: %w", err)
	}

	o.PaymentMethod = method.String
	o.PaymentTransactionRef = paymentRef.String
	return o, nil
}

// SaveOrder inserts or replaces an order.
func (s *PostgresStore) SaveOrder(ctx context.Context, o Order) error {
	if err := validateAndPrepareOrder(&o, time.Now().UTC()); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total_amount, payment_method, payment_transaction_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total_amount = EXCLUDED.total_amount,
			payment_method = EXCLUDED.payment_method,
			payment_transaction_ref = EXCLUDED.payment_transaction_ref,
			updated_at = EXCLUDED.updated_at
	`, o.ID, o.UserID, o.Status, o.TotalAmount, nullIfEmpty(o.PaymentMethod),
		nullIfEmpty(o.PaymentTransactionRef), o.CreatedAt.UTC(), o.UpdatedAt.UTC())

	return err
}

// ConfirmOrder marks an order confirmed and stores the gateway reference.
// The write is conditional on the order still being pending; duplicate
// confirmations converge without a second visible update.
func (s *PostgresStore) ConfirmOrder(ctx context.Context, orderID, paymentRef string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_transaction_ref = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`, orderID, OrderStatusConfirmed, paymentRef, time.Now().UTC(), OrderStatusPending)
	if err != nil {
		return fmt.Errorf("confirm order: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// Nothing updated: distinguish missing, already confirmed, and blocked.
	var status OrderStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == OrderStatusConfirmed {
		return nil
	}
	return ErrInvalidOrderState
}

// CreateTransaction inserts a new ledger row.
func (s *PostgresStore) CreateTransaction(ctx context.Context, tx PaymentTransaction) error {
	if err := validateAndPrepareTransaction(&tx, time.Now().UTC()); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, order_id, gateway, external_reference, amount, currency, status, raw_response, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tx.ID, tx.OrderID, tx.Gateway, tx.ExternalReference, tx.Amount, tx.Currency, tx.Status,
		rawOrNil(tx.RawResponse), nullTime(tx.CompletedAt), tx.CreatedAt.UTC(), tx.UpdatedAt.UTC())

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateReference
	}
	return err
}

// GetTransactionByReference retrieves a ledger row by gateway reference id.
func (s *PostgresStore) GetTransactionByReference(ctx context.Context, gateway, externalRef string) (PaymentTransaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, gateway, external_reference, amount, currency, status, raw_response, completed_at, created_at, updated_at
		FROM payment_transactions
		WHERE gateway = $1 AND external_reference = $2
	`, gateway, externalRef)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentTransaction{}, ErrNotFound
	}
	return tx, err
}

// ListTransactionsByOrder returns all ledger rows for an order, newest first.
func (s *PostgresStore) ListTransactionsByOrder(ctx context.Context, orderID string) ([]PaymentTransaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, gateway, external_reference, amount, currency, status, raw_response, completed_at, created_at, updated_at
		FROM payment_transactions
		WHERE order_id = $1
		ORDER BY created_at DESC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// MarkTransactionCompleted applies the terminal-successful state. The raw
// payload only replaces the stored one when non-empty.
func (s *PostgresStore) MarkTransactionCompleted(ctx context.Context, gateway, externalRef string, raw json.RawMessage, completedAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $3,
		    completed_at = $4,
		    raw_response = COALESCE($5, raw_response),
		    updated_at = $6
		WHERE gateway = $1 AND external_reference = $2 AND status <> $3
	`, gateway, externalRef, TransactionStatusCompleted, completedAt.UTC(), rawOrNil(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}

	return s.resolveNoopUpdate(ctx, result, gateway, externalRef, TransactionStatusCompleted)
}

// MarkTransactionFailed applies the terminal-failed state to a pending row.
func (s *PostgresStore) MarkTransactionFailed(ctx context.Context, gateway, externalRef string, raw json.RawMessage) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $3,
		    raw_response = COALESCE($4, raw_response),
		    updated_at = $5
		WHERE gateway = $1 AND external_reference = $2 AND status = $6
	`, gateway, externalRef, TransactionStatusFailed, rawOrNil(raw), time.Now().UTC(), TransactionStatusPending)
	if err != nil {
		return fmt.Errorf("fail transaction: %w", err)
	}

	return s.resolveNoopUpdate(ctx, result, gateway, externalRef, TransactionStatusFailed)
}

// resolveNoopUpdate distinguishes a missing row from a conditional update
// that matched nothing because the row is already terminal.
func (s *PostgresStore) resolveNoopUpdate(ctx context.Context, result sql.Result, gateway, externalRef string, _ TransactionStatus) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status TransactionStatus
	err = s.db.QueryRowContext(ctx, `
		SELECT status FROM payment_transactions WHERE gateway = $1 AND external_reference = $2
	`, gateway, externalRef).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (PaymentTransaction, error) {
	var (
		tx          PaymentTransaction
		raw         []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.OrderID, &tx.Gateway, &tx.ExternalReference, &tx.Amount,
		&tx.Currency, &tx.Status, &raw, &completedAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return PaymentTransaction{}, err
	}

	if len(raw) > 0 {
		tx.RawResponse = json.RawMessage(raw)
	}
	if completedAt.Valid {
		t := completedAt.Time
		tx.CompletedAt = &t
	}
	return tx, nil
}

// rawOrNil passes JSON as text so the driver lets Postgres cast it to jsonb.
func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
