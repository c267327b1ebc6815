package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hatbazar/payments/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrProviderConflict is returned when more than one active provider row
// exists for the same gateway. Credentials must be unambiguous before any
// money moves, so this is treated as a configuration error, not a pick-one.
var ErrProviderConflict = errors.New("storage: multiple active provider configurations")

// ErrDuplicateReference is returned when a ledger row already exists for a
// gateway reference id.
var ErrDuplicateReference = errors.New("storage: duplicate external reference")

// ErrInvalidOrderState is returned when an order status transition is not
// permitted from the order's current state.
var ErrInvalidOrderState = errors.New("storage: invalid order state for transition")

// Store captures the persistence requirements of the payment flow:
// provider credential rows, storefront orders, and the per-attempt
// payment ledger.
//
// Status updates are conditional writes. MarkTransactionCompleted and
// ConfirmOrder are idempotent so the gateway's callback redirect and an
// explicit verify poll can race without diverging; MarkTransactionFailed
// never overwrites a terminal row.
type Store interface {
	// Provider credential operations
	GetActiveProvider(ctx context.Context, gateway string) (ProviderConfig, error)
	UpsertProvider(ctx context.Context, p ProviderConfig) error

	// Order operations
	GetOrder(ctx context.Context, orderID string) (Order, error)
	SaveOrder(ctx context.Context, o Order) error
	// ConfirmOrder flips the order to confirmed and records the gateway's
	// issuer payment reference. Confirming an already-confirmed order is a
	// no-op; any other non-pending state returns ErrInvalidOrderState.
	ConfirmOrder(ctx context.Context, orderID, paymentRef string) error

	// Payment ledger operations
	CreateTransaction(ctx context.Context, tx PaymentTransaction) error
	GetTransactionByReference(ctx context.Context, gateway, externalRef string) (PaymentTransaction, error)
	ListTransactionsByOrder(ctx context.Context, orderID string) ([]PaymentTransaction, error)
	// MarkTransactionCompleted sets the row terminal-successful with the
	// given completion time; applied unless the row is already completed.
	MarkTransactionCompleted(ctx context.Context, gateway, externalRef string, raw json.RawMessage, completedAt time.Time) error
	// MarkTransactionFailed sets the row terminal-failed; applied only
	// while the row is still pending.
	MarkTransactionFailed(ctx context.Context, gateway, externalRef string, raw json.RawMessage) error

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is provided (non-nil) for the postgres backend, it is used instead
// of opening a new connection pool.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Memory backend loses the ledger on restart. Development and tests only.
		return NewMemoryStore(), nil
	case "postgres", "":
		if cfg.PostgresURL == "" && cfg.Backend == "" {
			if cfg.MongoDBURL != "" {
				return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
			}
			return NewMemoryStore(), nil
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB)
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// MemoryStore is an in-memory Store implementation suitable for tests and
// local development.
type MemoryStore struct {
	mu           sync.RWMutex
	providers    map[string]ProviderConfig     // provider ID -> row
	orders       map[string]Order              // order ID -> order
	transactions map[string]PaymentTransaction // transaction ID -> row
	txByRef      map[string]string             // gateway + "/" + external reference -> transaction ID
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:    make(map[string]ProviderConfig),
		orders:       make(map[string]Order),
		transactions: make(map[string]PaymentTransaction),
		txByRef:      make(map[string]string),
	}
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}

func refKey(gateway, externalRef string) string {
	return gateway + "/" + externalRef
}

// GetActiveProvider returns the single active credential row for a gateway.
func (m *MemoryStore) GetActiveProvider(_ context.Context, gateway string) (ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []ProviderConfig
	for _, p := range m.providers {
		if p.Gateway == gateway && p.Active {
			found = append(found, p)
		}
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
func (m *MemoryStore) UpsertProvider(_ context.Context, p ProviderConfig) error {
	if err := validateAndPrepareProvider(&p, time.Now().UTC()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.providers[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	m.providers[p.ID] = p
	return nil
}

// GetOrder retrieves an order by ID.
func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

// SaveOrder inserts or replaces an order.
func (m *MemoryStore) SaveOrder(_ context.Context, o Order) error {
	if err := validateAndPrepareOrder(&o, time.Now().UTC()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[o.ID]; ok {
		o.CreatedAt = existing.CreatedAt
	}
	m.orders[o.ID] = o
	return nil
}

// ConfirmOrder marks an order confirmed and stores the gateway reference.
func (m *MemoryStore) ConfirmOrder(_ context.Context, orderID, paymentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}

	switch o.Status {
	case OrderStatusConfirmed:
		// Duplicate confirmation converges to the same state.
		return nil
	case OrderStatusPending:
		o.Status = OrderStatusConfirmed
		o.PaymentTransactionRef = paymentRef
		o.UpdatedAt = time.Now().UTC()
		m.orders[orderID] = o
		return nil
	default:
		return ErrInvalidOrderState
	}
}

// CreateTransaction inserts a new ledger row. The gateway reference must
// not already exist.
func (m *MemoryStore) CreateTransaction(_ context.Context, tx PaymentTransaction) error {
	if err := validateAndPrepareTransaction(&tx, time.Now().UTC()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(tx.Gateway, tx.ExternalReference)
	if _, exists := m.txByRef[key]; exists {
		return ErrDuplicateReference
	}
	if _, exists := m.transactions[tx.ID]; exists {
		return ErrDuplicateReference
	}

	m.transactions[tx.ID] = tx
	m.txByRef[key] = tx.ID
	return nil
}

// GetTransactionByReference retrieves a ledger row by gateway reference id.
func (m *MemoryStore) GetTransactionByReference(_ context.Context, gateway, externalRef string) (PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.txByRef[refKey(gateway, externalRef)]
	if !ok {
		return PaymentTransaction{}, ErrNotFound
	}
	return m.transactions[id], nil
}

// ListTransactionsByOrder returns all ledger rows for an order, newest first.
func (m *MemoryStore) ListTransactionsByOrder(_ context.Context, orderID string) ([]PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PaymentTransaction
	for _, tx := range m.transactions {
		if tx.OrderID == orderID {
			out = append(out, tx)
		}
	}
	sortTransactionsNewestFirst(out)
	return out, nil
}

// MarkTransactionCompleted applies the terminal-successful state.
func (m *MemoryStore) MarkTransactionCompleted(_ context.Context, gateway, externalRef string, raw json.RawMessage, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.txByRef[refKey(gateway, externalRef)]
	if !ok {
		return ErrNotFound
	}

	tx := m.transactions[id]
	if tx.Status == TransactionStatusCompleted {
		return nil
	}

	tx.Status = TransactionStatusCompleted
	completedAt = completedAt.UTC()
	tx.CompletedAt = &completedAt
	if len(raw) > 0 {
		tx.RawResponse = raw
	}
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

// MarkTransactionFailed applies the terminal-failed state to a pending row.
func (m *MemoryStore) MarkTransactionFailed(_ context.Context, gateway, externalRef string, raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.txByRef[refKey(gateway, externalRef)]
	if !ok {
		return ErrNotFound
	}

	tx := m.transactions[id]
	if tx.Status.Terminal() {
		// Never regress a terminal row; a stale failure report is dropped.
		return nil
	}

	tx.Status = TransactionStatusFailed
	if len(raw) > 0 {
		tx.RawResponse = raw
	}
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

func sortTransactionsNewestFirst(txs []PaymentTransaction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}
