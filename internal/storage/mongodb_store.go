package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client       *mongo.Client
	providers    *mongo.Collection
	orders       *mongo.Collection
	transactions *mongo.Collection
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// NOTE: Disconnect() error is intentionally ignored during initialization
		// cleanup. The primary error is returned to the caller.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)

	store := &MongoDBStore{
		client:       client,
		providers:    db.Collection("payment_providers"),
		orders:       db.Collection("orders"),
		transactions: db.Collection("payment_transactions"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// createIndexes creates necessary indexes for collections.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.providers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "gateway", Value: 1}, {Key: "active", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create provider indexes: %w", err)
	}

	_, err = s.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create order indexes: %w", err)
	}

	_, err = s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "gateway", Value: 1}, {Key: "external_reference", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "order_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create transaction indexes: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// GetActiveProvider returns the single active credential row for a gateway.
func (s *MongoDBStore) GetActiveProvider(ctx context.Context, gateway string) (ProviderConfig, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	cursor, err := s.providers.Find(ctx, bson.M{"gateway": gateway, "active": true}, options.Find().SetLimit(2))
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("query provider: %w", err)
	}

	var found []ProviderConfig
	if err := cursor.All(ctx, &found); err != nil {
		return ProviderConfig{}, fmt.Errorf("decode provider: %w", err)
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
func (s *MongoDBStore) UpsertProvider(ctx context.Context, p ProviderConfig) error {
	if err := validateAndPrepareProvider(&p, time.Now().UTC()); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": p.ID}
	update := bson.M{
		"$set": bson.M{
			"gateway":     p.Gateway,
			"merchant_id": p.MerchantID,
			"public_key":  p.PublicKey,
			"private_key": p.PrivateKey,
			"sandbox":     p.Sandbox,
			"active":      p.Active,
			"updated_at":  p.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": p.CreatedAt},
	}

	_, err := s.providers.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// GetOrder retrieves an order by ID.
func (s *MongoDBStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var o Order
	err := s.orders.FindOne(ctx, bson.M{"_id": orderID}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// SaveOrder inserts or replaces an order.
func (s *MongoDBStore) SaveOrder(ctx context.Context, o Order) error {
	if err := validateAndPrepareOrder(&o, time.Now().UTC()); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": o.ID}
	update := bson.M{
		"$set": bson.M{
			"user_id":                 o.UserID,
			"status":                  o.Status,
			"total_amount":            o.TotalAmount,
			"payment_method":          o.PaymentMethod,
			"payment_transaction_ref": o.PaymentTransactionRef,
			"updated_at":              o.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": o.CreatedAt},
	}

	_, err := s.orders.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// ConfirmOrder marks an order confirmed and stores the gateway reference.
// The write is conditional on the order still being pending.
func (s *MongoDBStore) ConfirmOrder(ctx context.Context, orderID, paymentRef string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": orderID, "status": OrderStatusPending}
	update := bson.M{"$set": bson.M{
		"status":                  OrderStatusConfirmed,
		"payment_transaction_ref": paymentRef,
		"updated_at":              time.Now().UTC(),
	}}

	result, err := s.orders.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("confirm order: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	// Nothing updated: distinguish missing, already confirmed, and blocked.
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == OrderStatusConfirmed {
		return nil
	}
	return ErrInvalidOrderState
}

// CreateTransaction inserts a new ledger row.
func (s *MongoDBStore) CreateTransaction(ctx context.Context, tx PaymentTransaction) error {
	if err := validateAndPrepareTransaction(&tx, time.Now().UTC()); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.transactions.InsertOne(ctx, tx)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateReference
	}
	return err
}

// GetTransactionByReference retrieves a ledger row by gateway reference id.
func (s *MongoDBStore) GetTransactionByReference(ctx context.Context, gateway, externalRef string) (PaymentTransaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var tx PaymentTransaction
	err := s.transactions.FindOne(ctx, bson.M{"gateway": gateway, "external_reference": externalRef}).Decode(&tx)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PaymentTransaction{}, ErrNotFound
	}
	if err != nil {
		return PaymentTransaction{}, fmt.Errorf("query transaction: %w", err)
	}
	return tx, nil
}

// ListTransactionsByOrder returns all ledger rows for an order, newest first.
func (s *MongoDBStore) ListTransactionsByOrder(ctx context.Context, orderID string) ([]PaymentTransaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.transactions.Find(ctx, bson.M{"order_id": orderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}

	var out []PaymentTransaction
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	return out, nil
}

// MarkTransactionCompleted applies the terminal-successful state.
func (s *MongoDBStore) MarkTransactionCompleted(ctx context.Context, gateway, externalRef string, raw json.RawMessage, completedAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	set := bson.M{
		"status":       TransactionStatusCompleted,
		"completed_at": completedAt.UTC(),
		"updated_at":   time.Now().UTC(),
	}
	if len(raw) > 0 {
		set["raw_response"] = raw
	}

	filter := bson.M{
		"gateway":            gateway,
		"external_reference": externalRef,
		"status":             bson.M{"$ne": TransactionStatusCompleted},
	}

	result, err := s.transactions.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	return s.resolveNoopUpdate(ctx, gateway, externalRef)
}

// MarkTransactionFailed applies the terminal-failed state to a pending row.
func (s *MongoDBStore) MarkTransactionFailed(ctx context.Context, gateway, externalRef string, raw json.RawMessage) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	set := bson.M{
		"status":     TransactionStatusFailed,
		"updated_at": time.Now().UTC(),
	}
	if len(raw) > 0 {
		set["raw_response"] = raw
	}

	filter := bson.M{
		"gateway":            gateway,
		"external_reference": externalRef,
		"status":             TransactionStatusPending,
	}

	result, err := s.transactions.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("fail transaction: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	return s.resolveNoopUpdate(ctx, gateway, externalRef)
}

// resolveNoopUpdate distinguishes a missing row from a conditional update
// that matched nothing because the row is already terminal.
func (s *MongoDBStore) resolveNoopUpdate(ctx context.Context, gateway, externalRef string) error {
	err := s.transactions.FindOne(ctx, bson.M{"gateway": gateway, "external_reference": externalRef},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
