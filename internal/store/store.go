package store

import (
	"context"
	"errors"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// UpsertResult describes a projection write coming from the inventory side.
type UpsertResult struct {
	Product catalogue.Product
	Created bool
	// Collision is set when the id already belonged to a row created by the
	// catalogue API.
	Collision bool
}

// OutboxRecord is a change event waiting to be handed to the transport.
type OutboxRecord struct {
	ID           uuid.UUID
	RoutingKey   string
	Key          string
	Body         []byte
	CreatedAt    time.Time
	DispatchedAt *time.Time
	Attempts     int
	LastError    string
}

// Repository is the set of persistence operations available both on the
// store and inside a transaction.
type Repository interface {
	ListProducts(ctx context.Context, filter catalogue.ProductFilter) ([]catalogue.Product, error)
	GetProduct(ctx context.Context, id int64) (catalogue.Product, error)
	CreateProduct(ctx context.Context, p catalogue.Product) (catalogue.Product, error)
	UpdateProduct(ctx context.Context, p catalogue.Product) (catalogue.Product, error)
	DeleteProduct(ctx context.Context, id int64) (catalogue.Product, error)

	// UpsertFromEvent writes name, restaurant and availability and clears any
	// soft-delete marker.
	UpsertFromEvent(ctx context.Context, sp catalogue.StockProduct) (UpsertResult, error)
	// UpsertFromListing resets the row to listing defaults: no description,
	// image or category, zero price, available. The soft-delete marker is kept.
	UpsertFromListing(ctx context.Context, sp catalogue.StockProduct) (UpsertResult, error)
	// SoftDeleteProduct marks the row deleted. found is false when no row exists.
	SoftDeleteProduct(ctx context.Context, id int64, at time.Time) (p catalogue.Product, found bool, err error)
	// SetAvailability updates the flag only if the row is unchanged since
	// notModifiedSince. applied is false otherwise.
	SetAvailability(ctx context.Context, id int64, available bool, notModifiedSince time.Time) (p catalogue.Product, applied bool, err error)

	ListCategories(ctx context.Context, restaurantID *int64) ([]catalogue.Category, error)
	CreateCategory(ctx context.Context, c catalogue.Category) (catalogue.Category, error)
	DeleteCategory(ctx context.Context, id int64) (catalogue.Category, error)

	AppendOutbox(ctx context.Context, rec OutboxRecord) error
}

// Store is a Repository with transactions and outbox draining.
type Store interface {
	Repository

	// InTx runs fn in a transaction that commits when fn returns nil.
	InTx(ctx context.Context, fn func(tx Repository) error) error

	// DrainOutbox hands up to limit pending records, oldest first, to publish.
	// Records publish accepted are marked dispatched; the others have their
	// attempt count and last error updated. Records are locked while draining
	// so concurrent dispatchers skip them.
	DrainOutbox(ctx context.Context, limit int, publish func(context.Context, OutboxRecord) error) (dispatched, failed int, err error)

	Ping(ctx context.Context) error
	Close()
}
