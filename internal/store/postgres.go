package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const productColumns = `id, name, restaurant_id, description, image_url, price::text, available,
	category_id, category_ids, origin, created_at, updated_at, deleted_at`

const categoryColumns = `id, restaurant_id, name, description, image_url, created_at, updated_at, deleted_at`

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pgRepo
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pgRepo: pgRepo{q: pool}, pool: pool}
}

func (s *Postgres) InTx(ctx context.Context, fn func(tx Repository) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgRepo{q: tx})
	})
}

func (s *Postgres) DrainOutbox(ctx context.Context, limit int, publish func(context.Context, OutboxRecord) error) (dispatched, failed int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin outbox drain: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT id, routing_key, message_key, body, created_at, attempts, COALESCE(last_error, '')
		FROM outbox_events
		WHERE dispatched_at IS NULL
		ORDER BY created_at, seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to select outbox records: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxRecord, error) {
		var rec OutboxRecord
		err := row.Scan(&rec.ID, &rec.RoutingKey, &rec.Key, &rec.Body, &rec.CreatedAt, &rec.Attempts, &rec.LastError)
		return rec, err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read outbox records: %w", err)
	}

	for _, rec := range records {
		if pubErr := publish(ctx, rec); pubErr != nil {
			_, err := tx.Exec(ctx,
				`UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
				rec.ID, pubErr.Error())
			if err != nil {
				return dispatched, failed, fmt.Errorf("failed to record outbox failure: %w", err)
			}
			failed++
			// Later records may concern the same entity; keep them queued.
			break
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_events SET dispatched_at = now(), attempts = attempts + 1 WHERE id = $1`,
			rec.ID); err != nil {
			return dispatched, failed, fmt.Errorf("failed to mark outbox record dispatched: %w", err)
		}
		dispatched++
	}

	if err := tx.Commit(ctx); err != nil {
		return dispatched, failed, fmt.Errorf("failed to commit outbox drain: %w", err)
	}
	return dispatched, failed, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

type pgRepo struct {
	q querier
}

func scanProduct(row scanner, extra ...any) (catalogue.Product, error) {
	var (
		p      catalogue.Product
		price  string
		origin string
	)
	dest := []any{
		&p.ID, &p.Name, &p.RestaurantID, &p.Description, &p.ImageURL, &price, &p.Available,
		&p.CategoryID, &p.Categories, &origin, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return catalogue.Product{}, err
	}

	money, err := catalogue.NewMoney(price)
	if err != nil {
		return catalogue.Product{}, err
	}
	p.Price = money
	p.Origin = catalogue.Origin(origin)
	if p.Categories == nil {
		p.Categories = []int64{}
	}
	return p, nil
}

func scanCategory(row scanner) (catalogue.Category, error) {
	var c catalogue.Category
	err := row.Scan(&c.ID, &c.RestaurantID, &c.Name, &c.Description, &c.ImageURL, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	return c, err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.Detail, ErrConflict)
	}
	return err
}

func categoryIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *pgRepo) ListProducts(ctx context.Context, filter catalogue.ProductFilter) ([]catalogue.Product, error) {
	var (
		where []string
		args  []any
	)
	if filter.RestaurantID != nil {
		args = append(args, *filter.RestaurantID)
		where = append(where, fmt.Sprintf("restaurant_id = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	query := "SELECT " + productColumns + " FROM products"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalogue.Product, error) {
		return scanProduct(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read products: %w", err)
	}
	return products, nil
}

func (r *pgRepo) GetProduct(ctx context.Context, id int64) (catalogue.Product, error) {
	row := r.q.QueryRow(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	p, err := scanProduct(row)
	if err != nil {
		return catalogue.Product{}, notFound(err)
	}
	return p, nil
}

func (r *pgRepo) CreateProduct(ctx context.Context, p catalogue.Product) (catalogue.Product, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO products (name, restaurant_id, description, image_url, price, available,
			category_id, category_ids, origin)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
		RETURNING `+productColumns,
		p.Name, p.RestaurantID, p.Description, p.ImageURL, p.Price.String(), p.Available,
		p.CategoryID, categoryIDs(p.Categories), string(catalogue.OriginCatalogue))
	created, err := scanProduct(row)
	if err != nil {
		return catalogue.Product{}, fmt.Errorf("failed to create product: %w", conflict(err))
	}
	return created, nil
}

func (r *pgRepo) UpdateProduct(ctx context.Context, p catalogue.Product) (catalogue.Product, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE products SET
			name = $2, restaurant_id = $3, description = $4, image_url = $5, price = $6::numeric,
			available = $7, category_id = $8, category_ids = $9, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		p.ID, p.Name, p.RestaurantID, p.Description, p.ImageURL, p.Price.String(),
		p.Available, p.CategoryID, categoryIDs(p.Categories))
	updated, err := scanProduct(row)
	if err != nil {
		return catalogue.Product{}, notFound(err)
	}
	return updated, nil
}

func (r *pgRepo) DeleteProduct(ctx context.Context, id int64) (catalogue.Product, error) {
	row := r.q.QueryRow(ctx, "DELETE FROM products WHERE id = $1 RETURNING "+productColumns, id)
	p, err := scanProduct(row)
	if err != nil {
		return catalogue.Product{}, notFound(err)
	}
	return p, nil
}

func (r *pgRepo) previousOrigin(ctx context.Context, id int64) (catalogue.Origin, bool, error) {
	var origin string
	err := r.q.QueryRow(ctx, "SELECT origin FROM products WHERE id = $1 FOR UPDATE", id).Scan(&origin)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return catalogue.Origin(origin), true, nil
}

func (r *pgRepo) UpsertFromEvent(ctx context.Context, sp catalogue.StockProduct) (UpsertResult, error) {
	origin, existed, err := r.previousOrigin(ctx, sp.ID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to read product %d: %w", sp.ID, err)
	}

	var inserted bool
	row := r.q.QueryRow(ctx, `
		INSERT INTO products (id, name, restaurant_id, price, available, origin)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			restaurant_id = EXCLUDED.restaurant_id,
			available = EXCLUDED.available,
			deleted_at = NULL,
			updated_at = now()
		RETURNING `+productColumns+`, (xmax = 0)`,
		sp.ID, sp.Name, sp.RestaurantID, sp.Available, string(catalogue.OriginStock))
	p, err := scanProduct(row, &inserted)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert product %d: %w", sp.ID, err)
	}

	return UpsertResult{
		Product:   p,
		Created:   inserted,
		Collision: existed && origin == catalogue.OriginCatalogue,
	}, nil
}

func (r *pgRepo) UpsertFromListing(ctx context.Context, sp catalogue.StockProduct) (UpsertResult, error) {
	origin, existed, err := r.previousOrigin(ctx, sp.ID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to read product %d: %w", sp.ID, err)
	}

	var inserted bool
	row := r.q.QueryRow(ctx, `
		INSERT INTO products (id, name, restaurant_id, description, image_url, category_id, price, available, origin)
		VALUES ($1, $2, $3, NULL, NULL, NULL, 0, TRUE, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			restaurant_id = EXCLUDED.restaurant_id,
			description = NULL,
			image_url = NULL,
			category_id = NULL,
			price = 0,
			available = TRUE,
			updated_at = now()
		RETURNING `+productColumns+`, (xmax = 0)`,
		sp.ID, sp.Name, sp.RestaurantID, string(catalogue.OriginStock))
	p, err := scanProduct(row, &inserted)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert product %d: %w", sp.ID, err)
	}

	return UpsertResult{
		Product:   p,
		Created:   inserted,
		Collision: existed && origin == catalogue.OriginCatalogue,
	}, nil
}

func (r *pgRepo) SoftDeleteProduct(ctx context.Context, id int64, at time.Time) (catalogue.Product, bool, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE products SET deleted_at = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns, id, at)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalogue.Product{}, false, nil
	}
	if err != nil {
		return catalogue.Product{}, false, fmt.Errorf("failed to soft delete product %d: %w", id, err)
	}
	return p, true, nil
}

func (r *pgRepo) SetAvailability(ctx context.Context, id int64, available bool, notModifiedSince time.Time) (catalogue.Product, bool, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE products SET available = $2, updated_at = now()
		WHERE id = $1 AND updated_at <= $3
		RETURNING `+productColumns, id, available, notModifiedSince)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalogue.Product{}, false, nil
	}
	if err != nil {
		return catalogue.Product{}, false, fmt.Errorf("failed to set availability of product %d: %w", id, err)
	}
	return p, true, nil
}

func (r *pgRepo) ListCategories(ctx context.Context, restaurantID *int64) ([]catalogue.Category, error) {
	query := "SELECT " + categoryColumns + " FROM categories"
	var args []any
	if restaurantID != nil {
		query += " WHERE restaurant_id = $1"
		args = append(args, *restaurantID)
	}
	query += " ORDER BY id"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	categories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalogue.Category, error) {
		return scanCategory(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read categories: %w", err)
	}
	return categories, nil
}

func (r *pgRepo) CreateCategory(ctx context.Context, c catalogue.Category) (catalogue.Category, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO categories (restaurant_id, name, description, image_url)
		VALUES ($1, $2, $3, $4)
		RETURNING `+categoryColumns,
		c.RestaurantID, c.Name, c.Description, c.ImageURL)
	created, err := scanCategory(row)
	if err != nil {
		return catalogue.Category{}, fmt.Errorf("failed to create category: %w", conflict(err))
	}
	return created, nil
}

func (r *pgRepo) DeleteCategory(ctx context.Context, id int64) (catalogue.Category, error) {
	if _, err := r.q.Exec(ctx,
		`UPDATE products SET category_ids = array_remove(category_ids, $1) WHERE $1 = ANY(category_ids)`, id); err != nil {
		return catalogue.Category{}, fmt.Errorf("failed to detach category %d: %w", id, err)
	}
	row := r.q.QueryRow(ctx, "DELETE FROM categories WHERE id = $1 RETURNING "+categoryColumns, id)
	c, err := scanCategory(row)
	if err != nil {
		return catalogue.Category{}, notFound(err)
	}
	return c, nil
}

func (r *pgRepo) AppendOutbox(ctx context.Context, rec OutboxRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO outbox_events (id, routing_key, message_key, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.RoutingKey, rec.Key, rec.Body, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append outbox record %s: %w", rec.ID, err)
	}
	return nil
}
