package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
)

// Memory is an in-process Store. Transactions work on a copy of the state
// that replaces the live state on commit.
type Memory struct {
	mu      sync.Mutex
	st      *memState
	now     func() time.Time
	failErr error
}

type MemoryOption func(*Memory)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		st: &memState{
			products:       make(map[int64]catalogue.Product),
			categories:     make(map[int64]catalogue.Category),
			nextProductID:  1,
			nextCategoryID: 1,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailWith makes every subsequent operation return err until called with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *Memory) repo() (*memRepo, error) {
	if m.failErr != nil {
		return nil, m.failErr
	}
	return &memRepo{st: m.st, now: m.now}, nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	draft := m.st.clone()
	if err := fn(&memRepo{st: draft, now: m.now}); err != nil {
		return err
	}
	m.st = draft
	return nil
}

func (m *Memory) DrainOutbox(ctx context.Context, limit int, publish func(context.Context, OutboxRecord) error) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, 0, m.failErr
	}

	dispatched, failed := 0, 0
	for i := range m.st.outbox {
		if dispatched+failed >= limit {
			break
		}
		rec := &m.st.outbox[i]
		if rec.DispatchedAt != nil {
			continue
		}
		if err := publish(ctx, *rec); err != nil {
			rec.Attempts++
			rec.LastError = err.Error()
			failed++
			break
		}
		at := m.now()
		rec.DispatchedAt = &at
		dispatched++
	}
	return dispatched, failed, nil
}

// Outbox returns a copy of every outbox record, dispatched or not.
func (m *Memory) Outbox() []OutboxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.st.outbox)
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

func (m *Memory) Close() {}

func (m *Memory) ListProducts(ctx context.Context, filter catalogue.ProductFilter) ([]catalogue.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return nil, err
	}
	return r.ListProducts(ctx, filter)
}

func (m *Memory) GetProduct(ctx context.Context, id int64) (catalogue.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return catalogue.Product{}, err
	}
	return r.GetProduct(ctx, id)
}

func (m *Memory) CreateProduct(ctx context.Context, p catalogue.Product) (catalogue.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return catalogue.Product{}, err
	}
	return r.CreateProduct(ctx, p)
}

func (m *Memory) UpdateProduct(ctx context.Context, p catalogue.Product) (catalogue.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return catalogue.Product{}, err
	}
	return r.UpdateProduct(ctx, p)
}

func (m *Memory) DeleteProduct(ctx context.Context, id int64) (catalogue.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return catalogue.Product{}, err
	}
	return r.DeleteProduct(ctx, id)
}

func (m *Memory) UpsertFromEvent(ctx context.Context, sp catalogue.StockProduct) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return UpsertResult{}, err
	}
	return r.UpsertFromEvent(ctx, sp)
}

func (m *Memory) UpsertFromListing(ctx context.Context, sp catalogue.StockProduct) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return UpsertResult{}, err
	}
	return r.UpsertFromListing(ctx, sp)
}

func (m *Memory) SoftDeleteProduct(ctx context.Context, id int64, at time.Time) (catalogue.Product, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return catalogue.Product{}, false, err
	}
	return r.SoftDeleteProduct(ctx, id, at)
}

func (m *Memory) SetAvailability(ctx context.Context, id int64, available bool, notModifiedSince time.Time) (catalogue.Product, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return catalogue.Product{}, false, err
	}
	return r.SetAvailability(ctx, id, available, notModifiedSince)
}

func (m *Memory) ListCategories(ctx context.Context, restaurantID *int64) ([]catalogue.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return nil, err
	}
	return r.ListCategories(ctx, restaurantID)
}

func (m *Memory) CreateCategory(ctx context.Context, c catalogue.Category) (catalogue.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return catalogue.Category{}, err
	}
	return r.CreateCategory(ctx, c)
}

func (m *Memory) DeleteCategory(ctx context.Context, id int64) (catalogue.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return catalogue.Category{}, err
	}
	return r.DeleteCategory(ctx, id)
}

func (m *Memory) AppendOutbox(ctx context.Context, rec OutboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo()
	if err != nil {
		return err
	}
	return r.AppendOutbox(ctx, rec)
}

type memState struct {
	products       map[int64]catalogue.Product
	categories     map[int64]catalogue.Category
	outbox         []OutboxRecord
	nextProductID  int64
	nextCategoryID int64
}

func (s *memState) clone() *memState {
	c := &memState{
		products:       make(map[int64]catalogue.Product, len(s.products)),
		categories:     make(map[int64]catalogue.Category, len(s.categories)),
		outbox:         slices.Clone(s.outbox),
		nextProductID:  s.nextProductID,
		nextCategoryID: s.nextCategoryID,
	}
	for id, p := range s.products {
		c.products[id] = p
	}
	for id, cat := range s.categories {
		c.categories[id] = cat
	}
	return c
}

// memRepo operates on a state the caller has already locked.
type memRepo struct {
	st  *memState
	now func() time.Time
}

func (r *memRepo) ListProducts(_ context.Context, filter catalogue.ProductFilter) ([]catalogue.Product, error) {
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	out := make([]catalogue.Product, 0, len(r.st.products))
	for _, p := range r.st.products {
		if filter.RestaurantID != nil && p.RestaurantID != *filter.RestaurantID {
			continue
		}
		if search != "" && !matchesSearch(p, search) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if filter.Limit > 0 {
		if filter.Offset >= len(out) {
			return []catalogue.Product{}, nil
		}
		end := min(filter.Offset+filter.Limit, len(out))
		out = out[filter.Offset:end]
	}
	return out, nil
}

func matchesSearch(p catalogue.Product, search string) bool {
	if strings.Contains(strings.ToLower(p.Name), search) {
		return true
	}
	return p.Description != nil && strings.Contains(strings.ToLower(*p.Description), search)
}

func (r *memRepo) GetProduct(_ context.Context, id int64) (catalogue.Product, error) {
	p, ok := r.st.products[id]
	if !ok {
		return catalogue.Product{}, ErrNotFound
	}
	return p, nil
}

func (r *memRepo) CreateProduct(_ context.Context, p catalogue.Product) (catalogue.Product, error) {
	if p.ID == 0 {
		p.ID = r.st.nextProductID
	}
	if _, exists := r.st.products[p.ID]; exists {
		return catalogue.Product{}, fmt.Errorf("product %d: %w", p.ID, ErrConflict)
	}
	r.bumpProductID(p.ID)

	now := r.now()
	p.Origin = catalogue.OriginCatalogue
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Categories == nil {
		p.Categories = []int64{}
	}
	r.st.products[p.ID] = p
	return p, nil
}

func (r *memRepo) UpdateProduct(_ context.Context, p catalogue.Product) (catalogue.Product, error) {
	existing, ok := r.st.products[p.ID]
	if !ok {
		return catalogue.Product{}, ErrNotFound
	}
	p.Origin = existing.Origin
	p.CreatedAt = existing.CreatedAt
	p.DeletedAt = existing.DeletedAt
	p.UpdatedAt = r.now()
	if p.Categories == nil {
		p.Categories = []int64{}
	}
	r.st.products[p.ID] = p
	return p, nil
}

func (r *memRepo) DeleteProduct(_ context.Context, id int64) (catalogue.Product, error) {
	p, ok := r.st.products[id]
	if !ok {
		return catalogue.Product{}, ErrNotFound
	}
	delete(r.st.products, id)
	return p, nil
}

func (r *memRepo) UpsertFromEvent(_ context.Context, sp catalogue.StockProduct) (UpsertResult, error) {
	now := r.now()
	p, exists := r.st.products[sp.ID]
	if !exists {
		p = r.newStockProduct(sp.ID, now)
	}

	p.Name = sp.Name
	p.RestaurantID = sp.RestaurantID
	p.Available = sp.Available
	p.DeletedAt = nil
	p.UpdatedAt = now
	r.st.products[sp.ID] = p

	return UpsertResult{
		Product:   p,
		Created:   !exists,
		Collision: exists && p.Origin == catalogue.OriginCatalogue,
	}, nil
}

func (r *memRepo) UpsertFromListing(_ context.Context, sp catalogue.StockProduct) (UpsertResult, error) {
	now := r.now()
	p, exists := r.st.products[sp.ID]
	if !exists {
		p = r.newStockProduct(sp.ID, now)
	}

	p.Name = sp.Name
	p.RestaurantID = sp.RestaurantID
	p.Description = nil
	p.ImageURL = nil
	p.CategoryID = nil
	p.Price = catalogue.ZeroPrice
	p.Available = true
	p.UpdatedAt = now
	r.st.products[sp.ID] = p

	return UpsertResult{
		Product:   p,
		Created:   !exists,
		Collision: exists && p.Origin == catalogue.OriginCatalogue,
	}, nil
}

func (r *memRepo) newStockProduct(id int64, now time.Time) catalogue.Product {
	r.bumpProductID(id)
	return catalogue.Product{
		ID:         id,
		Price:      catalogue.ZeroPrice,
		Categories: []int64{},
		Origin:     catalogue.OriginStock,
		CreatedAt:  now,
	}
}

func (r *memRepo) bumpProductID(id int64) {
	if id >= r.st.nextProductID {
		r.st.nextProductID = id + 1
	}
}

func (r *memRepo) SoftDeleteProduct(_ context.Context, id int64, at time.Time) (catalogue.Product, bool, error) {
	p, ok := r.st.products[id]
	if !ok {
		return catalogue.Product{}, false, nil
	}
	p.DeletedAt = &at
	p.UpdatedAt = r.now()
	r.st.products[id] = p
	return p, true, nil
}

func (r *memRepo) SetAvailability(_ context.Context, id int64, available bool, notModifiedSince time.Time) (catalogue.Product, bool, error) {
	p, ok := r.st.products[id]
	if !ok || p.UpdatedAt.After(notModifiedSince) {
		return p, false, nil
	}
	p.Available = available
	p.UpdatedAt = r.now()
	r.st.products[id] = p
	return p, true, nil
}

func (r *memRepo) ListCategories(_ context.Context, restaurantID *int64) ([]catalogue.Category, error) {
	out := make([]catalogue.Category, 0, len(r.st.categories))
	for _, c := range r.st.categories {
		if restaurantID != nil && c.RestaurantID != *restaurantID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) CreateCategory(_ context.Context, c catalogue.Category) (catalogue.Category, error) {
	c.ID = r.st.nextCategoryID
	r.st.nextCategoryID++
	now := r.now()
	c.CreatedAt, c.UpdatedAt = now, now
	r.st.categories[c.ID] = c
	return c, nil
}

func (r *memRepo) DeleteCategory(_ context.Context, id int64) (catalogue.Category, error) {
	c, ok := r.st.categories[id]
	if !ok {
		return catalogue.Category{}, ErrNotFound
	}
	delete(r.st.categories, id)

	for pid, p := range r.st.products {
		changed := false
		if p.CategoryID != nil && *p.CategoryID == id {
			p.CategoryID = nil
			changed = true
		}
		if i := slices.Index(p.Categories, id); i >= 0 {
			p.Categories = slices.Delete(slices.Clone(p.Categories), i, i+1)
			changed = true
		}
		if changed {
			r.st.products[pid] = p
		}
	}
	return c, nil
}

func (r *memRepo) AppendOutbox(_ context.Context, rec OutboxRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	r.st.outbox = append(r.st.outbox, rec)
	return nil
}
