package menu

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/events"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"go.uber.org/zap"
)

var ErrInvalid = errors.New("invalid input")

// ProductInput is the body of product writes. Nil fields are left unchanged
// by Patch and cleared (or defaulted) by Create and Replace.
type ProductInput struct {
	Name         *string          `json:"name"`
	RestaurantID *int64           `json:"restaurantId"`
	Description  *string          `json:"description"`
	ImageURL     *string          `json:"imageUrl"`
	Price        *catalogue.Money `json:"price"`
	Available    *bool            `json:"available"`
	CategoryID   *int64           `json:"category"`
	Categories   []int64          `json:"categories"`
}

type CategoryInput struct {
	Name         string  `json:"name"`
	RestaurantID int64   `json:"restaurantId"`
	Description  *string `json:"description"`
	ImageURL     *string `json:"imageUrl"`
}

// Service runs catalogue mutations. Each mutation and its change event
// commit together.
type Service struct {
	store   store.Store
	changes *events.Recorder
	logger  observability.Logger
}

func NewService(st store.Store, changes *events.Recorder, logger observability.Logger) *Service {
	return &Service{store: st, changes: changes, logger: logger}
}

func (s *Service) Products(ctx context.Context, filter catalogue.ProductFilter) ([]catalogue.Product, error) {
	return s.store.ListProducts(ctx, filter)
}

func (s *Service) Product(ctx context.Context, id int64) (catalogue.Product, error) {
	return s.store.GetProduct(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (catalogue.Product, error) {
	p := catalogue.Product{Available: true, Price: catalogue.ZeroPrice}
	if err := applyFull(&p, in); err != nil {
		return catalogue.Product{}, err
	}

	var created catalogue.Product
	err := s.mutate(ctx, catalogue.ResourceProduct, events.ActionCreated, func(tx store.Repository) (int64, any, error) {
		var err error
		created, err = tx.CreateProduct(ctx, p)
		return created.ID, created, err
	})
	return created, err
}

// ReplaceProduct overwrites every writable field of product id.
func (s *Service) ReplaceProduct(ctx context.Context, id int64, in ProductInput) (catalogue.Product, error) {
	return s.updateProduct(ctx, id, func(p *catalogue.Product) error {
		p.Available = true
		p.Price = catalogue.ZeroPrice
		return applyFull(p, in)
	})
}

// PatchProduct changes only the fields present in in.
func (s *Service) PatchProduct(ctx context.Context, id int64, in ProductInput) (catalogue.Product, error) {
	return s.updateProduct(ctx, id, func(p *catalogue.Product) error {
		return applyPartial(p, in)
	})
}

func (s *Service) updateProduct(ctx context.Context, id int64, change func(p *catalogue.Product) error) (catalogue.Product, error) {
	var updated catalogue.Product
	err := s.mutate(ctx, catalogue.ResourceProduct, events.ActionUpdated, func(tx store.Repository) (int64, any, error) {
		p, err := tx.GetProduct(ctx, id)
		if err != nil {
			return id, nil, err
		}
		if err := change(&p); err != nil {
			return id, nil, err
		}
		updated, err = tx.UpdateProduct(ctx, p)
		return id, updated, err
	})
	return updated, err
}

// DeleteProduct removes the row for good.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	return s.mutate(ctx, catalogue.ResourceProduct, events.ActionDeleted, func(tx store.Repository) (int64, any, error) {
		p, err := tx.DeleteProduct(ctx, id)
		return id, p, err
	})
}

func (s *Service) Categories(ctx context.Context, restaurantID *int64) ([]catalogue.Category, error) {
	return s.store.ListCategories(ctx, restaurantID)
}

func (s *Service) CreateCategory(ctx context.Context, in CategoryInput) (catalogue.Category, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || in.RestaurantID <= 0 {
		return catalogue.Category{}, fmt.Errorf("%w: name and restaurantId are required", ErrInvalid)
	}

	var created catalogue.Category
	err := s.mutate(ctx, catalogue.ResourceCategory, events.ActionCreated, func(tx store.Repository) (int64, any, error) {
		var err error
		created, err = tx.CreateCategory(ctx, catalogue.Category{
			Name:         name,
			RestaurantID: in.RestaurantID,
			Description:  in.Description,
			ImageURL:     in.ImageURL,
		})
		return created.ID, created, err
	})
	return created, err
}

// DeleteCategory removes the category and detaches it from its products.
func (s *Service) DeleteCategory(ctx context.Context, id int64) error {
	return s.mutate(ctx, catalogue.ResourceCategory, events.ActionDeleted, func(tx store.Repository) (int64, any, error) {
		c, err := tx.DeleteCategory(ctx, id)
		return id, c, err
	})
}

func (s *Service) mutate(ctx context.Context, resource, action string, fn func(tx store.Repository) (int64, any, error)) error {
	var env events.Envelope
	err := s.store.InTx(ctx, func(tx store.Repository) error {
		id, snapshot, err := fn(tx)
		if err != nil {
			return err
		}
		env, err = s.changes.Stage(ctx, tx, events.Change{Resource: resource, Action: action, ID: id, Snapshot: snapshot})
		return err
	})
	if err != nil {
		return err
	}
	s.changes.Deliver(ctx, env)

	s.logger.Info("Catalogue change committed",
		zap.String("resource", resource),
		zap.String("action", action),
		zap.String("routing_key", env.RoutingKey),
	)
	return nil
}

func applyFull(p *catalogue.Product, in ProductInput) error {
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if in.RestaurantID == nil || *in.RestaurantID <= 0 {
		return fmt.Errorf("%w: restaurantId is required", ErrInvalid)
	}
	p.Description = in.Description
	p.ImageURL = in.ImageURL
	p.CategoryID = in.CategoryID
	p.Categories = in.Categories
	return applyPartial(p, in)
}

func applyPartial(p *catalogue.Product, in ProductInput) error {
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return fmt.Errorf("%w: name cannot be empty", ErrInvalid)
		}
		p.Name = name
	}
	if in.RestaurantID != nil {
		if *in.RestaurantID <= 0 {
			return fmt.Errorf("%w: restaurantId must be positive", ErrInvalid)
		}
		p.RestaurantID = *in.RestaurantID
	}
	if in.Price != nil {
		if in.Price.IsNegative() {
			return fmt.Errorf("%w: price cannot be negative", ErrInvalid)
		}
		p.Price = *in.Price
	}
	if in.Available != nil {
		p.Available = *in.Available
	}
	if in.Description != nil {
		p.Description = in.Description
	}
	if in.ImageURL != nil {
		p.ImageURL = in.ImageURL
	}
	if in.CategoryID != nil {
		p.CategoryID = in.CategoryID
	}
	if in.Categories != nil {
		p.Categories = in.Categories
	}
	return nil
}
