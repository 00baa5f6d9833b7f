package catalogue

import (
	"time"
)

// Resource names used in change events.
const (
	ResourceProduct  = "product"
	ResourceCategory = "category"
)

// Origin records which path first created a product row.
type Origin string

const (
	OriginCatalogue Origin = "catalogue"
	OriginStock     Origin = "stock"
)

// Product is the local projection of a menu item. Rows created from inventory
// events or listings reuse the inventory id verbatim.
type Product struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	RestaurantID int64      `json:"restaurantId"`
	Description  *string    `json:"description"`
	ImageURL     *string    `json:"imageUrl"`
	Price        Money      `json:"price"`
	Available    bool       `json:"available"`
	CategoryID   *int64     `json:"category"`
	Categories   []int64    `json:"categories"`
	Origin       Origin     `json:"origin"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt"`
}

// Deleted reports whether the row carries a soft-delete marker.
func (p Product) Deleted() bool {
	return p.DeletedAt != nil
}

type Category struct {
	ID           int64      `json:"id"`
	RestaurantID int64      `json:"restaurantId"`
	Name         string     `json:"name"`
	Description  *string    `json:"description"`
	ImageURL     *string    `json:"imageUrl"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt"`
}

// ProductFilter narrows product listings. A zero Limit means no pagination.
type ProductFilter struct {
	RestaurantID *int64
	Search       string
	Offset       int
	Limit        int
}

// StockProduct carries the fields the inventory service is authoritative for.
type StockProduct struct {
	ID           int64
	Name         string
	RestaurantID int64
	Available    bool
}
