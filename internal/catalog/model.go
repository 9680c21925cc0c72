// Package catalog stores tenant products and services with their
// variants. Search returns a bounded page plus a total estimate so the
// sales subflow can decide between a shortlist and a deep link.
package catalog

import "time"

// ItemType separates physical products from bookable services.
type ItemType string

const (
	TypeProduct ItemType = "product"
	TypeService ItemType = "service"
)

// Variant is owned by its parent item.
type Variant struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	SKU   string  `json:"sku,omitempty"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

// Item is one catalog entry, tenant-scoped.
type Item struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Type        ItemType  `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	ImageURL    string    `json:"image_url,omitempty"`
	Active      bool      `json:"active"`
	Variants    []Variant `json:"variants,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SearchFilters narrows a catalog query.
type SearchFilters struct {
	Category string
	Type     ItemType
	MaxPrice float64
	MinPrice float64
}

// SearchResult is a bounded page plus the estimated total match count.
type SearchResult struct {
	Items         []Item `json:"items"`
	TotalEstimate int    `json:"total_estimate"`
}
