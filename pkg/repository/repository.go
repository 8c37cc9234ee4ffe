package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repository is a thin generic store over gorm for the common
// filter-by-example lookups. Anything needing row locks or raw SQL
// goes through gorm transactions directly in the owning service.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T) ([]*T, error)
	FindOne(ctx context.Context, query *T) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	Count(ctx context.Context, query *T) (int64, error)
	BatchCreate(ctx context.Context, resources []*T) error
}
