package store

import (
	"context"

	"gorm.io/gorm"
)

// DBContext bundles a request context with an optional transaction handle,
// so adapter methods compose inside a caller's transaction when one is open
// and fall back to the adapter's own connection otherwise.
type DBContext struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background returns a DBContext with no open transaction.
func Background() DBContext {
	return DBContext{Ctx: context.Background()}
}

// WithContext wraps an existing context.Context with no open transaction.
func WithContext(ctx context.Context) DBContext {
	return DBContext{Ctx: ctx}
}
