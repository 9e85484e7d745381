package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repos run on Tx when it is set so a caller can group several writes atomically.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Context returns Ctx, or context.Background() when it is nil.
func (c Context) Context() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

// DB returns the open transaction, or fallback when there is none, bound to c.Context().
func (c Context) DB(fallback *gorm.DB) *gorm.DB {
	db := c.Tx
	if db == nil {
		db = fallback
	}
	if db == nil {
		return nil
	}
	return db.WithContext(c.Context())
}

// WithTx returns a copy of c running on tx.
func (c Context) WithTx(tx *gorm.DB) Context {
	return Context{Ctx: c.Ctx, Tx: tx}
}
