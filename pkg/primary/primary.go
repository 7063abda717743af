// Package primary provides access to the relational system-of-record whose
// tables are backed up and restored.
package primary

import (
	"context"

	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
)

// Filter restricts a query to rows whose columns equal the given values
type Filter map[string]interface{}

// Query describes a table read
type Query struct {
	Filter Filter
	// Limit caps the number of rows; zero means no limit
	Limit int
}

// Store is the generic relational interface used by backup, restore and health probing
type Store interface {
	Select(ctx context.Context, table string, q Query) ([]types.Row, error)
	// Insert writes rows and returns how many were inserted
	Insert(ctx context.Context, table string, rows []types.Row) (int64, error)
	// Delete removes rows matching filter; an empty filter deletes everything
	Delete(ctx context.Context, table string, filter Filter) (int64, error)
	// Ping runs a minimal read against table
	Ping(ctx context.Context, table string) error
	Close() error
}
