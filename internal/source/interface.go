// Package source reads operation items from bulk input files.
package source

import (
	"context"
	"encoding/json"
)

// Source yields the items of one bulk submission page by page.
type Source interface {
	// Name identifies the input, typically its path.
	Name() string

	// FetchBatch returns up to limit items starting at cursor ("" for the first page).
	// Returns:
	//   - items: raw JSON items in input order.
	//   - nextCursor: cursor for the next page, or "" when the input is exhausted.
	//   - err: non-nil if the input cannot be read or parsed.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []json.RawMessage, nextCursor string, err error)
}

// ReadAll drains src using pages of pageSize items.
func ReadAll(ctx context.Context, src Source, pageSize int) ([]json.RawMessage, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var all []json.RawMessage
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, next, err := src.FetchBatch(ctx, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}
