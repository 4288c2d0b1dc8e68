package core

import "context"

type BulkFailure[T any] struct {
	Item T
	Err  error
}

// BulkResult collects the outcome of a best effort bulk operation. Failures
// carry the item and its error so callers can report per item instead of
// aborting the whole batch.
type BulkResult[T any] struct {
	Succeeded []T
	Failed    []BulkFailure[T]
}

func (r BulkResult[T]) AllSucceeded() bool {
	return len(r.Failed) == 0
}

// RunBulk applies op to every item, continuing past failures. A cancelled
// context fails the remaining items with the context error rather than
// dropping them silently.
func RunBulk[T any](ctx context.Context, items []T, op func(ctx context.Context, item T) error) BulkResult[T] {
	var result BulkResult[T]
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, BulkFailure[T]{Item: item, Err: err})
			continue
		}
		if err := op(ctx, item); err != nil {
			result.Failed = append(result.Failed, BulkFailure[T]{Item: item, Err: err})
			continue
		}
		result.Succeeded = append(result.Succeeded, item)
	}
	return result
}
