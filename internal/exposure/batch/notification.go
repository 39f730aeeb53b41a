// Package batch accumulates notification writes and push sends and commits
// them in groups bounded by the backing store's and transport's hard
// per-request limits. Failure of one group never blocks the groups after it.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/store"
	"chainalert/pkg/domain"
)

// ErrCommitted is returned by Add after Commit; the batcher is single-use
// until Clear.
var ErrCommitted = errors.New("batcher already committed")

// PendingNotification pairs a notification with a caller-supplied correlation
// key, so placeholder references made during traversal can be reconciled with
// store-assigned ids after the flush.
type PendingNotification struct {
	Key          uuid.UUID
	Notification models.Notification
}

// ItemResult is the per-item outcome of a commit.
type ItemResult struct {
	Key uuid.UUID
	ID  domain.NotificationID
	Err error
}

// CommitResult reports a whole commit cycle.
type CommitResult struct {
	SuccessCount int
	FailureCount int
	CreatedIDs   []domain.NotificationID
	Errors       []error
	Items        []ItemResult
}

// NotificationBatcher accumulates notification documents and writes them in
// groups no larger than the store's per-request write limit.
type NotificationBatcher struct {
	store        store.NotificationStore
	maxBatchSize int
	items        []PendingNotification
	committed    bool
}

// NewNotificationBatcher builds a batcher. maxBatchSize is clamped to the
// store's hard limit; zero or negative means "use the hard limit".
func NewNotificationBatcher(s store.NotificationStore, maxBatchSize int) *NotificationBatcher {
	if maxBatchSize <= 0 || maxBatchSize > store.MaxWriteBatch {
		maxBatchSize = store.MaxWriteBatch
	}
	return &NotificationBatcher{store: s, maxBatchSize: maxBatchSize}
}

// Add queues a notification for the next commit.
func (b *NotificationBatcher) Add(item PendingNotification) error {
	if b.committed {
		return ErrCommitted
	}
	if item.Key == uuid.Nil {
		return fmt.Errorf("pending notification requires a correlation key")
	}
	b.items = append(b.items, item)
	return nil
}

// Len returns the number of queued items.
func (b *NotificationBatcher) Len() int { return len(b.items) }

// Commit writes the queue in groups. Each group is committed independently:
// a failing group marks only its own items failed, and later groups are still
// attempted. After Commit the batcher rejects Add until Clear.
func (b *NotificationBatcher) Commit(ctx context.Context) *CommitResult {
	b.committed = true
	result := &CommitResult{Items: make([]ItemResult, 0, len(b.items))}

	for start := 0; start < len(b.items); start += b.maxBatchSize {
		end := min(start+b.maxBatchSize, len(b.items))
		group := b.items[start:end]

		notifications := make([]models.Notification, len(group))
		for i, item := range group {
			notifications[i] = item.Notification
		}

		ids, err := b.store.CreateBatch(ctx, notifications)
		if err != nil {
			result.FailureCount += len(group)
			result.Errors = append(result.Errors, err)
			for _, item := range group {
				result.Items = append(result.Items, ItemResult{Key: item.Key, Err: err})
			}
			continue
		}
		result.SuccessCount += len(group)
		result.CreatedIDs = append(result.CreatedIDs, ids...)
		for i, item := range group {
			result.Items = append(result.Items, ItemResult{Key: item.Key, ID: ids[i]})
		}
	}
	return result
}

// Clear resets the batcher for another commit cycle.
func (b *NotificationBatcher) Clear() {
	b.items = nil
	b.committed = false
}

// CreatedIDMap maps each item's correlation key to its created id or error.
func CreatedIDMap(result *CommitResult) map[uuid.UUID]ItemResult {
	out := make(map[uuid.UUID]ItemResult, len(result.Items))
	for _, item := range result.Items {
		out[item.Key] = item
	}
	return out
}
