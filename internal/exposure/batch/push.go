package batch

import (
	"context"
	"strings"

	"chainalert/internal/exposure/push"
)

// PendingPush is one queued delivery target.
type PendingPush struct {
	Token   string
	Payload push.Payload
}

// SendResult accumulates the outcome of one Send cycle. Indices refer to the
// accepted queue (blank tokens are dropped at Add and never indexed).
type SendResult struct {
	SuccessCount        int
	FailureCount        int
	InvalidTokenIndices []int
	Errors              []error
}

// PushBatcher groups queued targets by identical rendered payload and sends
// multicasts bounded by the transport's per-request recipient limit.
type PushBatcher struct {
	sender push.Sender
	items  []PendingPush
}

func NewPushBatcher(sender push.Sender) *PushBatcher {
	return &PushBatcher{sender: sender}
}

// Add queues a target. Items with an empty or whitespace-only token are
// silently dropped; there is nothing to deliver to.
func (b *PushBatcher) Add(item PendingPush) {
	if strings.TrimSpace(item.Token) == "" {
		return
	}
	b.items = append(b.items, item)
}

// Len returns the number of accepted targets.
func (b *PushBatcher) Len() int { return len(b.items) }

// Send delivers the queue: identical payloads are multicast together, each
// group split at the transport limit. A group's total failure (transport
// unreachable) is recorded and the remaining groups are still attempted.
func (b *PushBatcher) Send(ctx context.Context) *SendResult {
	result := &SendResult{}

	// Group indices by payload fingerprint, preserving queue order within
	// and across groups.
	groups := make(map[string][]int)
	var order []string
	for i, item := range b.items {
		fp := item.Payload.Fingerprint()
		if _, seen := groups[fp]; !seen {
			order = append(order, fp)
		}
		groups[fp] = append(groups[fp], i)
	}

	for _, fp := range order {
		indices := groups[fp]
		payload := b.items[indices[0]].Payload

		for start := 0; start < len(indices); start += push.MaxMulticast {
			end := min(start+push.MaxMulticast, len(indices))
			chunk := indices[start:end]

			tokens := make([]string, len(chunk))
			for i, idx := range chunk {
				tokens[i] = b.items[idx].Token
			}

			multicast, err := b.sender.SendMulticast(ctx, tokens, payload)
			if err != nil {
				result.FailureCount += len(chunk)
				result.Errors = append(result.Errors, err)
				continue
			}
			result.SuccessCount += multicast.SuccessCount
			result.FailureCount += multicast.FailureCount
			for i, resp := range multicast.Responses {
				if resp.Err == nil {
					continue
				}
				result.Errors = append(result.Errors, resp.Err)
				if push.IsInvalidToken(resp.Err) {
					result.InvalidTokenIndices = append(result.InvalidTokenIndices, chunk[i])
				}
			}
		}
	}
	return result
}

// InvalidTokens resolves the result's invalid indices back to token values so
// the caller can clear stale delivery tokens.
func (b *PushBatcher) InvalidTokens(result *SendResult) []string {
	tokens := make([]string, 0, len(result.InvalidTokenIndices))
	for _, idx := range result.InvalidTokenIndices {
		if idx >= 0 && idx < len(b.items) {
			tokens = append(tokens, b.items[idx].Token)
		}
	}
	return tokens
}

// Clear resets the queue for reuse.
func (b *PushBatcher) Clear() {
	b.items = nil
}
