// Package chainupdate retroactively edits chain visualizations when a chain
// member's own test status becomes known. A member filing a report flips
// their node in every chain that contains them; deleting that report flips
// it back.
package chainupdate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chainalert/internal/exposure/chainpath"
	"chainalert/internal/exposure/metrics"
	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/store"
	"chainalert/internal/identity"
	"chainalert/pkg/domain"
	pstrings "chainalert/pkg/platform/strings"
)

// Propagator applies member status changes across stored notifications.
type Propagator struct {
	notifications store.NotificationStore
	hasher        *identity.Hasher
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func New(notifications store.NotificationStore, hasher *identity.Hasher, logger *slog.Logger, m *metrics.Metrics) *Propagator {
	return &Propagator{
		notifications: notifications,
		hasher:        hasher,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
	}
}

// WithClock overrides the propagator clock. Test seam.
func (p *Propagator) WithClock(now func() time.Time) *Propagator {
	p.now = now
	return p
}

// PropagatePositive marks the account's node POSITIVE in every chain whose
// disclosed STI types overlap the new report's. Chains that hide their STI
// type cannot be filtered and are updated unconditionally. Returns the number
// of notifications changed.
func (p *Propagator) PropagatePositive(ctx context.Context, accountID domain.AccountID, stiTypes []string) (int, error) {
	return p.apply(ctx, accountID, "positive", func(n *models.Notification, idx int) bool {
		matched := overlap(n.STIType, stiTypes)
		if n.STIType != nil && len(stiTypes) > 0 && len(matched) == 0 {
			return false
		}
		node := &n.Chain.Nodes[idx]
		node.Status = models.StatusPositive
		node.MatchedSTITypes = matched
		n.IsRead = false
		return true
	})
}

// PropagateNegative marks the account's node NEGATIVE in every chain whose
// disclosed STI types overlap the negative result's. An empty stiTypes means
// a full panel and matches everything.
func (p *Propagator) PropagateNegative(ctx context.Context, accountID domain.AccountID, stiTypes []string) (int, error) {
	return p.apply(ctx, accountID, "negative", func(n *models.Notification, idx int) bool {
		if n.STIType != nil && len(stiTypes) > 0 && len(overlap(n.STIType, stiTypes)) == 0 {
			return false
		}
		node := &n.Chain.Nodes[idx]
		node.Status = models.StatusNegative
		node.MatchedSTITypes = nil
		n.IsRead = false
		return true
	})
}

// Revert undoes a prior propagation after the underlying report is deleted.
// Only nodes still showing the reverted status flip back to UNKNOWN; a newer
// report's status is left standing.
func (p *Propagator) Revert(ctx context.Context, accountID domain.AccountID, from models.TestStatus) (int, error) {
	return p.apply(ctx, accountID, "revert", func(n *models.Notification, idx int) bool {
		node := &n.Chain.Nodes[idx]
		if node.Status != from {
			return false
		}
		node.Status = models.StatusUnknown
		node.MatchedSTITypes = nil
		n.IsRead = false
		return true
	})
}

// apply runs fn against the account's node in each notification that carries
// the account on a recorded path. fn reports whether it changed the document.
// Per-document failures are logged and skipped; only the member listing can
// fail the whole call.
func (p *Propagator) apply(ctx context.Context, accountID domain.AccountID, kind string, fn func(*models.Notification, int) bool) (int, error) {
	member := chainpath.Normalize(p.hasher.Chain(accountID))
	ns, err := p.notifications.ListByChainMember(ctx, member)
	if err != nil {
		return 0, fmt.Errorf("list notifications by chain member: %w", err)
	}

	updated := 0
	for _, n := range ns {
		if n.DeletedAt != nil {
			continue
		}
		changed := false
		err := p.notifications.Mutate(ctx, n.ID, func(doc *models.Notification) error {
			// Re-locate under the lock; a concurrent merge may have promoted
			// a different displayed path.
			idx := indexOf(doc.ChainPath, member)
			if idx < 0 || idx == len(doc.ChainPath)-1 {
				// Absent from the displayed path, or the recipient's own
				// self node. Nothing to show.
				return nil
			}
			if changed = fn(doc, idx); changed {
				doc.UpdatedAt = p.now()
			}
			return nil
		})
		if err != nil {
			p.logger.ErrorContext(ctx, "chain update failed, skipping notification",
				slog.String("notification_id", string(n.ID)),
				slog.String("kind", kind),
				slog.String("error", err.Error()))
			continue
		}
		if changed {
			updated++
		}
	}
	p.metrics.IncChainUpdate(kind, updated)
	p.logger.InfoContext(ctx, "chain update applied",
		slog.String("kind", kind),
		slog.Int("candidates", len(ns)),
		slog.Int("updated", updated))
	return updated, nil
}

func indexOf(path []domain.ChainHash, member domain.ChainHash) int {
	for i, h := range path {
		if chainpath.Normalize(h) == member {
			return i
		}
	}
	return -1
}

// overlap intersects a notification's disclosed STI value with a report's
// types, case-insensitively. The disclosed value may itself be a joined list.
func overlap(disclosed *string, stiTypes []string) []string {
	if disclosed == nil || len(stiTypes) == 0 {
		return nil
	}
	have := make(map[string]bool)
	for _, part := range pstrings.DedupeAndTrimLower(strings.Split(*disclosed, ",")) {
		have[part] = true
	}
	var out []string
	for _, s := range stiTypes {
		if have[strings.ToLower(strings.TrimSpace(s))] {
			out = append(out, s)
		}
	}
	return out
}
