package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"chainalert/internal/exposure/chainpath"
	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/window"
	"chainalert/pkg/domain"
	"chainalert/pkg/platform/sentinel"
)

// In-memory stores back unit tests and local development. They intentionally
// favor clarity over performance.

type InMemoryInteractionStore struct {
	mu           sync.RWMutex
	interactions []models.Interaction
}

func NewInMemoryInteractionStore() *InMemoryInteractionStore {
	return &InMemoryInteractionStore{}
}

// Add seeds a record the way the discovery layer would.
func (s *InMemoryInteractionStore) Add(records ...models.Interaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, records...)
}

func (s *InMemoryInteractionStore) ListByPartner(_ context.Context, partner domain.InteractionHash, w window.Window) ([]models.Interaction, error) {
	if w.Empty() {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Interaction
	for _, rec := range s.interactions {
		if rec.PartnerIdentity == partner && w.Contains(rec.RecordedAt) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type InMemoryReportStore struct {
	mu      sync.RWMutex
	reports map[domain.ReportID]models.Report
	deleted map[domain.ReportID]bool
}

func NewInMemoryReportStore() *InMemoryReportStore {
	return &InMemoryReportStore{
		reports: make(map[domain.ReportID]models.Report),
		deleted: make(map[domain.ReportID]bool),
	}
}

func (s *InMemoryReportStore) Create(_ context.Context, r models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[r.ID]; exists {
		return sentinel.ErrConflict
	}
	s.reports[r.ID] = r
	return nil
}

func (s *InMemoryReportStore) FindByID(_ context.Context, id domain.ReportID) (*models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.reports[id]; ok && !s.deleted[id] {
		return &r, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryReportStore) MarkDeleted(_ context.Context, id domain.ReportID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return sentinel.ErrNotFound
	}
	s.deleted[id] = true
	return nil
}

type InMemoryUserIdentityStore struct {
	mu         sync.RWMutex
	identities map[domain.InteractionHash]models.UserIdentity

	// Queries counts store round trips so tests can assert cache idempotence.
	Queries int
}

func NewInMemoryUserIdentityStore() *InMemoryUserIdentityStore {
	return &InMemoryUserIdentityStore{identities: make(map[domain.InteractionHash]models.UserIdentity)}
}

// Put seeds an identity the way the account layer would.
func (s *InMemoryUserIdentityStore) Put(identity models.UserIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.InteractionIdentity] = identity
}

func (s *InMemoryUserIdentityStore) FindByInteractionIdentity(_ context.Context, id domain.InteractionHash) (*models.UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries++
	if identity, ok := s.identities[id]; ok {
		return &identity, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryUserIdentityStore) FindBatch(_ context.Context, ids []domain.InteractionHash) (map[domain.InteractionHash]*models.UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.InteractionHash]*models.UserIdentity)
	for start := 0; start < len(ids); start += MaxInClause {
		end := min(start+MaxInClause, len(ids))
		s.Queries++
		for _, id := range ids[start:end] {
			if identity, ok := s.identities[id]; ok {
				copied := identity
				out[id] = &copied
			}
		}
	}
	return out, nil
}

type InMemoryNotificationStore struct {
	mu            sync.RWMutex
	notifications map[domain.NotificationID]models.Notification

	// FailCreates makes the next n CreateBatch calls fail, for
	// partial-failure tests.
	FailCreates int
	// BatchCalls counts CreateBatch invocations so tests can assert group
	// splitting.
	BatchCalls int
}

func NewInMemoryNotificationStore() *InMemoryNotificationStore {
	return &InMemoryNotificationStore{notifications: make(map[domain.NotificationID]models.Notification)}
}

func (s *InMemoryNotificationStore) Create(_ context.Context, n models.Notification) (domain.NotificationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(n), nil
}

func (s *InMemoryNotificationStore) CreateBatch(_ context.Context, ns []models.Notification) ([]domain.NotificationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchCalls++
	if s.FailCreates > 0 {
		s.FailCreates--
		return nil, sentinel.ErrUnavailable
	}
	ids := make([]domain.NotificationID, len(ns))
	for i, n := range ns {
		ids[i] = s.createLocked(n)
	}
	return ids, nil
}

func (s *InMemoryNotificationStore) createLocked(n models.Notification) domain.NotificationID {
	if n.ID == "" {
		n.ID = domain.NotificationID(uuid.NewString())
	}
	s.notifications[n.ID] = n
	return n.ID
}

func (s *InMemoryNotificationStore) Update(_ context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.notifications[n.ID] = n
	return nil
}

func (s *InMemoryNotificationStore) Mutate(_ context.Context, id domain.NotificationID, fn func(*models.Notification) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if err := fn(&n); err != nil {
		return err
	}
	s.notifications[id] = n
	return nil
}

func (s *InMemoryNotificationStore) FindByID(_ context.Context, id domain.NotificationID) (*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.notifications[id]; ok {
		return &n, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryNotificationStore) ListByReport(_ context.Context, reportID domain.ReportID) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.ReportID == reportID && n.DeletedAt == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *InMemoryNotificationStore) CountByReport(ctx context.Context, reportID domain.ReportID) (int, error) {
	ns, err := s.ListByReport(ctx, reportID)
	return len(ns), err
}

func (s *InMemoryNotificationStore) ListByChainMember(_ context.Context, member domain.ChainHash) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.DeletedAt != nil {
			continue
		}
		for _, path := range n.ChainPaths {
			if chainpath.Contains(path, member) {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryNotificationStore) ListByRecipient(_ context.Context, recipient domain.NotificationHash) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.RecipientID == recipient && n.DeletedAt == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *InMemoryNotificationStore) MarkRead(_ context.Context, id domain.NotificationID, recipient domain.NotificationHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.RecipientID != recipient {
		return sentinel.ErrNotFound
	}
	n.IsRead = true
	s.notifications[id] = n
	return nil
}
