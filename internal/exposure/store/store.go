// Package store defines the persistence boundary of the exposure core.
//
// Stores are interface-driven to keep the engine testable and to allow
// swapping in-memory and PostgreSQL implementations without rewiring the
// traversal logic. Interaction and user-identity stores are read-only from
// this core; only notification documents are written here.
package store

import (
	"context"

	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/window"
	"chainalert/pkg/domain"
)

// Hard per-request limits of the backing document store. Batchers and batch
// lookups clamp to these regardless of configuration.
const (
	// MaxWriteBatch is the store's per-request write limit.
	MaxWriteBatch = 500
	// MaxInClause is the store's "in" clause limit for batch lookups.
	MaxInClause = 30
)

// InteractionStore reads proximity interaction records. Records are written
// by the out-of-scope discovery layer and deleted only by the retention job.
type InteractionStore interface {
	// ListByPartner returns interactions recorded BY others ABOUT the given
	// partner, inside the window. Traversal discovers a node's contacts only
	// through records the contacts themselves wrote, so a malicious node
	// cannot fabricate exposure claims against arbitrary victims.
	// An empty window must yield no results, not an error.
	ListByPartner(ctx context.Context, partner domain.InteractionHash, w window.Window) ([]models.Interaction, error)
}

// ReportStore persists report documents. Created once by the reporting user
// via the intake service; the engine reads them for chain linking.
type ReportStore interface {
	Create(ctx context.Context, r models.Report) error
	FindByID(ctx context.Context, id domain.ReportID) (*models.Report, error)
	// MarkDeleted records a report deletion so reversal can be audited.
	MarkDeleted(ctx context.Context, id domain.ReportID) error
}

// UserIdentityStore resolves interaction pseudonyms to delivery metadata.
type UserIdentityStore interface {
	FindByInteractionIdentity(ctx context.Context, id domain.InteractionHash) (*models.UserIdentity, error)
	// FindBatch resolves many identities, chunking requests at MaxInClause.
	// Absent ids are simply missing from the result map.
	FindBatch(ctx context.Context, ids []domain.InteractionHash) (map[domain.InteractionHash]*models.UserIdentity, error)
}

// NotificationStore persists and mutates notification documents.
type NotificationStore interface {
	Create(ctx context.Context, n models.Notification) (domain.NotificationID, error)
	// CreateBatch writes one group. Callers must keep groups at or below
	// MaxWriteBatch; the write is all-or-nothing per group.
	CreateBatch(ctx context.Context, ns []models.Notification) ([]domain.NotificationID, error)
	Update(ctx context.Context, n models.Notification) error
	// Mutate applies an atomic read-modify-write to one document, protecting
	// multi-path merges from lost updates.
	Mutate(ctx context.Context, id domain.NotificationID, fn func(*models.Notification) error) error

	FindByID(ctx context.Context, id domain.NotificationID) (*models.Notification, error)
	ListByReport(ctx context.Context, reportID domain.ReportID) ([]models.Notification, error)
	CountByReport(ctx context.Context, reportID domain.ReportID) (int, error)
	// ListByChainMember returns notifications whose recorded paths contain
	// the given chain pseudonym.
	ListByChainMember(ctx context.Context, member domain.ChainHash) ([]models.Notification, error)
	ListByRecipient(ctx context.Context, recipient domain.NotificationHash) ([]models.Notification, error)
	MarkRead(ctx context.Context, id domain.NotificationID, recipient domain.NotificationHash) error
}
