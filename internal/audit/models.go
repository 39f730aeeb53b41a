// Package audit captures the privacy-safe event trail of the exposure core.
// Events never carry account identifiers or STI details, only domain-separated
// hashes and counts, so the trail can be retained without becoming a
// re-identification surface.
package audit

import (
	"time"

	"github.com/google/uuid"

	"chainalert/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose, which
// drives routing and retention downstream.
type EventCategory string

const (
	// CategoryCompliance covers report lifecycle events with regulatory
	// significance. Long retention, tamper-evident storage.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers routine propagation activity. Short
	// retention, may be sampled.
	CategoryOperations EventCategory = "operations"
)

// Action identifies what happened.
type Action string

const (
	ActionReportSubmitted       Action = "report_submitted"
	ActionReportDeleted         Action = "report_deleted"
	ActionPropagationCompleted  Action = "propagation_completed"
	ActionChainUpdateApplied    Action = "chain_update_applied"
	ActionNotificationRead      Action = "notification_read"
	ActionPushTokensInvalidated Action = "push_tokens_invalidated"
)

var actionCategories = map[Action]EventCategory{
	ActionReportSubmitted: CategoryCompliance,
	ActionReportDeleted:   CategoryCompliance,

	ActionPropagationCompleted:  CategoryOperations,
	ActionChainUpdateApplied:    CategoryOperations,
	ActionNotificationRead:      CategoryOperations,
	ActionPushTokensInvalidated: CategoryOperations,
}

// CategoryFor returns the routing category of an action. Unknown actions land
// in operations rather than being dropped.
func CategoryFor(action Action) EventCategory {
	if c, ok := actionCategories[action]; ok {
		return c
	}
	return CategoryOperations
}

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID        uuid.UUID     `json:"ID"`
	Category  EventCategory `json:"Category"`
	Timestamp time.Time     `json:"Timestamp"`
	Action    Action        `json:"Action"`

	// ActorHash is the report-domain pseudonym of the acting account.
	ActorHash domain.ReportHash `json:"ActorHash,omitempty"`
	// ReportID ties propagation events to their report.
	ReportID string `json:"ReportID,omitempty"`
	// RecipientHash is the notification-domain pseudonym of the affected
	// recipient, for per-recipient events.
	RecipientHash domain.NotificationHash `json:"RecipientHash,omitempty"`

	RequestID string `json:"RequestID,omitempty"`
	Reason    string `json:"Reason,omitempty"`
	// Count carries the size of bulk outcomes (notifications created,
	// chain nodes updated, tokens invalidated).
	Count int `json:"Count,omitempty"`
}
