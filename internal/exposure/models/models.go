// Package models holds the document types of the exposure-notification core.
// All identities are domain-separated pseudonyms; a raw account id never
// appears in any of these types.
package models

import (
	"time"

	"chainalert/pkg/domain"
)

// TestResult is the outcome a report discloses.
type TestResult string

const (
	TestResultPositive TestResult = "POSITIVE"
	TestResultNegative TestResult = "NEGATIVE"
)

// PrivacyLevel controls which report fields a notification may disclose.
// Enforced at write time: undisclosed fields are omitted from the stored
// document, not hidden downstream.
type PrivacyLevel string

const (
	PrivacyFull      PrivacyLevel = "FULL"
	PrivacySTIOnly   PrivacyLevel = "STI_ONLY"
	PrivacyDateOnly  PrivacyLevel = "DATE_ONLY"
	PrivacyAnonymous PrivacyLevel = "ANONYMOUS"
)

// Valid reports whether the privacy level is one of the four known values.
func (p PrivacyLevel) Valid() bool {
	switch p {
	case PrivacyFull, PrivacySTIOnly, PrivacyDateOnly, PrivacyAnonymous:
		return true
	}
	return false
}

// DisclosesSTI reports whether notifications for this level carry the STI type.
func (p PrivacyLevel) DisclosesSTI() bool {
	return p == PrivacyFull || p == PrivacySTIOnly
}

// DisclosesDate reports whether notifications for this level carry the exposure date.
func (p PrivacyLevel) DisclosesDate() bool {
	return p == PrivacyFull || p == PrivacyDateOnly
}

// TestStatus is the per-node status shown in a chain visualization. It changes
// over time as chain members file their own reports.
type TestStatus string

const (
	StatusUnknown  TestStatus = "UNKNOWN"
	StatusPositive TestStatus = "POSITIVE"
	StatusNegative TestStatus = "NEGATIVE"
)

// DisplayKind is the explicit variant for how a chain node is rendered.
// Only the immediate predecessor of a recipient is ever named; everything
// further upstream stays anonymized.
type DisplayKind string

const (
	DisplayNamed      DisplayKind = "named"
	DisplayAnonymized DisplayKind = "anonymized"
	DisplaySelf       DisplayKind = "self"
)

// AnonymizedMarker is what anonymized nodes render as.
const AnonymizedMarker = "Someone"

// Interaction is one directed proximity record: the owner recorded meeting the
// partner. Written by the out-of-scope discovery layer; read-only here. The
// reverse record may or may not exist.
type Interaction struct {
	OwnerID                 domain.InteractionHash `json:"ownerId"`
	PartnerIdentity         domain.InteractionHash `json:"partnerIdentity"`
	PartnerUsernameSnapshot string                 `json:"partnerUsernameSnapshot"`
	RecordedAt              time.Time              `json:"recordedAt"`
}

// UserIdentity maps an interaction pseudonym to the delivery metadata needed
// to notify that account. Read-only here.
type UserIdentity struct {
	InteractionIdentity  domain.InteractionHash  `json:"interactionIdentity"`
	NotificationIdentity domain.NotificationHash `json:"notificationIdentity"`
	PushToken            string                  `json:"pushToken,omitempty"`
}

// Report is created once by the reporting user; this core only reads it.
type Report struct {
	ID                          domain.ReportID        `json:"reportId"`
	ReporterInteractionIdentity domain.InteractionHash `json:"reporterInteractionIdentity"`
	TestResult                  TestResult             `json:"testResult"`
	STITypes                    []string               `json:"stiTypes,omitempty"`
	TestDate                    *time.Time             `json:"testDate,omitempty"`
	PrivacyLevel                PrivacyLevel           `json:"privacyLevel,omitempty"`
	LinkedReportID              *domain.ReportID       `json:"linkedReportId,omitempty"`
}

// ChainNode is one hop of a chain visualization.
type ChainNode struct {
	Display       DisplayKind `json:"display"`
	Name          string      `json:"name,omitempty"` // set only for named/self nodes
	Status        TestStatus  `json:"status"`
	Date          *time.Time  `json:"date,omitempty"`
	IsCurrentUser bool        `json:"isCurrentUser"`
	// MatchedSTITypes records, after a positive chain update, which of the
	// notification's disclosed STI types the node's own report overlapped.
	MatchedSTITypes []string `json:"matchedStiTypes,omitempty"`
}

// Render returns the display string for the node.
func (n ChainNode) Render() string {
	if n.Display == DisplayAnonymized {
		return AnonymizedMarker
	}
	return n.Name
}

// ChainVisualization is the ordered hop list shown to a recipient, one node
// per hop plus the recipient themselves.
type ChainVisualization struct {
	Nodes []ChainNode `json:"nodes"`
}

// NotificationType distinguishes notification documents. Only exposure
// notifications exist in this core.
type NotificationType string

const TypeExposure NotificationType = "EXPOSURE"

// Notification is created exactly once per (report, recipient) pair and
// mutated afterwards only by chain updates or the recipient's own report.
type Notification struct {
	ID          domain.NotificationID   `json:"id"`
	RecipientID domain.NotificationHash `json:"recipientId"`
	Type        NotificationType        `json:"type"`

	// STIType and ExposureDate are privacy-gated: absent unless the report's
	// privacy level discloses them.
	STIType      *string    `json:"stiType,omitempty"`
	ExposureDate *time.Time `json:"exposureDate,omitempty"`

	Chain ChainVisualization `json:"chainVisualization"`

	// ChainPath is the shortest known path; ChainPaths holds every distinct
	// path discovered so far. Both use the chain-identity hash family.
	ChainPath  []domain.ChainHash   `json:"chainPath"`
	ChainPaths [][]domain.ChainHash `json:"chainPaths"`
	HopDepth   int                  `json:"hopDepth"`

	IsRead     bool       `json:"isRead"`
	ReceivedAt time.Time  `json:"receivedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`

	ReportID domain.ReportID `json:"reportId"`
}
