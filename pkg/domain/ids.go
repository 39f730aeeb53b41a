package domain

import (
	"github.com/google/uuid"

	dErrors "chainalert/pkg/domain-errors"
)

// Typed IDs keep the four pseudonym families and the document ids from being
// mixed up at compile time. A ChainHash can never be passed where an
// InteractionHash is expected, which is the property the whole privacy model
// rests on.

// ReportID identifies a report document.
type ReportID uuid.UUID

// NotificationID identifies a notification document.
type NotificationID string

// AccountID is the raw account identifier handed in by the (out of scope)
// account layer. It is hashed before anything in this module stores or
// transmits it.
type AccountID string

// The four one-way pseudonym families derived from an AccountID. Same
// underlying account, four unlinkable hashes.
type (
	InteractionHash  string
	NotificationHash string
	ChainHash        string
	ReportHash       string
)

// ParseReportID validates and returns a ReportID.
// Rejects empty, malformed, and nil UUIDs at the trust boundary.
func ParseReportID(s string) (ReportID, error) {
	if s == "" {
		return ReportID(uuid.Nil), dErrors.New(dErrors.CodeInvalidInput, "report id is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return ReportID(uuid.Nil), dErrors.New(dErrors.CodeInvalidInput, "report id is not a valid UUID")
	}
	if parsed == uuid.Nil {
		return ReportID(uuid.Nil), dErrors.New(dErrors.CodeInvalidInput, "report id must not be the nil UUID")
	}
	return ReportID(parsed), nil
}

// NewReportID returns a fresh random ReportID.
func NewReportID() ReportID {
	return ReportID(uuid.New())
}

func (id ReportID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether the id is the zero UUID.
func (id ReportID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// MarshalText renders the id in canonical UUID form, which also makes JSON
// encode it as a string rather than a byte array.
func (id ReportID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ReportID) UnmarshalText(b []byte) error {
	parsed, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*id = ReportID(parsed)
	return nil
}

func (id NotificationID) String() string { return string(id) }

func (h InteractionHash) String() string  { return string(h) }
func (h NotificationHash) String() string { return string(h) }
func (h ChainHash) String() string        { return string(h) }
func (h ReportHash) String() string       { return string(h) }

func (h InteractionHash) IsZero() bool  { return h == "" }
func (h NotificationHash) IsZero() bool { return h == "" }
func (h ChainHash) IsZero() bool        { return h == "" }
