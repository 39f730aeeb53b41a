package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and transport clients return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: document does not exist in the store
// - ErrConflict: a concurrent writer won a merge the caller attempted
// - ErrInvalidState: document in wrong state for the requested mutation
// - ErrInvalidToken: push token rejected as unregistered by the transport
// - ErrUnavailable: store or transport temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrInvalidToken = errors.New("invalid token")
	ErrUnavailable  = errors.New("unavailable")
)
