// Package push defines the outbound push-notification boundary. The wire
// format beyond "send templated payload to tokens, get per-token results
// back" belongs to the transport provider, not to this core.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"chainalert/pkg/platform/sentinel"
)

// MaxMulticast is the transport's hard per-request recipient limit.
const MaxMulticast = 500

// Payload is a templated notification: localization keys plus data, rendered
// by the recipient's device. Recipients with byte-identical payloads can be
// multicast together.
type Payload struct {
	TitleKey string            `json:"titleKey"`
	BodyKey  string            `json:"bodyKey"`
	Data     map[string]string `json:"data,omitempty"`
}

// Fingerprint returns a stable identity for payload grouping. Data keys are
// sorted so map iteration order cannot split a group.
func (p Payload) Fingerprint() string {
	var b strings.Builder
	b.WriteString(p.TitleKey)
	b.WriteByte('|')
	b.WriteString(p.BodyKey)

	keys := make([]string, 0, len(p.Data))
	for k := range p.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Data[k])
	}
	return b.String()
}

// MarshalData renders the payload for transports that need raw JSON.
func (p Payload) MarshalData() ([]byte, error) {
	return json.Marshal(p)
}

// Response is the per-token outcome of one multicast.
type Response struct {
	OK  bool
	Err error
}

// MulticastResult accumulates per-token outcomes of one multicast call.
type MulticastResult struct {
	SuccessCount int
	FailureCount int
	Responses    []Response
}

// Sender delivers one multicast of at most MaxMulticast tokens. A returned
// error means the whole call failed (transport unreachable); per-token
// failures are reported inside the result instead.
type Sender interface {
	SendMulticast(ctx context.Context, tokens []string, payload Payload) (*MulticastResult, error)
}

// IsInvalidToken reports whether a per-token error marks the token as
// unregistered, meaning the caller should drop it from delivery metadata.
func IsInvalidToken(err error) bool {
	return errors.Is(err, sentinel.ErrInvalidToken)
}
