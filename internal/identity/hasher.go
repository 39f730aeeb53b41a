// Package identity derives the four one-way pseudonym families used across the
// interaction, notification, chain, and report collections. Each family is
// keyed separately so a leak of any single collection cannot be correlated
// against the others without the hashing secret and the original account id.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"chainalert/pkg/domain"
)

// Domain selects which pseudonym family a hash belongs to.
type Domain string

const (
	DomainInteraction  Domain = "interaction"
	DomainNotification Domain = "notification"
	DomainChain        Domain = "chain"
	DomainReport       Domain = "report"
)

var domains = []Domain{DomainInteraction, DomainNotification, DomainChain, DomainReport}

// Hasher derives domain-separated pseudonyms from account ids. It is pure and
// safe for concurrent use; all key material is derived once at construction.
type Hasher struct {
	keys map[Domain][]byte
}

// NewHasher derives one HMAC key per domain from the secret via HKDF-SHA256,
// with the domain name as the HKDF info parameter. Distinct domains therefore
// use unrelated keys, and no domain's output is derivable from another's.
func NewHasher(secret []byte) (*Hasher, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hashing secret is required")
	}
	keys := make(map[Domain][]byte, len(domains))
	for _, d := range domains {
		key := make([]byte, sha256.Size)
		r := hkdf.New(sha256.New, secret, nil, []byte("chainalert/pseudonym/"+string(d)))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("derive %s key: %w", d, err)
		}
		keys[d] = key
	}
	return &Hasher{keys: keys}, nil
}

// Hash returns the hex pseudonym of accountID in the given domain. The id is
// uppercased first so caller casing never splits one person into two
// pseudonyms.
func (h *Hasher) Hash(accountID domain.AccountID, d Domain) string {
	mac := hmac.New(sha256.New, h.keys[d])
	mac.Write([]byte(strings.ToUpper(string(accountID))))
	return hex.EncodeToString(mac.Sum(nil))
}

// Typed helpers so call sites get the compile-checked hash family directly.

func (h *Hasher) Interaction(id domain.AccountID) domain.InteractionHash {
	return domain.InteractionHash(h.Hash(id, DomainInteraction))
}

func (h *Hasher) Notification(id domain.AccountID) domain.NotificationHash {
	return domain.NotificationHash(h.Hash(id, DomainNotification))
}

// Chain returns the chain pseudonym for an account. It is defined over the
// interaction pseudonym rather than the raw id, so the traversal engine can
// derive it from interaction records without ever holding an account id.
func (h *Hasher) Chain(id domain.AccountID) domain.ChainHash {
	return h.ChainFromInteraction(h.Interaction(id))
}

// ChainFromInteraction derives the chain pseudonym from an interaction
// pseudonym. One-way in both directions: the chain family cannot be computed
// from a leaked chain collection, nor reversed to the interaction family.
func (h *Hasher) ChainFromInteraction(id domain.InteractionHash) domain.ChainHash {
	mac := hmac.New(sha256.New, h.keys[DomainChain])
	mac.Write([]byte(strings.ToUpper(string(id))))
	return domain.ChainHash(hex.EncodeToString(mac.Sum(nil)))
}

func (h *Hasher) Report(id domain.AccountID) domain.ReportHash {
	return domain.ReportHash(h.Hash(id, DomainReport))
}
