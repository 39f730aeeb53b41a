package cache

import (
	"chainalert/internal/exposure/models"
	"chainalert/pkg/domain"
)

// lookupEntry distinguishes "looked up and found" from "looked up and
// confirmed absent". Both are cached; only never-looked-up ids trigger a
// store query.
type lookupEntry struct {
	identity *models.UserIdentity
	notFound bool
}

// UserLookupCache memoizes identity lookups for one propagation run,
// explicitly caching negative results so repeated arrivals at a deleted or
// unregistered user never re-issue the query.
type UserLookupCache struct {
	inner *Cache[domain.InteractionHash, lookupEntry]
}

// NewUserLookup creates a user lookup cache bounded at maxEntries.
func NewUserLookup(maxEntries int) *UserLookupCache {
	return &UserLookupCache{inner: New[domain.InteractionHash, lookupEntry](maxEntries)}
}

// Get returns (identity, resolved). resolved is true when the id has been
// looked up either way; a cached not-found returns (nil, true).
func (c *UserLookupCache) Get(id domain.InteractionHash) (*models.UserIdentity, bool) {
	entry, ok := c.inner.Get(id)
	if !ok {
		return nil, false
	}
	if entry.notFound {
		return nil, true
	}
	return entry.identity, true
}

// Set caches a resolved identity.
func (c *UserLookupCache) Set(id domain.InteractionHash, identity *models.UserIdentity) {
	c.inner.Set(id, lookupEntry{identity: identity})
}

// SetNotFound caches a confirmed-absent result, distinct from never-looked-up.
func (c *UserLookupCache) SetNotFound(id domain.InteractionHash) {
	c.inner.Set(id, lookupEntry{notFound: true})
}

// UncachedIDs returns the subset of ids not yet resolved either way, enabling
// a batch fetch of only the gap.
func (c *UserLookupCache) UncachedIDs(ids []domain.InteractionHash) []domain.InteractionHash {
	var gap []domain.InteractionHash
	for _, id := range ids {
		if !c.inner.Has(id) {
			gap = append(gap, id)
		}
	}
	return gap
}

// Clear drops everything.
func (c *UserLookupCache) Clear() { c.inner.Clear() }

// HitRate exposes the underlying cache's hit rate.
func (c *UserLookupCache) HitRate() float64 { return c.inner.HitRate() }
