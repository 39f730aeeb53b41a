package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainalert/pkg/domain"
)

func TestHasher_Invariants(t *testing.T) {
	hasher, err := NewHasher([]byte("unit-test-secret"))
	require.NoError(t, err)

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t,
			hasher.Hash("account-1", DomainInteraction),
			hasher.Hash("account-1", DomainInteraction))
	})

	t.Run("case insensitive", func(t *testing.T) {
		assert.Equal(t,
			hasher.Hash("abc", DomainChain),
			hasher.Hash("ABC", DomainChain))
		assert.Equal(t,
			hasher.Hash("Account-Mixed", DomainNotification),
			hasher.Hash("aCCOUNT-mIXED", DomainNotification))
	})

	t.Run("domains never collide for the same id", func(t *testing.T) {
		seen := map[string]Domain{}
		for _, d := range domains {
			out := hasher.Hash("account-1", d)
			prev, dup := seen[out]
			require.False(t, dup, "domain %s collides with %s", d, prev)
			seen[out] = d
		}
	})

	t.Run("distinct ids diverge within a domain", func(t *testing.T) {
		assert.NotEqual(t,
			hasher.Hash("account-1", DomainReport),
			hasher.Hash("account-2", DomainReport))
	})

	t.Run("secret separates deployments", func(t *testing.T) {
		other, err := NewHasher([]byte("another-secret"))
		require.NoError(t, err)
		assert.NotEqual(t,
			hasher.Hash("account-1", DomainInteraction),
			other.Hash("account-1", DomainInteraction))
	})
}

func TestNewHasher_RequiresSecret(t *testing.T) {
	_, err := NewHasher(nil)
	require.Error(t, err)
}

func TestHasher_TypedHelpers(t *testing.T) {
	hasher, err := NewHasher([]byte("unit-test-secret"))
	require.NoError(t, err)

	id := domain.AccountID("account-1")
	assert.Equal(t, hasher.Hash(id, DomainInteraction), hasher.Interaction(id).String())
	assert.Equal(t, hasher.Hash(id, DomainNotification), hasher.Notification(id).String())
	assert.Equal(t, hasher.Hash(id, DomainReport), hasher.Report(id).String())
}

func TestHasher_ChainDerivation(t *testing.T) {
	hasher, err := NewHasher([]byte("unit-test-secret"))
	require.NoError(t, err)

	id := domain.AccountID("account-1")

	// The account-level chain pseudonym and the one the engine derives from
	// the interaction pseudonym must agree, or retroactive chain updates
	// would never find the notifications the engine created.
	assert.Equal(t, hasher.Chain(id), hasher.ChainFromInteraction(hasher.Interaction(id)))

	// And the chain family must still be unlinkable to the others.
	assert.NotEqual(t, hasher.Chain(id).String(), hasher.Interaction(id).String())
	assert.NotEqual(t, hasher.Chain(id).String(), hasher.Notification(id).String())
}
