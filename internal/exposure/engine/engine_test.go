package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/push"
	"chainalert/internal/exposure/store"
	"chainalert/internal/identity"
	"chainalert/pkg/domain"
	dErrors "chainalert/pkg/domain-errors"
	"chainalert/pkg/platform/sentinel"
)

// fakeSender scripts per-token outcomes for push assertions.
type fakeSender struct {
	calls         [][]string
	invalidTokens map[string]bool
}

func (f *fakeSender) SendMulticast(_ context.Context, tokens []string, _ push.Payload) (*push.MulticastResult, error) {
	f.calls = append(f.calls, tokens)
	result := &push.MulticastResult{Responses: make([]push.Response, len(tokens))}
	for i, token := range tokens {
		if f.invalidTokens[token] {
			result.FailureCount++
			result.Responses[i] = push.Response{Err: fmt.Errorf("DeviceNotRegistered: %w", sentinel.ErrInvalidToken)}
			continue
		}
		result.SuccessCount++
		result.Responses[i] = push.Response{OK: true}
	}
	return result, nil
}

// fixture wires an engine over in-memory stores with a frozen clock.
type fixture struct {
	interactions  *store.InMemoryInteractionStore
	users         *store.InMemoryUserIdentityStore
	notifications *store.InMemoryNotificationStore
	reports       *store.InMemoryReportStore
	hasher        *identity.Hasher
	sender        *fakeSender
	engine        *Engine
	now           time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	hasher, err := identity.NewHasher([]byte("engine-test-secret"))
	require.NoError(t, err)

	f := &fixture{
		interactions:  store.NewInMemoryInteractionStore(),
		users:         store.NewInMemoryUserIdentityStore(),
		notifications: store.NewInMemoryNotificationStore(),
		reports:       store.NewInMemoryReportStore(),
		hasher:        hasher,
		sender:        &fakeSender{invalidTokens: map[string]bool{}},
		now:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = New(f.interactions, f.users, f.notifications, f.reports, f.sender, hasher, cfg, logger, nil).
		WithClock(func() time.Time { return f.now })
	return f
}

// register seeds an account so traversal can resolve and notify it.
func (f *fixture) register(accountID, token string) {
	f.users.Put(models.UserIdentity{
		InteractionIdentity:  f.hasher.Interaction(domain.AccountID(accountID)),
		NotificationIdentity: f.hasher.Notification(domain.AccountID(accountID)),
		PushToken:            token,
	})
}

// interact records that owner met partner at the given time, remembering
// partner under the given name. This is the direction traversal trusts:
// candidates are found through records they themselves wrote.
func (f *fixture) interact(owner, partner, partnerName string, at time.Time) {
	f.interactions.Add(models.Interaction{
		OwnerID:                 f.hasher.Interaction(domain.AccountID(owner)),
		PartnerIdentity:         f.hasher.Interaction(domain.AccountID(partner)),
		PartnerUsernameSnapshot: partnerName,
		RecordedAt:              at,
	})
}

func (f *fixture) input(reporter string, testDate time.Time, level models.PrivacyLevel) Input {
	return Input{
		ReportID:            domain.NewReportID(),
		ReporterIdentity:    f.hasher.Interaction(domain.AccountID(reporter)),
		ReporterDisplayName: reporter,
		STITypes:            []string{"chlamydia"},
		TestDate:            testDate,
		PrivacyLevel:        level,
		IncubationDays:      14,
	}
}

// byRecipient indexes the persisted notifications of one report.
func (f *fixture) byRecipient(t *testing.T, reportID domain.ReportID) map[domain.NotificationHash]models.Notification {
	t.Helper()
	ns, err := f.notifications.ListByReport(context.Background(), reportID)
	require.NoError(t, err)
	out := make(map[domain.NotificationHash]models.Notification, len(ns))
	for _, n := range ns {
		out[n.RecipientID] = n
	}
	return out
}

func (f *fixture) recipientID(accountID string) domain.NotificationHash {
	return f.hasher.Notification(domain.AccountID(accountID))
}

func (f *fixture) chain(accountID string) domain.ChainHash {
	return f.hasher.Chain(domain.AccountID(accountID))
}

func TestPropagate_SingleHop(t *testing.T) {
	f := newFixture(t, Config{})
	f.register("alice", "")
	f.register("bob", "")
	testDate := f.now.AddDate(0, 0, -2)
	met := testDate.AddDate(0, 0, -5)
	f.interact("bob", "alice", "Ally", met)

	in := f.input("alice", testDate, models.PrivacyFull)
	res, err := f.engine.Propagate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotificationCount)
	assert.Equal(t, 1, res.Created)
	assert.Zero(t, res.Merged)
	assert.Zero(t, res.Failed)

	n, ok := f.byRecipient(t, in.ReportID)[f.recipientID("bob")]
	require.True(t, ok)
	assert.Equal(t, models.TypeExposure, n.Type)
	assert.Equal(t, 1, n.HopDepth)
	assert.Equal(t, []domain.ChainHash{f.chain("alice"), f.chain("bob")}, n.ChainPath)
	require.Len(t, n.ChainPaths, 1)
	assert.False(t, n.IsRead)

	require.NotNil(t, n.STIType)
	assert.Equal(t, "chlamydia", *n.STIType)
	require.NotNil(t, n.ExposureDate)
	assert.True(t, n.ExposureDate.Equal(met))

	require.Len(t, n.Chain.Nodes, 2)
	first, self := n.Chain.Nodes[0], n.Chain.Nodes[1]
	assert.Equal(t, models.DisplayNamed, first.Display)
	assert.Equal(t, "Ally", first.Name) // bob's own snapshot, not the reporter's name
	assert.Equal(t, models.StatusPositive, first.Status)
	assert.Equal(t, models.DisplaySelf, self.Display)
	assert.True(t, self.IsCurrentUser)
	assert.Equal(t, models.StatusUnknown, self.Status)
}

func TestPropagate_HopDepthsAlongChain(t *testing.T) {
	f := newFixture(t, Config{})
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		f.register(id, "")
	}
	testDate := f.now.AddDate(0, 0, -10)
	f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -3))
	f.interact("carol", "bob", "Bob", testDate.AddDate(0, 0, -1))
	f.interact("dave", "carol", "Carol", testDate.AddDate(0, 0, 2))

	in := f.input("alice", testDate, models.PrivacyFull)
	res, err := f.engine.Propagate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NotificationCount)

	byRec := f.byRecipient(t, in.ReportID)
	assert.Equal(t, 1, byRec[f.recipientID("bob")].HopDepth)
	assert.Equal(t, 2, byRec[f.recipientID("carol")].HopDepth)
	assert.Equal(t, 3, byRec[f.recipientID("dave")].HopDepth)

	// Hop depth always equals path edges, on every recorded path.
	for _, n := range byRec {
		assert.Equal(t, n.HopDepth, len(n.ChainPath)-1)
	}

	// Dave sees a 4-node chain with only Carol named.
	chain := byRec[f.recipientID("dave")].Chain.Nodes
	require.Len(t, chain, 4)
	assert.Equal(t, models.DisplayAnonymized, chain[0].Display)
	assert.Equal(t, models.AnonymizedMarker, chain[0].Render())
	assert.Equal(t, models.DisplayAnonymized, chain[1].Display)
	assert.Equal(t, "Carol", chain[2].Name)
	assert.True(t, chain[3].IsCurrentUser)
}

func TestPropagate_MultiPathMergesIntoOneNotification(t *testing.T) {
	t.Run("equal depth diamond", func(t *testing.T) {
		f := newFixture(t, Config{})
		for _, id := range []string{"alice", "bob", "carol", "dave"} {
			f.register(id, "")
		}
		testDate := f.now.AddDate(0, 0, -10)
		f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -2))
		f.interact("carol", "alice", "Alice", testDate.AddDate(0, 0, -1))
		f.interact("dave", "bob", "Bob", testDate)
		f.interact("dave", "carol", "Carol", testDate)

		in := f.input("alice", testDate, models.PrivacyFull)
		res, err := f.engine.Propagate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, 3, res.NotificationCount)
		assert.Equal(t, 1, res.Merged)

		n := f.byRecipient(t, in.ReportID)[f.recipientID("dave")]
		assert.Equal(t, 2, n.HopDepth)
		require.Len(t, n.ChainPaths, 2)
		assert.NotEqual(t, n.ChainPaths[0], n.ChainPaths[1])
	})

	t.Run("shorter late arrival takes over the display", func(t *testing.T) {
		f := newFixture(t, Config{})
		for _, id := range []string{"alice", "bob", "carol", "cindy", "dora"} {
			f.register(id, "")
		}
		// dora is three hops away through bob and cindy, two hops through
		// carol. Traversal reaches her the long way first; the later, shorter
		// arrival must take over the displayed path.
		testDate := f.now.AddDate(0, 0, -10)
		f.interact("carol", "alice", "Alice", testDate.AddDate(0, 0, -1))
		f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -2))
		f.interact("cindy", "bob", "Bob", testDate)
		f.interact("dora", "cindy", "Cindy", testDate.AddDate(0, 0, 1))
		f.interact("dora", "carol", "Carol", testDate)

		in := f.input("alice", testDate, models.PrivacyFull)
		res, err := f.engine.Propagate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, 4, res.NotificationCount)

		n := f.byRecipient(t, in.ReportID)[f.recipientID("dora")]
		assert.Equal(t, 2, n.HopDepth)
		assert.Equal(t, []domain.ChainHash{f.chain("alice"), f.chain("carol"), f.chain("dora")}, n.ChainPath)
		require.Len(t, n.ChainPaths, 2)
		// The visualization follows the displayed path.
		require.Len(t, n.Chain.Nodes, 3)
		assert.Equal(t, "Carol", n.Chain.Nodes[1].Name)
	})
}

func TestPropagate_ExcludesReporterAndAncestors(t *testing.T) {
	f := newFixture(t, Config{})
	f.register("alice", "")
	f.register("bob", "")
	testDate := f.now.AddDate(0, 0, -5)
	// Mutual records: alice also wrote one about bob, which would lead
	// traversal straight back to the reporter.
	f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -1))
	f.interact("alice", "bob", "Bob", testDate.AddDate(0, 0, -1))

	in := f.input("alice", testDate, models.PrivacyFull)
	res, err := f.engine.Propagate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotificationCount)
	_, ok := f.byRecipient(t, in.ReportID)[f.recipientID("bob")]
	assert.True(t, ok)
}

func TestPropagate_UnidirectionalDiscovery(t *testing.T) {
	f := newFixture(t, Config{})
	f.register("alice", "")
	f.register("mallory", "")
	testDate := f.now.AddDate(0, 0, -5)
	// Only the reporter recorded the meeting. Mallory wrote nothing, so
	// there is no record of Mallory's to trust, and no notification.
	f.interact("alice", "mallory", "Mallory", testDate.AddDate(0, 0, -1))

	in := f.input("alice", testDate, models.PrivacyFull)
	res, err := f.engine.Propagate(context.Background(), in)
	require.NoError(t, err)
	assert.Zero(t, res.NotificationCount)
}

func TestPropagate_UnregisteredContactDeadEnds(t *testing.T) {
	f := newFixture(t, Config{})
	f.register("alice", "")
	f.register("carol", "")
	testDate := f.now.AddDate(0, 0, -10)
	// bob is in the graph but has no account; carol is only reachable
	// through bob.
	f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -1))
	f.interact("carol", "bob", "Bob", testDate)

	in := f.input("alice", testDate, models.PrivacyFull)
	res, err := f.engine.Propagate(context.Background(), in)
	require.NoError(t, err)
	assert.Zero(t, res.NotificationCount)
}

func TestPropagate_WindowBounds(t *testing.T) {
	t.Run("first hop capped at test date", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.register("alice", "")
		f.register("bob", "")
		testDate := f.now.AddDate(0, 0, -5)
		f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, 1))

		in := f.input("alice", testDate, models.PrivacyFull)
		res, err := f.engine.Propagate(context.Background(), in)
		require.NoError(t, err)
		assert.Zero(t, res.NotificationCount)
	})

	t.Run("retention clamps the look-back", func(t *testing.T) {
		f := newFixture(t, Config{RetentionDays: 30})
		f.register("alice", "")
		f.register("bob", "")
		f.register("carol", "")
		testDate := f.now.AddDate(0, 0, -1)
		f.interact("bob", "alice", "Alice", f.now.AddDate(0, 0, -35))
		f.interact("carol", "alice", "Alice", f.now.AddDate(0, 0, -10))

		in := f.input("alice", testDate, models.PrivacyFull)
		in.IncubationDays = 60
		res, err := f.engine.Propagate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, 1, res.NotificationCount)
		_, ok := f.byRecipient(t, in.ReportID)[f.recipientID("carol")]
		assert.True(t, ok)
	})

	t.Run("max hop depth stops traversal", func(t *testing.T) {
		f := newFixture(t, Config{MaxHopDepth: 2})
		for _, id := range []string{"alice", "bob", "carol", "dave"} {
			f.register(id, "")
		}
		testDate := f.now.AddDate(0, 0, -10)
		f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -1))
		f.interact("carol", "bob", "Bob", testDate)
		f.interact("dave", "carol", "Carol", testDate.AddDate(0, 0, 1))

		in := f.input("alice", testDate, models.PrivacyFull)
		res, err := f.engine.Propagate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, 2, res.NotificationCount)
		_, ok := f.byRecipient(t, in.ReportID)[f.recipientID("dave")]
		assert.False(t, ok)
	})
}

func TestPropagate_PrivacyGating(t *testing.T) {
	testDate := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)

	setup := func(t *testing.T, level models.PrivacyLevel) models.Notification {
		f := newFixture(t, Config{})
		f.register("alice", "")
		f.register("bob", "")
		f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -2))
		in := f.input("alice", testDate, level)
		_, err := f.engine.Propagate(context.Background(), in)
		require.NoError(t, err)
		n, ok := f.byRecipient(t, in.ReportID)[f.recipientID("bob")]
		require.True(t, ok)
		return n
	}

	t.Run("sti only", func(t *testing.T) {
		n := setup(t, models.PrivacySTIOnly)
		require.NotNil(t, n.STIType)
		assert.Equal(t, "chlamydia", *n.STIType)
		assert.Nil(t, n.ExposureDate)
		for _, node := range n.Chain.Nodes {
			assert.Nil(t, node.Date)
		}
	})

	t.Run("date only", func(t *testing.T) {
		n := setup(t, models.PrivacyDateOnly)
		assert.Nil(t, n.STIType)
		assert.NotNil(t, n.ExposureDate)
	})

	t.Run("anonymous", func(t *testing.T) {
		n := setup(t, models.PrivacyAnonymous)
		assert.Nil(t, n.STIType)
		assert.Nil(t, n.ExposureDate)
	})
}

func TestPropagate_DeduplicatesRepeatContacts(t *testing.T) {
	f := newFixture(t, Config{})
	f.register("alice", "")
	f.register("bob", "")
	testDate := f.now.AddDate(0, 0, -2)
	earlier := testDate.AddDate(0, 0, -6)
	later := testDate.AddDate(0, 0, -1)
	f.interact("bob", "alice", "Alice", earlier)
	f.interact("bob", "alice", "Alice", later)

	in := f.input("alice", testDate, models.PrivacyFull)
	res, err := f.engine.Propagate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotificationCount)

	n := f.byRecipient(t, in.ReportID)[f.recipientID("bob")]
	require.NotNil(t, n.ExposureDate)
	assert.True(t, n.ExposureDate.Equal(later))
}

func TestPropagate_UserLookupsAreCached(t *testing.T) {
	f := newFixture(t, Config{})
	f.register("alice", "")
	f.register("bob", "")
	f.register("carol", "")
	// dave is unregistered and reachable from both bob and carol; the
	// second arrival must hit the cached miss, not the store.
	testDate := f.now.AddDate(0, 0, -10)
	f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -2))
	f.interact("carol", "alice", "Alice", testDate.AddDate(0, 0, -1))
	f.interact("dave", "bob", "Bob", testDate)
	f.interact("dave", "carol", "Carol", testDate)

	in := f.input("alice", testDate, models.PrivacyFull)
	_, err := f.engine.Propagate(context.Background(), in)
	require.NoError(t, err)

	// One batch for {bob, carol} at the first hop, one for dave on his
	// first appearance, none on his second.
	assert.Equal(t, 2, f.users.Queries)
}

func TestPropagate_Batching(t *testing.T) {
	seed := func(f *fixture) Input {
		for _, id := range []string{"alice", "bob", "carol", "dave"} {
			f.register(id, "")
		}
		testDate := f.now.AddDate(0, 0, -10)
		f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -3))
		f.interact("carol", "bob", "Bob", testDate.AddDate(0, 0, -1))
		f.interact("dave", "carol", "Carol", testDate)
		return f.input("alice", testDate, models.PrivacyFull)
	}

	t.Run("flushes one group at completion", func(t *testing.T) {
		f := newFixture(t, Config{})
		in := seed(f)
		res, err := f.engine.Propagate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, 3, res.NotificationCount)
		assert.Equal(t, 1, f.notifications.BatchCalls)
	})

	t.Run("disabled batching writes immediately", func(t *testing.T) {
		f := newFixture(t, Config{DisableBatching: true})
		in := seed(f)
		res, err := f.engine.Propagate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, 3, res.NotificationCount)
		assert.Zero(t, f.notifications.BatchCalls)
	})

	t.Run("group failure is tallied not raised", func(t *testing.T) {
		f := newFixture(t, Config{})
		in := seed(f)
		f.notifications.FailCreates = 1
		res, err := f.engine.Propagate(context.Background(), in)
		require.NoError(t, err)
		assert.Zero(t, res.NotificationCount)
		assert.Equal(t, 3, res.Failed)
	})
}

func TestPropagate_ChainLinking(t *testing.T) {
	setup := func(t *testing.T) (*fixture, Input) {
		f := newFixture(t, Config{})
		for _, id := range []string{"alice", "bob", "carol", "erin"} {
			f.register(id, "")
		}
		testDate := f.now.AddDate(0, 0, -20)
		f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -2))
		f.interact("carol", "alice", "Alice", testDate.AddDate(0, 0, -1))

		first := f.input("alice", testDate, models.PrivacyFull)
		first.STITypes = []string{"Chlamydia", "gonorrhea"}
		require.NoError(t, f.reports.Create(context.Background(), models.Report{
			ID:                          first.ReportID,
			ReporterInteractionIdentity: first.ReporterIdentity,
			TestResult:                  models.TestResultPositive,
			STITypes:                    first.STITypes,
			PrivacyLevel:                first.PrivacyLevel,
		}))
		res, err := f.engine.Propagate(context.Background(), first)
		require.NoError(t, err)
		require.Equal(t, 2, res.NotificationCount)
		return f, first
	}

	t.Run("covered sti types skip prior recipients but keep traversing", func(t *testing.T) {
		f, first := setup(t)
		// erin met bob after the first run; only she is new.
		f.interact("erin", "bob", "Bob", f.now.AddDate(0, 0, -5))

		second := f.input("alice", f.now.AddDate(0, 0, -1), models.PrivacyFull)
		second.STITypes = []string{"chlamydia"}
		second.IncubationDays = 30 // reach back past the first report's contacts
		second.LinkedReportID = &first.ReportID
		res, err := f.engine.Propagate(context.Background(), second)
		require.NoError(t, err)
		assert.Equal(t, 1, res.NotificationCount)

		n, ok := f.byRecipient(t, second.ReportID)[f.recipientID("erin")]
		require.True(t, ok)
		assert.Equal(t, 2, n.HopDepth)
	})

	t.Run("new sti type notifies everyone again", func(t *testing.T) {
		f, first := setup(t)
		second := f.input("alice", f.now.AddDate(0, 0, -1), models.PrivacyFull)
		second.STITypes = []string{"syphilis"}
		second.IncubationDays = 30
		second.LinkedReportID = &first.ReportID
		res, err := f.engine.Propagate(context.Background(), second)
		require.NoError(t, err)
		assert.Equal(t, 2, res.NotificationCount)
	})
}

func TestPropagate_PushDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	f.register("alice", "")
	f.register("bob", "tok-bob")
	f.register("carol", "tok-carol")
	f.register("dave", "") // no token, silently skipped
	f.sender.invalidTokens["tok-carol"] = true

	testDate := f.now.AddDate(0, 0, -10)
	f.interact("bob", "alice", "Alice", testDate.AddDate(0, 0, -2))
	f.interact("carol", "alice", "Alice", testDate.AddDate(0, 0, -1))
	f.interact("dave", "bob", "Bob", testDate)

	in := f.input("alice", testDate, models.PrivacyFull)
	res, err := f.engine.Propagate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NotificationCount)

	// Identical payloads coalesce into one multicast.
	require.Len(t, f.sender.calls, 1)
	assert.ElementsMatch(t, []string{"tok-bob", "tok-carol"}, f.sender.calls[0])
	assert.Equal(t, []string{"tok-carol"}, res.InvalidTokens)
}

func TestPropagate_InputValidation(t *testing.T) {
	f := newFixture(t, Config{})
	base := f.input("alice", f.now.AddDate(0, 0, -1), models.PrivacyFull)

	cases := []struct {
		name   string
		mutate func(*Input)
	}{
		{"missing report id", func(in *Input) { in.ReportID = domain.ReportID{} }},
		{"missing reporter identity", func(in *Input) { in.ReporterIdentity = "" }},
		{"no sti types", func(in *Input) { in.STITypes = nil }},
		{"zero test date", func(in *Input) { in.TestDate = time.Time{} }},
		{"bad privacy level", func(in *Input) { in.PrivacyLevel = "LOUD" }},
		{"non-positive incubation", func(in *Input) { in.IncubationDays = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			_, err := f.engine.Propagate(context.Background(), in)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}
