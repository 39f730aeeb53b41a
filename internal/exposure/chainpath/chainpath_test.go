package chainpath

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainalert/internal/exposure/models"
	"chainalert/pkg/domain"
)

func path(ids ...string) []domain.ChainHash {
	out := make([]domain.ChainHash, len(ids))
	for i, id := range ids {
		out[i] = domain.ChainHash(id)
	}
	return out
}

func TestEquivalent(t *testing.T) {
	t.Run("same nodes same order", func(t *testing.T) {
		assert.True(t, Equivalent(path("a", "b", "c"), path("a", "b", "c")))
	})

	t.Run("representation differences do not matter", func(t *testing.T) {
		assert.True(t, Equivalent(path("A", " b ", "chain:c"), path("a", "b", "c")))
	})

	t.Run("different order is a different path", func(t *testing.T) {
		assert.False(t, Equivalent(path("a", "b", "c"), path("a", "c", "b")))
	})

	t.Run("prefix is not equivalence", func(t *testing.T) {
		assert.False(t, Equivalent(path("a", "b"), path("a", "b", "c")))
	})
}

func TestContainsAny(t *testing.T) {
	known := [][]domain.ChainHash{path("a", "b"), path("a", "c", "b")}
	assert.True(t, ContainsAny(known, path("A", "b")))
	assert.False(t, ContainsAny(known, path("a", "d", "b")))
}

func TestExtend(t *testing.T) {
	base := path("a", "b")
	left := Extend(base, "C")
	right := Extend(base, "d")

	assert.Equal(t, path("a", "b", "c"), left, "extension normalizes the new node")
	assert.Equal(t, path("a", "b", "d"), right)
	assert.Equal(t, path("a", "b"), base, "siblings must not share backing arrays")
	assert.True(t, Contains(left, "c"))
	assert.False(t, Contains(right, "c"))
}

func TestBuildVisualization(t *testing.T) {
	date := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	hops := []Hop{
		{Identity: "r", DisplayName: "reporter", Status: models.StatusPositive, Date: &date},
		{Identity: "m", DisplayName: "middle", Status: models.StatusUnknown},
		{Identity: "p", DisplayName: "predecessor", Status: models.StatusUnknown},
		{Identity: "c", DisplayName: "recipient", Status: models.StatusUnknown},
	}

	viz := BuildVisualization(hops)
	require.Len(t, viz.Nodes, len(hops), "one node per hop including the recipient")

	assert.Equal(t, models.DisplayAnonymized, viz.Nodes[0].Display)
	assert.Equal(t, models.AnonymizedMarker, viz.Nodes[0].Render())
	assert.Equal(t, models.StatusPositive, viz.Nodes[0].Status)
	assert.Equal(t, &date, viz.Nodes[0].Date)

	assert.Equal(t, models.DisplayAnonymized, viz.Nodes[1].Display)
	assert.Empty(t, viz.Nodes[1].Name, "upstream names never leak into the document")

	assert.Equal(t, models.DisplayNamed, viz.Nodes[2].Display)
	assert.Equal(t, "predecessor", viz.Nodes[2].Render())

	assert.Equal(t, models.DisplaySelf, viz.Nodes[3].Display)
	assert.True(t, viz.Nodes[3].IsCurrentUser)
}

func TestBuildVisualization_SingleHop(t *testing.T) {
	// Direct contact of the reporter: the reporter is the immediate
	// predecessor and is therefore named.
	viz := BuildVisualization([]Hop{
		{Identity: "r", DisplayName: "reporter", Status: models.StatusPositive},
		{Identity: "c", DisplayName: "recipient", Status: models.StatusUnknown},
	})
	require.Len(t, viz.Nodes, 2)
	assert.Equal(t, models.DisplayNamed, viz.Nodes[0].Display)
	assert.Equal(t, "reporter", viz.Nodes[0].Name)
	assert.True(t, viz.Nodes[1].IsCurrentUser)
}
