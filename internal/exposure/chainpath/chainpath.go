// Package chainpath owns traversal path representation: normalization,
// equivalence, extension, and the typed chain visualization a recipient sees.
//
// Extend is the single point of path extension in the module. The engine
// extends a path exactly once per discovered hop and builds the visualization
// from the already-extended path, so the path length and the node count can
// never drift apart.
package chainpath

import (
	"strings"
	"time"

	"chainalert/internal/exposure/models"
	"chainalert/pkg/domain"
)

// Normalize returns the canonical form of a chain hash: trimmed, lowercased,
// and with a legacy family prefix stripped. Paths captured at creation time
// and paths reconstructed from stored documents normalize identically.
func Normalize(h domain.ChainHash) domain.ChainHash {
	s := strings.TrimSpace(strings.ToLower(string(h)))
	s = strings.TrimPrefix(s, "chain:")
	return domain.ChainHash(s)
}

// Equivalent reports whether two paths denote the same nodes in the same
// order. Used to decide whether a newly discovered path to an already-notified
// user is genuinely new evidence or a repeat arrival.
func Equivalent(a, b []domain.ChainHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if Normalize(a[i]) != Normalize(b[i]) {
			return false
		}
	}
	return true
}

// ContainsAny reports whether any of the known paths is equivalent to candidate.
func ContainsAny(known [][]domain.ChainHash, candidate []domain.ChainHash) bool {
	for _, p := range known {
		if Equivalent(p, candidate) {
			return true
		}
	}
	return false
}

// Contains reports whether the path visits the given node.
func Contains(path []domain.ChainHash, node domain.ChainHash) bool {
	target := Normalize(node)
	for _, h := range path {
		if Normalize(h) == target {
			return true
		}
	}
	return false
}

// Extend returns a new path with node appended. Copy-on-write so sibling
// branches of the traversal never share backing arrays.
func Extend(path []domain.ChainHash, node domain.ChainHash) []domain.ChainHash {
	out := make([]domain.ChainHash, len(path), len(path)+1)
	copy(out, path)
	return append(out, Normalize(node))
}

// Hop is one traversed node with the metadata needed to render it for a
// downstream recipient.
type Hop struct {
	Identity    domain.ChainHash
	DisplayName string
	Status      models.TestStatus
	Date        *time.Time
}

// BuildVisualization renders the hop list for the recipient, who must be the
// final hop. Only the recipient's immediate predecessor is named; every
// earlier hop is anonymized, preserving "I don't know who my contact's
// contact was". The recipient renders as themselves.
func BuildVisualization(hops []Hop) models.ChainVisualization {
	nodes := make([]models.ChainNode, len(hops))
	for i, hop := range hops {
		node := models.ChainNode{
			Status: hop.Status,
			Date:   hop.Date,
		}
		switch {
		case i == len(hops)-1:
			node.Display = models.DisplaySelf
			node.Name = "You"
			node.IsCurrentUser = true
		case i == len(hops)-2:
			node.Display = models.DisplayNamed
			node.Name = hop.DisplayName
		default:
			node.Display = models.DisplayAnonymized
		}
		nodes[i] = node
	}
	return models.ChainVisualization{Nodes: nodes}
}
