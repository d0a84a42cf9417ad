// Package consolidation holds the pure similarity and merge planning logic.
// Nothing in here touches storage or the network; the coordinator feeds it
// memories and applies the plan it returns.
package consolidation

import (
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/engramlabs/engram/pkg/memory"
)

// Strategy names the rule used to pick the surviving memory of a merge group.
type Strategy string

const (
	StrategyHighestConfidence Strategy = "highest_confidence"
	StrategyMostRecent        Strategy = "most_recent"
	StrategyLongest           Strategy = "longest"
)

// Valid reports whether the strategy is one of the known values.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyHighestConfidence, StrategyMostRecent, StrategyLongest:
		return true
	}
	return false
}

// Config carries the similarity thresholds and merge behavior.
type Config struct {
	// MergeThreshold is the cosine similarity at or above which two
	// memories are considered duplicates.
	MergeThreshold float64
	// ConflictThreshold is the lower bound of the conflict band
	// [ConflictThreshold, MergeThreshold): similar enough to flag, not
	// similar enough to merge.
	ConflictThreshold float64
	// ConfidenceBoost is added to the survivor's confidence on merge,
	// capped at 1.0.
	ConfidenceBoost float64
	Strategy        Strategy
}

// Validate checks the threshold relationships.
func (c Config) Validate() error {
	if c.MergeThreshold < 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("merge threshold %.3f outside [0,1]", c.MergeThreshold)
	}
	if c.ConflictThreshold < 0 || c.ConflictThreshold > c.MergeThreshold {
		return fmt.Errorf("conflict threshold %.3f must be in [0, merge threshold]", c.ConflictThreshold)
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("unknown merge strategy %q", c.Strategy)
	}
	return nil
}

// Group is one connected component of the similarity graph with at least two
// members. Survivor is the member chosen by the strategy; its confidence is
// not yet boosted, BuildMerged applies that.
type Group struct {
	Members  []*memory.Memory
	Survivor *memory.Memory
}

// Plan is the full consolidation outcome for one scope. The plan is a pure
// function of the input set: feeding the same memories in any order produces
// identical groups, singletons and conflicts.
type Plan struct {
	Groups     []Group
	Singletons []*memory.Memory
	Conflicts  []memory.MergeCandidate
}

// BuildPlan computes pairwise similarities, connects pairs at or above the
// merge threshold into components, and reports conflict-band pairs that did
// not end up merged together. Memories with a missing embedding never match
// by vector but can still merge on exact normalized-fact identity.
func BuildPlan(memories []*memory.Memory, cfg Config) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Order by ID up front so the plan is independent of input order.
	items := make([]*memory.Memory, len(memories))
	copy(items, memories)
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	uf := newUnionFind(len(items))
	type scoredPair struct {
		a, b       int
		similarity float64
	}
	var conflictPairs []scoredPair

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			sim := Similarity(items[i], items[j])
			switch {
			case sim >= cfg.MergeThreshold:
				uf.union(i, j)
			case sim >= cfg.ConflictThreshold:
				conflictPairs = append(conflictPairs, scoredPair{a: i, b: j, similarity: sim})
			}
		}
	}

	components := map[int][]*memory.Memory{}
	componentIndex := map[int]int{}
	for i, m := range items {
		root := uf.find(i)
		components[root] = append(components[root], m)
		componentIndex[i] = root
	}

	plan := &Plan{}
	roots := make([]int, 0, len(components))
	for root := range components {
		roots = append(roots, root)
	}
	sort.Ints(roots)
	for _, root := range roots {
		members := components[root]
		if len(members) == 1 {
			plan.Singletons = append(plan.Singletons, members[0])
			continue
		}
		plan.Groups = append(plan.Groups, Group{
			Members:  members,
			Survivor: SelectSurvivor(members, cfg.Strategy),
		})
	}

	// A conflict-band pair that transitivity pulled into one merge group is
	// no longer a conflict.
	for _, p := range conflictPairs {
		if componentIndex[p.a] == componentIndex[p.b] {
			continue
		}
		plan.Conflicts = append(plan.Conflicts, memory.MergeCandidate{
			MemoryA:    items[p.a],
			MemoryB:    items[p.b],
			Similarity: p.similarity,
			IsConflict: true,
		})
	}

	return plan, nil
}

// Similarity scores two memories. Exact normalized-fact identity is a
// similarity of 1 regardless of embeddings; otherwise the cosine of the two
// vectors, or 0 when either vector is absent.
func Similarity(a, b *memory.Memory) float64 {
	if a.NormalizedFact() == b.NormalizedFact() {
		return 1
	}
	if len(a.Embedding) == 0 || len(b.Embedding) == 0 {
		return 0
	}
	return CosineSimilarity(a.Embedding, b.Embedding)
}

// CosineSimilarity computes the cosine of two vectors. Mismatched lengths or
// a zero-magnitude vector score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// SelectSurvivor picks one member of a merge group by the configured
// strategy. Ties fall through confidence, fact length, recency and finally
// ID, so the choice is total.
func SelectSurvivor(members []*memory.Memory, strategy Strategy) *memory.Memory {
	survivor := members[0]
	for _, m := range members[1:] {
		if betterSurvivor(m, survivor, strategy) {
			survivor = m
		}
	}
	return survivor
}

func betterSurvivor(a, b *memory.Memory, strategy Strategy) bool {
	switch strategy {
	case StrategyMostRecent:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
	case StrategyLongest:
		la, lb := utf8.RuneCountInString(a.Fact), utf8.RuneCountInString(b.Fact)
		if la != lb {
			return la > lb
		}
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	la, lb := utf8.RuneCountInString(a.Fact), utf8.RuneCountInString(b.Fact)
	if la != lb {
		return la > lb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// BuildMerged derives the consolidated form of a merge group: the survivor's
// fact and embedding, the group's maximum confidence plus the boost (capped
// at 1), maximum importance, and all member IDs recorded as sources.
func BuildMerged(group Group, boost float64) *memory.Memory {
	survivor := group.Survivor

	confidence := 0.0
	importance := 0.0
	sources := make([]string, 0, len(group.Members))
	for _, m := range group.Members {
		if m.Confidence > confidence {
			confidence = m.Confidence
		}
		if m.Importance > importance {
			importance = m.Importance
		}
		sources = append(sources, m.ID)
	}
	sort.Strings(sources)

	confidence += boost
	if confidence > 1 {
		confidence = 1
	}

	merged := *survivor
	merged.Confidence = confidence
	merged.Importance = importance
	merged.SourceType = memory.SourceConsolidated
	merged.SourceMemoryIDs = sources
	return &merged
}

// unionFind is a plain disjoint-set with path compression and union by rank.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}
