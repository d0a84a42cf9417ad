package consolidation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/memory"
)

func testConfig() Config {
	return Config{
		MergeThreshold:    0.85,
		ConflictThreshold: 0.70,
		ConfidenceBoost:   0.10,
		Strategy:          StrategyHighestConfidence,
	}
}

func mem(id, fact string, confidence float64, embedding []float32) *memory.Memory {
	return &memory.Memory{
		ID:         id,
		Scope:      memory.Scope{"user_id": "u1"},
		Fact:       fact,
		Category:   memory.CategoryFact,
		Confidence: confidence,
		Embedding:  embedding,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Scale invariance.
	assert.InDelta(t,
		CosineSimilarity([]float32{1, 2, 3}, []float32{4, 5, 6}),
		CosineSimilarity([]float32{10, 20, 30}, []float32{4, 5, 6}), 1e-6)
}

func TestCosineSimilarityDegenerate(t *testing.T) {
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{0, 0}))
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 0}))
}

func TestSimilarityTextIdentity(t *testing.T) {
	a := mem("a", "User lives in Lisbon", 0.9, nil)
	b := mem("b", "  user lives in lisbon ", 0.8, nil)
	assert.Equal(t, 1.0, Similarity(a, b))

	// No embedding and different text cannot match.
	c := mem("c", "User works remotely", 0.8, nil)
	assert.Zero(t, Similarity(a, c))
}

func TestBuildPlanMergesAboveThreshold(t *testing.T) {
	a := mem("a", "User enjoys rock climbing", 0.8, []float32{1, 0, 0})
	b := mem("b", "User likes climbing at the gym", 0.9, []float32{0.99, 0.1, 0})
	c := mem("c", "User is allergic to peanuts", 0.95, []float32{0, 1, 0})

	plan, err := BuildPlan([]*memory.Memory{a, b, c}, testConfig())
	require.NoError(t, err)

	require.Len(t, plan.Groups, 1)
	assert.Len(t, plan.Groups[0].Members, 2)
	assert.Equal(t, "b", plan.Groups[0].Survivor.ID)
	require.Len(t, plan.Singletons, 1)
	assert.Equal(t, "c", plan.Singletons[0].ID)
	assert.Empty(t, plan.Conflicts)
}

func TestBuildPlanTransitiveMerge(t *testing.T) {
	// a~b and b~c merge, therefore a, b, c form one group even though a and
	// c alone would not cross the threshold.
	a := mem("a", "fact a is long enough", 0.8, []float32{1, 0.0, 0})
	b := mem("b", "fact b is long enough", 0.8, []float32{1, 0.2, 0})
	c := mem("c", "fact c is long enough", 0.8, []float32{1, 0.4, 0})

	cfg := testConfig()
	cfg.MergeThreshold = 0.96
	cfg.ConflictThreshold = 0.5

	plan, err := BuildPlan([]*memory.Memory{a, b, c}, cfg)
	require.NoError(t, err)
	require.Len(t, plan.Groups, 1)
	assert.Len(t, plan.Groups[0].Members, 3)
	assert.Empty(t, plan.Singletons)
	// The a-c pair sits in the conflict band but shares a component.
	assert.Empty(t, plan.Conflicts)
}

func TestBuildPlanConflictBand(t *testing.T) {
	a := mem("a", "User lives in Lisbon", 0.9, []float32{1, 0.8, 0})
	b := mem("b", "User lives in Porto", 0.9, []float32{1, 0, 0})

	plan, err := BuildPlan([]*memory.Memory{a, b}, testConfig())
	require.NoError(t, err)

	assert.Empty(t, plan.Groups)
	assert.Len(t, plan.Singletons, 2)
	require.Len(t, plan.Conflicts, 1)
	conflict := plan.Conflicts[0]
	assert.True(t, conflict.IsConflict)
	assert.GreaterOrEqual(t, conflict.Similarity, 0.70)
	assert.Less(t, conflict.Similarity, 0.85)
}

func TestBuildPlanCommutative(t *testing.T) {
	memories := []*memory.Memory{
		mem("m1", "User enjoys rock climbing", 0.8, []float32{1, 0, 0}),
		mem("m2", "User likes climbing at the gym", 0.9, []float32{0.99, 0.1, 0}),
		mem("m3", "User is allergic to peanuts", 0.95, []float32{0, 1, 0}),
		mem("m4", "User lives in Lisbon", 0.7, []float32{0, 0.9, 0.45}),
		mem("m5", "User works at a startup", 0.6, []float32{0.2, 0.2, 1}),
	}

	reference, err := BuildPlan(memories, testConfig())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := make([]*memory.Memory, len(memories))
		copy(shuffled, memories)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		plan, err := BuildPlan(shuffled, testConfig())
		require.NoError(t, err)

		require.Len(t, plan.Groups, len(reference.Groups))
		for gi := range reference.Groups {
			assert.Equal(t, reference.Groups[gi].Survivor.ID, plan.Groups[gi].Survivor.ID)
			assert.Equal(t, memberIDs(reference.Groups[gi]), memberIDs(plan.Groups[gi]))
		}
		assert.Equal(t, singletonIDs(reference), singletonIDs(plan))
		assert.Equal(t, len(reference.Conflicts), len(plan.Conflicts))
	}
}

func memberIDs(g Group) []string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.ID
	}
	return ids
}

func singletonIDs(p *Plan) []string {
	ids := make([]string, len(p.Singletons))
	for i, m := range p.Singletons {
		ids[i] = m.ID
	}
	return ids
}

func TestBuildPlanRejectsBadConfig(t *testing.T) {
	_, err := BuildPlan(nil, Config{MergeThreshold: 1.5, Strategy: StrategyLongest})
	assert.Error(t, err)

	_, err = BuildPlan(nil, Config{MergeThreshold: 0.6, ConflictThreshold: 0.8, Strategy: StrategyLongest})
	assert.Error(t, err)

	_, err = BuildPlan(nil, Config{MergeThreshold: 0.85, ConflictThreshold: 0.7, Strategy: "best"})
	assert.Error(t, err)
}

func TestSelectSurvivorStrategies(t *testing.T) {
	older := mem("a", "User enjoys rock climbing", 0.7, nil)
	older.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := mem("b", "User climbs", 0.9, nil)
	newer.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	longest := mem("c", "User enjoys rock climbing at the local bouldering gym", 0.8, nil)
	longest.CreatedAt = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	members := []*memory.Memory{older, newer, longest}

	assert.Equal(t, "b", SelectSurvivor(members, StrategyHighestConfidence).ID)
	assert.Equal(t, "b", SelectSurvivor(members, StrategyMostRecent).ID)
	assert.Equal(t, "c", SelectSurvivor(members, StrategyLongest).ID)
}

func TestSelectSurvivorTotalTieBreak(t *testing.T) {
	a := mem("a", "User enjoys rock climbing", 0.8, nil)
	b := mem("b", "User enjoys rope climbing", 0.8, nil)

	// Identical confidence, length and timestamp fall through to ID.
	assert.Equal(t, "a", SelectSurvivor([]*memory.Memory{a, b}, StrategyHighestConfidence).ID)
	assert.Equal(t, "a", SelectSurvivor([]*memory.Memory{b, a}, StrategyHighestConfidence).ID)
}

func TestBuildMerged(t *testing.T) {
	a := mem("a", "User enjoys rock climbing", 0.8, []float32{1, 0, 0})
	a.Importance = 0.3
	b := mem("b", "User likes climbing", 0.9, []float32{0.99, 0.1, 0})
	b.Importance = 0.6

	group := Group{Members: []*memory.Memory{a, b}, Survivor: b}
	merged := BuildMerged(group, 0.10)

	assert.Equal(t, "b", merged.ID)
	assert.Equal(t, b.Fact, merged.Fact)
	assert.InDelta(t, 1.0, merged.Confidence, 1e-9)
	assert.InDelta(t, 0.6, merged.Importance, 1e-9)
	assert.Equal(t, memory.SourceConsolidated, merged.SourceType)
	assert.Equal(t, []string{"a", "b"}, merged.SourceMemoryIDs)

	// Originals are untouched.
	assert.InDelta(t, 0.9, b.Confidence, 1e-9)
}

func TestBuildMergedBoostCap(t *testing.T) {
	a := mem("a", "User enjoys rock climbing", 0.55, nil)
	b := mem("b", "User likes climbing", 0.5, nil)
	merged := BuildMerged(Group{Members: []*memory.Memory{a, b}, Survivor: a}, 0.10)
	assert.InDelta(t, 0.65, merged.Confidence, 1e-9)

	c := mem("c", "User definitely climbs rocks", 0.97, nil)
	merged = BuildMerged(Group{Members: []*memory.Memory{a, c}, Survivor: c}, 0.10)
	assert.InDelta(t, 1.0, merged.Confidence, 1e-9)
}
