package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMemory() *Memory {
	return &Memory{
		ID:         "m1",
		Scope:      Scope{"user_id": "u1", "app": "assistant"},
		Fact:       "User lives in Lisbon",
		Category:   CategoryLocation,
		Confidence: 0.9,
		Importance: 0.5,
		SourceType: SourceExtracted,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

func TestScopeValidate(t *testing.T) {
	assert.Error(t, Scope{}.Validate())
	assert.Error(t, Scope{"": "v"}.Validate())
	assert.Error(t, Scope{"k": "  "}.Validate())
	assert.NoError(t, Scope{"user_id": "u1"}.Validate())

	oversized := Scope{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		oversized[k] = "v"
	}
	assert.Error(t, oversized.Validate())
}

func TestScopeCanonicalSortsKeys(t *testing.T) {
	s := Scope{"user_id": "u1", "app": "assistant", "org": "acme"}
	assert.Equal(t, "app=assistant;org=acme;user_id=u1", s.Canonical())

	// Canonical form is key-order independent.
	same := Scope{"org": "acme", "app": "assistant", "user_id": "u1"}
	assert.Equal(t, s.Canonical(), same.Canonical())
}

func TestScopeEqual(t *testing.T) {
	a := Scope{"user_id": "u1", "app": "assistant"}
	assert.True(t, a.Equal(Scope{"app": "assistant", "user_id": "u1"}))
	assert.False(t, a.Equal(Scope{"user_id": "u1"}))
	assert.False(t, a.Equal(Scope{"user_id": "u2", "app": "assistant"}))
}

func TestScopeClone(t *testing.T) {
	a := Scope{"user_id": "u1"}
	b := a.Clone()
	b["user_id"] = "u2"
	assert.Equal(t, "u1", a["user_id"])
}

func TestMemoryValidate(t *testing.T) {
	assert.NoError(t, validMemory().Validate())

	m := validMemory()
	m.Fact = "   "
	assert.Error(t, m.Validate())

	m = validMemory()
	m.Fact = strings.Repeat("x", MaxFactLen+1)
	assert.Error(t, m.Validate())

	m = validMemory()
	m.Category = "vibe"
	assert.Error(t, m.Validate())

	m = validMemory()
	m.Confidence = 1.2
	assert.Error(t, m.Validate())

	m = validMemory()
	m.Scope = Scope{}
	assert.Error(t, m.Validate())

	m = validMemory()
	m.SourceType = SourceConsolidated
	assert.Error(t, m.Validate(), "consolidated memories must carry sources")
	m.SourceMemoryIDs = []string{"m0"}
	assert.NoError(t, m.Validate())
}

func TestMemoryExpired(t *testing.T) {
	now := time.Now()
	m := validMemory()
	assert.False(t, m.Expired(now))

	past := now.Add(-time.Hour)
	m.ExpiresAt = &past
	assert.True(t, m.Expired(now))

	future := now.Add(time.Hour)
	m.ExpiresAt = &future
	assert.False(t, m.Expired(now))
	assert.True(t, m.Expired(future), "expiry instant itself counts as expired")
}

func TestNormalizeFact(t *testing.T) {
	assert.Equal(t, "user lives in lisbon", NormalizeFact("  User Lives in LISBON  "))
}

func TestClassOfDefaultsToTransient(t *testing.T) {
	err := assert.AnError
	assert.Equal(t, ClassUpstreamTransient, ClassOf(err))
	assert.True(t, IsTransient(err))
}

func TestClassificationHelpers(t *testing.T) {
	require.NoError(t, Transient("op", nil))

	err := Permanent("op", assert.AnError)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "UPSTREAM_PERMANENT")

	err = InvalidInput("op", assert.AnError)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, ClassInvalidInput, ClassOf(err))

	assert.Equal(t, ClassConcurrentModification, ClassOf(ErrConcurrentModification))
}
