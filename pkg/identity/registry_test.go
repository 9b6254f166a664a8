package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerworks/tiller/pkg/identity"
)

func testRegistry(t *testing.T) *identity.Registry {
	t.Helper()
	r, err := identity.NewRegistry(
		[]identity.Entry{
			{ID: "code-review", Tier: identity.TierSpecialist},
			{ID: "test-runner", Tier: identity.TierSpecialist},
			{ID: "mission-control", Tier: identity.TierOrchestrator},
		},
		map[string]identity.CanonicalID{
			"reviewer": "code-review",
			"qa":       "test-runner",
		},
	)
	require.NoError(t, err)
	return r
}

func TestCanonicalizeAlias(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Canonicalize("reviewer")
	require.NoError(t, err)
	assert.Equal(t, identity.CanonicalID("code-review"), id)
}

func TestCanonicalizeIdempotent(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Canonicalize("code-review")
	require.NoError(t, err)

	again, err := r.Canonicalize(string(id))
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestCanonicalizeUnknown(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Canonicalize("does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, identity.ErrUnknownIdentity)
}

func TestIsValid(t *testing.T) {
	r := testRegistry(t)

	assert.True(t, r.IsValid("qa"))
	assert.True(t, r.IsValid("test-runner"))
	assert.False(t, r.IsValid("ghost"))
}

func TestTierOf(t *testing.T) {
	r := testRegistry(t)

	tier, err := r.TierOf("reviewer")
	require.NoError(t, err)
	assert.Equal(t, identity.TierSpecialist, tier)

	_, err = r.TierOf("ghost")
	assert.ErrorIs(t, err, identity.ErrUnknownIdentity)
}

func TestListByTierSorted(t *testing.T) {
	r := testRegistry(t)

	ids := r.ListByTier(identity.TierSpecialist)
	assert.Equal(t, []identity.CanonicalID{"code-review", "test-runner"}, ids)
}

func TestAliasCannotShadowCanonical(t *testing.T) {
	_, err := identity.NewRegistry(
		[]identity.Entry{{ID: "code-review", Tier: identity.TierSpecialist}},
		map[string]identity.CanonicalID{"code-review": "code-review"},
	)
	assert.Error(t, err)
}

func TestDefaultRegistryResolvesKnownWorkers(t *testing.T) {
	r := identity.DefaultRegistry()

	id, err := r.Canonicalize("compliance")
	require.NoError(t, err)
	assert.Equal(t, identity.CanonicalID("iam-compliance"), id)
}
