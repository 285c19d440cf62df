package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRoundOptionsProperties(t *testing.T) {
	catalog, err := loadCatalog()
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 10000; i++ {
		round := catalog.BuildRound(catalog.countries, "", rng)

		require.NotEmpty(t, round.Options)
		require.LessOrEqual(t, len(round.Options), 4)

		targetCount := 0
		seen := make(map[string]bool, len(round.Options))
		for _, option := range round.Options {
			require.False(t, seen[option.Code], "duplicate option %s", option.Code)
			seen[option.Code] = true
			if option.Code == round.Target.Code {
				targetCount++
			}
		}
		require.Equal(t, 1, targetCount, "target must appear exactly once")
	}
}

func TestBuildRoundNeverRepeatsExcluded(t *testing.T) {
	catalog, err := loadCatalog()
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	pool := catalog.Filter("europe")
	require.Greater(t, len(pool), 1)

	for i := 0; i < 1000; i++ {
		round := catalog.BuildRound(pool, "FRA", rng)
		assert.NotEqual(t, "FRA", round.Target.Code)
	}
}

func TestBuildRoundSingleEntryPool(t *testing.T) {
	catalog, err := loadCatalog()
	require.NoError(t, err)

	france, ok := catalog.lookup("FRA")
	require.True(t, ok)

	rng := rand.New(rand.NewSource(3))
	pool := []Country{france}

	// Exclusion that would empty the pool falls back to the unfiltered pool.
	round := catalog.BuildRound(pool, "FRA", rng)
	assert.Equal(t, "FRA", round.Target.Code)
	assert.Len(t, round.Options, 1)
	assert.Equal(t, "FRA", round.Options[0].Code)
}

func TestBuildRoundEmptyPoolFallsBackToCatalog(t *testing.T) {
	catalog, err := loadCatalog()
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(4))
	round := catalog.BuildRound(nil, "", rng)

	_, ok := catalog.lookup(round.Target.Code)
	assert.True(t, ok)
	assert.Len(t, round.Options, 4)
}

func TestBuildRoundPrefersSameRegionDistractors(t *testing.T) {
	catalog, err := loadCatalog()
	require.NoError(t, err)

	// Every region in the catalog has at least three peers, so all options
	// of a full-catalog round share the target's region.
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 1000; i++ {
		round := catalog.BuildRound(catalog.countries, "", rng)
		for _, option := range round.Options {
			country, ok := catalog.lookup(option.Code)
			require.True(t, ok)
			assert.Equal(t, round.Target.Region, country.Region)
		}
	}
}

func TestBuildRoundDeterministicWithSeed(t *testing.T) {
	catalog, err := loadCatalog()
	require.NoError(t, err)

	first := catalog.BuildRound(catalog.countries, "", rand.New(rand.NewSource(42)))
	second := catalog.BuildRound(catalog.countries, "", rand.New(rand.NewSource(42)))

	assert.Equal(t, first.Target, second.Target)
	assert.Equal(t, first.Options, second.Options)
}
