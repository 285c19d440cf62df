package main

import (
	"math/rand"
)

// RoundOption is one selectable answer shown to players.
type RoundOption struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Round is a dealt target plus its shuffled option set. The options always
// contain the target exactly once and never exceed four entries.
type Round struct {
	Target  Country
	Options []RoundOption
}

// BuildRound deals a round from pool. An empty pool falls back to the full
// catalog. When excludeCode is set, the target is drawn from the pool minus
// that code, so consecutive rounds never repeat a target unless the pool
// only contains it. Distractors prefer same-region peers of the target,
// falling back to the rest of the pool when fewer than three exist.
func (c *Catalog) BuildRound(pool []Country, excludeCode string, rng *rand.Rand) Round {
	workingPool := pool
	if len(workingPool) == 0 {
		workingPool = c.countries
	}

	targetPool := workingPool
	if excludeCode != "" {
		filtered := make([]Country, 0, len(workingPool))
		for _, candidate := range workingPool {
			if candidate.Code != excludeCode {
				filtered = append(filtered, candidate)
			}
		}
		if len(filtered) > 0 {
			targetPool = filtered
		}
	}

	target := targetPool[rng.Intn(len(targetPool))]

	sameRegion := make([]Country, 0, len(workingPool))
	anyRegion := make([]Country, 0, len(workingPool))
	for _, candidate := range workingPool {
		if candidate.Code == target.Code {
			continue
		}
		anyRegion = append(anyRegion, candidate)
		if candidate.Region == target.Region {
			sameRegion = append(sameRegion, candidate)
		}
	}

	sourcePool := sameRegion
	if len(sourcePool) < 3 {
		sourcePool = anyRegion
	}

	shuffled := shuffleCountries(sourcePool, rng)
	distractorCount := min(3, len(shuffled))

	options := make([]RoundOption, 0, distractorCount+1)
	options = append(options, RoundOption{Code: target.Code, Name: target.Name})
	for _, distractor := range shuffled[:distractorCount] {
		options = append(options, RoundOption{Code: distractor.Code, Name: distractor.Name})
	}

	rng.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	return Round{Target: target, Options: options}
}

// shuffleCountries returns a shuffled copy, leaving the input untouched.
func shuffleCountries(countries []Country, rng *rand.Rand) []Country {
	clone := make([]Country, len(countries))
	copy(clone, countries)
	rng.Shuffle(len(clone), func(i, j int) {
		clone[i], clone[j] = clone[j], clone[i]
	})
	return clone
}
