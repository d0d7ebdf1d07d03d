package exec

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dreamware/graphshard/internal/query/plan"
)

// genEntityIDs builds a small, non-empty slice of distinct synthetic entity
// id strings for a lookup step.
func genEntityIDs() gopter.Gen {
	return gen.SliceOfN(4, gen.Identifier()).Map(func(ids []string) []string {
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = "https://property.graphshard.local/entity/" + id
		}
		return out
	})
}

// TestPlanHashOrderIndependenceProperty checks spec §4.9's "deterministic
// plan hash" invariant: shuffling EntityIDs or Fields within a step must
// not change the hash, since the hasher sorts both before serializing.
func TestPlanHashOrderIndependenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("shuffled entity id order yields the same hash", prop.ForAll(
		func(ids []string) bool {
			p1 := &plan.Plan{Steps: []plan.PlanStep{{Kind: plan.StepLookup, EntityIDs: ids}}}

			shuffled := append([]string(nil), ids...)
			rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			p2 := &plan.Plan{Steps: []plan.PlanStep{{Kind: plan.StepLookup, EntityIDs: shuffled}}}

			return PlanHash(p1) == PlanHash(p2)
		},
		genEntityIDs(),
	))

	properties.Property("the same plan hashes identically across repeated calls", prop.ForAll(
		func(ids []string) bool {
			p := &plan.Plan{Steps: []plan.PlanStep{{Kind: plan.StepLookup, EntityIDs: ids}}}
			return PlanHash(p) == PlanHash(p)
		},
		genEntityIDs(),
	))

	properties.TestingRun(t)
}

// TestPlanHashDistinguishesEntityIDsProperty checks the complementary half
// of the invariant: two lookup steps over disjoint entity-id sets hash
// differently (with overwhelming probability, per spec §8).
func TestPlanHashDistinguishesEntityIDsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("disjoint entity id sets hash differently", prop.ForAll(
		func(a, b []string) bool {
			seen := make(map[string]bool, len(a))
			for _, id := range a {
				seen[id] = true
			}
			for _, id := range b {
				if seen[id] {
					return true // overlapping sets aren't a valid test case; skip
				}
			}
			p1 := &plan.Plan{Steps: []plan.PlanStep{{Kind: plan.StepLookup, EntityIDs: a}}}
			p2 := &plan.Plan{Steps: []plan.PlanStep{{Kind: plan.StepLookup, EntityIDs: b}}}
			return PlanHash(p1) != PlanHash(p2)
		},
		genEntityIDs(),
		genEntityIDs(),
	))

	properties.TestingRun(t)
}
