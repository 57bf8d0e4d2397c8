package sim

import (
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// === Subsystem Constants ===

const (
	// SubsystemWorkload is the RNG subsystem for synthetic workload generation.
	// Uses master seed directly so --seed reproduces the same workload table.
	SubsystemWorkload = "workload"

	// SubsystemArrival is the RNG subsystem for open-loop inter-arrival gaps.
	SubsystemArrival = "arrival"

	// SubsystemSolver is the RNG subsystem for particle-swarm initialisation and updates.
	SubsystemSolver = "solver"
)

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula:
//   - For SubsystemWorkload: uses masterSeed directly
//   - For all other subsystems: masterSeed XOR xxhash64(subsystemName)
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
type PartitionedRNG struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a master seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{
		seed:       seed,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(DeriveSeed(p.seed, name)))
	p.subsystems[name] = rng
	return rng
}

// DeriveSeed mixes a master seed with a name.
func DeriveSeed(seed int64, name string) int64 {
	if name == SubsystemWorkload {
		return seed
	}
	return seed ^ int64(xxhash.Sum64String(name))
}
