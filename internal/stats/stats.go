// Package stats maps unlock-rule keys onto per-player gameplay
// counters. Rule keys are a stable public vocabulary; the raw counter
// ids underneath them are an implementation detail of the source.
package stats

import "sort"

// Raw counter ids read from a Source. Distances are in centimetres and
// play time in ticks, matching how the engine accumulates them.
const (
	CounterWalkCM     = "walk-cm"
	CounterSprintCM   = "sprint-cm"
	CounterCrouchCM   = "crouch-cm"
	CounterSwimCM     = "swim-cm"
	CounterFlyCM      = "fly-cm"
	CounterBoatCM     = "boat-cm"
	CounterHorseCM    = "horse-cm"
	CounterMinecartCM = "minecart-cm"
	CounterPigCM      = "pig-cm"
	CounterStriderCM  = "strider-cm"
	CounterAviateCM   = "aviate-cm"
	CounterClimbCM    = "climb-cm"

	CounterPlayTicks      = "play-ticks"
	CounterDamageDealt    = "damage-dealt"
	CounterDamageTaken    = "damage-taken"
	CounterPlayerKills    = "player-kills"
	CounterDeaths         = "deaths"
	CounterJumps          = "jumps"
	CounterFishCaught     = "fish-caught"
	CounterAnimalsBred    = "animals-bred"
	CounterTrades         = "trades"
	CounterItemsEnchanted = "items-enchanted"
	CounterPotionsBrewed  = "potions-brewed"
	CounterFoodEaten      = "food-eaten"
	CounterRaidsWon       = "raids-won"
)

// Source exposes one player's cumulative gameplay counters. Reads must
// be cheap; accessors may issue several per evaluation.
type Source interface {
	// Counter returns a raw counter by id, zero when untracked.
	Counter(id string) int64
	// EntityKills returns kills of one entity type.
	EntityKills(entity string) int64
	// BlocksMined returns blocks broken of one block type.
	BlocksMined(block string) int64
	// Flag reports a one-shot milestone the engine records directly.
	Flag(id string) bool
}

// MemorySource is an in-memory Source for tests and for sessions whose
// counters live entirely server-side.
type MemorySource struct {
	Counters map[string]int64
	Kills    map[string]int64
	Mined    map[string]int64
	Flags    map[string]bool
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		Counters: make(map[string]int64),
		Kills:    make(map[string]int64),
		Mined:    make(map[string]int64),
		Flags:    make(map[string]bool),
	}
}

func (s *MemorySource) Counter(id string) int64 {
	return s.Counters[id]
}

func (s *MemorySource) EntityKills(entity string) int64 {
	return s.Kills[entity]
}

func (s *MemorySource) BlocksMined(block string) int64 {
	return s.Mined[block]
}

func (s *MemorySource) Flag(id string) bool {
	return s.Flags[id]
}

// Add bumps a raw counter.
func (s *MemorySource) Add(id string, delta int64) {
	s.Counters[id] += delta
}

// AddKill bumps the kill count for an entity type.
func (s *MemorySource) AddKill(entity string, delta int64) {
	s.Kills[entity] += delta
}

// AddMined bumps the mined count for a block type.
func (s *MemorySource) AddMined(block string, delta int64) {
	s.Mined[block] += delta
}

// SetFlag records a milestone.
func (s *MemorySource) SetFlag(id string) {
	s.Flags[id] = true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
