package stats

import "strings"

// Accessor reads one rule key's cumulative value from a source.
// Accessors normalise units: distances come back in metres, play time
// in hours, damage in hearts.
type Accessor func(Source) float64

const (
	cmPerMetre     = 100
	ticksPerHour   = 20 * 3600
	damagePerHeart = 10
)

var hostileMobs = []string{
	"blaze", "bogged", "breeze", "creeper", "drowned", "elder_guardian",
	"endermite", "evoker", "ghast", "guardian", "hoglin", "husk",
	"magma_cube", "phantom", "piglin_brute", "pillager", "ravager",
	"shulker", "silverfish", "skeleton", "slime", "spider", "stray",
	"vex", "vindicator", "warden", "witch", "wither_skeleton", "zoglin",
	"zombie", "zombie_villager", "zombified_piglin", "cave_spider",
	"enderman", "piglin",
}

var travelCounters = []string{
	CounterWalkCM, CounterSprintCM, CounterCrouchCM, CounterSwimCM,
	CounterFlyCM, CounterBoatCM, CounterHorseCM, CounterMinecartCM,
	CounterPigCM, CounterStriderCM, CounterAviateCM, CounterClimbCM,
}

var oreFamilies = map[string][]string{
	"mine-coal":     {"coal_ore", "deepslate_coal_ore"},
	"mine-copper":   {"copper_ore", "deepslate_copper_ore"},
	"mine-iron":     {"iron_ore", "deepslate_iron_ore"},
	"mine-gold":     {"gold_ore", "deepslate_gold_ore", "nether_gold_ore"},
	"mine-redstone": {"redstone_ore", "deepslate_redstone_ore"},
	"mine-lapis":    {"lapis_ore", "deepslate_lapis_ore"},
	"mine-diamonds": {"diamond_ore", "deepslate_diamond_ore"},
	"mine-emeralds": {"emerald_ore", "deepslate_emerald_ore"},
	"mine-quartz":   {"nether_quartz_ore"},
	"mine-debris":   {"ancient_debris"},
}

func counterAccessor(id string, scale float64) Accessor {
	return func(src Source) float64 {
		return float64(src.Counter(id)) / scale
	}
}

func sumCountersAccessor(ids []string, scale float64) Accessor {
	return func(src Source) float64 {
		var total int64
		for _, id := range ids {
			total += src.Counter(id)
		}
		return float64(total) / scale
	}
}

func minedAccessor(blocks []string) Accessor {
	return func(src Source) float64 {
		var total int64
		for _, block := range blocks {
			total += src.BlocksMined(block)
		}
		return float64(total)
	}
}

func buildAccessors() map[string]Accessor {
	accessors := map[string]Accessor{
		"kill-players":    counterAccessor(CounterPlayerKills, 1),
		"deaths":          counterAccessor(CounterDeaths, 1),
		"jumps":           counterAccessor(CounterJumps, 1),
		"fish-caught":     counterAccessor(CounterFishCaught, 1),
		"animals-bred":    counterAccessor(CounterAnimalsBred, 1),
		"villager-trades": counterAccessor(CounterTrades, 1),
		"enchant-items":   counterAccessor(CounterItemsEnchanted, 1),
		"brew-potions":    counterAccessor(CounterPotionsBrewed, 1),
		"eat-food":        counterAccessor(CounterFoodEaten, 1),
		"win-raids":       counterAccessor(CounterRaidsWon, 1),
		"damage-dealt":    counterAccessor(CounterDamageDealt, damagePerHeart),
		"damage-taken":    counterAccessor(CounterDamageTaken, damagePerHeart),
		"play-time":       counterAccessor(CounterPlayTicks, ticksPerHour),

		"walk-distance": sumCountersAccessor(
			[]string{CounterWalkCM, CounterSprintCM, CounterCrouchCM}, cmPerMetre),
		"sprint-distance":   counterAccessor(CounterSprintCM, cmPerMetre),
		"swim-distance":     counterAccessor(CounterSwimCM, cmPerMetre),
		"fly-distance":      counterAccessor(CounterAviateCM, cmPerMetre),
		"distance-traveled": sumCountersAccessor(travelCounters, cmPerMetre),

		"kill-mobs": func(src Source) float64 {
			var total int64
			for _, mob := range hostileMobs {
				total += src.EntityKills(mob)
			}
			return float64(total)
		},
	}
	for key, blocks := range oreFamilies {
		accessors[key] = minedAccessor(blocks)
	}
	return accessors
}

var accessors = buildAccessors()

// Lookup resolves a rule key to its accessor. Keys of the form
// kill-<entity> not covered by a named accessor read that entity's
// kill count directly.
func Lookup(key string) (Accessor, bool) {
	if accessor, ok := accessors[key]; ok {
		return accessor, true
	}
	if entity, ok := strings.CutPrefix(key, "kill-"); ok && entity != "" {
		name := strings.ReplaceAll(entity, "-", "_")
		return func(src Source) float64 {
			return float64(src.EntityKills(name))
		}, true
	}
	return nil, false
}

// Keys returns the named rule keys in sorted order. Dynamic
// kill-<entity> keys are not enumerated.
func Keys() []string {
	return sortedKeys(accessors)
}
