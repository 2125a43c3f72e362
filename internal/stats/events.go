package stats

// EventPredicate reports whether a one-shot milestone has happened for
// the player behind the source.
type EventPredicate func(Source) bool

func flagPredicate(id string) EventPredicate {
	return func(src Source) bool { return src.Flag(id) }
}

func killPredicate(entity string) EventPredicate {
	return func(src Source) bool { return src.EntityKills(entity) > 0 }
}

var eventPredicates = map[string]EventPredicate{
	"enter-nether":  flagPredicate("enter-nether"),
	"enter-end":     flagPredicate("enter-end"),
	"reach-bedrock": flagPredicate("reach-bedrock"),
	"tame-animal":   flagPredicate("tame-animal"),
	"sleep-in-bed":  flagPredicate("sleep-in-bed"),
	"use-portal":    flagPredicate("use-portal"),

	"kill-dragon": killPredicate("ender_dragon"),
	"kill-wither": killPredicate("wither"),
	"kill-warden": killPredicate("warden"),

	"get-diamond": func(src Source) bool {
		if src.Flag("get-diamond") {
			return true
		}
		return src.BlocksMined("diamond_ore")+src.BlocksMined("deepslate_diamond_ore") > 0
	},
	"win-raid": func(src Source) bool {
		return src.Counter(CounterRaidsWon) > 0
	},
}

// LookupEvent resolves a special-event identifier to its predicate.
func LookupEvent(id string) (EventPredicate, bool) {
	predicate, ok := eventPredicates[id]
	return predicate, ok
}

// EventIDs returns the known special-event identifiers in sorted order.
func EventIDs() []string {
	return sortedKeys(eventPredicates)
}
