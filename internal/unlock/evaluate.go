// Package unlock decides whether a player's cumulative statistics
// satisfy a title's gating rules.
package unlock

import (
	"crestfall/server/internal/catalog"
	"crestfall/server/internal/stats"
)

// Result is the outcome of evaluating one title for one player.
// Unknown rule keys never block eligibility, while an unknown event id
// evaluates to false; both are reported so the caller can flag the
// catalog entry.
type Result struct {
	Eligible      bool
	UnknownRules  []string
	UnknownEvents []string
}

// Evaluate checks every gating rule of def against src. Rules combine
// as a conjunction. Admin-only titles are never eligible here; they are
// granted out of band.
func Evaluate(def *catalog.Definition, src stats.Source) Result {
	var result Result
	if def == nil || def.AdminOnly() {
		return result
	}
	result.Eligible = true
	for _, rule := range def.GatingRules() {
		if rule.Key == catalog.RuleSpecial {
			eventID, ok := rule.Value.Text()
			if !ok {
				result.UnknownRules = append(result.UnknownRules, rule.Key)
				continue
			}
			predicate, ok := stats.LookupEvent(eventID)
			if !ok {
				// An event nobody can ever trigger must not grant the
				// title; report it and fail the conjunction.
				result.UnknownEvents = append(result.UnknownEvents, eventID)
				result.Eligible = false
				continue
			}
			if !predicate(src) {
				result.Eligible = false
			}
			continue
		}

		threshold, ok := rule.Value.Number()
		if !ok {
			result.UnknownRules = append(result.UnknownRules, rule.Key)
			continue
		}
		accessor, ok := stats.Lookup(rule.Key)
		if !ok {
			result.UnknownRules = append(result.UnknownRules, rule.Key)
			continue
		}
		if accessor(src) < threshold {
			result.Eligible = false
		}
	}
	return result
}

// RuleProgress is one gating rule's standing for a player.
type RuleProgress struct {
	Key    string
	Target float64
	Value  float64
	Met    bool
}

// Progress reports per-rule standing for a title, for progress
// displays. Special events show as 0 or 1 against a target of 1.
// Unknown rule keys and event ids are omitted.
func Progress(def *catalog.Definition, src stats.Source) []RuleProgress {
	if def == nil {
		return nil
	}
	var out []RuleProgress
	for _, rule := range def.GatingRules() {
		if rule.Key == catalog.RuleSpecial {
			eventID, ok := rule.Value.Text()
			if !ok {
				continue
			}
			predicate, ok := stats.LookupEvent(eventID)
			if !ok {
				continue
			}
			var value float64
			if predicate(src) {
				value = 1
			}
			out = append(out, RuleProgress{Key: eventID, Target: 1, Value: value, Met: value >= 1})
			continue
		}

		threshold, ok := rule.Value.Number()
		if !ok {
			continue
		}
		accessor, ok := stats.Lookup(rule.Key)
		if !ok {
			continue
		}
		value := accessor(src)
		out = append(out, RuleProgress{Key: rule.Key, Target: threshold, Value: value, Met: value >= threshold})
	}
	return out
}
