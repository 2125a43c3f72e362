package unlock

import (
	"reflect"
	"testing"

	"crestfall/server/internal/catalog"
	"crestfall/server/internal/stats"
)

func def(rules ...catalog.Rule) *catalog.Definition {
	return &catalog.Definition{ID: "test", Rules: rules}
}

func TestConjunctionOfThresholds(t *testing.T) {
	d := def(
		catalog.Rule{Key: "kill-players", Value: catalog.NumberValue(10)},
		catalog.Rule{Key: "play-time", Value: catalog.NumberValue(2)},
	)
	src := stats.NewMemorySource()
	src.Add(stats.CounterPlayerKills, 15)
	src.Add(stats.CounterPlayTicks, 20*3600*1)

	if Evaluate(d, src).Eligible {
		t.Fatalf("one unmet rule must block eligibility")
	}

	src.Add(stats.CounterPlayTicks, 20*3600*1)
	if !Evaluate(d, src).Eligible {
		t.Fatalf("all rules met should be eligible")
	}
}

func TestThresholdIsInclusive(t *testing.T) {
	d := def(catalog.Rule{Key: "deaths", Value: catalog.NumberValue(5)})
	src := stats.NewMemorySource()
	src.Add(stats.CounterDeaths, 5)
	if !Evaluate(d, src).Eligible {
		t.Fatalf("value equal to threshold should qualify")
	}
}

func TestAdminOnlyNeverEligible(t *testing.T) {
	d := def(catalog.Rule{Key: catalog.RuleAdminOnly, Value: catalog.BoolValue(true)})
	if Evaluate(d, stats.NewMemorySource()).Eligible {
		t.Fatalf("admin-only titles must not auto-unlock")
	}
}

func TestUnknownRuleSkippedAndReported(t *testing.T) {
	d := def(
		catalog.Rule{Key: "ride-unicorn", Value: catalog.NumberValue(1)},
		catalog.Rule{Key: "deaths", Value: catalog.NumberValue(1)},
	)
	src := stats.NewMemorySource()
	src.Add(stats.CounterDeaths, 1)

	result := Evaluate(d, src)
	if !result.Eligible {
		t.Fatalf("unknown rule must not block eligibility")
	}
	if !reflect.DeepEqual(result.UnknownRules, []string{"ride-unicorn"}) {
		t.Fatalf("unexpected unknown rules: %v", result.UnknownRules)
	}
}

func TestSpecialEventRule(t *testing.T) {
	d := def(catalog.Rule{Key: catalog.RuleSpecial, Value: catalog.TextValue("enter-nether")})
	src := stats.NewMemorySource()

	if Evaluate(d, src).Eligible {
		t.Fatalf("event not recorded yet")
	}
	src.SetFlag("enter-nether")
	if !Evaluate(d, src).Eligible {
		t.Fatalf("recorded event should qualify")
	}
}

func TestUnknownEventEvaluatesFalse(t *testing.T) {
	d := def(catalog.Rule{Key: catalog.RuleSpecial, Value: catalog.TextValue("meet-herobrine")})
	result := Evaluate(d, stats.NewMemorySource())
	if result.Eligible {
		t.Fatalf("an event nobody can trigger must not grant the title")
	}
	if !reflect.DeepEqual(result.UnknownEvents, []string{"meet-herobrine"}) {
		t.Fatalf("unexpected unknown events: %v", result.UnknownEvents)
	}
}

func TestUnknownEventBlocksDespiteMetThresholds(t *testing.T) {
	d := def(
		catalog.Rule{Key: "deaths", Value: catalog.NumberValue(1)},
		catalog.Rule{Key: catalog.RuleSpecial, Value: catalog.TextValue("meet-herobrine")},
	)
	src := stats.NewMemorySource()
	src.Add(stats.CounterDeaths, 5)
	if Evaluate(d, src).Eligible {
		t.Fatalf("unknown event must fail the conjunction even when thresholds pass")
	}
}

func TestNoRulesMeansEligible(t *testing.T) {
	if !Evaluate(def(), stats.NewMemorySource()).Eligible {
		t.Fatalf("a title with no gating rules is always eligible")
	}
}

func TestNilDefinitionNotEligible(t *testing.T) {
	if Evaluate(nil, stats.NewMemorySource()).Eligible {
		t.Fatalf("nil definition must not be eligible")
	}
}

func TestProgressPerRule(t *testing.T) {
	d := def(
		catalog.Rule{Key: "deaths", Value: catalog.NumberValue(10)},
		catalog.Rule{Key: catalog.RuleSpecial, Value: catalog.TextValue("enter-nether")},
		catalog.Rule{Key: "ride-unicorn", Value: catalog.NumberValue(1)},
	)
	src := stats.NewMemorySource()
	src.Add(stats.CounterDeaths, 4)
	src.SetFlag("enter-nether")

	progress := Progress(d, src)
	if len(progress) != 2 {
		t.Fatalf("unknown rule keys should be omitted, got %d entries", len(progress))
	}
	deaths := progress[0]
	if deaths.Key != "deaths" || deaths.Target != 10 || deaths.Value != 4 || deaths.Met {
		t.Fatalf("unexpected deaths progress: %+v", deaths)
	}
	event := progress[1]
	if event.Key != "enter-nether" || event.Target != 1 || event.Value != 1 || !event.Met {
		t.Fatalf("unexpected event progress: %+v", event)
	}
}

func TestProgressNilDefinition(t *testing.T) {
	if got := Progress(nil, stats.NewMemorySource()); got != nil {
		t.Fatalf("nil definition should yield no progress, got %v", got)
	}
}
