// Package catalog holds the immutable title catalog. A reload builds an
// entirely new Catalog value; in-flight evaluations keep reading the
// snapshot they started with.
package catalog

import "sort"

// Policy rule keys. They gate how a title may be obtained but are not
// statistic thresholds themselves.
const (
	RuleAutoUnlock = "auto-unlock"
	RuleAdminOnly  = "admin-only"
	RuleDefault    = "default"
	RuleSpecial    = "special-event"
)

type valueKind uint8

const (
	valueNone valueKind = iota
	valueNumber
	valueBool
	valueText
)

// RuleValue is one unlock-rule parameter: a numeric threshold, a policy
// flag, or an event identifier.
type RuleValue struct {
	kind    valueKind
	number  float64
	boolean bool
	text    string
}

// NumberValue builds a numeric rule value.
func NumberValue(v float64) RuleValue { return RuleValue{kind: valueNumber, number: v} }

// BoolValue builds a flag rule value.
func BoolValue(v bool) RuleValue { return RuleValue{kind: valueBool, boolean: v} }

// TextValue builds an event-identifier rule value.
func TextValue(v string) RuleValue { return RuleValue{kind: valueText, text: v} }

// Number returns the numeric parameter if the value carries one.
func (v RuleValue) Number() (float64, bool) {
	if v.kind == valueNumber {
		return v.number, true
	}
	return 0, false
}

// Bool returns the flag parameter if the value carries one.
func (v RuleValue) Bool() (bool, bool) {
	if v.kind == valueBool {
		return v.boolean, true
	}
	return false, false
}

// Text returns the string parameter if the value carries one.
func (v RuleValue) Text() (string, bool) {
	if v.kind == valueText {
		return v.text, true
	}
	return "", false
}

// Rule pairs an unlock-rule key with its parameter. Rules keep the order
// they were declared in.
type Rule struct {
	Key   string
	Value RuleValue
}

// Definition describes one title. Read-only to the engine.
type Definition struct {
	ID          string
	DisplayName string
	// Bonuses maps attribute names to signed additive deltas. Zero
	// entries carry no meaning and are skipped at apply time.
	Bonuses   map[string]float64
	Rules     []Rule
	Default   bool
	Hidden    bool
	SortOrder int
	// Purchase carries opaque economy options for the boundary layer.
	Purchase map[string]any
}

func isPolicyKey(key string) bool {
	return key == RuleAutoUnlock || key == RuleAdminOnly || key == RuleDefault
}

// Rule returns the declared rule for a key.
func (d *Definition) Rule(key string) (RuleValue, bool) {
	for _, rule := range d.Rules {
		if rule.Key == key {
			return rule.Value, true
		}
	}
	return RuleValue{}, false
}

// AutoUnlock reports the auto-unlock flag and whether it was declared.
func (d *Definition) AutoUnlock() (bool, bool) {
	value, ok := d.Rule(RuleAutoUnlock)
	if !ok {
		return false, false
	}
	flag, ok := value.Bool()
	return flag, ok
}

// AdminOnly reports whether the title may only be granted out of band.
func (d *Definition) AdminOnly() bool {
	value, ok := d.Rule(RuleAdminOnly)
	if !ok {
		return false
	}
	flag, _ := value.Bool()
	return flag
}

// GatingRules returns the non-policy rules, in declaration order.
func (d *Definition) GatingRules() []Rule {
	gating := make([]Rule, 0, len(d.Rules))
	for _, rule := range d.Rules {
		if isPolicyKey(rule.Key) {
			continue
		}
		gating = append(gating, rule)
	}
	return gating
}

// FreeByDefault reports whether the title is granted on first join: the
// auto-unlock flag is set and no gating rule restricts it.
func (d *Definition) FreeByDefault() bool {
	flag, declared := d.AutoUnlock()
	if !declared || !flag {
		return false
	}
	return len(d.GatingRules()) == 0
}

// Catalog is an immutable snapshot of title definitions.
type Catalog struct {
	byID    map[string]*Definition
	ordered []*Definition
}

// New builds a catalog snapshot. Definitions are ordered by SortOrder,
// ties broken by id.
func New(defs []Definition) *Catalog {
	c := &Catalog{byID: make(map[string]*Definition, len(defs))}
	for i := range defs {
		def := defs[i]
		if def.ID == "" {
			continue
		}
		if _, exists := c.byID[def.ID]; exists {
			continue
		}
		stored := &def
		c.byID[def.ID] = stored
		c.ordered = append(c.ordered, stored)
	}
	sort.SliceStable(c.ordered, func(i, j int) bool {
		if c.ordered[i].SortOrder != c.ordered[j].SortOrder {
			return c.ordered[i].SortOrder < c.ordered[j].SortOrder
		}
		return c.ordered[i].ID < c.ordered[j].ID
	})
	return c
}

// Get looks up a definition by id.
func (c *Catalog) Get(id string) (*Definition, bool) {
	if c == nil {
		return nil, false
	}
	def, ok := c.byID[id]
	return def, ok
}

// Exists reports whether the id is in this snapshot.
func (c *Catalog) Exists(id string) bool {
	if c == nil {
		return false
	}
	_, ok := c.byID[id]
	return ok
}

// All returns the definitions in display order.
func (c *Catalog) All() []*Definition {
	if c == nil {
		return nil
	}
	copied := make([]*Definition, len(c.ordered))
	copy(copied, c.ordered)
	return copied
}

// Len reports the number of titles in the snapshot.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.ordered)
}
