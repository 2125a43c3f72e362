package attrs

import "github.com/google/uuid"

// liveAttribute is the in-process Instance implementation backing Actor.
type liveAttribute struct {
	kind      Kind
	base      float64
	modifiers []Modifier
}

func (a *liveAttribute) Kind() Kind    { return a.kind }
func (a *liveAttribute) Base() float64 { return a.base }

func (a *liveAttribute) Value() float64 {
	total := a.base
	for _, mod := range a.modifiers {
		total += mod.Amount
	}
	return total
}

func (a *liveAttribute) Modifiers() []Modifier {
	copied := make([]Modifier, len(a.modifiers))
	copy(copied, a.modifiers)
	return copied
}

func (a *liveAttribute) AddModifier(mod Modifier) {
	a.modifiers = append(a.modifiers, mod)
}

func (a *liveAttribute) RemoveModifier(id uuid.UUID) bool {
	for i, mod := range a.modifiers {
		if mod.ID == id {
			a.modifiers = append(a.modifiers[:i], a.modifiers[i+1:]...)
			return true
		}
	}
	return false
}

// Actor is the live per-session attribute holder for one connected
// player. All mutation happens on the orchestrator's main context.
type Actor struct {
	id         string
	attributes map[Kind]*liveAttribute
	health     float64
}

// NewActor seeds an actor with the vocabulary's kinds at their host base
// values, at full health.
func NewActor(id string, vocab Vocabulary) *Actor {
	actor := &Actor{
		id:         id,
		attributes: make(map[Kind]*liveAttribute),
	}
	for _, kind := range vocab.Kinds() {
		actor.attributes[kind] = &liveAttribute{kind: kind, base: BaseValue(kind)}
	}
	actor.health = actor.maxHealth()
	return actor
}

func (a *Actor) ID() string { return a.id }

func (a *Actor) Attribute(kind Kind) (Instance, bool) {
	inst, ok := a.attributes[kind]
	if !ok {
		return nil, false
	}
	return inst, true
}

func (a *Actor) Health() float64 { return a.health }

// SetHealth clamps to [0, current max health].
func (a *Actor) SetHealth(value float64) {
	max := a.maxHealth()
	if value > max {
		value = max
	}
	if value < 0 {
		value = 0
	}
	a.health = value
}

func (a *Actor) maxHealth() float64 {
	if inst, ok := a.attributes[KindMaxHealth]; ok {
		return inst.Value()
	}
	return 0
}
