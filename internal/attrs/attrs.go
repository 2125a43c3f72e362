// Package attrs models the host's numeric attribute vocabulary and the
// per-player live attribute instances that modifiers attach to. The rest
// of the engine only depends on the capability interfaces here, never on
// a concrete host enumeration.
package attrs

import (
	"sort"

	"github.com/google/uuid"
)

// Kind names one numeric player capability.
type Kind string

const (
	KindMaxHealth           Kind = "max_health"
	KindMovementSpeed       Kind = "movement_speed"
	KindFlyingSpeed         Kind = "flying_speed"
	KindAttackDamage        Kind = "attack_damage"
	KindAttackSpeed         Kind = "attack_speed"
	KindAttackKnockback     Kind = "attack_knockback"
	KindArmor               Kind = "armor"
	KindArmorToughness      Kind = "armor_toughness"
	KindKnockbackResistance Kind = "knockback_resistance"
	KindFollowRange         Kind = "follow_range"
	KindLuck                Kind = "luck"
)

// Tag identifies the subsystem that owns a modifier. Handles carry it as
// first-class metadata so stray modifiers can be recognised after an
// unclean shutdown without parsing names.
type Tag struct {
	Owner   string
	Purpose string
}

// Modifier is one additive adjustment attached to an attribute instance.
type Modifier struct {
	ID     uuid.UUID
	Name   string
	Amount float64
	Tag    Tag
}

// Instance is a live attribute on a connected player.
type Instance interface {
	Kind() Kind
	Base() float64
	// Value folds the base value with every attached modifier.
	Value() float64
	Modifiers() []Modifier
	AddModifier(Modifier)
	RemoveModifier(id uuid.UUID) bool
}

// Player is the handle the buff engine mutates. Implemented by the live
// session actor and by test doubles.
type Player interface {
	ID() string
	Attribute(Kind) (Instance, bool)
	Health() float64
	SetHealth(value float64)
}

// Vocabulary resolves configuration attribute names against the set of
// kinds the current host version exposes. One implementation exists per
// target host.
type Vocabulary interface {
	Resolve(name string) (Kind, bool)
	Kinds() []Kind
}

type mapVocabulary struct {
	byName map[string]Kind
	kinds  []Kind
}

// DefaultVocabulary returns the vocabulary of the reference host: every
// kind declared in this package, resolvable by its canonical hyphenated
// configuration name.
func DefaultVocabulary() Vocabulary {
	return NewVocabulary([]Kind{
		KindMaxHealth,
		KindMovementSpeed,
		KindFlyingSpeed,
		KindAttackDamage,
		KindAttackSpeed,
		KindAttackKnockback,
		KindArmor,
		KindArmorToughness,
		KindKnockbackResistance,
		KindFollowRange,
		KindLuck,
	})
}

// NewVocabulary builds a vocabulary over an explicit kind set. Config
// names match the kind identifier with either '-' or '_' separators.
func NewVocabulary(kinds []Kind) Vocabulary {
	v := &mapVocabulary{byName: make(map[string]Kind, len(kinds)*2)}
	for _, kind := range kinds {
		v.kinds = append(v.kinds, kind)
		v.byName[string(kind)] = kind
		v.byName[hyphenated(string(kind))] = kind
	}
	sort.Slice(v.kinds, func(i, j int) bool { return v.kinds[i] < v.kinds[j] })
	return v
}

func (v *mapVocabulary) Resolve(name string) (Kind, bool) {
	kind, ok := v.byName[name]
	return kind, ok
}

func (v *mapVocabulary) Kinds() []Kind {
	copied := make([]Kind, len(v.kinds))
	copy(copied, v.kinds)
	return copied
}

func hyphenated(name string) string {
	out := []byte(name)
	for i := range out {
		if out[i] == '_' {
			out[i] = '-'
		}
	}
	return string(out)
}

// BaseValue returns the reference host's default base value for a kind.
func BaseValue(kind Kind) float64 {
	switch kind {
	case KindMaxHealth:
		return 20
	case KindMovementSpeed:
		return 0.1
	case KindFlyingSpeed:
		return 0.05
	case KindAttackDamage:
		return 1
	case KindAttackSpeed:
		return 4
	case KindFollowRange:
		return 32
	default:
		return 0
	}
}
