// Package buff attaches and detaches attribute modifiers for worn
// titles. Every mutation runs remove-first, so applying the same title
// twice never stacks and switching titles never leaks the old bonus.
package buff

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"crestfall/server/internal/attrs"
	"crestfall/server/internal/catalog"
	"crestfall/server/logging"
	buffevents "crestfall/server/logging/buffs"
)

// TagOwner marks every modifier this engine attaches. The sweep pass
// recognises strays by it, including ones left behind by a crashed
// previous run.
const TagOwner = "crestfall-titles"

// fullHealthTolerance decides whether a player counts as unhurt when
// their maximum shifts. Regeneration jitter keeps health fractionally
// under the cap, so exact comparison would misclassify healthy players.
const fullHealthTolerance = 0.01

// Extension applies bonuses the core attribute system cannot express.
// It is optional and may become unavailable at runtime; the engine
// checks Available before every call and swallows failures.
type Extension interface {
	Available() bool
	Apply(player attrs.Player, titleID string) error
	Remove(player attrs.Player, titleID string) error
}

type appliedSet struct {
	titleID   string
	modifiers map[attrs.Kind]uuid.UUID
}

// Engine tracks which modifiers it attached to whom. It is safe for
// concurrent use, though the orchestrator drives it from one goroutine.
type Engine struct {
	vocab     attrs.Vocabulary
	publisher logging.Publisher
	tick      func() uint64

	mu        sync.Mutex
	applied   map[string]appliedSet
	warned    map[string]struct{}
	extension Extension
}

// NewEngine builds an engine over the host vocabulary. tick supplies
// the current simulation tick for event stamps; nil means zero.
func NewEngine(vocab attrs.Vocabulary, publisher logging.Publisher, tick func() uint64) *Engine {
	if tick == nil {
		tick = func() uint64 { return 0 }
	}
	return &Engine{
		vocab:     vocab,
		publisher: publisher,
		tick:      tick,
		applied:   make(map[string]appliedSet),
		warned:    make(map[string]struct{}),
	}
}

// SetExtension installs or clears the optional extension subsystem.
func (e *Engine) SetExtension(ext Extension) {
	e.mu.Lock()
	e.extension = ext
	e.mu.Unlock()
}

// AppliedTitle reports which title's modifiers are currently attached
// to the player, if any.
func (e *Engine) AppliedTitle(playerID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.applied[playerID]
	if !ok {
		return "", false
	}
	return set.titleID, true
}

// Apply attaches def's bonuses to the player. Any previous engine
// modifiers come off first, and health is rescaled once against the
// net attribute change, so reapplying the worn title is a no-op for
// health. Base attribute modifiers go on before the extension runs.
func (e *Engine) Apply(ctx context.Context, player attrs.Player, def *catalog.Definition) {
	if def == nil {
		e.Remove(ctx, player)
		return
	}

	oldMax, oldHealth := e.healthState(player)
	e.detach(ctx, player)

	set := appliedSet{titleID: def.ID, modifiers: make(map[attrs.Kind]uuid.UUID)}
	for _, name := range sortedBonusNames(def.Bonuses) {
		amount := def.Bonuses[name]
		if amount == 0 {
			continue
		}
		kind, ok := e.vocab.Resolve(name)
		if !ok {
			e.warnUnavailable(ctx, name)
			continue
		}
		instance, ok := player.Attribute(kind)
		if !ok {
			e.warnUnavailable(ctx, name)
			continue
		}
		modifier := attrs.Modifier{
			ID:     uuid.New(),
			Name:   TagOwner + "." + def.ID + "." + string(kind),
			Amount: amount,
			Tag:    attrs.Tag{Owner: TagOwner, Purpose: def.ID},
		}
		instance.AddModifier(modifier)
		set.modifiers[kind] = modifier.ID
	}

	e.mu.Lock()
	e.applied[player.ID()] = set
	ext := e.extension
	e.mu.Unlock()

	e.rescaleHealth(player, oldMax, oldHealth)
	e.runExtension(ctx, player, def.ID, "apply", ext, func() error {
		return ext.Apply(player, def.ID)
	})

	buffevents.Applied(ctx, e.publisher, e.tick(), logging.PlayerRef(player.ID()), buffevents.AppliedPayload{
		TitleID:   def.ID,
		Modifiers: len(set.modifiers),
		Health:    player.Health(),
	})
}

// Remove detaches everything this engine put on the player: the
// extension unwinds first, then the recorded set comes off, then a
// sweep across every attribute instance catches any modifier carrying
// the engine tag. The dual pass is what keeps stale bookkeeping from
// leaking bonuses.
func (e *Engine) Remove(ctx context.Context, player attrs.Player) {
	oldMax, oldHealth := e.healthState(player)
	recorded, swept := e.detach(ctx, player)
	e.rescaleHealth(player, oldMax, oldHealth)

	if recorded > 0 || swept > 0 {
		buffevents.Removed(ctx, e.publisher, e.tick(), logging.PlayerRef(player.ID()), buffevents.RemovedPayload{
			Recorded: recorded,
			Swept:    swept,
		})
	}
}

// detach strips everything without touching health. Callers rescale
// against the state they captured before the whole operation.
func (e *Engine) detach(ctx context.Context, player attrs.Player) (recorded, swept int) {
	e.mu.Lock()
	set, hadSet := e.applied[player.ID()]
	delete(e.applied, player.ID())
	ext := e.extension
	e.mu.Unlock()

	if hadSet && set.titleID != "" {
		e.runExtension(ctx, player, set.titleID, "remove", ext, func() error {
			return ext.Remove(player, set.titleID)
		})
	}
	if hadSet {
		for kind, id := range set.modifiers {
			if instance, ok := player.Attribute(kind); ok && instance.RemoveModifier(id) {
				recorded++
			}
		}
	}
	swept = e.sweep(ctx, player)
	return recorded, swept
}

// Refresh reapplies the player's worn title in one pass.
func (e *Engine) Refresh(ctx context.Context, player attrs.Player, def *catalog.Definition) {
	e.Apply(ctx, player, def)
}

// ForceReset strips every engine-tagged modifier regardless of
// records. Run on join to clear anything an unclean prior disconnect
// or process restart left attached.
func (e *Engine) ForceReset(ctx context.Context, player attrs.Player) {
	e.mu.Lock()
	delete(e.applied, player.ID())
	e.mu.Unlock()

	oldMax, oldHealth := e.healthState(player)
	swept := e.sweep(ctx, player)
	e.rescaleHealth(player, oldMax, oldHealth)

	if swept > 0 {
		buffevents.Removed(ctx, e.publisher, e.tick(), logging.PlayerRef(player.ID()), buffevents.RemovedPayload{
			Swept: swept,
		})
	}
}

// Forget drops bookkeeping for a player whose session is gone. The
// live handle is no longer reachable, so there is nothing to detach.
func (e *Engine) Forget(playerID string) {
	e.mu.Lock()
	delete(e.applied, playerID)
	e.mu.Unlock()
}

func (e *Engine) sweep(ctx context.Context, player attrs.Player) int {
	swept := 0
	for _, kind := range e.vocab.Kinds() {
		instance, ok := player.Attribute(kind)
		if !ok {
			continue
		}
		for _, modifier := range instance.Modifiers() {
			if modifier.Tag.Owner != TagOwner {
				continue
			}
			if instance.RemoveModifier(modifier.ID) {
				swept++
				buffevents.StraySwept(ctx, e.publisher, e.tick(), logging.PlayerRef(player.ID()), string(kind))
			}
		}
	}
	return swept
}

func (e *Engine) healthState(player attrs.Player) (maxHealth, health float64) {
	if instance, ok := player.Attribute(attrs.KindMaxHealth); ok {
		maxHealth = instance.Value()
	}
	return maxHealth, player.Health()
}

// rescaleHealth keeps current health sensible after the maximum moved.
// A player who was unhurt stays unhurt at the new maximum; a hurt
// player shifts by the same delta the maximum did, so the health they
// were missing stays missing. A shrinking maximum only ever clamps.
func (e *Engine) rescaleHealth(player attrs.Player, oldMax, oldHealth float64) {
	instance, ok := player.Attribute(attrs.KindMaxHealth)
	if !ok {
		return
	}
	newMax := instance.Value()
	switch {
	case newMax > oldMax:
		if oldMax > 0 && oldHealth >= oldMax*(1-fullHealthTolerance) {
			player.SetHealth(newMax)
			return
		}
		player.SetHealth(min(oldHealth+(newMax-oldMax), newMax))
	case newMax < oldMax:
		if oldHealth > newMax {
			player.SetHealth(newMax)
		}
	default:
		if oldHealth > newMax {
			player.SetHealth(newMax)
		}
	}
}

func (e *Engine) warnUnavailable(ctx context.Context, name string) {
	e.mu.Lock()
	_, seen := e.warned[name]
	if !seen {
		e.warned[name] = struct{}{}
	}
	e.mu.Unlock()
	if seen {
		return
	}
	buffevents.KindUnavailable(ctx, e.publisher, e.tick(), buffevents.KindUnavailablePayload{Attribute: name})
}

func (e *Engine) runExtension(ctx context.Context, player attrs.Player, titleID, op string, ext Extension, call func() error) {
	if ext == nil || !ext.Available() {
		return
	}
	if err := call(); err != nil {
		buffevents.ExtensionFailed(ctx, e.publisher, e.tick(), logging.PlayerRef(player.ID()), buffevents.ExtensionFailedPayload{
			Op:    op,
			Error: err.Error(),
		})
	}
}

func sortedBonusNames(bonuses map[string]float64) []string {
	names := make([]string, 0, len(bonuses))
	for name := range bonuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
