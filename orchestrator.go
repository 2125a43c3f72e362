package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crestfall/server/internal/attrs"
	"crestfall/server/internal/buff"
	"crestfall/server/internal/catalog"
	"crestfall/server/internal/stats"
	"crestfall/server/internal/storage"
	"crestfall/server/internal/telemetry"
	"crestfall/server/internal/title"
	"crestfall/server/internal/unlock"
	"crestfall/server/logging"
	lifecycleevents "crestfall/server/logging/lifecycle"
	titleevents "crestfall/server/logging/titles"
	unlockevents "crestfall/server/logging/unlocks"
)

// ErrUnknownPlayer is returned for operations on players with no live
// session.
var ErrUnknownPlayer = errors.New("unknown player")

// ErrUnknownTitle is returned when a title id is not in the catalog.
var ErrUnknownTitle = errors.New("unknown title")

// GrantResult is the outcome of an out-of-band grant.
type GrantResult int

const (
	GrantNew GrantResult = iota
	GrantAlreadyHeld
	GrantUnknownTitle
	GrantUnknownPlayer
)

// RevokeResult is the outcome of an out-of-band revoke.
type RevokeResult int

const (
	RevokeRemoved RevokeResult = iota
	RevokeNotHeld
	RevokeUnknownPlayer
)

type sessionPhase uint8

const (
	phaseConnecting sessionPhase = iota
	phaseActive
	phaseDisconnecting
)

// session is one connected player's live state. All fields are guarded
// by the orchestrator mutex.
type session struct {
	playerID string
	player   attrs.Player
	source   *stats.MemorySource
	phase    sessionPhase
	// settleAt is when a connecting session becomes active.
	settleAt time.Time
	// sweepDue is the debounced unlock-sweep deadline, zero when no
	// sweep is pending.
	sweepDue time.Time
}

// opRequest marshals one mutating operation onto the tick goroutine.
type opRequest struct {
	fn   func(context.Context) error
	done chan error
}

// Orchestrator coordinates the title store, the unlock evaluator and
// the buff engine for every connected player. Attribute and record
// mutation happens on a single logical context: the tick goroutine
// executes ticks and queued operations one at a time, and callers
// reach that context through submit. Reader goroutines only stage
// statistic commands.
type Orchestrator struct {
	cfg       Config
	publisher logging.Publisher
	metrics   telemetry.Metrics
	clock     func() time.Time

	catalog atomic.Pointer[catalog.Catalog]
	titles  *title.Store
	buffs   *buff.Engine
	store   storage.Store

	// Commands is the staging ring session readers push statistic
	// mutations into; the tick loop drains it.
	Commands *CommandBuffer

	// ops carries whole mutating operations to the tick goroutine.
	ops     chan opRequest
	running atomic.Bool
	// execMu serializes operation execution with ticks when the loop
	// is not servicing the queue (startup, shutdown, tests).
	execMu sync.Mutex

	mu          sync.Mutex
	sessions    map[string]*session
	warnedRules map[string]struct{}
	onUnlock    func(playerID, titleID string)

	tick      atomic.Uint64
	lastSweep time.Time
	lastSave  time.Time
}

// NewOrchestrator wires an orchestrator over an already-loaded catalog
// and an open store. A nil metrics falls back to a no-op recorder.
func NewOrchestrator(cfg Config, cat *catalog.Catalog, store storage.Store, publisher logging.Publisher, metrics telemetry.Metrics) *Orchestrator {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	o := &Orchestrator{
		cfg:         cfg,
		publisher:   publisher,
		metrics:     metrics,
		clock:       time.Now,
		titles:      title.NewStore(),
		store:       store,
		ops:         make(chan opRequest, 64),
		sessions:    make(map[string]*session),
		warnedRules: make(map[string]struct{}),
	}
	o.catalog.Store(cat)
	o.buffs = buff.NewEngine(attrs.DefaultVocabulary(), publisher, o.tick.Load)
	o.Commands = NewCommandBuffer(cfg.CommandBufferSize, metrics)
	now := o.clock()
	o.lastSweep = now
	o.lastSave = now
	return o
}

// SetClock replaces the time source. Tests drive the orchestrator with
// a manual clock.
func (o *Orchestrator) SetClock(clock func() time.Time) {
	o.clock = clock
	now := clock()
	o.lastSweep = now
	o.lastSave = now
}

// SetExtension installs the optional bonus extension.
func (o *Orchestrator) SetExtension(ext buff.Extension) {
	o.buffs.SetExtension(ext)
}

// SetUnlockListener registers a callback invoked after every unlock.
// It runs on the goroutine performing the unlock, which holds the
// mutation context; the callback must not call back into mutating
// orchestrator operations.
func (o *Orchestrator) SetUnlockListener(fn func(playerID, titleID string)) {
	o.mu.Lock()
	o.onUnlock = fn
	o.mu.Unlock()
}

// Catalog returns the current catalog snapshot.
func (o *Orchestrator) Catalog() *catalog.Catalog {
	return o.catalog.Load()
}

// submit runs a mutating operation on the mutation context. While the
// tick loop runs, the operation is queued and executed on the loop
// goroutine between ticks; otherwise it runs on the caller, serialized
// against ticks by the exec mutex.
func (o *Orchestrator) submit(ctx context.Context, fn func(context.Context) error) error {
	if !o.running.Load() {
		o.execMu.Lock()
		defer o.execMu.Unlock()
		return fn(ctx)
	}
	req := opRequest{fn: fn, done: make(chan error, 1)}
	select {
	case o.ops <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) runOp(ctx context.Context, req opRequest) {
	o.execMu.Lock()
	err := req.fn(ctx)
	o.execMu.Unlock()
	req.done <- err
}

// Connect establishes a session for a player handle. The live
// attributes are reset to a clean baseline, persisted state is loaded
// and defaults are granted before the settle delay starts.
func (o *Orchestrator) Connect(ctx context.Context, player attrs.Player) error {
	return o.submit(ctx, func(ctx context.Context) error {
		return o.connect(ctx, player)
	})
}

func (o *Orchestrator) connect(ctx context.Context, player attrs.Player) error {
	playerID := player.ID()
	now := o.clock()

	o.mu.Lock()
	if _, exists := o.sessions[playerID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("player %s: session already exists", playerID)
	}
	s := &session{
		playerID: playerID,
		player:   player,
		source:   stats.NewMemorySource(),
		phase:    phaseConnecting,
		settleAt: now.Add(o.cfg.ConnectSettle),
	}
	o.sessions[playerID] = s
	o.mu.Unlock()

	o.buffs.ForceReset(ctx, player)

	// A record still in memory outlived a failed disconnect save; it
	// is newer than anything on disk.
	if _, held := o.titles.Snapshot(playerID); !held {
		state, found, err := o.store.Load(ctx, playerID)
		if err != nil {
			return fmt.Errorf("load player %s: %w", playerID, err)
		}
		if found {
			o.titles.Restore(playerID, title.State(state))
		} else {
			o.titles.Restore(playerID, title.State{})
		}
	}

	o.pruneAgainstCatalog(ctx, playerID)
	o.grantDefaults(ctx, playerID)

	lifecycleevents.PlayerConnected(ctx, o.publisher, o.tick.Load(), logging.PlayerRef(playerID), lifecycleevents.PlayerConnectedPayload{
		CurrentTitle:  o.currentOrEmpty(playerID),
		UnlockedCount: o.titles.UnlockedCount(playerID),
	}, nil)

	o.mu.Lock()
	settled := !now.Before(s.settleAt)
	o.mu.Unlock()
	if settled {
		o.activate(ctx, s)
	}
	return nil
}

// Disconnect tears a session down: buffs come off the live handle,
// state is persisted, and in-memory records are dropped. A failed save
// keeps the record loaded so the periodic snapshot can retry it.
func (o *Orchestrator) Disconnect(ctx context.Context, playerID, reason string) error {
	return o.submit(ctx, func(ctx context.Context) error {
		return o.disconnect(ctx, playerID, reason)
	})
}

func (o *Orchestrator) disconnect(ctx context.Context, playerID, reason string) error {
	o.mu.Lock()
	s, ok := o.sessions[playerID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownPlayer
	}
	s.phase = phaseDisconnecting
	delete(o.sessions, playerID)
	o.mu.Unlock()

	o.buffs.Remove(ctx, s.player)

	var saveErr error
	if state, ok := o.titles.Snapshot(playerID); ok {
		saveErr = o.store.Save(ctx, playerID, storage.PlayerState(state))
	}
	if saveErr == nil {
		o.titles.Forget(playerID)
	}
	o.buffs.Forget(playerID)

	lifecycleevents.PlayerDisconnected(ctx, o.publisher, o.tick.Load(), logging.PlayerRef(playerID), lifecycleevents.PlayerDisconnectedPayload{
		Reason: reason,
	}, nil)
	if saveErr != nil {
		return fmt.Errorf("save player %s: %w", playerID, saveErr)
	}
	return nil
}

// SelectTitle makes the player wear an unlocked title, or clears the
// selection when titleID is empty. Buffs follow immediately for active
// sessions.
func (o *Orchestrator) SelectTitle(ctx context.Context, playerID, titleID string) error {
	return o.submit(ctx, func(ctx context.Context) error {
		return o.selectTitle(ctx, playerID, titleID)
	})
}

func (o *Orchestrator) selectTitle(ctx context.Context, playerID, titleID string) error {
	o.mu.Lock()
	s, ok := o.sessions[playerID]
	o.mu.Unlock()
	if !ok {
		return ErrUnknownPlayer
	}
	cat := o.catalog.Load()
	if titleID != "" && !cat.Exists(titleID) {
		return fmt.Errorf("%w: %s", ErrUnknownTitle, titleID)
	}

	previous, err := o.titles.SetCurrent(playerID, titleID)
	if err != nil {
		return err
	}
	o.refreshBuffs(ctx, s)

	if titleID == "" {
		titleevents.Cleared(ctx, o.publisher, o.tick.Load(), logging.PlayerRef(playerID), previous)
	} else {
		titleevents.Selected(ctx, o.publisher, o.tick.Load(), logging.PlayerRef(playerID), titleevents.SelectedPayload{
			TitleID:  titleID,
			Previous: previous,
		}, nil)
	}
	return nil
}

// Grant unlocks a title out of band, bypassing rule evaluation. This
// is the only path that unlocks admin-only titles.
func (o *Orchestrator) Grant(ctx context.Context, playerID, titleID, trigger string) GrantResult {
	result := GrantUnknownPlayer
	o.submit(ctx, func(ctx context.Context) error {
		result = o.grant(ctx, playerID, titleID, trigger)
		return nil
	})
	return result
}

func (o *Orchestrator) grant(ctx context.Context, playerID, titleID, trigger string) GrantResult {
	o.mu.Lock()
	_, ok := o.sessions[playerID]
	o.mu.Unlock()
	if !ok {
		return GrantUnknownPlayer
	}
	if !o.catalog.Load().Exists(titleID) {
		return GrantUnknownTitle
	}
	if !o.titles.Unlock(playerID, titleID) {
		return GrantAlreadyHeld
	}
	o.afterUnlock(ctx, playerID, titleID, trigger)
	return GrantNew
}

// Revoke removes an unlocked title. A revoked worn title also loses
// its buffs.
func (o *Orchestrator) Revoke(ctx context.Context, playerID, titleID string) RevokeResult {
	result := RevokeUnknownPlayer
	o.submit(ctx, func(ctx context.Context) error {
		result = o.revoke(ctx, playerID, titleID)
		return nil
	})
	return result
}

func (o *Orchestrator) revoke(ctx context.Context, playerID, titleID string) RevokeResult {
	o.mu.Lock()
	s, ok := o.sessions[playerID]
	o.mu.Unlock()
	if !ok {
		return RevokeUnknownPlayer
	}
	removed, clearedCurrent := o.titles.Revoke(playerID, titleID)
	if !removed {
		return RevokeNotHeld
	}
	if clearedCurrent {
		o.refreshBuffs(ctx, s)
	}
	titleevents.Revoked(ctx, o.publisher, o.tick.Load(), logging.PlayerRef(playerID), titleevents.RevokedPayload{
		TitleID:        titleID,
		ClearedCurrent: clearedCurrent,
	})
	return RevokeRemoved
}

// Prune drops unlocked titles the current catalog no longer defines.
func (o *Orchestrator) Prune(ctx context.Context, playerID string) (int, bool) {
	var count int
	var clearedCurrent bool
	o.submit(ctx, func(ctx context.Context) error {
		count, clearedCurrent = o.prune(ctx, playerID)
		return nil
	})
	return count, clearedCurrent
}

func (o *Orchestrator) prune(ctx context.Context, playerID string) (int, bool) {
	o.mu.Lock()
	s, ok := o.sessions[playerID]
	o.mu.Unlock()
	if !ok {
		return 0, false
	}
	count, clearedCurrent := o.pruneAgainstCatalog(ctx, playerID)
	if clearedCurrent {
		o.refreshBuffs(ctx, s)
	}
	return count, clearedCurrent
}

// ReplaceCatalog swaps in a fresh catalog snapshot, prunes every
// session against it and reapplies buffs from the new definitions.
func (o *Orchestrator) ReplaceCatalog(ctx context.Context, cat *catalog.Catalog) {
	o.submit(ctx, func(ctx context.Context) error {
		o.replaceCatalog(ctx, cat)
		return nil
	})
}

func (o *Orchestrator) replaceCatalog(ctx context.Context, cat *catalog.Catalog) {
	o.catalog.Store(cat)

	for _, s := range o.snapshotSessions() {
		o.pruneAgainstCatalog(ctx, s.playerID)
		o.refreshBuffs(ctx, s)
	}
}

// Current returns the player's worn title id, empty when none.
func (o *Orchestrator) Current(playerID string) string {
	return o.currentOrEmpty(playerID)
}

// Unlocked returns the player's unlocked title ids, sorted.
func (o *Orchestrator) Unlocked(playerID string) []string {
	return o.titles.Unlocked(playerID)
}

// UnlockedCount returns how many titles the player holds.
func (o *Orchestrator) UnlockedCount(playerID string) int {
	return o.titles.UnlockedCount(playerID)
}

// TitleProgress is one title's unlock standing for a player.
type TitleProgress struct {
	TitleID  string
	Unlocked bool
	Rules    []unlock.RuleProgress
}

// Progress reports per-title rule progress for a connected player.
// Hidden and admin-only titles the player does not hold are omitted.
// The session's counters belong to the mutation context, so the read
// is marshaled like a mutation.
func (o *Orchestrator) Progress(ctx context.Context, playerID string) ([]TitleProgress, error) {
	var out []TitleProgress
	err := o.submit(ctx, func(ctx context.Context) error {
		o.mu.Lock()
		s, ok := o.sessions[playerID]
		o.mu.Unlock()
		if !ok {
			return ErrUnknownPlayer
		}
		cat := o.catalog.Load()
		for _, def := range cat.All() {
			held := o.titles.IsUnlocked(playerID, def.ID)
			if (def.Hidden || def.AdminOnly()) && !held {
				continue
			}
			out = append(out, TitleProgress{
				TitleID:  def.ID,
				Unlocked: held,
				Rules:    unlock.Progress(def, s.source),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordCounter stages a raw counter increment. Safe to call from any
// goroutine; returns false when the buffer is saturated.
func (o *Orchestrator) RecordCounter(playerID, id string, delta int64) bool {
	return o.Commands.Push(Command{Kind: cmdCounter, PlayerID: playerID, Key: id, Delta: delta})
}

// RecordKill stages an entity-kill increment.
func (o *Orchestrator) RecordKill(playerID, entity string, delta int64) bool {
	return o.Commands.Push(Command{Kind: cmdKill, PlayerID: playerID, Key: entity, Delta: delta})
}

// RecordMined stages a block-mined increment.
func (o *Orchestrator) RecordMined(playerID, block string, delta int64) bool {
	return o.Commands.Push(Command{Kind: cmdMined, PlayerID: playerID, Key: block, Delta: delta})
}

// RecordFlag stages a one-shot milestone.
func (o *Orchestrator) RecordFlag(playerID, id string) bool {
	return o.Commands.Push(Command{Kind: cmdFlag, PlayerID: playerID, Key: id})
}

// Shutdown strips live buffs and persists every loaded record,
// including records retained after a failed disconnect save. The tick
// loop must already be stopped.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.submit(ctx, o.shutdown)
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	sessions := o.snapshotSessions()
	for _, s := range sessions {
		o.buffs.Remove(ctx, s.player)
	}

	states := make(map[string]storage.PlayerState)
	for _, id := range o.titles.Players() {
		if state, ok := o.titles.Snapshot(id); ok {
			states[id] = storage.PlayerState(state)
		}
	}

	var saveErr error
	if len(states) > 0 {
		saveErr = o.store.SaveAll(ctx, states)
	}

	o.mu.Lock()
	o.sessions = make(map[string]*session)
	o.mu.Unlock()
	for id := range states {
		o.titles.Forget(id)
		o.buffs.Forget(id)
	}

	lifecycleevents.Shutdown(ctx, o.publisher, o.tick.Load(), lifecycleevents.ShutdownPayload{
		SessionsClosed: len(sessions),
		SavedPlayers:   len(states),
	})
	if saveErr != nil {
		return fmt.Errorf("shutdown save: %w", saveErr)
	}
	return nil
}

func (o *Orchestrator) snapshotSessions() []*session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

func (o *Orchestrator) currentOrEmpty(playerID string) string {
	current, _ := o.titles.Current(playerID)
	return current
}

// refreshBuffs reapplies the worn title's definition to the live
// handle. Sessions still settling are skipped; activation applies the
// buffs once the host side is ready.
func (o *Orchestrator) refreshBuffs(ctx context.Context, s *session) {
	o.mu.Lock()
	active := s.phase == phaseActive
	o.mu.Unlock()
	if !active {
		return
	}
	current, ok := o.titles.Current(s.playerID)
	if !ok {
		o.buffs.Remove(ctx, s.player)
		return
	}
	def, ok := o.catalog.Load().Get(current)
	if !ok {
		o.buffs.Remove(ctx, s.player)
		return
	}
	o.buffs.Apply(ctx, s.player, def)
}

func (o *Orchestrator) pruneAgainstCatalog(ctx context.Context, playerID string) (int, bool) {
	cat := o.catalog.Load()
	count, clearedCurrent := o.titles.PruneInvalid(playerID, cat.Exists)
	titleevents.Pruned(ctx, o.publisher, o.tick.Load(), logging.PlayerRef(playerID), titleevents.PrunedPayload{
		Removed:        count,
		ClearedCurrent: clearedCurrent,
	})
	return count, clearedCurrent
}

// grantDefaults seeds a player who holds nothing with the catalog's
// default titles, selecting the first one.
func (o *Orchestrator) grantDefaults(ctx context.Context, playerID string) {
	if o.titles.UnlockedCount(playerID) > 0 {
		return
	}
	cat := o.catalog.Load()
	for _, def := range cat.All() {
		if !def.Default && !def.FreeByDefault() {
			continue
		}
		if o.titles.Unlock(playerID, def.ID) {
			o.afterUnlock(ctx, playerID, def.ID, "default")
		}
	}
}

// afterUnlock handles the shared tail of every grant: first-unlock
// auto-selection, the unlock event, and the notification hook.
func (o *Orchestrator) afterUnlock(ctx context.Context, playerID, titleID, trigger string) {
	unlockevents.Granted(ctx, o.publisher, o.tick.Load(), logging.PlayerRef(playerID), unlockevents.GrantedPayload{
		TitleID: titleID,
		Trigger: trigger,
	})

	if _, hasCurrent := o.titles.Current(playerID); !hasCurrent {
		if _, err := o.titles.SetCurrent(playerID, titleID); err == nil {
			o.mu.Lock()
			s := o.sessions[playerID]
			o.mu.Unlock()
			if s != nil {
				o.refreshBuffs(ctx, s)
			}
			titleevents.Selected(ctx, o.publisher, o.tick.Load(), logging.PlayerRef(playerID), titleevents.SelectedPayload{
				TitleID: titleID,
			}, nil)
		}
	}

	o.mu.Lock()
	notify := o.onUnlock
	o.mu.Unlock()
	if notify != nil {
		notify(playerID, titleID)
	}
}

// activate transitions a settled session to active and applies the
// worn title's buffs, then runs a first unlock sweep.
func (o *Orchestrator) activate(ctx context.Context, s *session) {
	o.mu.Lock()
	if s.phase != phaseConnecting {
		o.mu.Unlock()
		return
	}
	s.phase = phaseActive
	o.mu.Unlock()

	o.refreshBuffs(ctx, s)
	o.evaluateSession(ctx, s)
}
