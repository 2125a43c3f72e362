package server

import (
	"context"
	"time"

	"crestfall/server/internal/storage"
	"crestfall/server/internal/unlock"
	"crestfall/server/logging"
	unlockevents "crestfall/server/logging/unlocks"
)

const (
	sweepsRunMetricKey      = "unlock_sweeps_total"
	unlocksGrantedMetricKey = "unlocks_granted_total"
	snapshotsMetricKey      = "snapshots_total"
	ticksMetricKey          = "ticks_total"
)

// RunLoop drives the fixed-rate tick loop until the stop channel
// closes. All periodic work, debounced sweeps, the catch-up sweep and
// snapshot persistence, happens on this goroutine, which also executes
// queued mutating operations between ticks.
func (o *Orchestrator) RunLoop(stop <-chan struct{}) {
	o.running.Store(true)
	ticker := time.NewTicker(o.cfg.TickDuration())
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stop:
			o.running.Store(false)
			o.flushOps(ctx)
			return
		case req := <-o.ops:
			o.runOp(ctx, req)
		case <-ticker.C:
			o.Advance(ctx, o.clock())
		}
	}
}

// flushOps executes operations queued while the loop was stopping, so
// their callers do not wait on a dead loop.
func (o *Orchestrator) flushOps(ctx context.Context) {
	for {
		select {
		case req := <-o.ops:
			o.runOp(ctx, req)
		default:
			return
		}
	}
}

// Advance runs a single tick at the given time. Exposed so tests can
// step the orchestrator with a manual clock.
func (o *Orchestrator) Advance(ctx context.Context, now time.Time) {
	o.execMu.Lock()
	defer o.execMu.Unlock()

	o.tick.Add(1)
	o.metrics.Add(ticksMetricKey, 1)

	o.drainCommands(now)
	o.settleConnecting(ctx, now)
	o.runDueSweeps(ctx, now)

	if now.Sub(o.lastSweep) >= o.cfg.SweepInterval {
		o.lastSweep = now
		o.sweepAll(ctx)
	}
	if now.Sub(o.lastSave) >= o.cfg.SaveInterval {
		o.lastSave = now
		o.persistAll(ctx)
	}
}

// drainCommands folds staged statistic mutations into each session's
// source and arms the debounced sweep deadline.
func (o *Orchestrator) drainCommands(now time.Time) {
	commands := o.Commands.Drain()
	if len(commands) == 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cmd := range commands {
		s, ok := o.sessions[cmd.PlayerID]
		if !ok {
			continue
		}
		switch cmd.Kind {
		case cmdCounter:
			s.source.Add(cmd.Key, cmd.Delta)
		case cmdKill:
			s.source.AddKill(cmd.Key, cmd.Delta)
		case cmdMined:
			s.source.AddMined(cmd.Key, cmd.Delta)
		case cmdFlag:
			s.source.SetFlag(cmd.Key)
		}
		if s.sweepDue.IsZero() {
			s.sweepDue = now.Add(o.cfg.StatDebounce)
		}
	}
}

// settleConnecting activates sessions whose settle delay has elapsed.
func (o *Orchestrator) settleConnecting(ctx context.Context, now time.Time) {
	var ready []*session
	o.mu.Lock()
	for _, s := range o.sessions {
		if s.phase == phaseConnecting && !now.Before(s.settleAt) {
			ready = append(ready, s)
		}
	}
	o.mu.Unlock()
	for _, s := range ready {
		o.activate(ctx, s)
	}
}

// runDueSweeps evaluates every session whose debounce deadline passed.
func (o *Orchestrator) runDueSweeps(ctx context.Context, now time.Time) {
	var due []*session
	o.mu.Lock()
	for _, s := range o.sessions {
		if s.phase != phaseActive || s.sweepDue.IsZero() {
			continue
		}
		if !now.Before(s.sweepDue) {
			s.sweepDue = time.Time{}
			due = append(due, s)
		}
	}
	o.mu.Unlock()
	for _, s := range due {
		o.evaluateSession(ctx, s)
	}
}

// sweepAll is the periodic catch-up pass over every active session. It
// exists so a lost debounce or an accessor that moved without a
// reported event still converges.
func (o *Orchestrator) sweepAll(ctx context.Context) {
	for _, s := range o.snapshotSessions() {
		o.mu.Lock()
		active := s.phase == phaseActive
		o.mu.Unlock()
		if active {
			o.evaluateSession(ctx, s)
		}
	}
}

// evaluateSession runs the unlock evaluator over every catalog title
// the player does not hold yet. Titles with no gating rules are never
// swept: free titles are seeded once at first join, and a player who
// later loses one keeps it lost.
func (o *Orchestrator) evaluateSession(ctx context.Context, s *session) {
	o.metrics.Add(sweepsRunMetricKey, 1)
	cat := o.catalog.Load()
	for _, def := range cat.All() {
		if def.AdminOnly() || o.titles.IsUnlocked(s.playerID, def.ID) {
			continue
		}
		if len(def.GatingRules()) == 0 {
			continue
		}
		result := unlock.Evaluate(def, s.source)
		o.reportUnknowns(ctx, def.ID, result)
		if !result.Eligible {
			continue
		}
		if o.titles.Unlock(s.playerID, def.ID) {
			o.metrics.Add(unlocksGrantedMetricKey, 1)
			o.afterUnlock(ctx, s.playerID, def.ID, "stats")
		}
	}
}

// reportUnknowns logs unknown rule keys and event ids once per title,
// so a misconfigured catalog entry does not flood the sinks on every
// sweep.
func (o *Orchestrator) reportUnknowns(ctx context.Context, titleID string, result unlock.Result) {
	for _, key := range result.UnknownRules {
		mark := titleID + "|" + key
		o.mu.Lock()
		_, seen := o.warnedRules[mark]
		if !seen {
			o.warnedRules[mark] = struct{}{}
		}
		o.mu.Unlock()
		if seen {
			continue
		}
		unlockevents.UnknownRule(ctx, o.publisher, o.tick.Load(), unlockevents.UnknownRulePayload{
			TitleID: titleID,
			RuleKey: key,
		})
	}
	for _, event := range result.UnknownEvents {
		mark := titleID + "|event:" + event
		o.mu.Lock()
		_, seen := o.warnedRules[mark]
		if !seen {
			o.warnedRules[mark] = struct{}{}
		}
		o.mu.Unlock()
		if seen {
			continue
		}
		unlockevents.UnknownEvent(ctx, o.publisher, o.tick.Load(), unlockevents.UnknownEventPayload{
			TitleID: titleID,
			EventID: event,
		})
	}
}

// persistAll snapshots every loaded player in one batch.
func (o *Orchestrator) persistAll(ctx context.Context) {
	states := make(map[string]storage.PlayerState)
	for _, id := range o.titles.Players() {
		if state, ok := o.titles.Snapshot(id); ok {
			states[id] = storage.PlayerState(state)
		}
	}
	if len(states) == 0 {
		return
	}
	if err := o.store.SaveAll(ctx, states); err != nil {
		if o.publisher == nil {
			return
		}
		o.publisher.Publish(ctx, logging.Event{
			Type:     "persistence.save_failed",
			Tick:     o.tick.Load(),
			Severity: logging.SeverityError,
			Category: logging.CategorySystem,
			Payload:  map[string]any{"error": err.Error(), "players": len(states)},
		})
		return
	}
	o.metrics.Add(snapshotsMetricKey, 1)
}
