package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crestfall/server/internal/attrs"
	"crestfall/server/internal/buff"
	"crestfall/server/internal/catalog"
	"crestfall/server/internal/storage"
	"crestfall/server/internal/telemetry"
	"crestfall/server/internal/title"
	"crestfall/server/logging"
	lifecycleevents "crestfall/server/logging/lifecycle"
	titleevents "crestfall/server/logging/titles"
)

func testCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Definition{
		{
			ID:          "newcomer",
			DisplayName: "Newcomer",
			Default:     true,
			SortOrder:   1,
			Rules: []catalog.Rule{
				{Key: catalog.RuleAutoUnlock, Value: catalog.BoolValue(true)},
			},
		},
		{
			ID:          "slayer",
			DisplayName: "Slayer",
			SortOrder:   2,
			Bonuses:     map[string]float64{"max-health": 10},
			Rules: []catalog.Rule{
				{Key: "kill-mobs", Value: catalog.NumberValue(10)},
			},
		},
		{
			ID:        "founder",
			SortOrder: 3,
			Rules: []catalog.Rule{
				{Key: catalog.RuleAdminOnly, Value: catalog.BoolValue(true)},
			},
		},
	})
}

type fixture struct {
	orch    *Orchestrator
	store   *storage.MemoryStore
	metrics *telemetry.MemoryMetrics
	now     time.Time
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ConnectSettle = 0
	cfg.StatDebounce = 2 * time.Second
	cfg.SweepInterval = time.Minute
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		store:   storage.NewMemoryStore(),
		metrics: telemetry.NewMemoryMetrics(),
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.orch = NewOrchestrator(cfg, testCatalog(), f.store, nil, f.metrics)
	f.orch.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.now = f.now.Add(d)
	f.orch.Advance(context.Background(), f.now)
}

func (f *fixture) connect(t *testing.T, id string) attrs.Player {
	t.Helper()
	player := attrs.NewActor(id, attrs.DefaultVocabulary())
	if err := f.orch.Connect(context.Background(), player); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	return player
}

func TestConnectGrantsAndSelectsDefaults(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "p1")

	if got := f.orch.Current("p1"); got != "newcomer" {
		t.Fatalf("default title should be worn, got %q", got)
	}
	unlocked := f.orch.Unlocked("p1")
	if len(unlocked) != 1 || unlocked[0] != "newcomer" {
		t.Fatalf("only the default should be granted, got %v", unlocked)
	}
}

func TestConnectDoesNotRegrantDefaultsToReturningPlayer(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Save(context.Background(), "p1", storage.PlayerState{
		Current:  "slayer",
		Unlocked: []string{"slayer"},
	})

	player := f.connect(t, "p1")

	if got := f.orch.Current("p1"); got != "slayer" {
		t.Fatalf("persisted selection should survive, got %q", got)
	}
	if f.orch.titles.IsUnlocked("p1", "newcomer") {
		t.Fatalf("defaults must not be granted to a player with history")
	}
	maxHealth, _ := player.Attribute(attrs.KindMaxHealth)
	if maxHealth.Value() != 30 {
		t.Fatalf("worn title buffs should apply on activation, got %v", maxHealth.Value())
	}
}

func TestConnectSweepsStrayModifiers(t *testing.T) {
	f := newFixture(t, nil)
	player := attrs.NewActor("p1", attrs.DefaultVocabulary())
	armor, _ := player.Attribute(attrs.KindArmor)
	armor.AddModifier(attrs.Modifier{
		ID:     uuid.New(),
		Name:   buff.TagOwner + ".ghost.armor",
		Amount: 4,
		Tag:    attrs.Tag{Owner: buff.TagOwner, Purpose: "ghost"},
	})

	if err := f.orch.Connect(context.Background(), player); err != nil {
		t.Fatalf("connect: %v", err)
	}

	armor, _ = player.Attribute(attrs.KindArmor)
	if armor.Value() != 0 {
		t.Fatalf("stray modifier should be swept on connect, armor=%v", armor.Value())
	}
}

func TestConnectPrunesTitlesMissingFromCatalog(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Save(context.Background(), "p1", storage.PlayerState{
		Current:  "retired",
		Unlocked: []string{"retired", "slayer"},
	})

	f.connect(t, "p1")

	if f.orch.titles.IsUnlocked("p1", "retired") {
		t.Fatalf("title absent from catalog should be pruned on load")
	}
	if got := f.orch.Current("p1"); got != "" {
		t.Fatalf("pruned worn title should clear selection, got %q", got)
	}
}

func TestStatReportsDebounceIntoOneSweep(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "p1")
	sweepsAfterConnect := f.metrics.Value(sweepsRunMetricKey)

	for i := 0; i < 5; i++ {
		f.orch.RecordKill("p1", "zombie", 2)
	}
	f.advance(t, 100*time.Millisecond)

	if got := f.metrics.Value(sweepsRunMetricKey); got != sweepsAfterConnect {
		t.Fatalf("sweep must wait for the debounce window, ran %d extra", got-sweepsAfterConnect)
	}
	if f.orch.titles.IsUnlocked("p1", "slayer") {
		t.Fatalf("unlock should not land before the debounced sweep")
	}

	f.advance(t, 2*time.Second)

	if got := f.metrics.Value(sweepsRunMetricKey); got != sweepsAfterConnect+1 {
		t.Fatalf("burst should coalesce into one sweep, got %d extra", got-sweepsAfterConnect)
	}
	if !f.orch.titles.IsUnlocked("p1", "slayer") {
		t.Fatalf("threshold met, slayer should unlock")
	}
}

func TestFirstStatUnlockAutoSelectsAndBuffs(t *testing.T) {
	f := newFixture(t, nil)
	// A catalog with no default titles, so the stat unlock becomes the
	// player's first.
	f.orch.ReplaceCatalog(context.Background(), catalog.New([]catalog.Definition{
		{
			ID:      "slayer",
			Bonuses: map[string]float64{"max-health": 10},
			Rules: []catalog.Rule{
				{Key: "kill-mobs", Value: catalog.NumberValue(10)},
			},
		},
	}))
	player := f.connect(t, "p1")

	if got := f.orch.Current("p1"); got != "" {
		t.Fatalf("nothing should be worn yet, got %q", got)
	}

	f.orch.RecordKill("p1", "zombie", 10)
	f.advance(t, 100*time.Millisecond)
	f.advance(t, 2*time.Second)

	if got := f.orch.Current("p1"); got != "slayer" {
		t.Fatalf("first unlock should auto-select, got %q", got)
	}
	maxHealth, _ := player.Attribute(attrs.KindMaxHealth)
	if maxHealth.Value() != 30 {
		t.Fatalf("auto-selected title should carry its buffs, got %v", maxHealth.Value())
	}
}

func TestAdminOnlyTitleNeverUnlocksFromStats(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "p1")

	f.orch.RecordKill("p1", "zombie", 1000)
	f.advance(t, 100*time.Millisecond)
	f.advance(t, 2*time.Second)

	if !f.orch.titles.IsUnlocked("p1", "slayer") {
		t.Fatalf("sweep should have run and unlocked slayer")
	}
	if f.orch.titles.IsUnlocked("p1", "founder") {
		t.Fatalf("admin-only titles must only come from Grant")
	}
	if got := f.orch.Grant(context.Background(), "p1", "founder", "admin"); got != GrantNew {
		t.Fatalf("expected GrantNew, got %v", got)
	}
	if got := f.orch.Grant(context.Background(), "p1", "founder", "admin"); got != GrantAlreadyHeld {
		t.Fatalf("expected GrantAlreadyHeld, got %v", got)
	}
	if got := f.orch.Grant(context.Background(), "p1", "ghost", "admin"); got != GrantUnknownTitle {
		t.Fatalf("expected GrantUnknownTitle, got %v", got)
	}
}

func TestSelectTitleRejectsUnheldAndUnknown(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "p1")

	if err := f.orch.SelectTitle(context.Background(), "p1", "slayer"); !errors.Is(err, title.ErrNotUnlocked) {
		t.Fatalf("expected ErrNotUnlocked, got %v", err)
	}
	if got := f.orch.Current("p1"); got != "newcomer" {
		t.Fatalf("failed select must not disturb the worn title, got %q", got)
	}
	if err := f.orch.SelectTitle(context.Background(), "p1", "ghost"); !errors.Is(err, ErrUnknownTitle) {
		t.Fatalf("expected ErrUnknownTitle, got %v", err)
	}
	if err := f.orch.SelectTitle(context.Background(), "stranger", "slayer"); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("expected ErrUnknownPlayer, got %v", err)
	}
}

func TestCatchUpSweepRunsWithoutStatEvents(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.SweepInterval = 5 * time.Second
	})
	f.connect(t, "p1")

	// Mutate the source directly, simulating a counter the edge never
	// reported. Only the periodic sweep can observe it.
	f.orch.mu.Lock()
	f.orch.sessions["p1"].source.AddKill("zombie", 50)
	f.orch.mu.Unlock()

	f.advance(t, time.Second)
	if f.orch.titles.IsUnlocked("p1", "slayer") {
		t.Fatalf("no debounce armed, unlock should wait for the catch-up sweep")
	}

	f.advance(t, 5*time.Second)
	if !f.orch.titles.IsUnlocked("p1", "slayer") {
		t.Fatalf("catch-up sweep should converge missed progress")
	}
}

func TestDisconnectPersistsAndForgets(t *testing.T) {
	f := newFixture(t, nil)
	player := f.connect(t, "p1")

	if err := f.orch.Disconnect(context.Background(), "p1", "quit"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	state, ok, err := f.store.Load(context.Background(), "p1")
	if err != nil || !ok {
		t.Fatalf("state should be persisted, ok=%v err=%v", ok, err)
	}
	if state.Current != "newcomer" {
		t.Fatalf("persisted current mismatch: %+v", state)
	}
	if f.orch.titles.UnlockedCount("p1") != 0 {
		t.Fatalf("in-memory state should be forgotten")
	}

	maxHealth, _ := player.Attribute(attrs.KindMaxHealth)
	for _, modifier := range maxHealth.Modifiers() {
		if modifier.Tag.Owner == buff.TagOwner {
			t.Fatalf("buffs must come off before the handle is released")
		}
	}

	if err := f.orch.Disconnect(context.Background(), "p1", "quit"); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("second disconnect should fail, got %v", err)
	}
}

func TestPeriodicPersistence(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.SaveInterval = time.Minute
	})
	f.connect(t, "p1")

	f.advance(t, 30*time.Second)
	if _, ok, _ := f.store.Load(context.Background(), "p1"); ok {
		t.Fatalf("snapshot should wait for the save interval")
	}

	f.advance(t, 31*time.Second)
	if _, ok, _ := f.store.Load(context.Background(), "p1"); !ok {
		t.Fatalf("periodic snapshot missing")
	}
}

func TestSaveIntervalClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SaveInterval = time.Millisecond
	if err := cfg.normalise(); err != nil {
		t.Fatalf("normalise: %v", err)
	}
	if cfg.SaveInterval != minSaveInterval {
		t.Fatalf("expected clamp to %v, got %v", minSaveInterval, cfg.SaveInterval)
	}
}

func TestShutdownPersistsEverySession(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "p1")
	f.connect(t, "p2")

	if err := f.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for _, id := range []string{"p1", "p2"} {
		if _, ok, _ := f.store.Load(context.Background(), id); !ok {
			t.Fatalf("session %s not persisted on shutdown", id)
		}
	}
	if len(f.orch.snapshotSessions()) != 0 {
		t.Fatalf("sessions should be cleared after shutdown")
	}
}

func TestReplaceCatalogPrunesAndReapplies(t *testing.T) {
	f := newFixture(t, nil)
	player := f.connect(t, "p1")
	f.orch.RecordKill("p1", "zombie", 10)
	f.advance(t, 100*time.Millisecond)
	f.advance(t, 2*time.Second)
	if err := f.orch.SelectTitle(context.Background(), "p1", "slayer"); err != nil {
		t.Fatalf("select slayer: %v", err)
	}

	// New catalog drops slayer entirely.
	f.orch.ReplaceCatalog(context.Background(), catalog.New([]catalog.Definition{
		{ID: "newcomer", Default: true},
	}))

	if f.orch.titles.IsUnlocked("p1", "slayer") {
		t.Fatalf("dropped title should be pruned on reload")
	}
	if got := f.orch.Current("p1"); got != "" {
		t.Fatalf("worn dropped title should clear, got %q", got)
	}
	maxHealth, _ := player.Attribute(attrs.KindMaxHealth)
	if maxHealth.Value() != 20 {
		t.Fatalf("buffs of a dropped title must come off, got %v", maxHealth.Value())
	}
}

func TestConnectSettleDelaysBuffs(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ConnectSettle = time.Second
	})
	f.store.Save(context.Background(), "p1", storage.PlayerState{
		Current:  "slayer",
		Unlocked: []string{"slayer"},
	})
	player := f.connect(t, "p1")

	maxHealth, _ := player.Attribute(attrs.KindMaxHealth)
	if maxHealth.Value() != 20 {
		t.Fatalf("buffs must wait for the settle delay, got %v", maxHealth.Value())
	}

	f.advance(t, 1100*time.Millisecond)

	maxHealth, _ = player.Attribute(attrs.KindMaxHealth)
	if maxHealth.Value() != 30 {
		t.Fatalf("settled session should carry its buffs, got %v", maxHealth.Value())
	}
}

// flakyStore fails a fixed number of saves before recovering.
type flakyStore struct {
	storage.Store
	failures int
}

func (s *flakyStore) Save(ctx context.Context, playerID string, state storage.PlayerState) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, playerID, state)
}

func TestFailedDisconnectSaveRetainsRecordForRetry(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.SaveInterval = time.Minute
	})
	f.orch.store = &flakyStore{Store: f.store, failures: 1}

	f.connect(t, "p1")
	if got := f.orch.Grant(context.Background(), "p1", "slayer", "admin"); got != GrantNew {
		t.Fatalf("grant slayer: %v", got)
	}

	if err := f.orch.Disconnect(context.Background(), "p1", "quit"); err == nil {
		t.Fatalf("disconnect should surface the save failure")
	}
	if _, ok, _ := f.store.Load(context.Background(), "p1"); ok {
		t.Fatalf("failed save must not have written")
	}
	if f.orch.titles.UnlockedCount("p1") == 0 {
		t.Fatalf("record must stay loaded so the next snapshot can retry")
	}

	f.advance(t, 61*time.Second)

	state, ok, _ := f.store.Load(context.Background(), "p1")
	if !ok {
		t.Fatalf("periodic snapshot should retry the failed save")
	}
	held := false
	for _, id := range state.Unlocked {
		if id == "slayer" {
			held = true
		}
	}
	if !held {
		t.Fatalf("retried snapshot lost progress: %+v", state)
	}
}

func TestReconnectPrefersRetainedRecordOverStore(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.store = &flakyStore{Store: f.store, failures: 1}

	f.connect(t, "p1")
	if got := f.orch.Grant(context.Background(), "p1", "slayer", "admin"); got != GrantNew {
		t.Fatalf("grant slayer: %v", got)
	}
	if err := f.orch.Disconnect(context.Background(), "p1", "quit"); err == nil {
		t.Fatalf("disconnect should surface the save failure")
	}

	f.connect(t, "p1")

	if !f.orch.titles.IsUnlocked("p1", "slayer") {
		t.Fatalf("retained record outranks the stale store on reconnect")
	}
}

func TestShutdownPersistsRecordsWithoutSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.store = &flakyStore{Store: f.store, failures: 1}

	f.connect(t, "p1")
	if err := f.orch.Disconnect(context.Background(), "p1", "quit"); err == nil {
		t.Fatalf("disconnect should surface the save failure")
	}

	if err := f.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, ok, _ := f.store.Load(context.Background(), "p1"); !ok {
		t.Fatalf("shutdown must persist records retained after a failed save")
	}
}

func TestProgressAndUnlockedCount(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "p1")
	f.orch.RecordKill("p1", "zombie", 4)
	f.advance(t, 100*time.Millisecond)

	if got := f.orch.UnlockedCount("p1"); got != 1 {
		t.Fatalf("expected 1 unlocked title, got %d", got)
	}

	progress, err := f.orch.Progress(context.Background(), "p1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	// founder is admin-only and unheld, so only two titles are visible.
	if len(progress) != 2 {
		t.Fatalf("expected 2 visible titles, got %d", len(progress))
	}
	newcomer := progress[0]
	if newcomer.TitleID != "newcomer" || !newcomer.Unlocked || len(newcomer.Rules) != 0 {
		t.Fatalf("unexpected newcomer progress: %+v", newcomer)
	}
	slayer := progress[1]
	if slayer.TitleID != "slayer" || slayer.Unlocked {
		t.Fatalf("unexpected slayer progress: %+v", slayer)
	}
	if len(slayer.Rules) != 1 {
		t.Fatalf("slayer should expose one gating rule, got %+v", slayer.Rules)
	}
	rule := slayer.Rules[0]
	if rule.Key != "kill-mobs" || rule.Target != 10 || rule.Value != 4 || rule.Met {
		t.Fatalf("unexpected rule standing: %+v", rule)
	}

	if _, err := f.orch.Progress(context.Background(), "ghost"); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("expected ErrUnknownPlayer, got %v", err)
	}
}

// eventRecorder captures published events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []logging.Event
}

func (r *eventRecorder) Publish(_ context.Context, event logging.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) find(eventType logging.EventType) (logging.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.events {
		if event.Type == eventType {
			return event, true
		}
	}
	return logging.Event{}, false
}

func TestPruneAndShutdownEventsCarryCounts(t *testing.T) {
	recorder := &eventRecorder{}
	cfg := DefaultConfig()
	cfg.ConnectSettle = 0
	store := storage.NewMemoryStore()
	store.Save(context.Background(), "p1", storage.PlayerState{
		Current:  "retired",
		Unlocked: []string{"retired", "slayer"},
	})
	orch := NewOrchestrator(cfg, testCatalog(), store, recorder, nil)

	player := attrs.NewActor("p1", attrs.DefaultVocabulary())
	if err := orch.Connect(context.Background(), player); err != nil {
		t.Fatalf("connect: %v", err)
	}

	pruned, ok := recorder.find(titleevents.EventPruned)
	if !ok {
		t.Fatalf("prune event missing")
	}
	prunedPayload, ok := pruned.Payload.(titleevents.PrunedPayload)
	if !ok {
		t.Fatalf("unexpected prune payload type %T", pruned.Payload)
	}
	if prunedPayload.Removed != 1 || !prunedPayload.ClearedCurrent {
		t.Fatalf("unexpected prune payload: %+v", prunedPayload)
	}

	if err := orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	shutdown, ok := recorder.find(lifecycleevents.EventShutdown)
	if !ok {
		t.Fatalf("shutdown event missing")
	}
	shutdownPayload, ok := shutdown.Payload.(lifecycleevents.ShutdownPayload)
	if !ok {
		t.Fatalf("unexpected shutdown payload type %T", shutdown.Payload)
	}
	if shutdownPayload.SessionsClosed != 1 || shutdownPayload.SavedPlayers != 1 {
		t.Fatalf("unexpected shutdown payload: %+v", shutdownPayload)
	}
}

func TestConcurrentMutationsSerializeOnTickLoop(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.TickRate = 60
		cfg.StatDebounce = 10 * time.Millisecond
		cfg.SweepInterval = 50 * time.Millisecond
	})
	f.orch.SetClock(time.Now)

	stop := make(chan struct{})
	loopDone := make(chan struct{})
	go func() {
		f.orch.RunLoop(stop)
		close(loopDone)
	}()

	player := f.connect(t, "p1")
	if got := f.orch.Grant(context.Background(), "p1", "slayer", "admin"); got != GrantNew {
		t.Fatalf("grant slayer: %v", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			titleID := "slayer"
			if n%2 == 1 {
				titleID = "newcomer"
			}
			for j := 0; j < 25; j++ {
				f.orch.SelectTitle(context.Background(), "p1", titleID)
				f.orch.RecordKill("p1", "zombie", 1)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 25; j++ {
			f.orch.ReplaceCatalog(context.Background(), testCatalog())
		}
	}()
	wg.Wait()
	close(stop)
	<-loopDone

	current := f.orch.Current("p1")
	if current != "slayer" && current != "newcomer" {
		t.Fatalf("unexpected worn title %q", current)
	}
	maxHealth, _ := player.Attribute(attrs.KindMaxHealth)
	tagged := 0
	for _, modifier := range maxHealth.Modifiers() {
		if modifier.Tag.Owner == buff.TagOwner {
			tagged++
		}
	}
	if tagged > 1 {
		t.Fatalf("interleaved operations stacked %d modifiers", tagged)
	}
	want := 20.0
	if current == "slayer" {
		want = 30
	}
	if got := maxHealth.Value(); got != want {
		t.Fatalf("worn title %q should leave max health %v, got %v", current, want, got)
	}
}

func TestUnlockListenerFires(t *testing.T) {
	f := newFixture(t, nil)
	var got []string
	f.orch.SetUnlockListener(func(playerID, titleID string) {
		got = append(got, playerID+":"+titleID)
	})
	f.connect(t, "p1")

	if len(got) != 1 || got[0] != "p1:newcomer" {
		t.Fatalf("default grant should notify, got %v", got)
	}
}
