package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crestfall/server/internal/attrs"
	"crestfall/server/internal/telemetry"
)

// Hub owns the network edge: it turns HTTP/WebSocket traffic into
// orchestrator calls and pushes unlock notifications back out.
type Hub struct {
	orch   *Orchestrator
	logger telemetry.Logger

	// ctx bounds orchestrator calls made from socket readers; CloseAll
	// cancels it so no reader waits past shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers map[string]*subscriber
	nextID      atomic.Uint64

	upgrader websocket.Upgrader
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// NewHub wires a hub over an orchestrator. Unlock notifications flow
// to whichever socket the player currently holds.
func NewHub(orch *Orchestrator, logger telemetry.Logger) *Hub {
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		orch:        orch,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]*subscriber),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	orch.SetUnlockListener(h.notifyUnlock)
	return h
}

// Routes returns the hub's HTTP surface.
func (h *Hub) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/join", h.handleJoin)
	mux.HandleFunc("/ws", h.handleSocket)
	mux.HandleFunc("/titles", h.handleTitles)
	return mux
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// handleJoin registers a player session and returns their standing
// plus the visible catalog.
func (h *Hub) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	playerID := fmt.Sprintf("player-%d", h.nextID.Add(1))
	player := attrs.NewActor(playerID, attrs.DefaultVocabulary())
	if err := h.orch.Connect(r.Context(), player); err != nil {
		h.logger.Printf("join failed for %s: %v", playerID, err)
		http.Error(w, "join failed", http.StatusInternalServerError)
		return
	}

	unlocked := h.orch.Unlocked(playerID)
	response := joinResponse{
		ID:       playerID,
		Current:  h.orch.Current(playerID),
		Unlocked: unlocked,
		Titles:   catalogViews(h.orch.Catalog(), unlocked),
	}
	writeJSON(w, response)
}

// handleTitles serves a player's current standing over plain HTTP, for
// dashboards and admin tooling.
func (h *Hub) handleTitles(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("id")
	if playerID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	progress, err := h.orch.Progress(r.Context(), playerID)
	if err != nil {
		if errors.Is(err, ErrUnknownPlayer) {
			http.Error(w, "unknown player", http.StatusNotFound)
			return
		}
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	standing := h.standing(playerID)
	standing.Progress = progressViews(progress)
	writeJSON(w, standing)
}

// standing builds the player's current titles message.
func (h *Hub) standing(playerID string) titlesMessage {
	return titlesMessage{
		Type:          "titles",
		Current:       h.orch.Current(playerID),
		Unlocked:      h.orch.Unlocked(playerID),
		UnlockedCount: h.orch.UnlockedCount(playerID),
	}
}

func (h *Hub) handleSocket(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("id")
	if playerID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", playerID, err)
		return
	}

	sub := &subscriber{conn: conn}
	h.mu.Lock()
	if existing, ok := h.subscribers[playerID]; ok {
		existing.conn.Close()
	}
	h.subscribers[playerID] = sub
	h.mu.Unlock()

	sub.send(h.standing(playerID))

	go h.readLoop(playerID, sub)
}

// readLoop consumes one socket until it closes. Statistic reports are
// staged for the tick loop; selection changes apply synchronously and
// echo the player's new standing.
func (h *Hub) readLoop(playerID string, sub *subscriber) {
	defer h.dropSubscriber(playerID, sub)

	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sub.send(errorMessage{Type: "error", Reason: "malformed message"})
			continue
		}

		switch msg.Type {
		case "counter":
			h.stage(sub, h.orch.RecordCounter(playerID, msg.Key, positive(msg.Delta)))
		case "kill":
			h.stage(sub, h.orch.RecordKill(playerID, msg.Key, positive(msg.Delta)))
		case "mined":
			h.stage(sub, h.orch.RecordMined(playerID, msg.Key, positive(msg.Delta)))
		case "flag":
			h.stage(sub, h.orch.RecordFlag(playerID, msg.Key))
		case "select":
			if err := h.orch.SelectTitle(h.ctx, playerID, msg.Title); err != nil {
				sub.send(errorMessage{Type: "error", Reason: err.Error()})
				continue
			}
			sub.send(h.standing(playerID))
		case "unlock":
			switch h.orch.Grant(h.ctx, playerID, msg.Title, "admin") {
			case GrantUnknownTitle:
				sub.send(errorMessage{Type: "error", Reason: "unknown title"})
			case GrantUnknownPlayer:
				sub.send(errorMessage{Type: "error", Reason: "unknown player"})
			default:
				sub.send(h.standing(playerID))
			}
		case "revoke":
			switch h.orch.Revoke(h.ctx, playerID, msg.Title) {
			case RevokeNotHeld:
				sub.send(errorMessage{Type: "error", Reason: "title not held"})
			case RevokeUnknownPlayer:
				sub.send(errorMessage{Type: "error", Reason: "unknown player"})
			default:
				sub.send(h.standing(playerID))
			}
		case "prune":
			h.orch.Prune(h.ctx, playerID)
			sub.send(h.standing(playerID))
		case "query":
			progress, err := h.orch.Progress(h.ctx, playerID)
			if err != nil {
				sub.send(errorMessage{Type: "error", Reason: err.Error()})
				continue
			}
			standing := h.standing(playerID)
			standing.Progress = progressViews(progress)
			sub.send(standing)
		case "heartbeat":
			sub.send(heartbeatMessage{
				Type:       "heartbeat",
				Sent:       msg.Sent,
				ServerTime: time.Now().UnixMilli(),
			})
		default:
			sub.send(errorMessage{Type: "error", Reason: "unknown message type"})
		}
	}
}

func (h *Hub) stage(sub *subscriber, ok bool) {
	if !ok {
		sub.send(errorMessage{Type: "error", Reason: "server busy, report dropped"})
	}
}

func (h *Hub) dropSubscriber(playerID string, sub *subscriber) {
	sub.conn.Close()

	h.mu.Lock()
	current, ok := h.subscribers[playerID]
	if ok && current == sub {
		delete(h.subscribers, playerID)
	} else {
		// A newer socket replaced this one; the session stays up.
		ok = false
	}
	h.mu.Unlock()

	if ok {
		err := h.orch.Disconnect(h.ctx, playerID, "socket closed")
		if err != nil && err != ErrUnknownPlayer && !errors.Is(err, context.Canceled) {
			h.logger.Printf("disconnect failed for %s: %v", playerID, err)
		}
	}
}

// notifyUnlock pushes an unlock event to the player's live socket, if
// any.
func (h *Hub) notifyUnlock(playerID, titleID string) {
	h.mu.Lock()
	sub, ok := h.subscribers[playerID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := sub.send(unlockMessage{Type: "unlock", Title: titleID}); err != nil {
		h.logger.Printf("unlock notify failed for %s: %v", playerID, err)
	}
}

// CloseAll cancels in-flight orchestrator calls from readers and
// closes every live socket. The orchestrator's own shutdown persists
// whatever the cut-short disconnects skipped.
func (h *Hub) CloseAll() {
	h.cancel()
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]*subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.conn.Close()
	}
}

func positive(delta int64) int64 {
	if delta <= 0 {
		return 1
	}
	return delta
}

func writeJSON(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "failed to encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
