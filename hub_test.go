package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) (*Hub, *fixture) {
	t.Helper()
	f := newFixture(t, nil)
	return NewHub(f.orch, nil), f
}

func TestJoinReturnsStandingAndCatalog(t *testing.T) {
	hub, _ := newTestHub(t)
	server := httptest.NewServer(hub.Routes())
	defer server.Close()

	resp, err := http.Post(server.URL+"/join", "application/json", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status %d", resp.StatusCode)
	}

	var join joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if join.ID == "" {
		t.Fatalf("join should assign an id")
	}
	if join.Current != "newcomer" {
		t.Fatalf("default title should be worn, got %q", join.Current)
	}
	if len(join.Titles) == 0 {
		t.Fatalf("catalog views missing from join response")
	}
}

func TestJoinRejectsGet(t *testing.T) {
	hub, _ := newTestHub(t)
	server := httptest.NewServer(hub.Routes())
	defer server.Close()

	resp, err := http.Get(server.URL + "/join")
	if err != nil {
		t.Fatalf("get join: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestTitlesEndpoint(t *testing.T) {
	hub, f := newTestHub(t)
	server := httptest.NewServer(hub.Routes())
	defer server.Close()

	f.connect(t, "p1")

	resp, err := http.Get(server.URL + "/titles?id=p1")
	if err != nil {
		t.Fatalf("titles: %v", err)
	}
	defer resp.Body.Close()

	var msg titlesMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Current != "newcomer" || len(msg.Unlocked) != 1 {
		t.Fatalf("unexpected standing: %+v", msg)
	}
	if msg.UnlockedCount != 1 {
		t.Fatalf("unexpected unlocked count: %+v", msg)
	}
	// founder is admin-only and unheld, so it stays out of the report.
	if len(msg.Progress) != 2 {
		t.Fatalf("expected progress for 2 visible titles, got %+v", msg.Progress)
	}

	resp, err = http.Get(server.URL + "/titles")
	if err != nil {
		t.Fatalf("titles without id: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing id should 400, got %d", resp.StatusCode)
	}
}

// socketEvent folds every server-to-client message shape into one
// struct so tests can decode whatever arrives next.
type socketEvent struct {
	Type          string              `json:"type"`
	Title         string              `json:"title"`
	Reason        string              `json:"reason"`
	Current       string              `json:"current"`
	Unlocked      []string            `json:"unlocked"`
	UnlockedCount int                 `json:"unlockedCount"`
	Progress      []titleProgressView `json:"progress"`
}

func readEvent(t *testing.T, conn *websocket.Conn) socketEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read socket: %v", err)
	}
	var event socketEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode socket message: %v", err)
	}
	return event
}

func sendEvent(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write socket: %v", err)
	}
}

func TestSocketAdminAndQueryMessages(t *testing.T) {
	hub, f := newTestHub(t)
	server := httptest.NewServer(hub.Routes())
	defer server.Close()

	f.connect(t, "p1")

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?id=p1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	initial := readEvent(t, conn)
	if initial.Type != "titles" || initial.Current != "newcomer" || initial.UnlockedCount != 1 {
		t.Fatalf("unexpected initial standing: %+v", initial)
	}

	sendEvent(t, conn, clientMessage{Type: "unlock", Title: "founder"})
	push := readEvent(t, conn)
	if push.Type != "unlock" || push.Title != "founder" {
		t.Fatalf("expected unlock push, got %+v", push)
	}
	standing := readEvent(t, conn)
	if standing.Type != "titles" || standing.UnlockedCount != 2 {
		t.Fatalf("unexpected standing after unlock: %+v", standing)
	}

	sendEvent(t, conn, clientMessage{Type: "unlock", Title: "ghost"})
	fail := readEvent(t, conn)
	if fail.Type != "error" || fail.Reason != "unknown title" {
		t.Fatalf("expected unknown-title error, got %+v", fail)
	}

	sendEvent(t, conn, clientMessage{Type: "query"})
	report := readEvent(t, conn)
	if report.Type != "titles" || report.UnlockedCount != 2 {
		t.Fatalf("unexpected query standing: %+v", report)
	}
	// newcomer, slayer and the now-held founder are all visible.
	if len(report.Progress) != 3 {
		t.Fatalf("expected progress for 3 titles, got %+v", report.Progress)
	}
	var slayer *titleProgressView
	for i := range report.Progress {
		if report.Progress[i].ID == "slayer" {
			slayer = &report.Progress[i]
		}
	}
	if slayer == nil || len(slayer.Rules) != 1 || slayer.Rules[0].Key != "kill-mobs" {
		t.Fatalf("slayer progress missing its gating rule: %+v", report.Progress)
	}

	sendEvent(t, conn, clientMessage{Type: "revoke", Title: "founder"})
	standing = readEvent(t, conn)
	if standing.Type != "titles" || standing.UnlockedCount != 1 {
		t.Fatalf("unexpected standing after revoke: %+v", standing)
	}

	sendEvent(t, conn, clientMessage{Type: "revoke", Title: "founder"})
	fail = readEvent(t, conn)
	if fail.Type != "error" || fail.Reason != "title not held" {
		t.Fatalf("expected not-held error, got %+v", fail)
	}

	sendEvent(t, conn, clientMessage{Type: "prune"})
	standing = readEvent(t, conn)
	if standing.Type != "titles" || standing.UnlockedCount != 1 {
		t.Fatalf("unexpected standing after prune: %+v", standing)
	}
}

func TestHealthEndpoint(t *testing.T) {
	hub, _ := newTestHub(t)
	server := httptest.NewServer(hub.Routes())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}
