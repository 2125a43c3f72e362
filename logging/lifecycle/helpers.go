package lifecycle

import (
	"context"

	"crestfall/server/logging"
)

const (
	// EventPlayerConnected is emitted when a player session begins.
	EventPlayerConnected logging.EventType = "lifecycle.player_connected"
	// EventPlayerDisconnected is emitted when a player session ends.
	EventPlayerDisconnected logging.EventType = "lifecycle.player_disconnected"
	// EventShutdown is emitted once during orderly shutdown.
	EventShutdown logging.EventType = "lifecycle.shutdown"
)

// PlayerConnectedPayload captures session metadata for a new connection.
type PlayerConnectedPayload struct {
	CurrentTitle  string `json:"currentTitle,omitempty"`
	UnlockedCount int    `json:"unlockedCount"`
}

// PlayerDisconnectedPayload captures the reason a player session ended.
type PlayerDisconnectedPayload struct {
	Reason string `json:"reason"`
}

// ShutdownPayload captures shutdown statistics.
type ShutdownPayload struct {
	SessionsClosed int `json:"sessionsClosed"`
	SavedPlayers   int `json:"savedPlayers"`
}

// PlayerConnected publishes a session start event.
func PlayerConnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PlayerConnectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPlayerConnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PlayerDisconnected publishes a session end event.
func PlayerDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PlayerDisconnectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPlayerDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Shutdown publishes the orderly shutdown event.
func Shutdown(ctx context.Context, pub logging.Publisher, tick uint64, payload ShutdownPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventShutdown,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindWorld},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}
