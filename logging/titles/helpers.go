package titles

import (
	"context"

	"crestfall/server/logging"
)

const (
	// EventSelected is emitted when a player's current title changes.
	EventSelected logging.EventType = "titles.selected"
	// EventCleared is emitted when a player's current title is removed.
	EventCleared logging.EventType = "titles.cleared"
	// EventRevoked is emitted when an unlocked title is taken away.
	EventRevoked logging.EventType = "titles.revoked"
	// EventPruned is emitted after invalid titles are removed from a record.
	EventPruned logging.EventType = "titles.pruned"
)

// SelectedPayload captures a title switch.
type SelectedPayload struct {
	TitleID  string `json:"titleId"`
	Previous string `json:"previous,omitempty"`
}

// RevokedPayload captures a revocation and whether it cleared the selection.
type RevokedPayload struct {
	TitleID        string `json:"titleId"`
	ClearedCurrent bool   `json:"clearedCurrent"`
}

// PrunedPayload captures the outcome of an invalid-title prune.
type PrunedPayload struct {
	Removed        int  `json:"removed"`
	ClearedCurrent bool `json:"clearedCurrent"`
}

// Selected publishes a title selection event.
func Selected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SelectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSelected,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{logging.TitleRef(payload.TitleID)},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryTitles,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Cleared publishes a selection-cleared event.
func Cleared(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, previous string) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventCleared,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryTitles,
		Payload:  SelectedPayload{Previous: previous},
	}
	pub.Publish(ctx, event)
}

// Revoked publishes a title revocation event.
func Revoked(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RevokedPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventRevoked,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{logging.TitleRef(payload.TitleID)},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryTitles,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}

// Pruned publishes the result of an invalid-title prune.
func Pruned(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PrunedPayload) {
	if pub == nil {
		return
	}
	if payload.Removed == 0 && !payload.ClearedCurrent {
		return
	}
	event := logging.Event{
		Type:     EventPruned,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryTitles,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}
