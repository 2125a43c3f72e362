package buffs

import (
	"context"

	"crestfall/server/logging"
)

const (
	// EventApplied is emitted after a title's modifiers are attached.
	EventApplied logging.EventType = "buffs.applied"
	// EventRemoved is emitted after all engine modifiers are detached.
	EventRemoved logging.EventType = "buffs.removed"
	// EventStraySwept is emitted when a leaked modifier is force-removed.
	EventStraySwept logging.EventType = "buffs.stray_swept"
	// EventKindUnavailable is emitted once per attribute name the host
	// vocabulary cannot resolve.
	EventKindUnavailable logging.EventType = "buffs.kind_unavailable"
	// EventExtensionFailed is emitted when the extension subsystem errors.
	EventExtensionFailed logging.EventType = "buffs.extension_failed"
)

// AppliedPayload captures the modifiers attached for a title.
type AppliedPayload struct {
	TitleID   string  `json:"titleId"`
	Modifiers int     `json:"modifiers"`
	Health    float64 `json:"health"`
}

// RemovedPayload captures a removal pass.
type RemovedPayload struct {
	Recorded int `json:"recorded"`
	Swept    int `json:"swept"`
}

// StraySweptPayload names the attribute a leaked modifier was found on.
type StraySweptPayload struct {
	Attribute string `json:"attribute"`
}

// KindUnavailablePayload names an unresolvable attribute.
type KindUnavailablePayload struct {
	Attribute string `json:"attribute"`
}

// ExtensionFailedPayload captures a swallowed extension error.
type ExtensionFailedPayload struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

// Applied publishes a buff application event.
func Applied(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AppliedPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventApplied,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{logging.TitleRef(payload.TitleID)},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryBuffs,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}

// Removed publishes a buff removal event.
func Removed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RemovedPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventRemoved,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryBuffs,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}

// StraySwept publishes a leak-sweep event for one stray modifier.
func StraySwept(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, attribute string) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventStraySwept,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryBuffs,
		Payload:  StraySweptPayload{Attribute: attribute},
	}
	pub.Publish(ctx, event)
}

// KindUnavailable publishes the warn-once for an unresolvable attribute name.
func KindUnavailable(ctx context.Context, pub logging.Publisher, tick uint64, payload KindUnavailablePayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventKindUnavailable,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindWorld},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryBuffs,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}

// ExtensionFailed publishes a swallowed extension-subsystem error.
func ExtensionFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ExtensionFailedPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventExtensionFailed,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryBuffs,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}
