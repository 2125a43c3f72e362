package unlocks

import (
	"context"

	"crestfall/server/logging"
)

const (
	// EventGranted is emitted when a title unlock is granted.
	EventGranted logging.EventType = "unlocks.granted"
	// EventUnknownRule is emitted when an unlock rule key is not recognised.
	EventUnknownRule logging.EventType = "unlocks.unknown_rule"
	// EventUnknownEvent is emitted when a special-event identifier is not recognised.
	EventUnknownEvent logging.EventType = "unlocks.unknown_event"
)

// GrantedPayload captures an unlock grant and its trigger.
type GrantedPayload struct {
	TitleID string `json:"titleId"`
	Trigger string `json:"trigger,omitempty"`
}

// UnknownRulePayload names an unrecognised rule key.
type UnknownRulePayload struct {
	TitleID string `json:"titleId"`
	RuleKey string `json:"ruleKey"`
}

// UnknownEventPayload names an unrecognised special-event identifier.
type UnknownEventPayload struct {
	TitleID string `json:"titleId"`
	EventID string `json:"eventId"`
}

// Granted publishes an unlock grant event.
func Granted(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload GrantedPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventGranted,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{logging.TitleRef(payload.TitleID)},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryUnlocks,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}

// UnknownRule publishes a warning for an unrecognised rule key.
func UnknownRule(ctx context.Context, pub logging.Publisher, tick uint64, payload UnknownRulePayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventUnknownRule,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindWorld},
		Targets:  []logging.EntityRef{logging.TitleRef(payload.TitleID)},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryUnlocks,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}

// UnknownEvent publishes a warning for an unrecognised special-event id.
func UnknownEvent(ctx context.Context, pub logging.Publisher, tick uint64, payload UnknownEventPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventUnknownEvent,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindWorld},
		Targets:  []logging.EntityRef{logging.TitleRef(payload.TitleID)},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryUnlocks,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}
