package server

import "crestfall/server/internal/catalog"

// clientMessage is the envelope for everything a session sends over
// the socket. Type selects which fields are meaningful.
type clientMessage struct {
	Type string `json:"type"`

	// type "counter" | "kill" | "mined" | "flag"
	Key   string `json:"key,omitempty"`
	Delta int64  `json:"delta,omitempty"`

	// type "select"
	Title string `json:"title,omitempty"`

	// type "heartbeat"
	Sent int64 `json:"sent,omitempty"`
}

// titleView is one catalog entry as shown to a client, with the
// player's own standing folded in.
type titleView struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"displayName"`
	Bonuses     map[string]float64 `json:"bonuses,omitempty"`
	Hidden      bool               `json:"hidden,omitempty"`
	Unlocked    bool               `json:"unlocked"`
	Purchase    map[string]any     `json:"purchase,omitempty"`
}

type joinResponse struct {
	ID       string      `json:"id"`
	Current  string      `json:"current,omitempty"`
	Unlocked []string    `json:"unlocked"`
	Titles   []titleView `json:"titles"`
}

// titlesMessage reflects a player's standing after any change.
// Progress is populated only for explicit queries.
type titlesMessage struct {
	Type          string              `json:"type"`
	Current       string              `json:"current,omitempty"`
	Unlocked      []string            `json:"unlocked"`
	UnlockedCount int                 `json:"unlockedCount"`
	Progress      []titleProgressView `json:"progress,omitempty"`
}

// ruleProgressView is one gating rule's standing as shown to a client.
type ruleProgressView struct {
	Key    string  `json:"key"`
	Target float64 `json:"target"`
	Value  float64 `json:"value"`
	Met    bool    `json:"met"`
}

type titleProgressView struct {
	ID       string             `json:"id"`
	Unlocked bool               `json:"unlocked"`
	Rules    []ruleProgressView `json:"rules,omitempty"`
}

func progressViews(progress []TitleProgress) []titleProgressView {
	views := make([]titleProgressView, 0, len(progress))
	for _, entry := range progress {
		view := titleProgressView{
			ID:       entry.TitleID,
			Unlocked: entry.Unlocked,
			Rules:    make([]ruleProgressView, 0, len(entry.Rules)),
		}
		for _, rule := range entry.Rules {
			view.Rules = append(view.Rules, ruleProgressView{
				Key:    rule.Key,
				Target: rule.Target,
				Value:  rule.Value,
				Met:    rule.Met,
			})
		}
		views = append(views, view)
	}
	return views
}

type unlockMessage struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

type heartbeatMessage struct {
	Type       string `json:"type"`
	Sent       int64  `json:"sent,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

type errorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// catalogViews renders the catalog for one player. Hidden titles the
// player has not unlocked are omitted entirely.
func catalogViews(cat *catalog.Catalog, unlocked []string) []titleView {
	held := make(map[string]struct{}, len(unlocked))
	for _, id := range unlocked {
		held[id] = struct{}{}
	}
	views := make([]titleView, 0, cat.Len())
	for _, def := range cat.All() {
		_, has := held[def.ID]
		if def.Hidden && !has {
			continue
		}
		views = append(views, titleView{
			ID:          def.ID,
			DisplayName: def.DisplayName,
			Bonuses:     def.Bonuses,
			Hidden:      def.Hidden,
			Unlocked:    has,
			Purchase:    def.Purchase,
		})
	}
	return views
}
