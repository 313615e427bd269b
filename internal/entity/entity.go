package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category is the closed set of notifiable world-state categories.
type Category string

const (
	CategoryAlert    Category = "alert"
	CategoryInvasion Category = "invasion"
	CategoryFissure  Category = "fissure"
	CategorySortie   Category = "sortie"
)

// Categories lists every category in dispatch order.
var Categories = []Category{CategoryAlert, CategoryFissure, CategoryInvasion, CategorySortie}

var ErrUnknownCategory = errors.New("unknown category")

// ParseCategory accepts singular and plural spellings ("alerts", "Fissure").
func ParseCategory(s string) (Category, error) {
	c := Category(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	switch c {
	case CategoryAlert, CategoryInvasion, CategoryFissure, CategorySortie:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

func (c Category) String() string { return string(c) }

// Entity is the capability shared by every notifiable item.
type Entity interface {
	ID() string
	Category() Category
	Expired(now time.Time) bool
	RewardTypes() []string
}

// Window is a validity interval. A zero Expiry never expires.
type Window struct {
	Activation time.Time `json:"activation"`
	Expiry     time.Time `json:"expiry"`
}

func (w Window) expired(now time.Time) bool {
	return !w.Expiry.IsZero() && !now.Before(w.Expiry)
}

// Remaining returns the time left in the window, clamped at zero.
func (w Window) Remaining(now time.Time) time.Duration {
	if w.Expiry.IsZero() || !now.Before(w.Expiry) {
		return 0
	}
	return w.Expiry.Sub(now)
}

// Reward describes what completing a mission yields.
type Reward struct {
	Items       []string  `json:"items,omitempty"`
	CountedItem []Counted `json:"countedItems,omitempty"`
	Credits     int       `json:"credits,omitempty"`
	Types       []string  `json:"types,omitempty"`
}

type Counted struct {
	Count int    `json:"count"`
	Type  string `json:"type"`
}

func (r Reward) String() string {
	parts := make([]string, 0, len(r.Items)+len(r.CountedItem)+1)
	for _, c := range r.CountedItem {
		parts = append(parts, fmt.Sprintf("%d %s", c.Count, c.Type))
	}
	parts = append(parts, r.Items...)
	if r.Credits > 0 {
		parts = append(parts, fmt.Sprintf("%dcr", r.Credits))
	}
	return strings.Join(parts, " + ")
}

type Mission struct {
	Node        string `json:"node"`
	Type        string `json:"type"`
	Faction     string `json:"faction"`
	MinLevel    int    `json:"minEnemyLevel"`
	MaxLevel    int    `json:"maxEnemyLevel"`
	Reward      Reward `json:"reward"`
	Nightmare   bool   `json:"nightmare,omitempty"`
	ArchwingReq bool   `json:"archwingRequired,omitempty"`
}

type Alert struct {
	Window
	Key     string  `json:"id"`
	Mission Mission `json:"mission"`
	Expire  bool    `json:"expired,omitempty"`
}

func (a Alert) ID() string            { return a.Key }
func (a Alert) Category() Category    { return CategoryAlert }
func (a Alert) RewardTypes() []string { return a.Mission.Reward.Types }
func (a Alert) Expired(now time.Time) bool {
	return a.Expire || a.Window.expired(now)
}

type Invasion struct {
	Window
	Key              string  `json:"id"`
	Node             string  `json:"node"`
	Description      string  `json:"desc"`
	AttackingFaction string  `json:"attackingFaction"`
	DefendingFaction string  `json:"defendingFaction"`
	AttackerReward   Reward  `json:"attackerReward"`
	DefenderReward   Reward  `json:"defenderReward"`
	Completion       float64 `json:"completion"`
	Completed        bool    `json:"completed,omitempty"`
}

func (i Invasion) ID() string         { return i.Key }
func (i Invasion) Category() Category { return CategoryInvasion }

// RewardTypes merges attacker and defender reward types, first occurrence wins.
func (i Invasion) RewardTypes() []string {
	seen := make(map[string]struct{}, len(i.AttackerReward.Types)+len(i.DefenderReward.Types))
	var out []string
	for _, t := range append(append([]string(nil), i.AttackerReward.Types...), i.DefenderReward.Types...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (i Invasion) Expired(now time.Time) bool {
	return i.Completed || i.Window.expired(now)
}

type Fissure struct {
	Window
	Key         string `json:"id"`
	Node        string `json:"node"`
	MissionType string `json:"missionType"`
	Enemy       string `json:"enemy"`
	Tier        string `json:"tier"`
	TierNum     int    `json:"tierNum"`
	Expire      bool   `json:"expired,omitempty"`
}

func (f Fissure) ID() string            { return f.Key }
func (f Fissure) Category() Category    { return CategoryFissure }
func (f Fissure) RewardTypes() []string { return nil }
func (f Fissure) Expired(now time.Time) bool {
	return f.Expire || f.Window.expired(now)
}

type SortieVariant struct {
	MissionType string `json:"missionType"`
	Modifier    string `json:"modifier"`
	Node        string `json:"node"`
}

type Sortie struct {
	Window
	Key      string          `json:"id"`
	Boss     string          `json:"boss"`
	Faction  string          `json:"faction"`
	Variants []SortieVariant `json:"variants"`
	Expire   bool            `json:"expired,omitempty"`
}

func (s Sortie) ID() string            { return s.Key }
func (s Sortie) Category() Category    { return CategorySortie }
func (s Sortie) RewardTypes() []string { return nil }
func (s Sortie) Expired(now time.Time) bool {
	return s.Expire || s.Window.expired(now)
}

var (
	_ Entity = Alert{}
	_ Entity = Invasion{}
	_ Entity = Fissure{}
	_ Entity = Sortie{}
)
