// Package classify decides which entities of a world-state snapshot are worth
// announcing. It has no side effects and performs no I/O.
package classify

import (
	"time"

	"worldwatch/internal/entity"
)

// Result is the outcome of classifying one snapshot.
type Result struct {
	Alerts    []entity.Alert
	Invasions []entity.Invasion
	Fissures  []entity.Fissure
	Sortie    *entity.Sortie

	// Observed holds every id present in the snapshot, eligible or not.
	// It is what the tracker commits for the cycle.
	Observed entity.IDSet
}

// Item is one eligible entity tagged with its category.
type Item struct {
	Category entity.Category
	Entity   entity.Entity
}

// Classify returns the entities of snap that are new relative to seen and
// still worth announcing at now.
//
// Alerts and invasions additionally need at least one reward type; an entity
// without reward types is still recorded in Observed so it stays suppressed
// if its rewards populate on a later refresh.
//
// An id repeated within snap is considered once, at its first occurrence.
func Classify(snap *entity.Snapshot, seen entity.IDSet, now time.Time) Result {
	res := Result{Observed: entity.NewIDSet()}
	if snap == nil {
		return res
	}

	for _, a := range snap.Alerts {
		if !res.Observed.Add(a.ID()) {
			continue
		}
		if rewardEligible(a, seen, now) {
			res.Alerts = append(res.Alerts, a)
		}
	}
	for _, f := range snap.Fissures {
		if !res.Observed.Add(f.ID()) {
			continue
		}
		if eligible(f, seen, now) {
			res.Fissures = append(res.Fissures, f)
		}
	}
	for _, i := range snap.Invasions {
		if !res.Observed.Add(i.ID()) {
			continue
		}
		if rewardEligible(i, seen, now) {
			res.Invasions = append(res.Invasions, i)
		}
	}
	if s := snap.Sortie; s != nil {
		res.Observed.Add(s.ID())
		if eligible(*s, seen, now) {
			cp := *s
			res.Sortie = &cp
		}
	}
	return res
}

func eligible(e entity.Entity, seen entity.IDSet, now time.Time) bool {
	return !seen.Has(e.ID()) && !e.Expired(now)
}

func rewardEligible(e entity.Entity, seen entity.IDSet, now time.Time) bool {
	return eligible(e, seen, now) && len(e.RewardTypes()) > 0
}

// Len is the number of eligible entities across categories.
func (r Result) Len() int {
	n := len(r.Alerts) + len(r.Invasions) + len(r.Fissures)
	if r.Sortie != nil {
		n++
	}
	return n
}

// Items flattens the eligible entities in dispatch order: alerts, fissures,
// invasions, sortie.
func (r Result) Items() []Item {
	out := make([]Item, 0, r.Len())
	for _, a := range r.Alerts {
		out = append(out, Item{Category: entity.CategoryAlert, Entity: a})
	}
	for _, f := range r.Fissures {
		out = append(out, Item{Category: entity.CategoryFissure, Entity: f})
	}
	for _, i := range r.Invasions {
		out = append(out, Item{Category: entity.CategoryInvasion, Entity: i})
	}
	if r.Sortie != nil {
		out = append(out, Item{Category: entity.CategorySortie, Entity: *r.Sortie})
	}
	return out
}

// Counts returns eligible counts per category, for logging and metrics.
func (r Result) Counts() map[entity.Category]int {
	m := map[entity.Category]int{
		entity.CategoryAlert:    len(r.Alerts),
		entity.CategoryFissure:  len(r.Fissures),
		entity.CategoryInvasion: len(r.Invasions),
		entity.CategorySortie:   0,
	}
	if r.Sortie != nil {
		m[entity.CategorySortie] = 1
	}
	return m
}
