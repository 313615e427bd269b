package render

import (
	"strings"
	"testing"
	"time"

	"worldwatch/internal/entity"
)

var now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func TestRenderAlert(t *testing.T) {
	a := entity.Alert{
		Key:    "a1",
		Window: entity.Window{Expiry: now.Add(90 * time.Minute)},
		Mission: entity.Mission{
			Node: "Mercury", Type: "Defense", Faction: "Grineer", MinLevel: 5, MaxLevel: 10,
			Reward: entity.Reward{Items: []string{"Orokin Catalyst"}, Types: []string{"catalyst"}},
		},
	}
	m := Entity("pc", a, now)
	if m.Title != "[PC] Orokin Catalyst" {
		t.Fatalf("title = %q", m.Title)
	}
	if !strings.Contains(m.Text(), "Expires in: 1h 30m 0s") {
		t.Fatalf("text = %q", m.Text())
	}
	if m.EntityID != "a1" || m.Category != entity.CategoryAlert {
		t.Fatalf("metadata = %+v", m)
	}
}

func TestRenderFissureAndPing(t *testing.T) {
	f := entity.Fissure{Key: "f1", Node: "Ose", MissionType: "Capture", Tier: "Lith", Enemy: "Corpus",
		Window: entity.Window{Expiry: now.Add(45 * time.Second)}}
	m := Entity("ps4", f, now).WithPing("@fissures")
	want := "@fissures\n[PS4] Capture Lith\nOse against Corpus\n45s remaining"
	if got := m.Text(); got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}
}

func TestFissureListSortedByTier(t *testing.T) {
	m := FissureList("pc", []entity.Fissure{
		{Key: "f3", Tier: "Axi", TierNum: 4, MissionType: "Survival"},
		{Key: "f1", Tier: "Lith", TierNum: 1, MissionType: "Capture"},
		{Key: "f2", Tier: "Meso", TierNum: 2, MissionType: "Defense"},
	}, now)
	var names []string
	for _, f := range m.Fields {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "Capture Lith,Defense Meso,Survival Axi" {
		t.Fatalf("fields = %q", got)
	}
	if empty := FissureList("pc", nil, now); empty.Body != "Currently no fissures" {
		t.Fatalf("empty body = %q", empty.Body)
	}
}

func TestRenderSortieAndInvasion(t *testing.T) {
	s := entity.Sortie{Key: "s1", Boss: "Vay Hek", Faction: "Grineer",
		Variants: []entity.SortieVariant{{Node: "Earth", MissionType: "Exterminate", Modifier: "Eximus Stronghold"}}}
	if txt := Entity("pc", s, now).Text(); !strings.Contains(txt, "Earth: Exterminate - Eximus Stronghold") {
		t.Fatalf("sortie text = %q", txt)
	}
	inv := entity.Invasion{Key: "i1", Description: "Grineer Offensive", Node: "Mars", AttackingFaction: "Grineer",
		DefendingFaction: "Corpus", DefenderReward: entity.Reward{CountedItem: []entity.Counted{{Count: 3, Type: "Fieldron"}}}}
	if txt := Entity("pc", inv, now).Text(); !strings.Contains(txt, "Corpus: 3 Fieldron") {
		t.Fatalf("invasion text = %q", txt)
	}
}

func TestETA(t *testing.T) {
	if got := eta(0); got != "0s" {
		t.Fatalf("eta(0) = %q", got)
	}
	if got := eta(61 * time.Second); got != "1m 1s" {
		t.Fatalf("eta(61s) = %q", got)
	}
}
