// Package render turns eligible entities into chat-ready messages.
//
// Rendering is deliberately plain: platform adapters decide how to style the
// title and fields (embeds, HTML, markdown).
package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"worldwatch/internal/entity"
)

// Field is a titled line inside a message.
type Field struct {
	Name  string
	Value string
}

// Message is an opaque, rendered notification.
type Message struct {
	Category entity.Category
	Platform string
	EntityID string

	// Ping is prepended by the emitter; it is set per destination.
	Ping   string
	Title  string
	Body   string
	Color  int
	Fields []Field
}

// Text renders the message as plain text with the ping first.
func (m Message) Text() string {
	var b strings.Builder
	if m.Ping != "" {
		b.WriteString(m.Ping)
		b.WriteString("\n")
	}
	b.WriteString(m.Title)
	if m.Body != "" {
		b.WriteString("\n")
		b.WriteString(m.Body)
	}
	for _, f := range m.Fields {
		b.WriteString("\n")
		if f.Name != "" {
			b.WriteString(f.Name)
			b.WriteString(": ")
		}
		b.WriteString(f.Value)
	}
	return b.String()
}

// WithPing returns a copy addressed with ping.
func (m Message) WithPing(ping string) Message {
	m.Ping = ping
	m.Fields = append([]Field(nil), m.Fields...)
	return m
}

const (
	colorAlert    = 0x00ff00
	colorInvasion = 0x3498db
	colorFissure  = 0x4aa1b2
	colorSortie   = 0xa84300
)

// Entity renders one eligible entity for a platform.
func Entity(platform string, e entity.Entity, now time.Time) Message {
	m := Message{Category: e.Category(), Platform: platform, EntityID: e.ID()}
	switch v := e.(type) {
	case entity.Alert:
		m.Title = fmt.Sprintf("[%s] %s", strings.ToUpper(platform), rewardOr(v.Mission.Reward, "Alert"))
		m.Body = fmt.Sprintf("%s | %s (%s) | level %d-%d", v.Mission.Node, v.Mission.Type, v.Mission.Faction, v.Mission.MinLevel, v.Mission.MaxLevel)
		m.Color = colorAlert
		m.Fields = []Field{{Name: "Expires in", Value: eta(v.Remaining(now))}}
	case entity.Invasion:
		m.Title = fmt.Sprintf("[%s] %s", strings.ToUpper(platform), v.Description)
		m.Body = fmt.Sprintf("%s: %s vs %s", v.Node, v.AttackingFaction, v.DefendingFaction)
		m.Color = colorInvasion
		if s := v.AttackerReward.String(); s != "" {
			m.Fields = append(m.Fields, Field{Name: v.AttackingFaction, Value: s})
		}
		if s := v.DefenderReward.String(); s != "" {
			m.Fields = append(m.Fields, Field{Name: v.DefendingFaction, Value: s})
		}
		m.Fields = append(m.Fields, Field{Name: "Completion", Value: fmt.Sprintf("%.1f%%", v.Completion)})
	case entity.Fissure:
		m.Title = fmt.Sprintf("[%s] %s %s", strings.ToUpper(platform), v.MissionType, v.Tier)
		m.Body = fmt.Sprintf("%s against %s", v.Node, v.Enemy)
		m.Color = colorFissure
		m.Fields = []Field{{Value: eta(v.Remaining(now)) + " remaining"}}
	case entity.Sortie:
		m.Title = fmt.Sprintf("[%s] Sortie: %s", strings.ToUpper(platform), v.Boss)
		m.Body = v.Faction
		m.Color = colorSortie
		for _, vr := range v.Variants {
			m.Fields = append(m.Fields, Field{Name: vr.Node, Value: vr.MissionType + " - " + vr.Modifier})
		}
		m.Fields = append(m.Fields, Field{Name: "Ends in", Value: eta(v.Remaining(now))})
	default:
		m.Title = fmt.Sprintf("[%s] %s %s", strings.ToUpper(platform), e.Category(), e.ID())
	}
	return m
}

// FissureList renders several fissures in one message, sorted by tier.
func FissureList(platform string, fissures []entity.Fissure, now time.Time) Message {
	m := Message{Category: entity.CategoryFissure, Platform: platform, Color: colorFissure,
		Title: fmt.Sprintf("[%s] Void Fissures", strings.ToUpper(platform))}
	if len(fissures) == 0 {
		m.Body = "Currently no fissures"
		return m
	}
	sorted := append([]entity.Fissure(nil), fissures...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TierNum < sorted[j].TierNum })
	for _, f := range sorted {
		m.Fields = append(m.Fields, Field{
			Name:  f.MissionType + " " + f.Tier,
			Value: fmt.Sprintf("[%s] %s against %s", eta(f.Remaining(now)), f.Node, f.Enemy),
		})
	}
	return m
}

func rewardOr(r entity.Reward, def string) string {
	if s := r.String(); s != "" {
		return s
	}
	return def
}

// eta formats a duration as "1h 2m 3s", dropping leading zero units.
func eta(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
