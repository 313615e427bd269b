package subscription

import (
	"context"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"worldwatch/internal/entity"
)

// Rule subscribes one channel to categories on some platforms.
//
// Empty Platforms matches every platform. Empty Items matches every reward
// type; otherwise an alert or invasion must carry at least one listed item.
type Rule struct {
	Channel   string   `json:"channel" yaml:"channel"`
	Ping      string   `json:"ping,omitempty" yaml:"ping,omitempty"`
	Platforms []string `json:"platforms,omitempty" yaml:"platforms,omitempty"`
	Events    []string `json:"events" yaml:"events"`
	Items     []string `json:"items,omitempty" yaml:"items,omitempty"`
}

type staticRule struct {
	channel   string
	ping      string
	platforms map[string]struct{}
	events    map[entity.Category]struct{}
	items     map[string]struct{}
}

// Static resolves against a fixed rule list, in rule order.
type Static struct {
	rules []staticRule
}

// NewStatic validates rules and builds a resolver.
func NewStatic(rules []Rule) (*Static, error) {
	s := &Static{rules: make([]staticRule, 0, len(rules))}
	for i, r := range rules {
		ch := strings.TrimSpace(r.Channel)
		if ch == "" {
			return nil, fmt.Errorf("subscriptions[%d]: channel is required", i)
		}
		sr := staticRule{
			channel:   ch,
			ping:      strings.TrimSpace(r.Ping),
			platforms: map[string]struct{}{},
			events:    map[entity.Category]struct{}{},
			items:     map[string]struct{}{},
		}
		for _, p := range r.Platforms {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				sr.platforms[p] = struct{}{}
			}
		}
		if len(r.Events) == 0 {
			return nil, fmt.Errorf("subscriptions[%d]: at least one event is required", i)
		}
		for _, e := range r.Events {
			if strings.EqualFold(strings.TrimSpace(e), "all") {
				for _, c := range entity.Categories {
					sr.events[c] = struct{}{}
				}
				continue
			}
			c, err := entity.ParseCategory(e)
			if err != nil {
				return nil, fmt.Errorf("subscriptions[%d]: %w", i, err)
			}
			sr.events[c] = struct{}{}
		}
		for _, it := range r.Items {
			if it = strings.ToLower(strings.TrimSpace(it)); it != "" {
				sr.items[it] = struct{}{}
			}
		}
		s.rules = append(s.rules, sr)
	}
	return s, nil
}

// LoadStaticRules reads a YAML list of rules without validating them.
func LoadStaticRules(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	if err := yaml.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// LoadStaticFile builds a resolver from a YAML rule file.
func LoadStaticFile(path string) (*Static, error) {
	rules, err := LoadStaticRules(path)
	if err != nil {
		return nil, err
	}
	return NewStatic(rules)
}

func (s *Static) Resolve(ctx context.Context, category entity.Category, platform string, filterTags []string) ([]Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	out := []Destination{}
	index := map[string]int{}
	for _, r := range s.rules {
		if _, ok := r.events[category]; !ok {
			continue
		}
		if len(r.platforms) > 0 {
			if _, ok := r.platforms[platform]; !ok {
				continue
			}
		}
		if len(filterTags) > 0 && len(r.items) > 0 && !anyItem(r.items, filterTags) {
			continue
		}
		out = merge(out, index, Destination{ID: r.channel, Ping: r.ping})
	}
	return out, nil
}

func anyItem(items map[string]struct{}, tags []string) bool {
	for _, t := range tags {
		if _, ok := items[strings.ToLower(strings.TrimSpace(t))]; ok {
			return true
		}
	}
	return false
}
