// Package groups defines light groups - named mappings between LED positions
// and controllable lights - and the strategies used to collapse their colors.
package groups

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dokzlo13/ledsyncd/internal/color"
)

// Strategy is the function used to collapse multiple colors into one, or to
// pair them one-to-one.
type Strategy string

const (
	StrategyAverage  Strategy = "average"
	StrategyDominant Strategy = "dominant"
	StrategyRandom   Strategy = "random"
	StrategyOneToOne Strategy = "one_to_one"
)

// ParseStrategy maps a raw config value to a Strategy, defaulting to average.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyDominant:
		return StrategyDominant
	case StrategyRandom:
		return StrategyRandom
	case StrategyOneToOne:
		return StrategyOneToOne
	default:
		return StrategyAverage
	}
}

// Definition is the raw, unvalidated group shape as it appears in the
// configuration file.
type Definition struct {
	Name       string   `yaml:"name"`
	Entities   []string `yaml:"entities"`
	LEDIndices []int    `yaml:"led_indices"`
	Strategy   string   `yaml:"strategy"`
}

// Group is a validated light group. Entities and LEDIndices are non-empty;
// indices are distinct and sorted ascending. Immutable for the coordinator's
// lifetime.
type Group struct {
	Name       string
	Entities   []string
	LEDIndices []int
	Strategy   Strategy
}

// Normalize validates raw definitions into groups. Entries with no entities
// or no usable LED indices are dropped, not errored: configuration
// inconsistencies never participate in aggregation. Negative indices are
// discarded, duplicates collapsed, and the rest sorted ascending.
func Normalize(defs []Definition) []Group {
	out := make([]Group, 0, len(defs))
	for i, def := range defs {
		entities := make([]string, 0, len(def.Entities))
		for _, e := range def.Entities {
			if e = strings.TrimSpace(e); e != "" {
				entities = append(entities, e)
			}
		}

		seen := make(map[int]struct{}, len(def.LEDIndices))
		indices := make([]int, 0, len(def.LEDIndices))
		for _, idx := range def.LEDIndices {
			if idx < 0 {
				continue
			}
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			indices = append(indices, idx)
		}
		sort.Ints(indices)

		if len(entities) == 0 || len(indices) == 0 {
			continue
		}

		name := strings.TrimSpace(def.Name)
		if name == "" {
			name = fmt.Sprintf("Group %d", i+1)
		}

		out = append(out, Group{
			Name:       name,
			Entities:   entities,
			LEDIndices: indices,
			Strategy:   ParseStrategy(def.Strategy),
		})
	}
	return out
}

// Aggregate collapses colors per the strategy. Empty input yields ok=false.
// one_to_one is not an aggregation; when a single representative color is
// still needed (group state reporting) it falls back to average.
func Aggregate(colors []color.RGB, s Strategy) (color.RGB, bool) {
	switch s {
	case StrategyDominant:
		return color.Dominant(colors)
	case StrategyRandom:
		return color.Random(colors)
	default:
		return color.Average(colors)
	}
}

// PairCount is the number of positionally paired (entity, index) couples for
// a one_to_one group over the given usable indices: the shorter of the two
// lengths. Trailing unmatched items are ignored, not an error.
func (g Group) PairCount(indices []int) int {
	n := len(g.Entities)
	if len(indices) < n {
		n = len(indices)
	}
	return n
}
