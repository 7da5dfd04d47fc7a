package nutrition

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed fallback.yaml
var defaultFallbackYAML []byte

// FallbackEntry is one row of the static ingredient table.
type FallbackEntry struct {
	Name        string `yaml:"name"`
	ServingSize string `yaml:"serving_size"`
	Nutrients   `yaml:",inline"`
}

// FallbackTable is an immutable lookup of common ingredients. It is safe for
// concurrent use.
type FallbackTable struct {
	entries map[string]FallbackEntry
	keys    []string
}

// NewFallbackTable indexes entries by normalized name. Later duplicates win.
func NewFallbackTable(entries []FallbackEntry) *FallbackTable {
	t := &FallbackTable{entries: make(map[string]FallbackEntry, len(entries))}
	for _, e := range entries {
		k := NormalizeName(e.Name)
		if k == "" {
			continue
		}
		t.entries[k] = e
	}
	for k := range t.entries {
		t.keys = append(t.keys, k)
	}
	sort.Strings(t.keys)
	return t
}

// ParseFallbackTable reads a YAML list of FallbackEntry.
func ParseFallbackTable(data []byte) (*FallbackTable, error) {
	var entries []FallbackEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse fallback table: %w", err)
	}
	return NewFallbackTable(entries), nil
}

// DefaultFallbackTable returns the built-in table of common ingredients.
func DefaultFallbackTable() *FallbackTable {
	t, err := ParseFallbackTable(defaultFallbackYAML)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FallbackTable) Len() int { return len(t.keys) }

// Match finds an entry for name, trying exact, modifier-stripped, whole-word
// substring in either direction, then trailing-word matches. reason names the
// rule that matched.
func (t *FallbackTable) Match(name string) (entry FallbackEntry, reason string, ok bool) {
	if t == nil || len(t.keys) == 0 {
		return FallbackEntry{}, "", false
	}
	norm := NormalizeName(name)
	if norm == "" {
		return FallbackEntry{}, "", false
	}

	if e, ok := t.entries[norm]; ok {
		return e, "static fallback: exact match", true
	}

	stripped := StripModifiers(norm)
	if e, ok := t.entries[stripped]; ok {
		return e, fmt.Sprintf("static fallback: modifier-stripped match on %q", stripped), true
	}

	if k := t.substringKey(stripped); k != "" {
		return t.entries[k], fmt.Sprintf("static fallback: substring match on %q", k), true
	}

	if k := t.trailingWordKey(stripped); k != "" {
		return t.entries[k], fmt.Sprintf("static fallback: trailing-word match on %q", k), true
	}

	return FallbackEntry{}, "", false
}

// substringKey prefers the longest key contained in the query, then the
// shortest key that contains the query. Matches respect word boundaries.
func (t *FallbackTable) substringKey(q string) string {
	padded := " " + q + " "
	best := ""
	for _, k := range t.keys {
		if strings.Contains(padded, " "+k+" ") && len(k) > len(best) {
			best = k
		}
	}
	if best != "" {
		return best
	}
	for _, k := range t.keys {
		if strings.Contains(" "+k+" ", padded) && (best == "" || len(k) < len(best)) {
			best = k
		}
	}
	return best
}

func (t *FallbackTable) trailingWordKey(q string) string {
	words := strings.Fields(q)
	if len(words) == 0 {
		return ""
	}
	last := depluralize(words[len(words)-1])
	best := ""
	for _, k := range t.keys {
		kw := strings.Fields(k)
		if depluralize(kw[len(kw)-1]) != last {
			continue
		}
		if best == "" || len(k) < len(best) {
			best = k
		}
	}
	return best
}
