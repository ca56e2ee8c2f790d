package navigation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// LayoutFormat is the payload format version written to storage.
const LayoutFormat = 1

// LayoutItem is the per-key state of a stored layout.
type LayoutItem struct {
	Key      string `json:"key"`
	Hidden   bool   `json:"hidden"`
	Position int    `json:"position"`
}

// Layout is an ordered sidebar arrangement.
type Layout struct {
	V     int          `json:"v"`
	Items []LayoutItem `json:"items"`
}

// Sanitize canonicalises raw against allowed: unknown and repeated keys are
// dropped, missing allowed keys are appended visible, and positions are
// renumbered 1..n ordered by (position, canonical index).
func Sanitize(raw Layout, allowed []string) Layout {
	index := make(map[string]int, len(allowed))
	for i, key := range allowed {
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}

	seen := make(map[string]struct{}, len(allowed))
	items := make([]LayoutItem, 0, len(allowed))
	for _, it := range raw.Items {
		if _, ok := index[it.Key]; !ok {
			continue
		}
		if _, dup := seen[it.Key]; dup {
			continue
		}
		seen[it.Key] = struct{}{}
		if it.Position <= 0 {
			it.Position = len(items) + 1
		}
		items = append(items, it)
	}
	for _, key := range allowed {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, LayoutItem{Key: key, Position: len(items) + 1})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return index[items[i].Key] < index[items[j].Key]
	})
	for i := range items {
		items[i].Position = i + 1
	}
	return Layout{V: LayoutFormat, Items: items}
}

// DefaultLayout is every allowed key, visible, in canonical order.
func DefaultLayout(allowed []string) Layout {
	return Sanitize(Layout{}, allowed)
}

// Merge overlays the global layout and, when the viewer has one, the user
// layout over the default. Order follows the user layout first, then the
// global one, then the default; later overlays win on the hidden flag.
func Merge(def, global, user Layout, hasUserCustom bool, allowed []string) Layout {
	permitted := make(map[string]struct{}, len(allowed))
	for _, key := range allowed {
		permitted[key] = struct{}{}
	}

	var order []string
	seen := make(map[string]struct{}, len(allowed))
	collect := func(items []LayoutItem) {
		for _, it := range items {
			if _, ok := permitted[it.Key]; !ok {
				continue
			}
			if _, dup := seen[it.Key]; dup {
				continue
			}
			seen[it.Key] = struct{}{}
			order = append(order, it.Key)
		}
	}
	if hasUserCustom {
		collect(user.Items)
	}
	collect(global.Items)
	collect(def.Items)
	for _, key := range allowed {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			order = append(order, key)
		}
	}

	hidden := make(map[string]bool, len(order))
	for _, it := range def.Items {
		hidden[it.Key] = it.Hidden
	}
	for _, it := range global.Items {
		hidden[it.Key] = it.Hidden
	}
	if hasUserCustom {
		for _, it := range user.Items {
			hidden[it.Key] = it.Hidden
		}
	}

	items := make([]LayoutItem, 0, len(order))
	for i, key := range order {
		items = append(items, LayoutItem{Key: key, Hidden: hidden[key], Position: i + 1})
	}
	return Layout{V: LayoutFormat, Items: items}
}

// ETag is the hex SHA-256 of the canonical JSON encoding of l.
func ETag(l Layout) string {
	if l.Items == nil {
		l.Items = []LayoutItem{}
	}
	raw, _ := json.Marshal(l)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
