// Package normalize cleans raw concept labels and weights before they reach
// the graph store. Everything here is pure: no I/O, no shared state.
package normalize

import (
	"math"
	"strings"
	"unicode/utf8"
)

// RawConcept is a (label, weight) pair as produced by the extraction step.
type RawConcept struct {
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// Item is a normalized concept ready for ingestion.
type Item struct {
	Label  string
	Weight float64
}

// Reason explains why a raw concept was rejected.
type Reason string

const (
	ReasonTooShort      Reason = "too_short"
	ReasonStopword      Reason = "stopword"
	ReasonInvalidWeight Reason = "invalid_weight"
)

// Rejections counts rejected concepts by reason.
type Rejections map[Reason]int

// Total returns the number of rejected concepts.
func (r Rejections) Total() int {
	n := 0
	for _, c := range r {
		n += c
	}
	return n
}

// Config holds normalizer settings.
type Config struct {
	MinLabelLength int
	MinWeight      float64
	MaxWeight      float64
	Stopwords      []string // empty means DefaultStopwords
}

// DefaultConfig returns the default normalizer settings.
func DefaultConfig() Config {
	return Config{
		MinLabelLength: 2,
		MinWeight:      0.01,
		MaxWeight:      10,
	}
}

// Normalizer applies label and weight rules.
type Normalizer struct {
	cfg       Config
	stopwords map[string]struct{}
}

// New creates a Normalizer. Zero-valued settings fall back to defaults.
func New(cfg Config) *Normalizer {
	def := DefaultConfig()
	if cfg.MinLabelLength <= 0 {
		cfg.MinLabelLength = def.MinLabelLength
	}
	if cfg.MinWeight <= 0 {
		cfg.MinWeight = def.MinWeight
	}
	if cfg.MaxWeight < cfg.MinWeight {
		cfg.MaxWeight = math.Max(def.MaxWeight, cfg.MinWeight)
	}

	words := cfg.Stopwords
	if len(words) == 0 {
		words = DefaultStopwords
	}
	stop := make(map[string]struct{}, len(words))
	for _, w := range words {
		stop[Label(w)] = struct{}{}
	}

	return &Normalizer{cfg: cfg, stopwords: stop}
}

// Label trims, lowercases and collapses internal whitespace to single spaces.
// Applying it twice gives the same result as applying it once.
func Label(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// Normalize cleans a single concept. The second result is false when the
// concept must be skipped.
func (n *Normalizer) Normalize(raw string, weight float64) (Item, bool) {
	item, reason := n.normalize(raw, weight)
	return item, reason == ""
}

func (n *Normalizer) normalize(raw string, weight float64) (Item, Reason) {
	label := Label(raw)
	if utf8.RuneCountInString(label) < n.cfg.MinLabelLength {
		return Item{}, ReasonTooShort
	}
	if _, ok := n.stopwords[label]; ok {
		return Item{}, ReasonStopword
	}
	if math.IsNaN(weight) || math.IsInf(weight, 0) || weight <= 0 {
		return Item{}, ReasonInvalidWeight
	}
	return Item{Label: label, Weight: n.clamp(weight)}, ""
}

// NormalizeBatch normalizes a batch. Concepts whose labels collide after
// normalization are merged: weights are summed and clamped to the maximum.
// Output order follows first appearance.
func (n *Normalizer) NormalizeBatch(raw []RawConcept) ([]Item, Rejections) {
	rejected := Rejections{}
	items := make([]Item, 0, len(raw))
	index := make(map[string]int, len(raw))

	for _, rc := range raw {
		item, reason := n.normalize(rc.Label, rc.Weight)
		if reason != "" {
			rejected[reason]++
			continue
		}
		if i, ok := index[item.Label]; ok {
			items[i].Weight = n.clamp(items[i].Weight + item.Weight)
			continue
		}
		index[item.Label] = len(items)
		items = append(items, item)
	}

	return items, rejected
}

func (n *Normalizer) clamp(w float64) float64 {
	return math.Min(n.cfg.MaxWeight, math.Max(n.cfg.MinWeight, w))
}
