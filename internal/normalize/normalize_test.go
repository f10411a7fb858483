package normalize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := New(DefaultConfig())

	tests := []struct {
		name   string
		label  string
		weight float64
		want   Item
		ok     bool
	}{
		{"trim and lowercase", "  Neural   Networks ", 1.5, Item{"neural networks", 1.5}, true},
		{"tabs and newlines collapse", "deep\t\nlearning", 2, Item{"deep learning", 2}, true},
		{"unicode lowercase", "ÉCOLE", 1, Item{"école", 1}, true},
		{"too short", " x ", 1, Item{}, false},
		{"empty", "   ", 1, Item{}, false},
		{"stopword", "The", 1, Item{}, false},
		{"zero weight", "graph", 0, Item{}, false},
		{"negative weight", "graph", -3, Item{}, false},
		{"nan weight", "graph", math.NaN(), Item{}, false},
		{"inf weight", "graph", math.Inf(1), Item{}, false},
		{"clamped high", "graph", 50, Item{"graph", 10}, true},
		{"clamped low", "graph", 0.001, Item{"graph", 0.01}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := n.Normalize(tt.label, tt.weight)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLabel_Idempotent(t *testing.T) {
	inputs := []string{"  Graph  Theory ", "MIXED case\tLabel", "école  NORMALE", "already clean"}
	for _, in := range inputs {
		once := Label(in)
		assert.Equal(t, once, Label(once), "input %q", in)
	}
}

func TestNormalizeBatch_MergesCollisions(t *testing.T) {
	n := New(DefaultConfig())

	items, rejected := n.NormalizeBatch([]RawConcept{
		{Label: "Go", Weight: 1},
		{Label: "channels", Weight: 2},
		{Label: "  GO ", Weight: 3},
		{Label: "the", Weight: 1},
		{Label: "channels", Weight: 9},
		{Label: "x", Weight: 1},
		{Label: "goroutines", Weight: -1},
	})

	require.Len(t, items, 2)
	assert.Equal(t, Item{"go", 4}, items[0])
	assert.Equal(t, Item{"channels", 10}, items[1], "merged weight is clamped to the maximum")

	assert.Equal(t, 1, rejected[ReasonStopword])
	assert.Equal(t, 1, rejected[ReasonTooShort])
	assert.Equal(t, 1, rejected[ReasonInvalidWeight])
	assert.Equal(t, 3, rejected.Total())
}

func TestNormalizeBatch_Empty(t *testing.T) {
	items, rejected := New(DefaultConfig()).NormalizeBatch(nil)
	assert.Empty(t, items)
	assert.Zero(t, rejected.Total())
}

func TestNew_CustomStopwords(t *testing.T) {
	n := New(Config{Stopwords: []string{"  Foo "}})

	_, ok := n.Normalize("foo", 1)
	assert.False(t, ok)

	// The built-in list is replaced, not extended.
	item, ok := n.Normalize("the", 1)
	assert.True(t, ok)
	assert.Equal(t, "the", item.Label)
}

func TestNew_ZeroConfigUsesDefaults(t *testing.T) {
	n := New(Config{})

	_, ok := n.Normalize("a", 1)
	assert.False(t, ok)

	item, ok := n.Normalize("graph", 100)
	require.True(t, ok)
	assert.Equal(t, 10.0, item.Weight)
}
