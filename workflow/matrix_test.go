package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand_EmptyMatrix(t *testing.T) {
	variants, err := Matrix{}.Expand()
	require.NoError(t, err)

	require.Len(t, variants, 1)
	assert.Empty(t, variants[0].Bindings)
	assert.Equal(t, "", variants[0].String())
}

func TestExpand_Product(t *testing.T) {
	m := Matrix{Axes: []Axis{
		{Name: "os", Values: []string{"linux", "mac"}},
		{Name: "py", Values: []string{"3.8", "3.9", "3.10"}},
	}}

	variants, err := m.Expand()
	require.NoError(t, err)
	require.Len(t, variants, 6)

	var got []string
	for i, v := range variants {
		assert.Equal(t, i, v.Index)
		got = append(got, v.String())
	}
	assert.Equal(t, []string{
		"os=linux, py=3.8",
		"os=linux, py=3.9",
		"os=linux, py=3.10",
		"os=mac, py=3.8",
		"os=mac, py=3.9",
		"os=mac, py=3.10",
	}, got)
}

func TestExpand_SizesAndDistinct(t *testing.T) {
	tests := []struct {
		sizes []int
		want  int
	}{
		{[]int{1}, 1},
		{[]int{3}, 3},
		{[]int{2, 2}, 4},
		{[]int{2, 3, 4}, 24},
		{[]int{1, 1, 1, 5}, 5},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.sizes), func(t *testing.T) {
			m := Matrix{}
			for i, n := range tt.sizes {
				a := Axis{Name: fmt.Sprintf("axis%d", i)}
				for j := 0; j < n; j++ {
					a.Values = append(a.Values, fmt.Sprintf("v%d", j))
				}
				m.Axes = append(m.Axes, a)
			}

			variants, err := m.Expand()
			require.NoError(t, err)
			assert.Len(t, variants, tt.want)

			seen := make(map[string]struct{})
			for _, v := range variants {
				seen[v.String()] = struct{}{}
			}
			assert.Len(t, seen, tt.want, "every combination should be distinct")

			again, err := m.Expand()
			require.NoError(t, err)
			assert.Equal(t, variants, again, "expansion should be deterministic")
		})
	}
}

func TestExpand_EmptyAxis(t *testing.T) {
	m := Matrix{Axes: []Axis{
		{Name: "py", Values: []string{"3.8"}},
		{Name: "os"},
	}}

	_, err := m.Expand()
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrEmptyAxis)
	assert.Equal(t, "strategy.matrix.os", cerr.Errors[0].Path)
}

func TestExpand_Exclude(t *testing.T) {
	m := Matrix{
		Axes: []Axis{
			{Name: "os", Values: []string{"linux", "mac"}},
			{Name: "py", Values: []string{"3.8", "3.9"}},
		},
		Exclude: []map[string]string{
			{"os": "mac", "py": "3.8"},
		},
	}

	variants, err := m.Expand()
	require.NoError(t, err)

	var got []string
	for _, v := range variants {
		got = append(got, v.String())
	}
	assert.Equal(t, []string{"os=linux, py=3.8", "os=linux, py=3.9", "os=mac, py=3.9"}, got)
	assert.Equal(t, 2, variants[2].Index, "indices stay dense after exclusion")
}

func TestExpand_ExcludeEverything(t *testing.T) {
	m := Matrix{
		Axes: []Axis{
			{Name: "os", Values: []string{"linux", "mac"}},
			{Name: "py", Values: []string{"3.8"}},
		},
		Exclude: []map[string]string{
			{"os": "linux"},
			{"os": "mac", "py": "3.8"},
		},
	}

	variants, err := m.Expand()
	assert.Empty(t, variants)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrEmptyMatrix)
	assert.Equal(t, "strategy.matrix.exclude", cerr.Errors[0].Path)
}

func TestVariant_Lookup(t *testing.T) {
	v := Variant{Bindings: []Binding{{"python-version", "3.8"}}}

	got, ok := v.Get("python-version")
	assert.True(t, ok)
	assert.Equal(t, "3.8", got)

	_, ok = v.Get("os")
	assert.False(t, ok)

	assert.Equal(t, map[string]string{"python-version": "3.8"}, v.Map())
}
