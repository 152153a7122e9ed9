package tree

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outliner/api/internal/store"
)

func ptr(value string) *string { return &value }

func row(id string, parent *string, position int) store.Node {
	return store.Node{ID: id, ParentID: parent, Title: "title " + id, Position: position}
}

func ids(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestBuildNestsAndSorts(t *testing.T) {
	rows := []store.Node{
		row("c", ptr("b"), 0),
		row("b", nil, 1),
		row("a", nil, 0),
		row("e", ptr("b"), 1),
		row("d", ptr("b"), 1),
	}
	forest := Build(rows, nil)

	require.Equal(t, []string{"a", "b"}, ids(forest))
	assert.Equal(t, []string{"c", "d", "e"}, ids(forest[1].Children))
	assert.Empty(t, forest[0].Children)
	assert.NotNil(t, forest[0].Children)
	assert.NotNil(t, forest[0].Tags)
}

func TestBuildPromotesOrphans(t *testing.T) {
	forest := Build([]store.Node{row("a", ptr("missing"), 0), row("b", nil, 1)}, nil)
	require.Equal(t, []string{"a", "b"}, ids(forest))
	assert.Nil(t, forest[0].ParentID)
}

func TestBuildBreaksCycles(t *testing.T) {
	rows := []store.Node{
		row("root", nil, 0),
		row("x", ptr("y"), 5),
		row("y", ptr("x"), 2),
		row("self", ptr("self"), 9),
	}
	forest := Build(rows, map[string][]string{"x": {"2024-01-02"}, "y": {"2024-01-01"}})

	require.Equal(t, []string{"root", "y", "self"}, ids(forest))
	y := forest[1]
	assert.Nil(t, y.ParentID)
	require.Equal(t, []string{"x"}, ids(y.Children))
	assert.Equal(t, []string{"2024-01-02", "2024-01-01"}, y.WorkedOnDates)
	assert.Equal(t, []string{"2024-01-01"}, y.OwnWorkedOnDates)
}

func TestBuildAggregatesWorkedDates(t *testing.T) {
	rows := []store.Node{
		row("a", nil, 0),
		row("b", ptr("a"), 0),
		row("c", ptr("b"), 0),
		row("d", ptr("a"), 1),
	}
	dates := map[string][]string{
		"a": {"2024-03-01"},
		"b": {"2024-03-05", "2024-03-02"},
		"c": {"2024-03-02", "2024-03-09"},
		"d": {"2024-02-28"},
	}
	forest := Build(rows, dates)

	var check func(n *Node) map[string]bool
	check = func(n *Node) map[string]bool {
		want := map[string]bool{}
		for _, d := range n.OwnWorkedOnDates {
			want[d] = true
		}
		for _, child := range n.Children {
			for d := range check(child) {
				want[d] = true
			}
		}
		got := map[string]bool{}
		for _, d := range n.WorkedOnDates {
			got[d] = true
		}
		assert.Equal(t, want, got, "aggregate of %s", n.ID)
		assert.True(t, sort.IsSorted(sort.Reverse(sort.StringSlice(n.WorkedOnDates))), "descending %s", n.ID)
		assert.True(t, sort.StringsAreSorted(n.OwnWorkedOnDates), "ascending %s", n.ID)
		return got
	}
	for _, root := range forest {
		check(root)
	}
	assert.Equal(t, []string{"2024-03-09", "2024-03-05", "2024-03-02", "2024-03-01", "2024-02-28"}, forest[0].WorkedOnDates)
	assert.Equal(t, []string{"2024-03-02", "2024-03-05"}, forest[0].Children[0].OwnWorkedOnDates)
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	rows := []store.Node{row("a", ptr("missing"), 0)}
	rows[0].Tags = []string{"x"}
	dates := map[string][]string{"a": {"2024-01-02", "2024-01-01"}}

	forest := Build(rows, dates)
	forest[0].Tags[0] = "changed"
	forest[0].OwnWorkedOnDates[0] = "changed"

	require.NotNil(t, rows[0].ParentID)
	assert.Equal(t, "missing", *rows[0].ParentID)
	assert.Equal(t, []string{"x"}, rows[0].Tags)
	assert.Equal(t, []string{"2024-01-02", "2024-01-01"}, dates["a"])
}

func TestFlattenRoundTrip(t *testing.T) {
	rows := []store.Node{
		row("a", nil, 0),
		row("b", nil, 1),
		row("c", ptr("b"), 0),
		row("d", ptr("c"), 3),
		row("e", ptr("c"), 4),
	}
	dates := map[string][]string{"d": {"2024-05-01"}, "a": {"2024-04-01", "2024-04-02"}}
	forest := Build(rows, dates)

	flatRows, flatDates := Flatten(forest)
	rebuilt := Build(flatRows, flatDates)

	want, err := json.Marshal(forest)
	require.NoError(t, err)
	got, err := json.Marshal(rebuilt)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestWalkOrder(t *testing.T) {
	forest := Build([]store.Node{
		row("a", nil, 0),
		row("b", ptr("a"), 0),
		row("c", nil, 1),
	}, nil)

	var visited []string
	var depths []int
	Walk(forest, func(n *Node, depth int) {
		visited = append(visited, n.ID)
		depths = append(depths, depth)
	})
	assert.Equal(t, []string{"a", "b", "c"}, visited)
	assert.Equal(t, []int{0, 1, 0}, depths)
}

func TestStripTimestampsOmitsFields(t *testing.T) {
	n := row("a", nil, 0)
	n.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n.UpdatedAt = n.CreatedAt
	forest := Build([]store.Node{n}, nil)

	StripTimestamps(forest)
	encoded, err := json.Marshal(forest)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "createdAt")
	assert.NotContains(t, string(encoded), "updatedAt")
}
