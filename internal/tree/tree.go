// Package tree projects flat node rows into the nested outline forest.
package tree

import (
	"encoding/json"
	"sort"
	"time"

	"outliner/api/internal/store"
)

// Node is the read-side view of one outline item. Timestamps are omitted from
// JSON when zero so version snapshots stay stable across idle re-saves.
type Node struct {
	ID               string          `json:"id"`
	ParentID         *string         `json:"parentId"`
	Title            string          `json:"title"`
	Status           string          `json:"status"`
	Content          json.RawMessage `json:"content"`
	Tags             []string        `json:"tags"`
	Position         int             `json:"position"`
	OwnWorkedOnDates []string        `json:"ownWorkedOnDates"`
	WorkedOnDates    []string        `json:"workedOnDates"`
	CreatedAt        time.Time       `json:"createdAt,omitzero"`
	UpdatedAt        time.Time       `json:"updatedAt,omitzero"`
	Children         []*Node         `json:"children"`
}

// Build assembles rows into a forest sorted by (position, id) at every level.
//
// A row whose parent is not in the set becomes a root. Rows caught in a
// parent cycle are unreachable from any root; the smallest such row by
// (position, id) is promoted to a root until every row is reachable, so no
// row is ever dropped. Promoted rows report a nil ParentID.
//
// Build never modifies rows or workedDates.
func Build(rows []store.Node, workedDates map[string][]string) []*Node {
	b := newBuilder(rows, workedDates)
	b.link()
	b.breakCycles()
	b.sortAll()
	b.aggregate()

	forest := make([]*Node, 0, len(b.roots))
	for _, i := range b.roots {
		forest = append(forest, b.nodes[i])
	}
	return forest
}

type builder struct {
	nodes    []*Node
	index    map[string]int
	parent   []int
	children [][]int
	roots    []int
}

func newBuilder(rows []store.Node, workedDates map[string][]string) *builder {
	b := &builder{
		nodes:    make([]*Node, 0, len(rows)),
		index:    make(map[string]int, len(rows)),
		parent:   make([]int, 0, len(rows)),
		children: make([][]int, 0, len(rows)),
	}
	for _, row := range rows {
		if _, dup := b.index[row.ID]; dup {
			continue
		}
		b.index[row.ID] = len(b.nodes)
		b.nodes = append(b.nodes, fromRow(row, workedDates[row.ID]))
		b.parent = append(b.parent, -1)
		b.children = append(b.children, nil)
	}
	return b
}

func fromRow(row store.Node, dates []string) *Node {
	own := append([]string{}, dates...)
	sort.Strings(own)
	own = dedupSorted(own)

	tags := append([]string{}, row.Tags...)
	var parentID *string
	if row.ParentID != nil {
		id := *row.ParentID
		parentID = &id
	}
	var content json.RawMessage
	if len(row.Content) > 0 {
		content = append(json.RawMessage(nil), row.Content...)
	}
	return &Node{
		ID:               row.ID,
		ParentID:         parentID,
		Title:            row.Title,
		Status:           row.Status,
		Content:          content,
		Tags:             tags,
		Position:         row.Position,
		OwnWorkedOnDates: own,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		Children:         []*Node{},
	}
}

func (b *builder) link() {
	for i, node := range b.nodes {
		if node.ParentID == nil {
			b.roots = append(b.roots, i)
			continue
		}
		p, ok := b.index[*node.ParentID]
		if !ok || p == i {
			node.ParentID = nil
			b.roots = append(b.roots, i)
			continue
		}
		b.parent[i] = p
		b.children[p] = append(b.children[p], i)
	}
}

func (b *builder) breakCycles() {
	reached := make([]bool, len(b.nodes))
	for _, r := range b.roots {
		b.mark(r, reached)
	}
	for {
		candidate := -1
		for i := range b.nodes {
			if reached[i] {
				continue
			}
			if candidate == -1 || b.less(i, candidate) {
				candidate = i
			}
		}
		if candidate == -1 {
			return
		}
		p := b.parent[candidate]
		b.children[p] = removeIndex(b.children[p], candidate)
		b.parent[candidate] = -1
		b.nodes[candidate].ParentID = nil
		b.roots = append(b.roots, candidate)
		b.mark(candidate, reached)
	}
}

func (b *builder) mark(start int, reached []bool) {
	stack := []int{start}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[i] {
			continue
		}
		reached[i] = true
		stack = append(stack, b.children[i]...)
	}
}

func (b *builder) less(i, j int) bool {
	a, c := b.nodes[i], b.nodes[j]
	if a.Position != c.Position {
		return a.Position < c.Position
	}
	return a.ID < c.ID
}

func (b *builder) sortAll() {
	sortIdx := func(list []int) {
		sort.SliceStable(list, func(x, y int) bool { return b.less(list[x], list[y]) })
	}
	sortIdx(b.roots)
	for i := range b.nodes {
		sortIdx(b.children[i])
		kids := make([]*Node, 0, len(b.children[i]))
		for _, c := range b.children[i] {
			kids = append(kids, b.nodes[c])
		}
		b.nodes[i].Children = kids
	}
}

// aggregate computes WorkedOnDates bottom-up with an explicit post-order
// stack. visited guarantees each node is folded exactly once.
func (b *builder) aggregate() {
	type frame struct {
		idx      int
		expanded bool
	}
	sets := make([]map[string]struct{}, len(b.nodes))
	visited := make([]bool, len(b.nodes))

	for _, root := range b.roots {
		stack := []frame{{idx: root}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if !top.expanded {
				if visited[top.idx] {
					stack = stack[:len(stack)-1]
					continue
				}
				visited[top.idx] = true
				stack[len(stack)-1].expanded = true
				for _, c := range b.children[top.idx] {
					if !visited[c] {
						stack = append(stack, frame{idx: c})
					}
				}
				continue
			}
			stack = stack[:len(stack)-1]

			set := make(map[string]struct{}, len(b.nodes[top.idx].OwnWorkedOnDates))
			for _, d := range b.nodes[top.idx].OwnWorkedOnDates {
				set[d] = struct{}{}
			}
			for _, c := range b.children[top.idx] {
				for d := range sets[c] {
					set[d] = struct{}{}
				}
			}
			sets[top.idx] = set

			dates := make([]string, 0, len(set))
			for d := range set {
				dates = append(dates, d)
			}
			sort.Sort(sort.Reverse(sort.StringSlice(dates)))
			b.nodes[top.idx].WorkedOnDates = dates
		}
	}
}

func removeIndex(list []int, value int) []int {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}

func dedupSorted(values []string) []string {
	if len(values) < 2 {
		return values
	}
	out := values[:1]
	for _, v := range values[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
