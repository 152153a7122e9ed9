package tree

import (
	"context"
	"sort"
	"time"

	"outliner/api/internal/store"
)

// Walk visits every node depth-first, parents before children, in sibling
// order. fn receives the node and its depth (roots are depth 0).
func Walk(forest []*Node, fn func(node *Node, depth int)) {
	type item struct {
		node  *Node
		depth int
	}
	stack := make([]item, 0, len(forest))
	for i := len(forest) - 1; i >= 0; i-- {
		stack = append(stack, item{forest[i], 0})
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.node == nil {
			continue
		}
		fn(top.node, top.depth)
		for i := len(top.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{top.node.Children[i], top.depth + 1})
		}
	}
}

// Flatten is the inverse of Build: it returns one row per node with ParentID
// taken from the nesting, plus each node's own worked dates.
func Flatten(forest []*Node) ([]store.Node, map[string][]string) {
	var rows []store.Node
	dates := map[string][]string{}

	var visit func(nodes []*Node, parentID *string)
	visit = func(nodes []*Node, parentID *string) {
		for _, n := range nodes {
			if n == nil {
				continue
			}
			rows = append(rows, store.Node{
				ID:        n.ID,
				ParentID:  parentID,
				Title:     n.Title,
				Status:    n.Status,
				Content:   n.Content,
				Tags:      append([]string{}, n.Tags...),
				Position:  n.Position,
				CreatedAt: n.CreatedAt,
				UpdatedAt: n.UpdatedAt,
			})
			if len(n.OwnWorkedOnDates) > 0 {
				own := append([]string(nil), n.OwnWorkedOnDates...)
				sort.Strings(own)
				dates[n.ID] = own
			}
			id := n.ID
			visit(n.Children, &id)
		}
	}
	visit(forest, nil)
	return rows, dates
}

// StripTimestamps zeroes CreatedAt and UpdatedAt on every node in place.
func StripTimestamps(forest []*Node) {
	Walk(forest, func(n *Node, _ int) {
		n.CreatedAt = time.Time{}
		n.UpdatedAt = time.Time{}
	})
}

// Source is the read surface Load needs; *store.Store and *store.Tx both
// satisfy it.
type Source interface {
	ListNodes(ctx context.Context, projectID string) ([]store.Node, error)
	WorkedDates(ctx context.Context, projectID string) (map[string][]string, error)
}

// Load reads every node of a project and builds its forest.
func Load(ctx context.Context, src Source, projectID string) ([]*Node, error) {
	rows, err := src.ListNodes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	dates, err := src.WorkedDates(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return Build(rows, dates), nil
}
