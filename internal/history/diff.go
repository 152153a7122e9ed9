package history

import (
	"slices"
	"sort"

	"outliner/api/internal/tree"
)

type Summary struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
}

// NodeState is the part of a node that participates in a diff. Position and
// content are not compared.
type NodeState struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	ParentID    *string  `json:"parentId"`
	WorkedDates []string `json:"workedDates"`
}

type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

type Modification struct {
	ID      string                 `json:"id"`
	Title   string                 `json:"title"`
	Changes map[string]FieldChange `json:"changes"`
}

type DiffResult struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Summary  Summary        `json:"summary"`
	Added    []NodeState    `json:"added"`
	Removed  []NodeState    `json:"removed"`
	Modified []Modification `json:"modified"`
}

// Compare diffs two forests by node identity. Results are ordered by id.
func Compare(from, to []*tree.Node) DiffResult {
	before := flatten(from)
	after := flatten(to)

	result := DiffResult{
		Added:    []NodeState{},
		Removed:  []NodeState{},
		Modified: []Modification{},
	}
	for _, id := range sortedKeys(after) {
		next := after[id]
		prev, ok := before[id]
		if !ok {
			result.Added = append(result.Added, next)
			continue
		}
		if changes := fieldChanges(prev, next); len(changes) > 0 {
			result.Modified = append(result.Modified, Modification{ID: id, Title: next.Title, Changes: changes})
		}
	}
	for _, id := range sortedKeys(before) {
		if _, ok := after[id]; !ok {
			result.Removed = append(result.Removed, before[id])
		}
	}
	result.Summary = Summary{
		Added:    len(result.Added),
		Removed:  len(result.Removed),
		Modified: len(result.Modified),
	}
	return result
}

func flatten(forest []*tree.Node) map[string]NodeState {
	rows, dates := tree.Flatten(forest)
	states := make(map[string]NodeState, len(rows))
	for _, row := range rows {
		states[row.ID] = NodeState{
			ID:          row.ID,
			Title:       row.Title,
			Status:      row.Status,
			ParentID:    row.ParentID,
			WorkedDates: slices.Compact(append([]string{}, dates[row.ID]...)),
		}
	}
	return states
}

func fieldChanges(prev, next NodeState) map[string]FieldChange {
	changes := map[string]FieldChange{}
	if prev.Title != next.Title {
		changes["title"] = FieldChange{Before: prev.Title, After: next.Title}
	}
	if prev.Status != next.Status {
		changes["status"] = FieldChange{Before: prev.Status, After: next.Status}
	}
	if !sameParent(prev.ParentID, next.ParentID) {
		changes["parentId"] = FieldChange{Before: prev.ParentID, After: next.ParentID}
	}
	if !slices.Equal(prev.WorkedDates, next.WorkedDates) {
		changes["workedDates"] = FieldChange{Before: prev.WorkedDates, After: next.WorkedDates}
	}
	return changes
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sortedKeys(states map[string]NodeState) []string {
	keys := make([]string, 0, len(states))
	for id := range states {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}
