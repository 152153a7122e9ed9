package outline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"outliner/api/internal/apperr"
)

// MaxDepth bounds how deeply a submitted forest may nest.
const MaxDepth = 256

// Statuses a node may carry; anything else is stored as StatusNone.
const (
	StatusNone       = ""
	StatusTodo       = "todo"
	StatusInProgress = "in-progress"
	StatusDone       = "done"
)

// dateFields lists the accepted names of a node's own worked dates in order
// of precedence.
var dateFields = []string{"ownWorkedOnDates", "workedDates", "worked_dates", "workedOnDates"}

// IncomingNode is one node of a client-submitted forest. ID is empty when the
// client sent none; it may also be a placeholder that does not exist yet.
type IncomingNode struct {
	ID       string
	Title    string
	Status   string
	Content  json.RawMessage
	Children []*IncomingNode

	// WorkedDates is only applied when HasWorkedDates is set; otherwise the
	// persisted dates are left alone.
	WorkedDates    []string
	HasWorkedDates bool

	HasStatus  bool
	HasContent bool
}

func (n *IncomingNode) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("node must be an object: %w", err)
	}
	*n = IncomingNode{}

	if raw, ok := fields["id"]; ok {
		id, err := decodeID(raw)
		if err != nil {
			return err
		}
		n.ID = id
	}
	if raw, ok := fields["title"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &n.Title); err != nil {
			return fmt.Errorf("title must be a string: %w", err)
		}
	}
	if raw, ok := fields["status"]; ok {
		n.HasStatus = true
		if !isNull(raw) {
			if err := json.Unmarshal(raw, &n.Status); err != nil {
				n.Status = StatusNone
			}
		}
	}
	if raw, ok := fields["content"]; ok {
		n.HasContent = true
		if !isNull(raw) {
			n.Content = append(json.RawMessage(nil), raw...)
		}
	}
	if raw, ok := fields["children"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &n.Children); err != nil {
			return fmt.Errorf("children must be an array of nodes: %w", err)
		}
	}
	for _, name := range dateFields {
		raw, ok := fields[name]
		if !ok || isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, &n.WorkedDates); err != nil {
			return fmt.Errorf("%s must be an array of dates: %w", name, err)
		}
		n.HasWorkedDates = true
		break
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) {
		return "", nil
	}
	switch trimmed[0] {
	case '"':
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return "", fmt.Errorf("id: %w", err)
		}
		return strings.TrimSpace(id), nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var number json.Number
		if err := json.Unmarshal(trimmed, &number); err != nil {
			return "", fmt.Errorf("id: %w", err)
		}
		return number.String(), nil
	default:
		return "", fmt.Errorf("id must be a string, number or null")
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// DecodeForest accepts either a bare array of nodes or an object wrapping it
// under "nodes" or "tree".
func DecodeForest(data []byte) ([]*IncomingNode, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, apperr.Validation("INVALID_OUTLINE", "outline body is empty", nil)
	}

	if trimmed[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, apperr.Validation("INVALID_OUTLINE", "outline body is not valid JSON", map[string]any{"error": err.Error()})
		}
		inner, ok := envelope["nodes"]
		if !ok {
			inner, ok = envelope["tree"]
		}
		if !ok {
			return nil, apperr.Validation("INVALID_OUTLINE", "outline object must carry nodes or tree", nil)
		}
		trimmed = bytes.TrimSpace(inner)
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, apperr.Validation("INVALID_OUTLINE", "outline must be an array of nodes", nil)
	}

	var forest []*IncomingNode
	if err := json.Unmarshal(trimmed, &forest); err != nil {
		return nil, apperr.Validation("INVALID_OUTLINE", "outline body is malformed", map[string]any{"error": err.Error()})
	}
	return forest, nil
}

// NormalizeStatus maps unknown statuses to StatusNone.
func NormalizeStatus(status string) string {
	switch s := strings.ToLower(strings.TrimSpace(status)); s {
	case StatusTodo, StatusInProgress, StatusDone:
		return s
	default:
		return StatusNone
	}
}

// NormalizeDate accepts a calendar date or an RFC3339 timestamp and returns
// the YYYY-MM-DD form.
func NormalizeDate(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if parsed, err := time.Parse(time.DateOnly, value); err == nil {
		return parsed.Format(time.DateOnly), true
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.Format(time.DateOnly), true
	}
	return "", false
}
