package store

import (
	"encoding/json"
	"time"
)

type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Node is one persisted outline row. Content holds the serialized rich-text
// document exactly as stored; Tags is always derived from Title and Content.
type Node struct {
	ID        string
	ProjectID string
	ParentID  *string
	Title     string
	Status    string
	Content   json.RawMessage
	Tags      []string
	Position  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Version struct {
	ID        int64
	ProjectID string
	CreatedAt time.Time
	Cause     string
	ParentID  *int64
	Hash      string
	SizeBytes int64
	Meta      json.RawMessage
	Doc       json.RawMessage
}

type File struct {
	ID           string
	StoredName   string
	OriginalName string
	MimeType     string
	SizeBytes    int64
	Digest       string
	CreatedAt    time.Time
}
