// Package portable converts outlines to and from self-contained manifests
// whose embedded images travel as inlined, digest-checked assets.
package portable

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"outliner/api/internal/apperr"
	"outliner/api/internal/content"
	"outliner/api/internal/richtext"
)

const Schema = "outline-manifest/v1"

// AssetScheme prefixes portable asset references inside note content.
const AssetScheme = "asset://"

type Manifest struct {
	Schema     string          `json:"schema" validate:"required,eq=outline-manifest/v1"`
	ExportedAt time.Time       `json:"exportedAt"`
	Project    string          `json:"project,omitempty"`
	Notes      []Note          `json:"notes" validate:"dive"`
	Assets     []ManifestAsset `json:"assets" validate:"dive"`
	Tags       []string        `json:"tags"`
}

// Note is one outline node. ID and ParentID are manifest-local references,
// not storage ids.
type Note struct {
	ID          string          `json:"id" validate:"required,max=200"`
	ParentID    *string         `json:"parentId"`
	Position    int             `json:"position"`
	Title       string          `json:"title"`
	Status      string          `json:"status" validate:"omitempty,oneof=todo in-progress done"`
	Content     json.RawMessage `json:"content"`
	Tags        []string        `json:"tags"`
	WorkedDates []string        `json:"workedDates" validate:"dive,datetime=2006-01-02"`
}

type ManifestAsset struct {
	ID        string `json:"id" validate:"required,max=200"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes" validate:"min=1"`
	Digest    string `json:"digest" validate:"required,len=64,hexadecimal"`
	Data      string `json:"data" validate:"required,base64"`
}

var validate = validator.New()

// DecodeManifest parses a manifest document.
func DecodeManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&manifest); err != nil {
		return Manifest{}, apperr.Validation("INVALID_MANIFEST", "manifest is not valid JSON", map[string]any{"error": err.Error()})
	}
	return manifest, nil
}

// Validate checks the manifest's structure and every asset payload. It
// returns the decoded bytes of each asset keyed by manifest asset id.
func Validate(manifest Manifest) (map[string][]byte, error) {
	if err := validate.Struct(manifest); err != nil {
		return nil, apperr.Validation("INVALID_MANIFEST", formatValidationError(err), nil)
	}

	notes := make(map[string]int, len(manifest.Notes))
	for i, note := range manifest.Notes {
		if _, dup := notes[note.ID]; dup {
			return nil, invalid("DUPLICATE_NOTE_ID", "note id appears more than once", "noteId", note.ID)
		}
		notes[note.ID] = i
		if _, err := richtext.Normalize(note.Content); err != nil {
			return nil, invalid("INVALID_NOTE_CONTENT", err.Error(), "noteId", note.ID)
		}
	}
	for _, note := range manifest.Notes {
		if note.ParentID == nil {
			continue
		}
		if _, ok := notes[*note.ParentID]; !ok || *note.ParentID == note.ID {
			return nil, invalid("UNRESOLVED_PARENT", "note parent does not exist in the manifest", "noteId", note.ID)
		}
	}
	if err := checkAcyclic(manifest.Notes, notes); err != nil {
		return nil, err
	}

	payloads := make(map[string][]byte, len(manifest.Assets))
	for _, asset := range manifest.Assets {
		if _, dup := payloads[asset.ID]; dup {
			return nil, invalid("DUPLICATE_ASSET_ID", "asset id appears more than once", "assetId", asset.ID)
		}
		data, err := base64.StdEncoding.DecodeString(asset.Data)
		if err != nil {
			return nil, invalid("INVALID_ASSET_DATA", "asset data is not valid base64", "assetId", asset.ID)
		}
		if int64(len(data)) != asset.SizeBytes {
			return nil, apperr.Validation("ASSET_SIZE_MISMATCH", "asset byte length does not match sizeBytes", map[string]any{
				"assetId": asset.ID, "declared": asset.SizeBytes, "actual": len(data),
			})
		}
		if digest := content.Digest(data); digest != strings.ToLower(asset.Digest) {
			return nil, apperr.Validation("ASSET_DIGEST_MISMATCH", "asset digest does not match its data", map[string]any{
				"assetId": asset.ID, "declared": asset.Digest, "actual": digest,
			})
		}
		payloads[asset.ID] = data
	}

	for _, note := range manifest.Notes {
		for _, src := range richtext.ImageSources(note.Content) {
			ref, ok := AssetRef(src)
			if !ok {
				continue
			}
			if _, found := payloads[ref]; !found {
				return nil, apperr.Validation("UNRESOLVED_ASSET", "note references an asset missing from the manifest", map[string]any{
					"noteId": note.ID, "assetId": ref,
				})
			}
		}
	}
	return payloads, nil
}

// checkAcyclic follows every parent chain. Marks of 1 only ever belong to
// the chain being walked, so meeting one again means a cycle.
func checkAcyclic(notes []Note, index map[string]int) error {
	state := make([]uint8, len(notes))
	for start := range notes {
		var path []int
		i := start
		for state[i] != 2 {
			if state[i] == 1 {
				return invalid("PARENT_CYCLE", "note parents form a cycle", "noteId", notes[i].ID)
			}
			state[i] = 1
			path = append(path, i)
			parent := notes[i].ParentID
			if parent == nil {
				break
			}
			i = index[*parent]
		}
		for _, p := range path {
			state[p] = 2
		}
	}
	return nil
}

func invalid(code, message, key, id string) error {
	return apperr.Validation(code, message, map[string]any{key: id})
}

// AssetRef extracts the manifest asset id from an asset:// reference.
func AssetRef(src string) (string, bool) {
	if !strings.HasPrefix(src, AssetScheme) {
		return "", false
	}
	ref := strings.TrimPrefix(src, AssetScheme)
	return ref, ref != ""
}

// LiveAssetID extracts the asset id from a live file URL, relative or
// absolute.
func LiveAssetID(src string) (string, bool) {
	path := src
	if !strings.HasPrefix(src, "/") {
		parsed, err := url.Parse(src)
		if err != nil || parsed.Host == "" {
			return "", false
		}
		path = parsed.Path
	} else if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, content.URLPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, content.URLPrefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func formatValidationError(err error) string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatFieldError(e))
	}
	return strings.Join(messages, "; ")
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "eq":
		return fmt.Sprintf("%s must be %s", field, e.Param())
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "datetime":
		return fmt.Sprintf("%s must be a date in %s form", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
