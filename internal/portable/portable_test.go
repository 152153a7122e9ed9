package portable

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outliner/api/internal/apperr"
	"outliner/api/internal/content"
	"outliner/api/internal/history"
	"outliner/api/internal/outline"
	"outliner/api/internal/store"
	"outliner/api/internal/store/storetest"
	"outliner/api/internal/tree"
)

type fixture struct {
	store    *store.Store
	assets   *content.Store
	outline  *outline.Service
	exporter *Exporter
	importer *Importer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := storetest.New(t)
	blobs, err := content.NewDiskBlobs(t.TempDir())
	require.NoError(t, err)
	assets := content.New(s, blobs, nil)
	recorder := history.NewRecorder(s, nil)
	return fixture{
		store:    s,
		assets:   assets,
		outline:  outline.NewService(s, recorder, nil, outline.WithSanitizer(NewSanitizer(assets, nil))),
		exporter: NewExporter(s, assets, nil),
		importer: NewImporter(s, assets, recorder, nil),
	}
}

func (f fixture) save(t *testing.T, projectID, body string) {
	t.Helper()
	forest, err := outline.DecodeForest([]byte(body))
	require.NoError(t, err)
	_, err = f.outline.Save(context.Background(), projectID, forest)
	require.NoError(t, err)
}

func (f fixture) fileCount(t *testing.T) int {
	t.Helper()
	var count int
	require.NoError(t, f.store.DB().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM files`).Scan(&count))
	return count
}

type shape struct {
	Title    string
	Status   string
	Tags     []string
	Children []shape
}

func shapeOf(nodes []*tree.Node) []shape {
	out := []shape{}
	for _, n := range nodes {
		out = append(out, shape{Title: n.Title, Status: n.Status, Tags: n.Tags, Children: shapeOf(n.Children)})
	}
	return out
}

func encodeJSON(t *testing.T, value any) string {
	t.Helper()
	encoded, err := json.Marshal(value)
	require.NoError(t, err)
	return string(encoded)
}

func TestExportImportRoundTripDeduplicatesAssets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := storetest.Project(t, f.store, "src")
	dst := storetest.Project(t, f.store, "dst")

	imgA, err := f.assets.Put(ctx, []byte("image-a-bytes"), "image/png", "a.png")
	require.NoError(t, err)
	imgB, err := f.assets.Put(ctx, []byte("image-b-bytes"), "image/gif", "b.gif")
	require.NoError(t, err)

	treeContent := encodeJSON(t, []any{map[string]any{"type": "image", "attrs": map[string]any{"src": imgA.URL()}}})
	htmlContent := encodeJSON(t, `<p>#shared</p><img src="`+imgA.URL()+`"><img src="`+imgB.URL()+`">`)
	absContent := encodeJSON(t, []any{map[string]any{"type": "image", "props": map[string]any{"url": "https://notes.example" + imgA.URL()}}})

	f.save(t, src, `[
		{"title":"one #alpha","status":"todo","content":`+treeContent+`},
		{"title":"two","status":"done","content":`+htmlContent+`,"workedDates":["2024-06-01"],"children":[
			{"title":"three","content":`+absContent+`}
		]}
	]`)

	manifest, err := f.exporter.Export(ctx, src, "src")
	require.NoError(t, err)
	assert.Equal(t, Schema, manifest.Schema)
	require.Len(t, manifest.Notes, 3)
	require.Len(t, manifest.Assets, 2)
	assert.Equal(t, []string{"alpha", "shared"}, manifest.Tags)
	for _, note := range manifest.Notes {
		assert.NotContains(t, string(note.Content), "/api/files/")
	}

	// Through JSON, as a file would travel.
	decoded, err := DecodeManifest([]byte(encodeJSON(t, manifest)))
	require.NoError(t, err)

	result, err := f.importer.Import(ctx, dst, decoded)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 3, result.NotesImported)
	assert.Equal(t, 2, result.AssetsProcessed)
	assert.Equal(t, 2, f.fileCount(t))

	srcForest, err := f.outline.Read(ctx, src)
	require.NoError(t, err)
	dstForest, err := f.outline.Read(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, shapeOf(srcForest), shapeOf(dstForest))
	assert.Equal(t, []string{"2024-06-01"}, dstForest[1].OwnWorkedOnDates)
	assert.NotEqual(t, srcForest[0].ID, dstForest[0].ID)

	assert.Contains(t, string(dstForest[0].Content), imgA.URL())
	assert.Contains(t, string(dstForest[1].Content), imgB.URL())
}

func TestImportAppendsAfterExistingRoots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := storetest.Project(t, f.store, "default")
	f.save(t, projectID, `[{"title":"existing-0"},{"title":"existing-1"}]`)

	parent := "p"
	manifest := Manifest{
		Schema: Schema,
		Notes: []Note{
			{ID: "c", ParentID: &parent, Position: 7, Title: "child"},
			{ID: "p", Position: 0, Title: "imported"},
		},
	}
	result, err := f.importer.Import(ctx, projectID, manifest)
	require.NoError(t, err)
	assert.Equal(t, 2, result.NotesImported)

	forest, err := f.outline.Read(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, forest, 3)
	assert.Equal(t, "imported", forest[2].Title)
	assert.Equal(t, 2, forest[2].Position)
	require.Len(t, forest[2].Children, 1)
	assert.Equal(t, 7, forest[2].Children[0].Position)
}

func TestImportDigestMismatchWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := storetest.Project(t, f.store, "default")

	data := []byte("real bytes")
	manifest := Manifest{
		Schema: Schema,
		Notes: []Note{{
			ID:      "n1",
			Title:   "with image",
			Content: json.RawMessage(`[{"type":"image","attrs":{"src":"asset://a1"}}]`),
		}},
		Assets: []ManifestAsset{{
			ID:        "a1",
			MimeType:  "image/png",
			SizeBytes: int64(len(data)),
			Digest:    strings.Repeat("0", 64),
			Data:      base64.StdEncoding.EncodeToString(data),
		}},
	}

	_, err := f.importer.Import(ctx, projectID, manifest)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	var domainErr *apperr.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "ASSET_DIGEST_MISMATCH", domainErr.Code)

	rows, err := f.store.ListNodes(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 0, f.fileCount(t))
}

func TestValidateRejectsStructuralProblems(t *testing.T) {
	data := []byte("x")
	goodAsset := ManifestAsset{ID: "a1", SizeBytes: 1, Digest: content.Digest(data), Data: base64.StdEncoding.EncodeToString(data)}
	ref := func(id string) *string { return &id }

	tests := []struct {
		name     string
		manifest Manifest
		code     string
	}{
		{"wrong schema", Manifest{Schema: "v0"}, "INVALID_MANIFEST"},
		{"missing note id", Manifest{Schema: Schema, Notes: []Note{{Title: "x"}}}, "INVALID_MANIFEST"},
		{"bad status", Manifest{Schema: Schema, Notes: []Note{{ID: "n1", Status: "later"}}}, "INVALID_MANIFEST"},
		{"bad date", Manifest{Schema: Schema, Notes: []Note{{ID: "n1", WorkedDates: []string{"June"}}}}, "INVALID_MANIFEST"},
		{"duplicate note", Manifest{Schema: Schema, Notes: []Note{{ID: "n1"}, {ID: "n1"}}}, "DUPLICATE_NOTE_ID"},
		{"unknown parent", Manifest{Schema: Schema, Notes: []Note{{ID: "n1", ParentID: ref("n9")}}}, "UNRESOLVED_PARENT"},
		{"cycle", Manifest{Schema: Schema, Notes: []Note{{ID: "n1", ParentID: ref("n2")}, {ID: "n2", ParentID: ref("n1")}}}, "PARENT_CYCLE"},
		{"size mismatch", Manifest{Schema: Schema, Assets: []ManifestAsset{{ID: "a1", SizeBytes: 2, Digest: goodAsset.Digest, Data: goodAsset.Data}}}, "ASSET_SIZE_MISMATCH"},
		{"unresolved asset", Manifest{Schema: Schema, Assets: []ManifestAsset{goodAsset}, Notes: []Note{{ID: "n1", Content: json.RawMessage(`"<img src=\"asset://a2\">"`)}}}, "UNRESOLVED_ASSET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.manifest)
			require.Error(t, err)
			var domainErr *apperr.DomainError
			require.ErrorAs(t, err, &domainErr)
			assert.Equal(t, apperr.KindValidation, domainErr.Kind)
			assert.Equal(t, tt.code, domainErr.Code)
		})
	}

	payloads, err := Validate(Manifest{Schema: Schema, Assets: []ManifestAsset{goodAsset}, Notes: []Note{{ID: "n1", Content: json.RawMessage(`"<img src=\"asset://a1\">"`)}}})
	require.NoError(t, err)
	assert.Equal(t, data, payloads["a1"])
}

func TestSanitizerStoresInlineImagesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := storetest.Project(t, f.store, "default")

	payload := base64.StdEncoding.EncodeToString([]byte("pasted-image"))
	dataURI := "data:image/png;base64," + payload
	f.save(t, projectID, `[
		{"title":"a","content":`+encodeJSON(t, `<img src="`+dataURI+`">`)+`},
		{"title":"b","content":`+encodeJSON(t, []any{map[string]any{"type": "image", "attrs": map[string]any{"src": dataURI}}})+`}
	]`)

	forest, err := f.outline.Read(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fileCount(t))
	for _, n := range forest {
		assert.NotContains(t, string(n.Content), "data:")
		assert.Contains(t, string(n.Content), "/api/files/file_")
	}

	rows, err := f.store.ListNodes(ctx, projectID)
	require.NoError(t, err)
	for _, row := range rows {
		assert.NotContains(t, string(row.Content), "data:")
	}

	// Uploading the same bytes directly resolves to the pasted asset.
	asset, err := f.assets.Put(ctx, []byte("pasted-image"), "image/png", "upload.png")
	require.NoError(t, err)
	assert.Contains(t, string(forest[0].Content), asset.URL())
	assert.Equal(t, 1, f.fileCount(t))
}

func TestDecodeDataURI(t *testing.T) {
	data, mimeType, err := DecodeDataURI("data:image/gif;base64,R0lG\nODlh")
	require.NoError(t, err)
	assert.Equal(t, "image/gif", mimeType)
	assert.Equal(t, []byte("GIF89a"), data)

	data, mimeType, err = DecodeDataURI("data:,hello%20world")
	require.NoError(t, err)
	assert.Equal(t, "", mimeType)
	assert.Equal(t, "hello world", string(data))

	_, _, err = DecodeDataURI("data:image/png;base64")
	assert.Error(t, err)
	_, _, err = DecodeDataURI("data:image/png;base64,")
	assert.Error(t, err)
}

func TestLiveAssetID(t *testing.T) {
	tests := []struct {
		src  string
		id   string
		live bool
	}{
		{"/api/files/file_1", "file_1", true},
		{"/api/files/file_1?download=1", "file_1", true},
		{"https://host.example/api/files/file_2", "file_2", true},
		{"/api/files/", "", false},
		{"/api/files/a/b", "", false},
		{"https://cdn.example/image.png", "", false},
		{"asset://a1", "", false},
		{"relative/api/files/x", "", false},
	}
	for _, tt := range tests {
		id, ok := LiveAssetID(tt.src)
		assert.Equal(t, tt.live, ok, tt.src)
		assert.Equal(t, tt.id, id, tt.src)
	}
}
