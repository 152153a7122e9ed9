package outline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outliner/api/internal/apperr"
	"outliner/api/internal/history"
	"outliner/api/internal/store"
	"outliner/api/internal/store/storetest"
	"outliner/api/internal/tree"
)

type fixture struct {
	store     *store.Store
	projectID string
	recorder  *history.Recorder
	service   *Service
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	s := storetest.New(t)
	projectID := storetest.Project(t, s, "default")
	recorder := history.NewRecorder(s, nil)
	return fixture{store: s, projectID: projectID, recorder: recorder, service: NewService(s, recorder, nil, opts...)}
}

func (f fixture) save(t *testing.T, body string) SaveResult {
	t.Helper()
	forest, err := DecodeForest([]byte(body))
	require.NoError(t, err)
	result, err := f.service.Save(context.Background(), f.projectID, forest)
	require.NoError(t, err)
	return result
}

func (f fixture) read(t *testing.T) []*tree.Node {
	t.Helper()
	forest, err := f.service.Read(context.Background(), f.projectID)
	require.NoError(t, err)
	return forest
}

func titles(nodes []*tree.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Title)
	}
	return out
}

func TestSavePlaceholdersAndReadBack(t *testing.T) {
	f := newFixture(t)
	result := f.save(t, `[{"id":null,"title":"A"},{"id":null,"title":"B","children":[{"id":null,"title":"C"}]}]`)

	assert.True(t, result.OK)
	assert.Empty(t, result.Deleted)
	require.Len(t, result.NewIDMap, 3)
	assert.Contains(t, result.NewIDMap, "#0")
	assert.Contains(t, result.NewIDMap, "#1")
	assert.Contains(t, result.NewIDMap, "#1.0")
	assert.NotZero(t, result.VersionID)

	forest := f.read(t)
	require.Equal(t, []string{"A", "B"}, titles(forest))
	require.Equal(t, []string{"C"}, titles(forest[1].Children))
	assert.Equal(t, result.NewIDMap["#0"], forest[0].ID)
	assert.Equal(t, result.NewIDMap["#1"], forest[1].ID)
	assert.Equal(t, result.NewIDMap["#1.0"], forest[1].Children[0].ID)
}

func TestSaveMapsClientPlaceholders(t *testing.T) {
	f := newFixture(t)
	result := f.save(t, `{"nodes":[{"id":"tmp-1","title":"A","children":[{"id":"tmp-2","title":"B"}]},{"id":7,"title":"C"}]}`)

	require.Len(t, result.NewIDMap, 3)
	forest := f.read(t)
	assert.Equal(t, result.NewIDMap["tmp-1"], forest[0].ID)
	assert.Equal(t, result.NewIDMap["tmp-2"], forest[0].Children[0].ID)
	assert.Equal(t, result.NewIDMap["7"], forest[1].ID)
	require.NotNil(t, forest[0].Children[0].ParentID)
	assert.Equal(t, forest[0].ID, *forest[0].Children[0].ParentID)
}

func TestSaveKeepsPlaceholderThatLooksLikeAPath(t *testing.T) {
	f := newFixture(t)
	result := f.save(t, `[{"id":"#1","title":"A"},{"title":"B"}]`)

	require.Len(t, result.NewIDMap, 2)
	forest := f.read(t)
	require.Equal(t, []string{"A", "B"}, titles(forest))
	assert.Equal(t, forest[0].ID, result.NewIDMap["#1"])
	assert.Equal(t, forest[1].ID, result.NewIDMap["#1~1"])
}

func TestSaveUpdatesExistingAndRecomputesTags(t *testing.T) {
	f := newFixture(t)
	first := f.save(t, `[{"title":"Plan #q1","status":"todo"}]`)
	id := first.NewIDMap["#0"]

	second := f.save(t, `[{"id":"`+id+`","title":"Plan #Q2","status":"bogus","tags":["ignored"],"content":[{"type":"paragraph","content":[{"type":"text","text":"see #ops"}]}]}]`)
	assert.Empty(t, second.NewIDMap)
	assert.Empty(t, second.Deleted)

	forest := f.read(t)
	require.Len(t, forest, 1)
	assert.Equal(t, id, forest[0].ID)
	assert.Equal(t, "Plan #Q2", forest[0].Title)
	assert.Equal(t, StatusNone, forest[0].Status)
	assert.Equal(t, []string{"ops", "q2"}, forest[0].Tags)
}

func TestSaveKeepsOmittedStatusAndContent(t *testing.T) {
	f := newFixture(t)
	first := f.save(t, `[{"title":"A","status":"done","content":"<p>body</p>"}]`)
	id := first.NewIDMap["#0"]

	f.save(t, `[{"id":"`+id+`","title":"A"}]`)
	forest := f.read(t)
	assert.Equal(t, StatusDone, forest[0].Status)
	assert.JSONEq(t, `"<p>body</p>"`, string(forest[0].Content))
}

func TestSaveDeletesOmittedNodesAndKeepsReparented(t *testing.T) {
	f := newFixture(t)
	first := f.save(t, `[{"title":"P","children":[{"title":"keep","workedDates":["2024-01-01"]},{"title":"drop","workedDates":["2024-01-02"]}]},{"title":"Q"}]`)
	p, keep, drop, q := first.NewIDMap["#0"], first.NewIDMap["#0.0"], first.NewIDMap["#0.1"], first.NewIDMap["#1"]

	second := f.save(t, `[{"id":"`+q+`","title":"Q","children":[{"id":"`+keep+`","title":"keep"}]}]`)
	assert.ElementsMatch(t, []string{p, drop}, second.Deleted)

	forest := f.read(t)
	require.Equal(t, []string{"Q"}, titles(forest))
	require.Equal(t, []string{"keep"}, titles(forest[0].Children))
	assert.Equal(t, []string{"2024-01-01"}, forest[0].Children[0].OwnWorkedOnDates)

	dates, err := f.store.WorkedDates(context.Background(), f.projectID)
	require.NoError(t, err)
	assert.NotContains(t, dates, drop)
}

func TestSaveDeletesNestedSubtreeTransitively(t *testing.T) {
	f := newFixture(t)
	first := f.save(t, `[{"title":"A","children":[{"title":"B","children":[{"title":"C"}]}]},{"title":"D"}]`)
	d := first.NewIDMap["#1"]

	second := f.save(t, `[{"id":"`+d+`","title":"D"}]`)
	assert.Len(t, second.Deleted, 3)

	rows, err := f.store.ListNodes(context.Background(), f.projectID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, d, rows[0].ID)
}

func TestSaveAppliesWorkedDateDiff(t *testing.T) {
	f := newFixture(t)
	first := f.save(t, `[{"title":"A","ownWorkedOnDates":["2024-01-01","2024-01-02"]}]`)
	id := first.NewIDMap["#0"]
	ctx := context.Background()

	require.NoError(t, f.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AddWorkedDate(ctx, id, "2024-02-01")
	}))

	f.save(t, `[{"id":"`+id+`","title":"A","worked_dates":["2024-01-02","2024-03-03T23:30:00-05:00","2024-02-01"]}]`)
	forest := f.read(t)
	assert.Equal(t, []string{"2024-01-02", "2024-02-01", "2024-03-03"}, forest[0].OwnWorkedOnDates)

	f.save(t, `[{"id":"`+id+`","title":"A renamed"}]`)
	forest = f.read(t)
	assert.Equal(t, []string{"2024-01-02", "2024-02-01", "2024-03-03"}, forest[0].OwnWorkedOnDates, "absent date fields leave dates alone")
}

func TestSaveRejectsInvalidInputWithoutWriting(t *testing.T) {
	f := newFixture(t)
	first := f.save(t, `[{"title":"A"}]`)
	id := first.NewIDMap["#0"]

	cases := map[string]string{
		"bad date":     `[{"title":"B","workedDates":["yesterday"]}]`,
		"duplicate id": `[{"id":"` + id + `","title":"x"},{"id":"` + id + `","title":"y"}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			forest, err := DecodeForest([]byte(body))
			require.NoError(t, err)
			_, err = f.service.Save(context.Background(), f.projectID, forest)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))

			got := f.read(t)
			require.Equal(t, []string{"A"}, titles(got))
			assert.Equal(t, id, got[0].ID)
		})
	}
}

func TestSaveRejectsDeepForest(t *testing.T) {
	f := newFixture(t)
	body := strings.Repeat(`{"title":"x","children":[`, MaxDepth+1) + strings.Repeat(`]}`, MaxDepth+1)
	forest, err := DecodeForest([]byte("[" + body + "]"))
	require.NoError(t, err)
	_, err = f.service.Save(context.Background(), f.projectID, forest)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSaveUnknownProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Save(context.Background(), "missing", nil)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSaveRecordsAutosaveOncePerChange(t *testing.T) {
	f := newFixture(t)
	first := f.save(t, `[{"title":"A"}]`)
	id := first.NewIDMap["#0"]
	body := `[{"id":"` + id + `","title":"A"}]`

	second := f.save(t, body)
	assert.True(t, second.VersionSkipped)
	assert.Equal(t, first.VersionID, second.VersionID)

	count, err := f.store.CountVersions(context.Background(), f.projectID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDecodeForest(t *testing.T) {
	forest, err := DecodeForest([]byte(`{"tree":[{"id":12.5,"title":null,"children":null,"workedOnDates":["2024-01-01"],"ownWorkedOnDates":null}]}`))
	require.NoError(t, err)
	require.Len(t, forest, 1)
	assert.Equal(t, "12.5", forest[0].ID)
	assert.Equal(t, "", forest[0].Title)
	assert.True(t, forest[0].HasWorkedDates)
	assert.Equal(t, []string{"2024-01-01"}, forest[0].WorkedDates)
	assert.False(t, forest[0].HasContent)

	for _, body := range []string{``, `{}`, `"x"`, `[1]`, `[{"id":true}]`} {
		_, err := DecodeForest([]byte(body))
		assert.True(t, apperr.Is(err, apperr.KindValidation), "body %q", body)
	}
}

func TestNormalizeDate(t *testing.T) {
	day, ok := NormalizeDate("2024-02-29")
	assert.True(t, ok)
	assert.Equal(t, "2024-02-29", day)

	day, ok = NormalizeDate("2024-05-06T01:02:03Z")
	assert.True(t, ok)
	assert.Equal(t, "2024-05-06", day)

	_, ok = NormalizeDate("2023-02-29")
	assert.False(t, ok)
}

type fixedSanitizer struct{}

func (fixedSanitizer) Sanitize(_ context.Context, content json.RawMessage) (json.RawMessage, bool, error) {
	if !strings.Contains(string(content), "data:") {
		return content, false, nil
	}
	return json.RawMessage(`"<img src=\"/api/files/x\">"`), true, nil
}

func TestReadPersistsSanitizedContent(t *testing.T) {
	f := newFixture(t, WithSanitizer(fixedSanitizer{}))
	f.save(t, `[{"title":"A","content":"<img src=\"data:image/png;base64,AAAA\">"},{"title":"B","content":"<p>plain</p>"}]`)

	forest := f.read(t)
	assert.JSONEq(t, `"<img src=\"/api/files/x\">"`, string(forest[0].Content))

	rows, err := f.store.ListNodes(context.Background(), f.projectID)
	require.NoError(t, err)
	for _, row := range rows {
		if row.Title == "A" {
			assert.JSONEq(t, `"<img src=\"/api/files/x\">"`, string(row.Content))
		}
	}
}

type funcSanitizer func(ctx context.Context, content json.RawMessage) (json.RawMessage, bool, error)

func (fn funcSanitizer) Sanitize(ctx context.Context, content json.RawMessage) (json.RawMessage, bool, error) {
	return fn(ctx, content)
}

func TestReadKeepsContentSavedDuringSanitize(t *testing.T) {
	f := newFixture(t)
	f.save(t, `[{"title":"A","content":"<img src=\"data:image/png;base64,AAAA\">"}]`)
	nodeID := f.read(t)[0].ID

	reader := NewService(f.store, f.recorder, nil, WithSanitizer(funcSanitizer(func(ctx context.Context, content json.RawMessage) (json.RawMessage, bool, error) {
		f.save(t, `[{"id":"`+nodeID+`","title":"A","content":"<p>edited meanwhile</p>"}]`)
		return json.RawMessage(`"<img src=\"/api/files/x\">"`), true, nil
	})))
	_, err := reader.Read(context.Background(), f.projectID)
	require.NoError(t, err)

	rows, err := f.store.ListNodes(context.Background(), f.projectID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `"<p>edited meanwhile</p>"`, string(rows[0].Content))
}

func TestUpdateNodeContentRequiresLoadedContent(t *testing.T) {
	f := newFixture(t)
	f.save(t, `[{"title":"A","content":"<p>one</p>"}]`)
	ctx := context.Background()
	rows, err := f.store.ListNodes(ctx, f.projectID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	written, err := f.store.UpdateNodeContent(ctx, f.projectID, rows[0].ID, json.RawMessage(`"<p>stale</p>"`), json.RawMessage(`"<p>two</p>"`))
	require.NoError(t, err)
	assert.False(t, written)

	written, err = f.store.UpdateNodeContent(ctx, f.projectID, rows[0].ID, rows[0].Content, json.RawMessage(`"<p>two</p>"`))
	require.NoError(t, err)
	assert.True(t, written)
}

func TestUpsertNodeDerivesTags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx *store.Tx) error {
		return UpsertNode(ctx, tx, store.Node{ID: "n1", ProjectID: f.projectID, Title: "#Alpha", Status: "weird", Tags: []string{"forged"}})
	}))
	forest := f.read(t)
	require.Len(t, forest, 1)
	assert.Equal(t, []string{"alpha"}, forest[0].Tags)
	assert.Equal(t, StatusNone, forest[0].Status)
}

func TestWriteErrorsClassifyConflicts(t *testing.T) {
	p := &plannedNode{in: &IncomingNode{ID: "n1"}, path: "0"}

	err := nodeError(fmt.Errorf("insert node n1: %w", store.ErrConflict), p)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.ErrorIs(t, err, store.ErrConflict)

	err = nodeError(errors.New("disk full"), p)
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))

	err = storageError(fmt.Errorf("commit: %w", store.ErrConflict), "save outline failed")
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.True(t, apperr.Is(storageError(store.ErrNotFound, "x"), apperr.KindNotFound))
}
