package room

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustSet(t *testing.T, path string, v any) Op {
	t.Helper()
	op, err := Set(path, v)
	require.NoError(t, err)
	return op
}

func TestDefaultSnapshot(t *testing.T) {
	s := Default("R1", testNow)

	require.Len(t, s.Files, 1)
	assert.Equal(t, DefaultFileID, s.Files[0].ID)
	assert.Empty(t, s.Files[0].Content)
	require.Len(t, s.CanvasSurfaces, 1)
	assert.Equal(t, DefaultCanvasID, s.ActiveCanvas)
	assert.Empty(t, s.ChatLog)
	assert.Empty(t, s.ExecutionLog)
	assert.Equal(t, int64(0), s.Version)

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"groups":[]`)
}

func TestApplyFileFields(t *testing.T) {
	s := Default("R1", testNow)
	later := testNow.Add(time.Minute)

	require.NoError(t, s.Apply(mustSet(t, FilePath("main", "content"), "x=1"), later, DefaultLimits()))
	require.NoError(t, s.Apply(mustSet(t, FilePath("main", "name"), "app.py"), later, DefaultLimits()))
	require.NoError(t, s.Apply(mustSet(t, FilePath("main", "language"), "python"), later, DefaultLimits()))

	f, ok := s.File("main")
	require.True(t, ok)
	assert.Equal(t, "x=1", f.Content)
	assert.Equal(t, "app.py", f.Name)
	assert.Equal(t, "python", f.Language)
	assert.Equal(t, later.UnixMilli(), f.LastModified)
}

func TestApplyUnknownTargetsAreNotFound(t *testing.T) {
	s := Default("R1", testNow)

	tests := []struct {
		name string
		op   Op
	}{
		{"file field", mustSet(t, FilePath("ghost", "content"), "x")},
		{"group field", mustSet(t, GroupPath("ghost", "name"), "x")},
		{"canvas scene", mustSet(t, CanvasPath("ghost", "scene"), []any{})},
		{"remove file", Remove(FilePath("ghost"))},
		{"remove object", Remove(ObjectPath(DefaultCanvasID, "ghost"))},
		{"active canvas", mustSet(t, PathActiveCanvas, "ghost")},
		{"group reference", mustSet(t, FilePath("main", "groupId"), "ghost")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Apply(tt.op, testNow, DefaultLimits())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestApplyInvalidPaths(t *testing.T) {
	s := Default("R1", testNow)

	for _, op := range []Op{
		mustSet(t, "files", "x"),
		mustSet(t, "files..content", "x"),
		mustSet(t, FilePath("main", "owner"), "x"),
		mustSet(t, PathChatLog, "x"),
		{Kind: OpAppend, Path: FilePath("main")},
		mustSet(t, "unknown", 1),
	} {
		err := s.Apply(op, testNow, DefaultLimits())
		assert.ErrorIs(t, err, ErrInvalidPath, op.Path)
	}
}

func TestFileUpsertAndRemove(t *testing.T) {
	s := Default("R1", testNow)

	require.NoError(t, s.Apply(mustSet(t, FilePath("f2"), File{Name: "util.js", Language: "javascript"}), testNow, DefaultLimits()))
	require.Len(t, s.Files, 2)
	assert.Equal(t, "f2", s.Files[1].ID)

	// Upserting an existing id replaces rather than duplicates.
	require.NoError(t, s.Apply(mustSet(t, FilePath("f2"), File{Name: "helpers.js"}), testNow, DefaultLimits()))
	require.Len(t, s.Files, 2)
	assert.Equal(t, "helpers.js", s.Files[1].Name)

	require.NoError(t, s.Apply(Remove(FilePath("f2")), testNow, DefaultLimits()))
	require.Len(t, s.Files, 1)
}

func TestFileCreateDropsDanglingGroup(t *testing.T) {
	s := Default("R1", testNow)

	require.NoError(t, s.Apply(mustSet(t, FilePath("f2"), File{Name: "a", GroupID: "missing"}), testNow, DefaultLimits()))
	f, _ := s.File("f2")
	assert.Empty(t, f.GroupID)
}

func TestGroupRemoveClearsFileReferences(t *testing.T) {
	s := Default("R1", testNow)
	require.NoError(t, s.Apply(mustSet(t, GroupPath("g1"), Group{Name: "lib", Color: "blue"}), testNow, DefaultLimits()))
	require.NoError(t, s.Apply(mustSet(t, FilePath("main", "groupId"), "g1"), testNow, DefaultLimits()))
	require.NoError(t, s.Apply(mustSet(t, FilePath("f2"), File{Name: "b", GroupID: "g1"}), testNow, DefaultLimits()))

	require.NoError(t, s.Apply(Remove(GroupPath("g1")), testNow, DefaultLimits()))

	assert.Empty(t, s.Groups)
	for _, f := range s.Files {
		assert.Empty(t, f.GroupID, f.ID)
	}
}

func TestGroupFieldUpdates(t *testing.T) {
	s := Default("R1", testNow)
	require.NoError(t, s.Apply(mustSet(t, GroupPath("g1"), Group{Name: "lib"}), testNow, DefaultLimits()))

	require.NoError(t, s.Apply(mustSet(t, GroupPath("g1", "name"), "core"), testNow, DefaultLimits()))
	require.NoError(t, s.Apply(mustSet(t, GroupPath("g1", "color"), "red"), testNow, DefaultLimits()))
	require.NoError(t, s.Apply(mustSet(t, GroupPath("g1", "collapsed"), true), testNow, DefaultLimits()))

	g, ok := s.Group("g1")
	require.True(t, ok)
	assert.Equal(t, Group{ID: "g1", Name: "core", Color: "red", Collapsed: true}, *g)
}

func TestCanvasObjects(t *testing.T) {
	s := Default("R1", testNow)
	path := ObjectPath(DefaultCanvasID, "o1")

	require.NoError(t, s.Apply(Op{Kind: OpSet, Path: path, Value: json.RawMessage(`{"id":"o1","x":1}`)}, testNow, DefaultLimits()))
	require.NoError(t, s.Apply(Op{Kind: OpSet, Path: path, Value: json.RawMessage(`{"id":"o1","x":2}`)}, testNow, DefaultLimits()))

	cs, _ := s.Canvas(DefaultCanvasID)
	require.Len(t, cs.Scene, 1)
	assert.JSONEq(t, `{"id":"o1","x":2}`, string(cs.Scene[0]))

	err := s.Apply(Op{Kind: OpSet, Path: path, Value: json.RawMessage(`{"id":"other"}`)}, testNow, DefaultLimits())
	assert.ErrorIs(t, err, ErrInvalidValue)

	require.NoError(t, s.Apply(Remove(path), testNow, DefaultLimits()))
	assert.Empty(t, cs.Scene)
}

func TestCanvasSceneReplaceAndSurfaceRemoval(t *testing.T) {
	s := Default("R1", testNow)
	require.NoError(t, s.Apply(mustSet(t, CanvasPath("c2"), CanvasSurface{Name: "Second"}), testNow, DefaultLimits()))
	require.NoError(t, s.Apply(Op{Kind: OpSet, Path: CanvasPath("c2", "scene"), Value: json.RawMessage(`[{"id":"a"},{"id":"b"}]`)}, testNow, DefaultLimits()))
	require.NoError(t, s.Apply(mustSet(t, PathActiveCanvas, "c2"), testNow, DefaultLimits()))

	cs, _ := s.Canvas("c2")
	assert.Len(t, cs.Scene, 2)

	require.NoError(t, s.Apply(Remove(CanvasPath("c2")), testNow, DefaultLimits()))
	assert.Equal(t, DefaultCanvasID, s.ActiveCanvas)
}

func TestChatLogIsCapped(t *testing.T) {
	s := Default("R1", testNow)
	limits := DefaultLimits()

	for i := 0; i < DefaultChatLogCap+1; i++ {
		entry := ChatEntry{ID: fmt.Sprintf("m%d", i), Text: "hi"}
		raw, err := json.Marshal(entry)
		require.NoError(t, err)
		require.NoError(t, s.Apply(Op{Kind: OpAppend, Path: PathChatLog, Value: raw}, testNow, limits))
	}

	require.Len(t, s.ChatLog, DefaultChatLogCap)
	assert.Equal(t, "m1", s.ChatLog[0].ID)
	assert.Equal(t, fmt.Sprintf("m%d", DefaultChatLogCap), s.ChatLog[DefaultChatLogCap-1].ID)
}

func TestExecutionLogBatchAppend(t *testing.T) {
	s := Default("R1", testNow)
	limits := Limits{ChatLog: 10, ExecutionLog: 3}

	values := make([]json.RawMessage, 0, 5)
	for i := 0; i < 5; i++ {
		raw, _ := json.Marshal(ExecutionEntry{ID: fmt.Sprintf("e%d", i), ExitCode: i})
		values = append(values, raw)
	}
	require.NoError(t, s.Apply(Op{Kind: OpAppend, Path: PathExecutionLog, Values: values}, testNow, limits))

	require.Len(t, s.ExecutionLog, 3)
	assert.Equal(t, "e2", s.ExecutionLog[0].ID)
	assert.Equal(t, "e4", s.ExecutionLog[2].ID)
}

func TestNormalize(t *testing.T) {
	s := Default("R1", testNow)
	s.Groups = []Group{{ID: "used"}, {ID: "orphan"}}
	s.Files = append(s.Files, File{ID: "f2", GroupID: "used"}, File{ID: "f3", GroupID: "gone"})
	s.ActiveCanvas = "gone"
	for i := 0; i < 5; i++ {
		s.ChatLog = append(s.ChatLog, ChatEntry{ID: fmt.Sprintf("m%d", i)})
	}

	changed := s.Normalize(Limits{ChatLog: 2, ExecutionLog: 2})

	assert.True(t, changed)
	assert.Equal(t, []Group{{ID: "used"}}, s.Groups)
	f3, _ := s.File("f3")
	assert.Empty(t, f3.GroupID)
	assert.Equal(t, DefaultCanvasID, s.ActiveCanvas)
	assert.Len(t, s.ChatLog, 2)
	assert.Equal(t, "m3", s.ChatLog[0].ID)

	assert.False(t, s.Normalize(Limits{ChatLog: 2, ExecutionLog: 2}))
}

func TestCloneIsDeep(t *testing.T) {
	s := Default("R1", testNow)
	c := s.Clone()

	c.Files[0].Content = "changed"
	c.CanvasSurfaces[0].Scene = append(c.CanvasSurfaces[0].Scene, json.RawMessage(`{"id":"x"}`))

	assert.Empty(t, s.Files[0].Content)
	assert.Empty(t, s.CanvasSurfaces[0].Scene)
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("main"))
	assert.True(t, ValidID("f_1-a"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("a.b"))
	assert.False(t, ValidID("a b"))
}
