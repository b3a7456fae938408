package note

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&Note{}, &Tag{}, &TodoItem{}))
	return gdb
}

func mustNote(t *testing.T, gdb *gorm.DB, userID uint64, category, content string, tags ...string) Note {
	t.Helper()
	n := Note{UserID: userID, Content: content, Category: category}
	require.NoError(t, gdb.Create(&n).Error)
	for _, name := range tags {
		require.NoError(t, gdb.Create(&Tag{NoteID: n.ID, UserID: userID, Name: name, Confidence: 1}).Error)
	}
	return n
}

type rebuildCall struct {
	Category string
	TagName  string
	Force    bool
}

type fakeRebuilder struct {
	calls []rebuildCall
	err   error
}

func (f *fakeRebuilder) RebuildForCategory(_ context.Context, _ uint64, category, tagName string, force bool) error {
	f.calls = append(f.calls, rebuildCall{Category: category, TagName: tagName, Force: force})
	return f.err
}

func TestMerge_RewritesAllVariants(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	m := &Merger{DB: gdb, Clusters: rb, Log: zerolog.Nop()}

	a := mustNote(t, gdb, 1, CategoryToDo, "a", "ToDo")
	b := mustNote(t, gdb, 1, CategoryToDo, "b", "To-do")
	c := mustNote(t, gdb, 1, CategoryJournal, "c", "Todo") // already canonical

	results := m.Merge(context.Background(), 1, []MergeGroup{
		{PrimaryName: "Todo", SimilarNames: []string{"ToDo", "To-do"}},
	})
	require.Len(t, results, 1)
	require.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, "Todo", results[0].PrimaryName)
	assert.ElementsMatch(t, []uint64{a.ID, b.ID}, results[0].AffectedNoteIDs)

	var count int64
	gdb.Model(&Tag{}).Where("name IN ?", []string{"ToDo", "To-do"}).Count(&count)
	assert.Zero(t, count)

	for _, n := range []Note{a, b, c} {
		var rows []Tag
		require.NoError(t, gdb.Where("note_id=? AND name=?", n.ID, "Todo").Find(&rows).Error)
		assert.Len(t, rows, 1, "note %d should carry exactly one Todo tag", n.ID)
	}
}

func TestMerge_NoDuplicateWhenNoteHasSeveralVariants(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	m := &Merger{DB: gdb, Clusters: rb, Log: zerolog.Nop()}

	// one note carries the primary plus two variants
	n := mustNote(t, gdb, 1, CategoryToDo, "x", "Todo", "ToDo", "To-do")

	results := m.Merge(context.Background(), 1, []MergeGroup{
		{PrimaryName: "Todo", SimilarNames: []string{"ToDo", "To-do"}},
	})
	require.True(t, results[0].Success, results[0].Error)

	var rows []Tag
	require.NoError(t, gdb.Where("note_id=?", n.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "Todo", rows[0].Name)
}

func TestMerge_GroupsAreIsolated(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	m := &Merger{DB: gdb, Clusters: rb, Log: zerolog.Nop()}

	mustNote(t, gdb, 1, CategoryToDo, "a", "Groceries")
	mustNote(t, gdb, 1, CategoryToDo, "b", "grocery")

	results := m.Merge(context.Background(), 1, []MergeGroup{
		{PrimaryName: "Todo", SimilarNames: []string{""}},          // invalid
		{PrimaryName: "Nope", SimilarNames: []string{"No-match"}},  // nothing to rewrite
		{PrimaryName: "Groceries", SimilarNames: []string{"grocery"}},
	})
	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Error)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success, results[2].Error)

	var count int64
	gdb.Model(&Tag{}).Where("name=?", "Groceries").Count(&count)
	assert.EqualValues(t, 2, count)
}

func TestMerge_TriggersClusterReevaluation(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	m := &Merger{DB: gdb, Clusters: rb, Log: zerolog.Nop()}

	mustNote(t, gdb, 1, CategoryToDo, "a", "ToDo")
	mustNote(t, gdb, 1, CategoryJournal, "b", "To-do")

	results := m.Merge(context.Background(), 1, []MergeGroup{
		{PrimaryName: "Todo", SimilarNames: []string{"ToDo", "To-do"}},
	})
	require.True(t, results[0].Success, results[0].Error)

	// primary rebuilt with force in both touched categories, stale names
	// re-evaluated without force
	want := map[rebuildCall]bool{}
	for _, cat := range []string{CategoryToDo, CategoryJournal} {
		want[rebuildCall{Category: cat, TagName: "Todo", Force: true}] = true
		want[rebuildCall{Category: cat, TagName: "ToDo", Force: false}] = true
		want[rebuildCall{Category: cat, TagName: "To-do", Force: false}] = true
	}
	got := map[rebuildCall]bool{}
	for _, c := range rb.calls {
		got[c] = true
	}
	assert.Equal(t, want, got)
}

func TestMerge_ScopedToUser(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	m := &Merger{DB: gdb, Clusters: rb, Log: zerolog.Nop()}

	mine := mustNote(t, gdb, 1, CategoryToDo, "mine", "ToDo")
	theirs := mustNote(t, gdb, 2, CategoryToDo, "theirs", "ToDo")

	results := m.Merge(context.Background(), 1, []MergeGroup{
		{PrimaryName: "Todo", SimilarNames: []string{"ToDo"}},
	})
	require.True(t, results[0].Success)
	assert.Equal(t, []uint64{mine.ID}, results[0].AffectedNoteIDs)

	var other Tag
	require.NoError(t, gdb.Where("note_id=?", theirs.ID).First(&other).Error)
	assert.Equal(t, "ToDo", other.Name, "other user's tags untouched")
}

func TestMerge_SimilarEqualToPrimaryIgnored(t *testing.T) {
	gdb := testDB(t)
	m := &Merger{DB: gdb, Clusters: &fakeRebuilder{}, Log: zerolog.Nop()}

	results := m.Merge(context.Background(), 1, []MergeGroup{
		{PrimaryName: "Todo", SimilarNames: []string{"Todo", " Todo "}},
	})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "no similar names to merge", results[0].Error)
}

func TestMerge_MatchesStoredSpellingsAsSupplied(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	m := &Merger{DB: gdb, Clusters: rb, Log: zerolog.Nop()}

	// stored spellings that normalization would not reproduce
	a := mustNote(t, gdb, 1, CategoryToDo, "a", "todo")
	b := mustNote(t, gdb, 1, CategoryToDo, "b", "tODo")

	results := m.Merge(context.Background(), 1, []MergeGroup{
		{PrimaryName: "Todo", SimilarNames: []string{"todo", "tODo"}},
	})
	require.Len(t, results, 1)
	require.True(t, results[0].Success, results[0].Error)
	assert.ElementsMatch(t, []uint64{a.ID, b.ID}, results[0].AffectedNoteIDs)

	for _, n := range []Note{a, b} {
		var rows []Tag
		require.NoError(t, gdb.Where("note_id=?", n.ID).Find(&rows).Error)
		require.Len(t, rows, 1, "note %d", n.ID)
		assert.Equal(t, "Todo", rows[0].Name)
	}
}

